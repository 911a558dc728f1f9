package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/rfcunit/lib/rfc"
	"github.com/ValentinKolb/rfcunit/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasSession  byte = 1 << 0
	hasFunction byte = 1 << 1
	hasPayload  byte = 1 << 2
	hasOk       byte = 1 << 3
	hasErr      byte = 1 << 4
)

// errStrings returns pointers to the string fields of an error in wire order
func errStrings(e *rfc.Error) []*string {
	return []*string{
		&e.Key, &e.Message,
		&e.MsgClass, &e.MsgType, &e.MsgNumber,
		&e.MsgV1, &e.MsgV2, &e.MsgV3, &e.MsgV4,
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Name() string {
	return "binary"
}

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	// Calculate total size needed
	result := make([]byte, b.sizeBytes(msg))

	// Write message type
	result[0] = byte(msg.MsgType)

	var flags byte = 0
	pos := 2 // Start after MsgType and flags

	if msg.Session != "" {
		flags |= hasSession
		pos = putBytes(result, pos, []byte(msg.Session))
	}

	if msg.Function != "" {
		flags |= hasFunction
		pos = putBytes(result, pos, []byte(msg.Function))
	}

	// nil and empty payloads are kept apart
	if msg.Payload != nil {
		flags |= hasPayload
		pos = putBytes(result, pos, msg.Payload)
	}

	if msg.Ok {
		flags |= hasOk
		result[pos] = 1
		pos += 1
	}

	// Err: kind (1 byte), code (2 bytes), then all strings length prefixed
	if msg.Err != nil {
		flags |= hasErr
		result[pos] = byte(msg.Err.Kind)
		binary.BigEndian.PutUint16(result[pos+1:pos+3], uint16(msg.Err.Code))
		pos += 3
		for _, s := range errStrings(msg.Err) {
			pos = putBytes(result, pos, []byte(*s))
		}
	}

	// Set flags byte after knowing which fields are present
	result[1] = flags

	return result, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	// Check minimum size (MsgType + flags)
	if len(data) < 2 {
		return fmt.Errorf("data too short for message header")
	}

	msg.MsgType = common.MessageType(data[0])
	flags := data[1]
	pos := 2

	var (
		field []byte
		err   error
	)

	msg.Session = ""
	if flags&hasSession != 0 {
		if field, pos, err = readBytes(data, pos, "session"); err != nil {
			return err
		}
		msg.Session = string(field)
	}

	msg.Function = ""
	if flags&hasFunction != 0 {
		if field, pos, err = readBytes(data, pos, "function"); err != nil {
			return err
		}
		msg.Function = string(field)
	}

	msg.Payload = nil
	if flags&hasPayload != 0 {
		if field, pos, err = readBytes(data, pos, "payload"); err != nil {
			return err
		}
		// Copy so the message does not alias the read buffer
		msg.Payload = make([]byte, len(field))
		copy(msg.Payload, field)
	}

	msg.Ok = false
	if flags&hasOk != 0 {
		if pos+1 > len(data) {
			return fmt.Errorf("data too short for Ok flag")
		}
		msg.Ok = data[pos] != 0
		pos += 1
	}

	msg.Err = nil
	if flags&hasErr != 0 {
		if pos+3 > len(data) {
			return fmt.Errorf("data too short for error header")
		}
		e := &rfc.Error{
			Kind: rfc.ErrorKind(data[pos]),
			Code: rfc.RetCode(binary.BigEndian.Uint16(data[pos+1 : pos+3])),
		}
		pos += 3
		for _, s := range errStrings(e) {
			if field, pos, err = readBytes(data, pos, "error"); err != nil {
				return err
			}
			*s = string(field)
		}
		msg.Err = e
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates the total size needed for serialization
func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	// 1 byte for MsgType + 1 byte for flags
	size := 2

	if msg.Session != "" {
		size += 4 + len(msg.Session)
	}
	if msg.Function != "" {
		size += 4 + len(msg.Function)
	}
	if msg.Payload != nil {
		size += 4 + len(msg.Payload)
	}
	if msg.Ok {
		size += 1
	}
	if msg.Err != nil {
		size += 3
		for _, s := range errStrings(msg.Err) {
			size += 4 + len(*s)
		}
	}

	return size
}

// putBytes writes a length prefixed field and returns the next write position
func putBytes(dst []byte, pos int, field []byte) int {
	binary.BigEndian.PutUint32(dst[pos:pos+4], uint32(len(field)))
	pos += 4
	copy(dst[pos:pos+len(field)], field)
	return pos + len(field)
}

// readBytes reads a length prefixed field, the returned slice aliases data
func readBytes(data []byte, pos int, name string) ([]byte, int, error) {
	if pos+4 > len(data) {
		return nil, pos, fmt.Errorf("data too short for %s length", name)
	}
	n := int(binary.BigEndian.Uint32(data[pos : pos+4]))
	pos += 4
	if n < 0 || pos+n > len(data) {
		return nil, pos, fmt.Errorf("data too short for %s data", name)
	}
	return data[pos : pos+n], pos + n, nil
}
