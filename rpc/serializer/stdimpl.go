package serializer

import (
	"bytes"
	"encoding/gob"
	"encoding/json"

	"github.com/ValentinKolb/rfcunit/rpc/common"
)

// NewJSONSerializer creates a serializer using json encoding.
// It is the only format readable by non-Go clients.
func NewJSONSerializer() IRPCSerializer {
	return codec{
		name:      "json",
		marshal:   json.Marshal,
		unmarshal: json.Unmarshal,
	}
}

// NewGOBSerializer creates a serializer using Go's gob format.
// Every message carries its own type description, so gob is the slowest format.
func NewGOBSerializer() IRPCSerializer {
	return codec{
		name: "gob",
		marshal: func(v interface{}) ([]byte, error) {
			var buf bytes.Buffer
			if err := gob.NewEncoder(&buf).Encode(v); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
		unmarshal: func(b []byte, v interface{}) error {
			return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
		},
	}
}

// codec adapts a generic marshal/unmarshal pair to IRPCSerializer
type codec struct {
	name      string
	marshal   func(v interface{}) ([]byte, error)
	unmarshal func(b []byte, v interface{}) error
}

func (c codec) Name() string {
	return c.name
}

func (c codec) Serialize(msg common.Message) ([]byte, error) {
	return c.marshal(msg)
}

func (c codec) Deserialize(b []byte, msg *common.Message) error {
	// decoders leave absent fields untouched
	*msg = common.Message{}
	return c.unmarshal(b, msg)
}
