package serializer

import "github.com/ValentinKolb/rfcunit/rpc/common"

// IRPCSerializer converts Messages to and from the bytes carried by a transport.
// Implementations are stateless and safe for concurrent use.
type IRPCSerializer interface {
	// Name identifies the format in logs and on the command line
	Name() string
	// Serialize encodes msg
	Serialize(msg common.Message) ([]byte, error)
	// Deserialize decodes b into msg, fields missing in b are reset
	Deserialize(b []byte, msg *common.Message) error
}
