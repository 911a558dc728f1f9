// Package serializer turns RPC messages into bytes and back. All transports take
// an IRPCSerializer, so the wire format is chosen independently of the transport.
//
// Key Components:
//
//   - IRPCSerializer: Core interface that all serializer implementations must satisfy.
//
//   - binarySerializerImpl: Custom binary format. A flag byte marks the present fields,
//     strings and payloads are length prefixed. Errors are sent as kind, return code and
//     the structured message fields, so the receiving side can still match them with
//     errors.Is.
//
//   - codec: Wraps the standard library's gob and json encodings. JSON is useful
//     when reading frames by hand, gob produces the largest frames.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent use.
//
// Usage:
//
//	s := serializer.NewBinarySerializer()
//	data, err := s.Serialize(*msg)
//	// ... send data ...
//	var received common.Message
//	err = s.Deserialize(data, &received)
package serializer
