// Package base implements the framed transport shared by tcp and unix. Protocol specific
// parts (dialing, listening, socket options) come from an IClientConnector or
// IServerConnector.
//
// Frame format:
//
//	8 bytes shard id | 8 bytes request id | 4 bytes length | payload
//
// Key Components:
//
//   - clientTransport: keeps ConnectionsPerEndpoint connections per endpoint and picks
//     them round robin. Responses are matched to requests by request id, so many
//     requests share one connection. A broken connection fails only the requests
//     waiting on it and is dialed again on the next send. A request is resent (up to
//     RetryCount attempts) only if not a single byte of its frame was written.
//
//   - serverTransport: accepts connections and handles up to WorkersPerConn requests
//     per connection concurrently. Read buffers come from a sync.Pool.
//
// Thread Safety:
//
//	All public methods are safe for concurrent use.
package base
