// Package transport defines the interfaces for moving serialized RPC messages between
// client and server. Every request carries a shard id, which is the client number of
// the endpoint that should handle it.
//
// Key Components:
//
//   - IRPCClientTransport: client side, Send blocks until the response arrives, the
//     context is done or the configured timeout expires (ErrTimeout).
//
//   - IRPCServerTransport: server side, routes every request to the registered
//     ServerHandleFunc.
//
// Implementations live in the sub packages: tcp and unix (framed, sharing base), http,
// jsonrpc (JSON-RPC 2.0 over HTTP) and local (in process, used by tests).
package transport
