// Package rpc carries RFC calls between a client process and the endpoint
// server. Nothing in it knows about units of work: units travel as ordinary
// calls of the RFC_UNIT_* system functions.
//
// The package is organized into several subpackages:
//
//   - common: The Message protocol, server and client configuration, named
//     destinations and the logger setup shared by all packages.
//
//   - transport: Framed byte transports with pluggable implementations
//     (TCP, Unix sockets, HTTP, JSON-RPC over HTTP, in-process).
//
//   - serializer: Message encodings (Binary, JSON, GOB).
//
//   - client: An rfc.IConnector opening one session per connection, to be
//     used with rfc.Pool.
//
//   - server: Hosts one endpoint per logon client and routes every frame to
//     the endpoint named by its shard id.
package rpc
