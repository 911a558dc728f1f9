// Package local connects clients and servers of the same process without a network.
// A server registers its handler under the endpoint name on Listen, clients look the
// name up on every Send. It behaves like a remote transport for timeouts: the handler
// keeps running when the caller gives up.
package local
