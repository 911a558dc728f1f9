// Package jsonrpc carries serialized messages as JSON-RPC 2.0 requests over HTTP, using
// gorilla/rpc on both sides. Every message is one call of RFC.Send with the shard id and
// the frame (base64 in JSON) as params. Useful behind proxies that only pass JSON.
package jsonrpc
