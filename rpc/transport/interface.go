package transport

import (
	"context"
	"errors"

	"github.com/ValentinKolb/rfcunit/rpc/common"
)

// Errors every client transport reports in a form callers can match with errors.Is.
var (
	// ErrTimeout is returned when a request was sent but no response arrived in time.
	// The request may or may not have been executed.
	ErrTimeout = errors.New("transport: request timed out")
	// ErrNotConnected is returned when no connection is available, nothing was sent.
	ErrNotConnected = errors.New("transport: not connected")
)

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ServerHandleFunc is a function type that handles incoming requests
// This function is called by a server transport layer when a request is received
// It takes a shardId and a request as parameters and returns a response
type ServerHandleFunc func(shardId uint64, req []byte) (resp []byte)

// IRPCServerTransport is the interface for the RPC transport layer
type IRPCServerTransport interface {
	// RegisterHandler registers a handler for the transport layer
	// This handler should be called when a request is received
	// The transport layer is responsible for routing the request to the appropriate shard
	RegisterHandler(handler ServerHandleFunc)
	// Listen starts the transport layer and blocks until Close is called
	Listen(config common.ServerConfig) error
	// Close stops listening, Listen returns nil afterward
	Close() error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IRPCClientTransport is the interface for the RPC client transport
type IRPCClientTransport interface {
	// Connect initializes the transport with the given configuration
	Connect(config common.ClientConfig) error
	// Send sends a request to the server and returns the response.
	// A request is only resent if it was never written to the wire.
	Send(ctx context.Context, shardId uint64, req []byte) (resp []byte, err error)
	// Close closes the transport connection
	Close() error
}
