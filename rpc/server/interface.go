package server

import (
	"context"

	"github.com/ValentinKolb/rfcunit/lib/endpoint"
	"github.com/ValentinKolb/rfcunit/rpc/common"
)

// IRPCServerAdapter translates request messages into endpoint operations.
type IRPCServerAdapter interface {
	// Handle handles a request for ep and returns the response.
	// Failures are reported in the response, never as a Go error.
	Handle(ctx context.Context, req *common.Message, ep *endpoint.Endpoint) (resp *common.Message)
}
