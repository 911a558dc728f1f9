package client

import (
	"context"
	"errors"

	"github.com/ValentinKolb/rfcunit/lib/rfc"
	"github.com/ValentinKolb/rfcunit/rpc/common"
	"github.com/ValentinKolb/rfcunit/rpc/serializer"
	"github.com/ValentinKolb/rfcunit/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger("rpc")
)

// invokeRPCRequest sends one request and returns the decoded response.
// Transport failures are mapped to the error taxonomy: a deadline becomes
// KindTimeout, everything else KindCommunication. Errors reported by the
// endpoint are returned as they arrived. The response type is checked against
// the request type.
func invokeRPCRequest(ctx context.Context, shardId uint64, req *common.Message, t transport.IRPCClientTransport, s serializer.IRPCSerializer) (*common.Message, error) {
	// Serialize the request
	reqBytes, err := s.Serialize(*req)
	if err != nil {
		return nil, rfc.NewErrorCode(rfc.KindProtocol, rfc.RcSerializationFailure, "serialize request: "+err.Error())
	}

	// Send the request
	respBytes, err := t.Send(ctx, shardId, reqBytes)
	if err != nil {
		return nil, transportError(ctx, err)
	}

	// Deserialize the response
	resp := &common.Message{}
	if err := s.Deserialize(respBytes, resp); err != nil {
		return nil, rfc.NewErrorCode(rfc.KindProtocol, rfc.RcSerializationFailure, "deserialize response: "+err.Error())
	}

	// Check if the response is an error response
	if resp.MsgType == common.MsgTError {
		if resp.Err == nil {
			return nil, rfc.NewError(rfc.KindProtocol, "error response without error")
		}
		return nil, resp.Err
	}

	// Check if the type of the response is the expected type
	if resp.MsgType != req.MsgType {
		return nil, rfc.Errorf(rfc.KindProtocol, "unexpected message type: %s, expected %s", resp.MsgType, req.MsgType)
	}

	if resp.Err != nil {
		return nil, resp.Err
	}
	if !resp.Ok {
		return nil, rfc.NewError(rfc.KindProtocol, "response neither ok nor failed")
	}
	return resp, nil
}

// transportError maps a transport failure to the error taxonomy
func transportError(ctx context.Context, err error) *rfc.Error {
	switch {
	case errors.Is(err, transport.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return rfc.NewError(rfc.KindTimeout, err.Error())
	case errors.Is(err, context.Canceled):
		return rfc.ContextError(err)
	case ctx.Err() != nil:
		return rfc.ContextError(ctx.Err())
	default:
		return rfc.NewError(rfc.KindCommunication, err.Error())
	}
}
