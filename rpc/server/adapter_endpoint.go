package server

import (
	"context"

	"github.com/ValentinKolb/rfcunit/lib/endpoint"
	"github.com/ValentinKolb/rfcunit/lib/rfc"
	"github.com/ValentinKolb/rfcunit/rpc/common"
)

// NewEndpointServerAdapter creates the adapter mapping Open, Close, Ping and Call
// messages to the session and call operations of an endpoint.
func NewEndpointServerAdapter() IRPCServerAdapter {
	return &endpointServerAdapterImpl{}
}

type endpointServerAdapterImpl struct{}

func (adapter *endpointServerAdapterImpl) Handle(ctx context.Context, req *common.Message, ep *endpoint.Endpoint) *common.Message {
	if ep == nil {
		return common.NewErrorResponse(rfc.NewError(rfc.KindRuntime, "handler: endpoint is nil"))
	}

	switch req.MsgType {
	case common.MsgTOpen:
		params, err := req.ConnectionParams()
		if err != nil {
			return common.NewOpenResponse("", err)
		}
		session, err := ep.Logon(params)
		return common.NewOpenResponse(session, err)
	case common.MsgTClose:
		return common.NewCloseResponse(ep.Logoff(req.Session))
	case common.MsgTPing:
		return common.NewPingResponse(ep.Ping(req.Session))
	case common.MsgTCall:
		params, err := req.Parameters()
		if err != nil {
			return common.NewCallResponse(req.Function, nil, err)
		}
		result, err := ep.Call(ctx, req.Session, req.Function, params)
		return common.NewCallResponse(req.Function, result, err)
	default:
		return common.NewErrorResponse(
			rfc.Errorf(rfc.KindProtocol, "unsupported message type: %s", req.MsgType),
		)
	}
}
