package jsonrpc

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/ValentinKolb/rfcunit/rpc/common"
	"github.com/ValentinKolb/rfcunit/rpc/transport"
	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("transport/rpc")

// ServiceName is the JSON-RPC service the frames are sent to
const ServiceName = "RFC"

// methodSend is the JSON-RPC method carrying one serialized message
const methodSend = ServiceName + ".Send"

// SendArgs is the params object of an RFC.Send request
type SendArgs struct {
	Shard uint64 `json:"shard"`
	Frame []byte `json:"frame"`
}

// SendReply is the result object of an RFC.Send request
type SendReply struct {
	Frame []byte `json:"frame"`
}

// frameService is registered with the gorilla rpc server, its exported methods become RPC methods
type frameService struct {
	handler transport.ServerHandleFunc
}

// Send hands the frame to the transport handler
func (s *frameService) Send(_ *http.Request, args *SendArgs, reply *SendReply) error {
	if s.handler == nil {
		return &json2.Error{Code: json2.E_SERVER, Message: "no handler registered"}
	}
	reply.Frame = s.handler(args.Shard, args.Frame)
	return nil
}

// NewJSONRPCServerTransport creates a server transport serving JSON-RPC 2.0 on POST /rpc
func NewJSONRPCServerTransport() transport.IRPCServerTransport {
	return &jsonRPCServerTransport{service: &frameService{}}
}

type jsonRPCServerTransport struct {
	service *frameService

	mu     sync.Mutex
	server *http.Server
	closed bool
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCServerTransport)
// --------------------------------------------------------------------------

func (t *jsonRPCServerTransport) RegisterHandler(handler transport.ServerHandleFunc) {
	t.service.handler = handler
}

func (t *jsonRPCServerTransport) Listen(config common.ServerConfig) error {
	rpcServer := rpc.NewServer()
	rpcServer.RegisterCodec(json2.NewCodec(), "application/json")
	if err := rpcServer.RegisterService(t.service, ServiceName); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/rpc", rpcServer)

	server := &http.Server{
		Addr:              config.Transport.Endpoint,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.server = server
	t.mu.Unlock()

	Logger.Infof("Starting JSON-RPC server on %s/rpc", config.Transport.Endpoint)

	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (t *jsonRPCServerTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	server := t.server
	t.mu.Unlock()

	if server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
