package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/ValentinKolb/rfcunit/rpc/common"
	"github.com/ValentinKolb/rfcunit/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
)

// listeners maps endpoint names to the handler of the server listening on them
var listeners = xsync.NewMapOf[string, transport.ServerHandleFunc]()

// --------------------------------------------------------------------------
// Server
// --------------------------------------------------------------------------

// NewLocalServerTransport creates a server transport reachable by local clients of the same process
func NewLocalServerTransport() transport.IRPCServerTransport {
	return &serverTransport{done: make(chan struct{})}
}

type serverTransport struct {
	handler   transport.ServerHandleFunc
	closeOnce sync.Once
	done      chan struct{}
}

func (t *serverTransport) RegisterHandler(handler transport.ServerHandleFunc) {
	t.handler = handler
}

func (t *serverTransport) Listen(config common.ServerConfig) error {
	if t.handler == nil {
		return fmt.Errorf("no handler registered")
	}
	endpoint := config.Transport.Endpoint
	select {
	case <-t.done:
		return nil
	default:
	}
	if _, loaded := listeners.LoadOrStore(endpoint, t.handler); loaded {
		return fmt.Errorf("local endpoint %q already in use", endpoint)
	}
	<-t.done
	listeners.Delete(endpoint)
	return nil
}

func (t *serverTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

// --------------------------------------------------------------------------
// Client
// --------------------------------------------------------------------------

// NewLocalClientTransport creates a client transport calling local servers directly
func NewLocalClientTransport() transport.IRPCClientTransport {
	return &clientTransport{}
}

type clientTransport struct {
	endpoint string
}

func (t *clientTransport) Connect(config common.ClientConfig) error {
	if len(config.Transport.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}
	t.endpoint = config.Transport.Endpoints[0]
	return nil
}

// Send runs the handler in its own goroutine so an expired context returns ErrTimeout
// while the handler keeps going, like a request already on the wire.
func (t *clientTransport) Send(ctx context.Context, shardId uint64, req []byte) ([]byte, error) {
	handler, ok := listeners.Load(t.endpoint)
	if !ok {
		return nil, fmt.Errorf("%w: nothing listens on local endpoint %q", transport.ErrNotConnected, t.endpoint)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// the server must not see later changes of the caller's buffer
	frame := append([]byte(nil), req...)

	respCh := make(chan []byte, 1)
	go func() { respCh <- handler(shardId, frame) }()

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, transport.ErrTimeout
		}
		return nil, ctx.Err()
	}
}

func (t *clientTransport) Close() error {
	return nil
}
