package transport_test

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/rfcunit/rpc/common"
	"github.com/ValentinKolb/rfcunit/rpc/transport"
	"github.com/ValentinKolb/rfcunit/rpc/transport/http"
	"github.com/ValentinKolb/rfcunit/rpc/transport/jsonrpc"
	"github.com/ValentinKolb/rfcunit/rpc/transport/local"
	"github.com/ValentinKolb/rfcunit/rpc/transport/tcp"
	"github.com/ValentinKolb/rfcunit/rpc/transport/unix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var localEndpoints atomic.Int64

type transportCase struct {
	server   func() transport.IRPCServerTransport
	client   func() transport.IRPCClientTransport
	endpoint func(t *testing.T) (listen string, dial string)
}

func freeTCPAddr(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

var transports = map[string]transportCase{
	"TCP": {
		server: tcp.NewTCPServerTransport,
		client: tcp.NewTCPClientTransport,
		endpoint: func(t *testing.T) (string, string) {
			addr := freeTCPAddr(t)
			return addr, addr
		},
	},
	"Unix": {
		server: unix.NewUnixServerTransport,
		client: unix.NewUnixClientTransport,
		endpoint: func(t *testing.T) (string, string) {
			path := filepath.Join(t.TempDir(), "rfc.sock")
			return path, path
		},
	},
	"HTTP": {
		server: http.NewHttpServerTransport,
		client: http.NewHttpClientTransport,
		endpoint: func(t *testing.T) (string, string) {
			addr := freeTCPAddr(t)
			return addr, "http://" + addr
		},
	},
	"JSONRPC": {
		server: jsonrpc.NewJSONRPCServerTransport,
		client: jsonrpc.NewJSONRPCClientTransport,
		endpoint: func(t *testing.T) (string, string) {
			addr := freeTCPAddr(t)
			return addr, "http://" + addr
		},
	},
	"Local": {
		server: local.NewLocalServerTransport,
		client: local.NewLocalClientTransport,
		endpoint: func(t *testing.T) (string, string) {
			name := fmt.Sprintf("test-%d", localEndpoints.Add(1))
			return name, name
		},
	},
}

// startPair starts a server with the handler and returns a connected client
func startPair(t *testing.T, tc transportCase, handler transport.ServerHandleFunc, timeoutSecond int) transport.IRPCClientTransport {
	listen, dial := tc.endpoint(t)

	srv := tc.server()
	srv.RegisterHandler(handler)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Listen(common.ServerConfig{
			Transport: common.ServerTransportConfig{Endpoint: listen, TCPNoDelay: true, TCPLingerSec: -1},
		})
	}()
	t.Cleanup(func() {
		require.NoError(t, srv.Close())
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Listen did not return after Close")
		}
	})

	client := tc.client()
	cfg := common.ClientConfig{
		TimeoutSecond: timeoutSecond,
		Transport:     common.ClientTransportConfig{Endpoints: []string{dial}, RetryCount: 3},
	}

	// the server starts asynchronously
	require.Eventually(t, func() bool {
		if err := client.Connect(cfg); err != nil {
			return false
		}
		_, err := client.Send(context.Background(), 0, []byte("ping"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	t.Cleanup(func() { client.Close() })
	return client
}

func echoHandler(shardId uint64, req []byte) []byte {
	return []byte(fmt.Sprintf("%d:%s", shardId, req))
}

func TestSendReceive(t *testing.T) {
	for name, tc := range transports {
		t.Run(name, func(t *testing.T) {
			client := startPair(t, tc, echoHandler, 5)

			resp, err := client.Send(context.Background(), 100, []byte("hello"))
			require.NoError(t, err)
			assert.Equal(t, "100:hello", string(resp))

			// large frames
			big := make([]byte, 256*1024)
			for i := range big {
				big[i] = byte('a' + i%26)
			}
			resp, err = client.Send(context.Background(), 200, big)
			require.NoError(t, err)
			assert.Equal(t, "200:"+string(big), string(resp))
		})
	}
}

func TestConcurrentSends(t *testing.T) {
	for name, tc := range transports {
		t.Run(name, func(t *testing.T) {
			client := startPair(t, tc, echoHandler, 5)

			errs := make(chan error, 64)
			for i := 0; i < 64; i++ {
				go func(i int) {
					req := []byte(fmt.Sprintf("req-%d", i))
					resp, err := client.Send(context.Background(), uint64(i), req)
					if err == nil && string(resp) != fmt.Sprintf("%d:req-%d", i, i) {
						err = fmt.Errorf("response %q does not belong to request %d", resp, i)
					}
					errs <- err
				}(i)
			}
			for i := 0; i < 64; i++ {
				assert.NoError(t, <-errs)
			}
		})
	}
}

func TestTimeout(t *testing.T) {
	for name, tc := range transports {
		t.Run(name, func(t *testing.T) {
			release := make(chan struct{})
			client := startPair(t, tc, func(shardId uint64, req []byte) []byte {
				if string(req) == "slow" {
					<-release
				}
				return req
			}, 0)
			// runs before the server is closed
			t.Cleanup(func() { close(release) })

			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()

			_, err := client.Send(ctx, 0, []byte("slow"))
			require.ErrorIs(t, err, transport.ErrTimeout)

			// the transport is still usable afterward
			resp, err := client.Send(context.Background(), 0, []byte("fast"))
			require.NoError(t, err)
			assert.Equal(t, "fast", string(resp))
		})
	}
}

func TestNoServer(t *testing.T) {
	client := local.NewLocalClientTransport()
	require.NoError(t, client.Connect(common.ClientConfig{
		Transport: common.ClientTransportConfig{Endpoints: []string{"nobody-listens"}},
	}))
	_, err := client.Send(context.Background(), 0, []byte("x"))
	assert.ErrorIs(t, err, transport.ErrNotConnected)

	tcpClient := tcp.NewTCPClientTransport()
	err = tcpClient.Connect(common.ClientConfig{
		Transport: common.ClientTransportConfig{Endpoints: []string{freeTCPAddr(t)}},
	})
	assert.ErrorIs(t, err, transport.ErrNotConnected)
}
