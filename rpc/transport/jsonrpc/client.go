package jsonrpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rfcunit/rpc/common"
	"github.com/ValentinKolb/rfcunit/rpc/transport"
	"github.com/gorilla/rpc/v2/json2"
)

// NewJSONRPCClientTransport creates a client transport calling RFC.Send on <endpoint>/rpc
func NewJSONRPCClientTransport() transport.IRPCClientTransport {
	return &jsonRPCClientTransport{}
}

type jsonRPCClientTransport struct {
	serverURLs []*url.URL
	client     *http.Client
	counter    uint32
	timeout    time.Duration
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *jsonRPCClientTransport) Connect(config common.ClientConfig) error {
	if len(config.Transport.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}

	parsedURLs := make([]*url.URL, len(config.Transport.Endpoints))
	for i, server := range config.Transport.Endpoints {
		parsedURL, err := url.Parse(server)
		if err != nil {
			return err
		}
		parsedURLs[i] = parsedURL.JoinPath("rpc")
	}

	t.client = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	t.serverURLs = parsedURLs
	t.counter = 0
	t.timeout = time.Duration(config.TimeoutSecond) * time.Second
	return nil
}

func (t *jsonRPCClientTransport) Send(ctx context.Context, shardId uint64, req []byte) ([]byte, error) {
	if t.client == nil {
		return nil, transport.ErrNotConnected
	}

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	body, err := json2.EncodeClientRequest(methodSend, &SendArgs{Shard: shardId, Frame: req})
	if err != nil {
		return nil, fmt.Errorf("failed to encode client params: %w", err)
	}

	idx := atomic.AddUint32(&t.counter, 1) % uint32(len(t.serverURLs))
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, t.serverURLs[idx].String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(request)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, transport.ErrTimeout
		}
		return nil, fmt.Errorf("failed to issue request: %w", err)
	}
	defer cleanlyCloseBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("received status code: %d", resp.StatusCode)
	}

	var reply SendReply
	if err := json2.DecodeClientResponse(resp.Body, &reply); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, transport.ErrTimeout
		}
		return nil, fmt.Errorf("failed to decode client response: %w", err)
	}
	return reply.Frame, nil
}

func (t *jsonRPCClientTransport) Close() error {
	if t.client != nil {
		t.client.CloseIdleConnections()
	}
	t.client = nil
	t.serverURLs = nil
	return nil
}

// cleanlyCloseBody drains and closes a response body so the connection can be reused
func cleanlyCloseBody(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	if err := body.Close(); err != nil {
		Logger.Debugf("Failed to close response body: %v", err)
	}
}
