package http

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
)

// NewHttpClientTransport creates a client transport posting frames to <endpoint>/<shardId>
func NewHttpClientTransport() transport.IRPCClientTransport {
	return &httpClientTransport{}
}

type httpClientTransport struct {
	serverURLs []*url.URL
	client     *http.Client
	counter    uint32
	timeout    time.Duration
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *httpClientTransport) Connect(config common.ClientConfig) error {
	if len(config.Transport.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}

	// Parse each server URL
	parsedURLs := make([]*url.URL, len(config.Transport.Endpoints))
	for i, server := range config.Transport.Endpoints {
		parsedURL, err := url.Parse(server)
		if err != nil {
			return err
		}
		parsedURLs[i] = parsedURL
	}

	connsPerHost := config.Transport.ConnectionsPerEndpoint
	if connsPerHost < 1 {
		connsPerHost = 10
	}

	t.client = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: connsPerHost,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	t.serverURLs = parsedURLs
	t.counter = 0
	t.timeout = time.Duration(config.TimeoutSecond) * time.Second

	return nil
}

// Send posts the request once. http.Client gives no reliable way to tell whether the
// body reached the server, so failed requests are never resent here.
func (t *httpClientTransport) Send(ctx context.Context, shardId uint64, req []byte) ([]byte, error) {
	if t.client == nil {
		return nil, transport.ErrNotConnected
	}

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	// Select the next server via round-robin
	idx := atomic.AddUint32(&t.counter, 1) % uint32(len(t.serverURLs))
	requestURL := t.serverURLs[idx].JoinPath(fmt.Sprint(shardId))

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL.String(), bytes.NewReader(req))
	if err != nil {
		return nil, err
	}
	httpRequest.Header.Set("Content-Type", "application/octet-stream")

	httpResponse, err := t.client.Do(httpRequest)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, transport.ErrTimeout
		}
		return nil, err
	}
	defer func() {
		if err := httpResponse.Body.Close(); err != nil {
			Logger.Errorf("Failed to close response body: %v", err)
		}
	}()

	// Check if the response status code is OK
	if httpResponse.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http error: %s", httpResponse.Status)
	}

	resp, err := io.ReadAll(httpResponse.Body)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, transport.ErrTimeout
	}
	return resp, err
}

func (t *httpClientTransport) Close() error {
	if t.client != nil {
		t.client.CloseIdleConnections()
	}

	// Reset the client and server URLs
	t.client = nil
	t.serverURLs = nil

	return nil
}
