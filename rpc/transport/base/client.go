package base

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rfcunit/rpc/common"
	"github.com/ValentinKolb/rfcunit/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("transport/rpc")

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IClientConnector defines the interface for transport-specific connection operations
type IClientConnector interface {
	// Connect establishes a single connection to the endpoint
	Connect(ctx context.Context, endpoint string) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.ClientConfig) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// responseResult contains the result of a request
type responseResult struct {
	data []byte
	err  error
}

// wireConn is one established net connection together with the requests waiting on it.
// When the connection breaks only these requests fail.
type wireConn struct {
	conn    net.Conn
	pending *xsync.MapOf[uint64, chan responseResult]
}

// clientConnection is a slot for one connection to an endpoint, it reconnects lazily
type clientConnection struct {
	endpoint string
	mu       sync.Mutex // Protects wire and serializes writes
	wire     *wireConn
	parent   *clientTransport
}

// clientTransport implements the core client transport functionality
// independent of the specific transport medium (unix, tcp, etc.)
type clientTransport struct {
	connector     IClientConnector
	config        common.ClientConfig
	connections   []*clientConnection
	connectionsMu sync.RWMutex
	nextConnIndex uint64 // Atomic counter for Round Robin
	nextRequestID uint64 // Atomic counter for unique request IDs
	stopping      atomic.Bool
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseClientTransport creates a new base client transport with the specified connector
func NewBaseClientTransport(connector IClientConnector) transport.IRPCClientTransport {
	return &clientTransport{
		connector:     connector,
		nextRequestID: 1, // Start from 1
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *clientTransport) Connect(config common.ClientConfig) error {
	if len(config.Transport.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}

	// Close all existing connections
	t.closeConnections()

	t.config = config
	t.stopping.Store(false)

	// Set default value for ConnectionsPerEndpoint
	connectionsPerEP := 1
	if config.Transport.ConnectionsPerEndpoint > 0 {
		connectionsPerEP = config.Transport.ConnectionsPerEndpoint
	}

	ctx := context.Background()
	if config.TimeoutSecond > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(config.TimeoutSecond)*time.Second)
		defer cancel()
	}

	connections := make([]*clientConnection, 0, len(config.Transport.Endpoints)*connectionsPerEP)
	for _, endpoint := range config.Transport.Endpoints {
		// Create multiple connections per endpoint
		for i := 0; i < connectionsPerEP; i++ {
			clientConn := &clientConnection{
				endpoint: endpoint,
				parent:   t,
			}

			// Establish the initial connection
			clientConn.mu.Lock()
			_, err := clientConn.dialLocked(ctx)
			clientConn.mu.Unlock()
			if err != nil {
				Logger.Warningf("Failed to connect to %s (connection %d/%d): %v", endpoint, i+1, connectionsPerEP, err)
				continue
			}

			connections = append(connections, clientConn)
			Logger.Debugf("Connected to %s (connection %d/%d)", endpoint, i+1, connectionsPerEP)
		}
	}

	// Check if we have at least one connection
	if len(connections) == 0 {
		return fmt.Errorf("%w: failed to connect to any endpoint", transport.ErrNotConnected)
	}

	t.connectionsMu.Lock()
	t.connections = connections
	t.connectionsMu.Unlock()

	Logger.Infof("Connected to %d out of %d connections to %d endpoints using %s transport",
		len(connections), len(config.Transport.Endpoints)*connectionsPerEP, len(config.Transport.Endpoints), t.connector.GetName())

	return nil
}

func (t *clientTransport) Send(ctx context.Context, shardId uint64, req []byte) ([]byte, error) {
	if t.stopping.Load() {
		return nil, transport.ErrNotConnected
	}

	if t.config.TimeoutSecond > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(t.config.TimeoutSecond)*time.Second)
		defer cancel()
	}

	// Generate a unique request ID
	requestID := atomic.AddUint64(&t.nextRequestID, 1)

	// We always try at least once. A retry only happens if the frame never reached the wire,
	// a request that was written is never sent a second time.
	maxAttempts := t.config.Transport.RetryCount
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	// Initial backoff duration in milliseconds
	backoffMs := 50

	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		conn := t.getNextConnection()
		if conn == nil {
			return nil, transport.ErrNotConnected
		}

		data, written, err := conn.send(ctx, shardId, requestID, req)
		if err == nil {
			return data, nil
		}
		if written {
			return nil, err
		}

		lastErr = err
		Logger.Debugf("Request attempt %d/%d not sent: %v", i+1, maxAttempts, err)

		if i+1 < maxAttempts {
			// Exponential backoff with a small random jitter (+-10%)
			jitter := float64(backoffMs) * (0.9 + 0.2*rand.Float64())
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", transport.ErrNotConnected, lastErr)
			case <-time.After(time.Duration(jitter) * time.Millisecond):
			}
			backoffMs *= 2
		}
	}

	// All attempts failed without writing anything
	return nil, fmt.Errorf("%w: request not sent after %d attempts: %v", transport.ErrNotConnected, maxAttempts, lastErr)
}

func (t *clientTransport) Close() error {
	t.stopping.Store(true)
	t.closeConnections()
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// getNextConnection selects the next connection via Round Robin
func (t *clientTransport) getNextConnection() *clientConnection {
	t.connectionsMu.RLock()
	defer t.connectionsMu.RUnlock()

	if len(t.connections) == 0 {
		return nil
	}

	// Simple Round Robin algorithm
	var index uint64
	if len(t.connections) == 1 {
		// optimize for single connection
		index = 0
	} else {
		index = atomic.AddUint64(&t.nextConnIndex, 1) % uint64(len(t.connections))
	}
	return t.connections[index]
}

// closeConnections closes all active connections
func (t *clientTransport) closeConnections() {
	t.connectionsMu.Lock()
	connections := t.connections
	t.connections = nil
	t.connectionsMu.Unlock()

	for _, conn := range connections {
		conn.mu.Lock()
		w := conn.wire
		conn.wire = nil
		conn.mu.Unlock()
		if w != nil {
			w.conn.Close()
		}
	}
}

// send writes one request frame and waits for its response. written reports whether
// any byte of the frame reached the connection, the caller must not resend in that case.
func (c *clientConnection) send(ctx context.Context, shardID, requestID uint64, req []byte) (data []byte, written bool, err error) {
	c.mu.Lock()
	w := c.wire
	if w == nil {
		if w, err = c.dialLocked(ctx); err != nil {
			c.mu.Unlock()
			return nil, false, err
		}
	}

	// Create a channel for the response and register the request
	respCh := make(chan responseResult, 1)
	w.pending.Store(requestID, respCh)
	defer w.pending.Delete(requestID)

	deadline, _ := ctx.Deadline() // zero time clears the deadline
	if err := w.conn.SetWriteDeadline(deadline); err != nil {
		c.mu.Unlock()
		return nil, false, err
	}

	n, err := writeFrame(w.conn, shardID, requestID, req)
	if err != nil {
		// A partially written frame corrupts the stream
		c.dropLocked(w)
	}
	c.mu.Unlock()

	if err != nil {
		if n > 0 && errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, true, transport.ErrTimeout
		}
		return nil, n > 0, fmt.Errorf("write to %s: %w", c.endpoint, err)
	}

	// Wait for response or timeout
	select {
	case result := <-respCh:
		return result.data, true, result.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, true, transport.ErrTimeout
		}
		return nil, true, ctx.Err()
	}
}

// dialLocked establishes a new connection and starts its reader, c.mu must be held
func (c *clientConnection) dialLocked(ctx context.Context) (*wireConn, error) {
	conn, err := c.parent.connector.Connect(ctx, c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.endpoint, err)
	}

	// Upgrade the connection with protocol-specific settings
	if err := c.parent.connector.UpgradeConnection(conn, c.parent.config); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to upgrade connection to %s: %w", c.endpoint, err)
	}

	w := &wireConn{
		conn:    conn,
		pending: xsync.NewMapOf[uint64, chan responseResult](),
	}
	c.wire = w
	go c.readResponses(w)
	return w, nil
}

// dropLocked forgets a broken connection so the next send dials again, c.mu must be held
func (c *clientConnection) dropLocked(w *wireConn) {
	if c.wire == w {
		c.wire = nil
	}
	w.conn.Close()
}

// readResponses reads responses in a loop and distributes them to waiting requests.
// It returns when the connection fails, failing every request still waiting on it.
func (c *clientConnection) readResponses(w *wireConn) {
	for {
		shardID, requestID, data, err := readFrame(w.conn, nil)
		if err != nil {
			c.mu.Lock()
			c.dropLocked(w)
			c.mu.Unlock()

			if !c.parent.stopping.Load() {
				Logger.Warningf("Connection to %s lost: %v", c.endpoint, err)
			}

			lost := fmt.Errorf("connection to %s lost: %w", c.endpoint, err)
			w.pending.Range(func(_ uint64, respCh chan responseResult) bool {
				select {
				case respCh <- responseResult{nil, lost}:
				default:
				}
				return true
			})
			return
		}

		// Find the corresponding request channel
		respCh, found := w.pending.Load(requestID)
		if !found {
			// The request already timed out
			Logger.Warningf("Received response for unknown request ID %d with shard ID %d", requestID, shardID)
			continue
		}

		select {
		case respCh <- responseResult{data, nil}:
		default:
		}
	}
}
