package rfc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/rcrowley/go-metrics"
)

var Logger = logger.GetLogger("rfc")

// Pool is a bounded set of connections to one destination.
// The pool is owned by the caller and passed to the components that need connections;
// there is no process-wide registry. Connections are acquired for a single remote
// operation and released right after it, so a fault in one operation never strands
// a connection for others.
type Pool struct {
	connector IConnector
	params    ConnectionParams

	idle chan IConnection
	sem  chan struct{}

	mu     sync.Mutex
	closed bool

	registry     metrics.Registry
	acquireTimer metrics.Timer
	callTimer    metrics.Timer
	opened       metrics.Counter
	discarded    metrics.Counter
	failed       metrics.Counter
}

// NewPool creates a pool holding at most size open connections (minimum 1).
// Connections are opened lazily on first use.
func NewPool(connector IConnector, params ConnectionParams, size int) *Pool {
	if size < 1 {
		size = 1
	}
	registry := metrics.NewRegistry()
	p := &Pool{
		connector:    connector,
		params:       params,
		idle:         make(chan IConnection, size),
		sem:          make(chan struct{}, size),
		registry:     registry,
		acquireTimer: metrics.NewTimer(),
		callTimer:    metrics.NewTimer(),
		opened:       metrics.NewCounter(),
		discarded:    metrics.NewCounter(),
		failed:       metrics.NewCounter(),
	}
	_ = registry.Register("pool.acquire", p.acquireTimer)
	_ = registry.Register("pool.call", p.callTimer)
	_ = registry.Register("pool.opened", p.opened)
	_ = registry.Register("pool.discarded", p.discarded)
	_ = registry.Register("pool.failed", p.failed)
	return p
}

// Metrics returns the pool's metric registry.
func (p *Pool) Metrics() metrics.Registry {
	return p.registry
}

// Size returns the maximum number of open connections.
func (p *Pool) Size() int {
	return cap(p.sem)
}

// Acquire returns a connection for exclusive use until Release is called.
// It blocks until a slot is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (IConnection, error) {
	start := time.Now()
	defer p.acquireTimer.UpdateSince(start)

	if p.isClosed() {
		return nil, NewErrorCode(KindCommunication, RcClosed, "connection pool is closed")
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ContextError(ctx.Err())
	}

	select {
	case conn := <-p.idle:
		if conn.Alive() {
			return conn, nil
		}
		_ = conn.Close()
		p.discarded.Inc(1)
	default:
	}

	conn, err := p.connector.Open(ctx, p.params)
	if err != nil {
		<-p.sem
		return nil, AsError(err, KindCommunication)
	}
	p.opened.Inc(1)
	return conn, nil
}

// Release hands conn back to the pool. opErr is the error returned by the
// operation that used the connection; connections that saw a connection level
// fault are closed instead of being reused.
func (p *Pool) Release(conn IConnection, opErr error) {
	defer func() { <-p.sem }()

	if conn == nil {
		return
	}
	if p.isClosed() || !conn.Alive() || isConnectionFault(opErr) {
		if opErr != nil {
			Logger.Debugf("discarding connection after error: %v", opErr)
		}
		_ = conn.Close()
		p.discarded.Inc(1)
		return
	}

	select {
	case p.idle <- conn:
	default:
		_ = conn.Close()
	}
}

// Do runs fn with a pooled connection and releases it afterwards.
func (p *Pool) Do(ctx context.Context, fn func(conn IConnection) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		p.failed.Inc(1)
		return err
	}
	err = fn(conn)
	p.Release(conn, err)
	if err != nil {
		p.failed.Inc(1)
	}
	return err
}

// Call executes a single remote function on a pooled connection.
func (p *Pool) Call(ctx context.Context, function string, params Parameters) (Parameters, error) {
	var result Parameters
	err := p.Do(ctx, func(conn IConnection) error {
		start := time.Now()
		defer p.callTimer.UpdateSince(start)

		var callErr error
		result, callErr = conn.Call(ctx, function, params)
		return callErr
	})
	return result, err
}

// Ping checks that a pooled connection can reach the endpoint.
func (p *Pool) Ping(ctx context.Context) error {
	return p.Do(ctx, func(conn IConnection) error {
		return conn.Ping(ctx)
	})
}

// Close closes all idle connections. Connections still in use are closed when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for {
		select {
		case conn := <-p.idle:
			if err := conn.Close(); err != nil {
				errs = append(errs, err)
			}
		default:
			return errors.Join(errs...)
		}
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// isConnectionFault reports errors after which the connection state is unknown.
func isConnectionFault(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindCommunication, KindTimeout, KindProtocol, KindLogon, KindUnknown:
		return true
	default:
		return false
	}
}

// ContextError maps a context error to the taxonomy: deadlines become timeouts,
// cancellations become RFC_CANCELED communication failures.
func ContextError(err error) *Error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(KindTimeout, "request timed out")
	case errors.Is(err, context.Canceled):
		return NewErrorCode(KindCommunication, RcCanceled, "request canceled")
	default:
		return AsError(err, KindCommunication)
	}
}
