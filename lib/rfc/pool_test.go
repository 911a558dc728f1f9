package rfc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id     int
	alive  atomic.Bool
	closed atomic.Int32
	callFn func(function string) (Parameters, error)
}

func (c *fakeConn) Call(_ context.Context, function string, params Parameters) (Parameters, error) {
	if c.callFn != nil {
		return c.callFn(function)
	}
	return Parameters{"ECHO": params.String("IN"), "CONN": c.id}, nil
}

func (c *fakeConn) Ping(context.Context) error { return nil }
func (c *fakeConn) Alive() bool                { return c.alive.Load() }
func (c *fakeConn) Close() error {
	c.closed.Add(1)
	c.alive.Store(false)
	return nil
}

type fakeConnector struct {
	mu     sync.Mutex
	opened []*fakeConn
	fail   error
	callFn func(function string) (Parameters, error)
}

func (f *fakeConnector) Open(context.Context, ConnectionParams) (IConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	c := &fakeConn{id: len(f.opened), callFn: f.callFn}
	c.alive.Store(true)
	f.opened = append(f.opened, c)
	return c, nil
}

func (f *fakeConnector) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opened)
}

func TestPoolReusesHealthyConnection(t *testing.T) {
	connector := &fakeConnector{}
	pool := NewPool(connector, ConnectionParams{ParamUser: "demo"}, 2)
	defer pool.Close()

	for i := 0; i < 5; i++ {
		res, err := pool.Call(context.Background(), "STFC_CONNECTION", Parameters{"IN": "x"})
		require.NoError(t, err)
		assert.Equal(t, "x", res["ECHO"])
	}
	assert.Equal(t, 1, connector.count())
}

func TestPoolDiscardsFaultedConnection(t *testing.T) {
	connector := &fakeConnector{callFn: func(string) (Parameters, error) {
		return nil, NewError(KindCommunication, "connection reset")
	}}
	pool := NewPool(connector, nil, 1)
	defer pool.Close()

	_, err := pool.Call(context.Background(), "RFC_PING", nil)
	require.ErrorIs(t, err, ErrCommunicationFailure)
	_, err = pool.Call(context.Background(), "RFC_PING", nil)
	require.Error(t, err)

	require.Equal(t, 2, connector.count())
	assert.EqualValues(t, 1, connector.opened[0].closed.Load())
}

func TestPoolKeepsConnectionAfterApplicationError(t *testing.T) {
	connector := &fakeConnector{callFn: func(string) (Parameters, error) {
		return nil, NewApplicationError("RAISE_EXCEPTION", "SR", "E", "006", "a", "b")
	}}
	pool := NewPool(connector, nil, 1)
	defer pool.Close()

	for i := 0; i < 3; i++ {
		_, err := pool.Call(context.Background(), "RFC_RAISE_ERROR", nil)
		require.ErrorIs(t, err, ErrApplicationFailure)
	}
	assert.Equal(t, 1, connector.count())
}

func TestPoolAcquireRespectsDeadline(t *testing.T) {
	pool := NewPool(&fakeConnector{}, nil, 1)
	defer pool.Close()

	conn, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer pool.Release(conn, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsRetryable(err))
}

func TestPoolOpenFailureReleasesSlot(t *testing.T) {
	connector := &fakeConnector{fail: NewError(KindLogon, "invalid credentials")}
	pool := NewPool(connector, nil, 1)
	defer pool.Close()

	for i := 0; i < 3; i++ {
		_, err := pool.Acquire(context.Background())
		require.ErrorIs(t, err, ErrLogonFailure)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	connector := &fakeConnector{callFn: func(string) (Parameters, error) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return Parameters{}, nil
	}}
	pool := NewPool(connector, nil, 3)
	defer pool.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.Call(context.Background(), "RFC_PING", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxInFlight.Load(), int32(3))
	assert.LessOrEqual(t, connector.count(), 3)
}

func TestPoolClosed(t *testing.T) {
	pool := NewPool(&fakeConnector{}, nil, 1)
	require.NoError(t, pool.Close())
	require.NoError(t, pool.Close())

	_, err := pool.Acquire(context.Background())
	require.ErrorIs(t, err, ErrCommunicationFailure)
}

func TestContextError(t *testing.T) {
	assert.Nil(t, ContextError(nil))
	assert.Equal(t, KindTimeout, ContextError(context.DeadlineExceeded).Kind)
	assert.Equal(t, RcCanceled, ContextError(context.Canceled).Code)
	assert.Equal(t, KindCommunication, ContextError(errors.New("boom")).Kind)
}
