package server_test

import (
	"context"
	"fmt"
	"io"
	"net"
	nethttp "net/http"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/rfcunit/lib/auth"
	"github.com/ValentinKolb/rfcunit/lib/endpoint"
	"github.com/ValentinKolb/rfcunit/lib/rfc"
	"github.com/ValentinKolb/rfcunit/lib/unit"
	"github.com/ValentinKolb/rfcunit/rpc/client"
	"github.com/ValentinKolb/rfcunit/rpc/common"
	"github.com/ValentinKolb/rfcunit/rpc/serializer"
	"github.com/ValentinKolb/rfcunit/rpc/server"
	"github.com/ValentinKolb/rfcunit/rpc/transport"
	"github.com/ValentinKolb/rfcunit/rpc/transport/local"
	"github.com/ValentinKolb/rfcunit/rpc/transport/tcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var localEndpoints atomic.Int64

var serializers = map[string]func() serializer.IRPCSerializer{
	"JSON":   serializer.NewJSONSerializer,
	"GOB":    serializer.NewGOBSerializer,
	"Binary": serializer.NewBinarySerializer,
}

type testServer struct {
	srv       *server.RPCServer
	dial      string
	newClient func() transport.IRPCClientTransport
	ser       serializer.IRPCSerializer
}

func baseConfig() common.ServerConfig {
	return common.ServerConfig{
		Shards:   []common.ServerShard{{Client: 100, Storage: common.ShardStorageMemory}},
		LogLevel: "warning",
	}
}

// startLocal serves config on a fresh in-process endpoint
func startLocal(t *testing.T, config common.ServerConfig, opts ...server.Option) *testServer {
	t.Helper()
	config.Transport.Endpoint = fmt.Sprintf("server-test-%d", localEndpoints.Add(1))
	return start(t, config, local.NewLocalServerTransport(), local.NewLocalClientTransport, config.Transport.Endpoint, serializer.NewBinarySerializer(), opts...)
}

func start(
	t *testing.T,
	config common.ServerConfig,
	st transport.IRPCServerTransport,
	newClient func() transport.IRPCClientTransport,
	dial string,
	ser serializer.IRPCSerializer,
	opts ...server.Option,
) *testServer {
	t.Helper()
	srv := server.NewRPCServer(config, st, ser, opts...)
	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()
	t.Cleanup(func() {
		_ = srv.Close()
		<-done
	})

	ts := &testServer{srv: srv, dial: dial, newClient: newClient, ser: ser}
	require.Eventually(t, func() bool {
		conn, err := ts.connector().Open(context.Background(), logon("alice"))
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return ts
}

func (ts *testServer) connector() rfc.IConnector {
	config := common.ClientConfig{
		Transport:     common.ClientTransportConfig{Endpoints: []string{ts.dial}},
		TimeoutSecond: 10,
	}
	return client.NewConnector(config, ts.newClient, ts.ser)
}

func (ts *testServer) pool(t *testing.T, params rfc.ConnectionParams) *rfc.Pool {
	t.Helper()
	p := rfc.NewPool(ts.connector(), params, 4)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func logon(user string) rfc.ConnectionParams {
	return rfc.ConnectionParams{rfc.ParamUser: user, rfc.ParamPassword: "secret", rfc.ParamClient: "100"}
}

func tcpicRows(t *testing.T, pool *rfc.Pool) []string {
	t.Helper()
	res, err := pool.Call(context.Background(), endpoint.FuncReadTable, rfc.Parameters{"QUERY_TABLE": endpoint.TableTCPIC})
	require.NoError(t, err)
	var rows []struct {
		WA string `json:"WA"`
	}
	require.NoError(t, res.Decode("DATA", &rows))
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.WA
	}
	return out
}

func write(lines ...string) rfc.Parameters {
	return rfc.Parameters{"TCPICDAT": lines}
}

// --------------------------------------------------------------------------
// Direct calls
// --------------------------------------------------------------------------

func TestDirectCall(t *testing.T) {
	for name, newSerializer := range serializers {
		t.Run(name, func(t *testing.T) {
			config := baseConfig()
			config.Transport.Endpoint = fmt.Sprintf("server-test-%d", localEndpoints.Add(1))
			ts := start(t, config, local.NewLocalServerTransport(), local.NewLocalClientTransport, config.Transport.Endpoint, newSerializer())
			pool := ts.pool(t, logon("alice"))

			res, err := pool.Call(context.Background(), endpoint.FuncConnection, rfc.Parameters{"REQUTEXT": "hello"})
			require.NoError(t, err)
			assert.Equal(t, "hello", res.String("ECHOTEXT"))

			_, err = pool.Call(context.Background(), endpoint.FuncRaiseError, rfc.Parameters{"METHOD": "1"})
			require.ErrorIs(t, err, rfc.ErrApplicationFailure)
			rerr := rfc.AsError(err, rfc.KindUnknown)
			assert.Equal(t, "RAISE_EXCEPTION", rerr.Key)
			assert.Equal(t, "SR", rerr.MsgClass)
		})
	}
}

func TestOverTCP(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	config := baseConfig()
	config.Transport.Endpoint = addr
	ts := start(t, config, tcp.NewTCPServerTransport(), tcp.NewTCPClientTransport, addr, serializer.NewBinarySerializer())
	pool := ts.pool(t, logon("alice"))

	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Ping(context.Background()))
	}
	_, err = pool.Call(context.Background(), endpoint.FuncWriteToTCPIC, write("over tcp"))
	require.NoError(t, err)
	assert.Equal(t, []string{"over tcp"}, tcpicRows(t, pool))
}

func TestTimeoutIsRetryable(t *testing.T) {
	ts := startLocal(t, baseConfig())
	pool := ts.pool(t, logon("alice"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := pool.Call(ctx, endpoint.FuncPingAndWait, rfc.Parameters{"SECONDS": 2})
	require.ErrorIs(t, err, rfc.ErrTimeout)
	assert.NotErrorIs(t, err, rfc.ErrProtocol)
	assert.True(t, rfc.IsRetryable(err))

	// the pool replaces the connection with the unknown state
	_, err = pool.Call(context.Background(), endpoint.FuncPing, nil)
	assert.NoError(t, err)
}

func TestLogonFailures(t *testing.T) {
	usersPath := filepath.Join(t.TempDir(), "users.csv")
	users, err := auth.LoadUsers(usersPath)
	require.NoError(t, err)
	require.NoError(t, users.SetPassword("alice", "secret"))
	require.NoError(t, users.Flush())

	config := baseConfig()
	config.UsersFile = usersPath
	ts := startLocal(t, config)

	_, err = ts.connector().Open(context.Background(), rfc.ConnectionParams{rfc.ParamUser: "alice", rfc.ParamPassword: "wrong", rfc.ParamClient: "100"})
	assert.ErrorIs(t, err, rfc.ErrLogonFailure)

	params := logon("alice")
	params[rfc.ParamClient] = "200"
	_, err = ts.connector().Open(context.Background(), params)
	assert.ErrorIs(t, err, rfc.ErrLogonFailure)

	conn, err := ts.connector().Open(context.Background(), logon("alice"))
	require.NoError(t, err)
	assert.True(t, conn.Alive())
	require.NoError(t, conn.Close())
	assert.False(t, conn.Alive())
	_, err = conn.Call(context.Background(), endpoint.FuncPing, nil)
	assert.ErrorIs(t, err, rfc.ErrCommunicationFailure)
}

func TestExpiredSessionIsCommunicationFailure(t *testing.T) {
	config := baseConfig()
	config.SessionIdleSecond = 1
	ts := startLocal(t, config)

	conn, err := ts.connector().Open(context.Background(), logon("alice"))
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Ping(context.Background()))

	time.Sleep(2100 * time.Millisecond)
	err = conn.Ping(context.Background())
	require.ErrorIs(t, err, rfc.ErrCommunicationFailure)
	assert.False(t, conn.Alive())
}

func TestAuthorizationOverRPC(t *testing.T) {
	policyPath := filepath.Join(t.TempDir(), "policy.csv")
	policy, err := auth.LoadPolicy(policyPath, false)
	require.NoError(t, err)
	require.NoError(t, policy.Allow("alice", 0, "*"))
	require.NoError(t, policy.Allow("bob", 100, "RFC_PING"))
	require.NoError(t, policy.Flush())
	require.NoError(t, policy.Close())

	config := baseConfig()
	config.PolicyFile = policyPath
	ts := startLocal(t, config)

	bob := ts.pool(t, logon("bob"))
	require.NoError(t, bob.Ping(context.Background()))
	_, err = bob.Call(context.Background(), endpoint.FuncPing, nil)
	require.NoError(t, err)
	_, err = bob.Call(context.Background(), endpoint.FuncConnection, nil)
	assert.ErrorIs(t, err, rfc.ErrAuthorizationFailure)

	alice := ts.pool(t, logon("alice"))
	_, err = alice.Call(context.Background(), endpoint.FuncConnection, nil)
	assert.NoError(t, err)
}

// --------------------------------------------------------------------------
// Units
// --------------------------------------------------------------------------

func TestUnitLifecycle(t *testing.T) {
	ts := startLocal(t, baseConfig())
	pool := ts.pool(t, logon("alice"))
	units := unit.NewClient(pool, unit.WithTimeout(5*time.Second))
	ctx := context.Background()

	id, err := units.Initialize(ctx, unit.Attributes{Background: true})
	require.NoError(t, err)
	require.NoError(t, units.Queue(id, endpoint.FuncWriteToTCPIC, write("A")))
	require.NoError(t, units.Queue(id, endpoint.FuncWriteToTCPIC, write("B")))

	res, err := units.Submit(ctx, id)
	require.NoError(t, err)
	require.True(t, res.Accepted)

	state, err := units.Await(ctx, id, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, unit.StateCommitted, state)
	assert.Equal(t, []string{"A", "B"}, tcpicRows(t, pool))

	require.NoError(t, units.Confirm(ctx, id))
	require.NoError(t, units.Confirm(ctx, id))
	state, err = units.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, unit.StateConfirmed, state)
}

func TestSyncUnitRollback(t *testing.T) {
	ts := startLocal(t, baseConfig())
	pool := ts.pool(t, logon("alice"))
	units := unit.NewClient(pool)
	ctx := context.Background()

	id, err := units.Initialize(ctx, unit.Attributes{Mode: unit.ModeSynchronous})
	require.NoError(t, err)
	require.NoError(t, units.Queue(id, endpoint.FuncWriteToTCPIC, write("C")))
	require.NoError(t, units.Queue(id, endpoint.FuncRaiseError, rfc.Parameters{"METHOD": "3"}))

	res, err := units.Submit(ctx, id)
	require.NoError(t, err)
	require.True(t, res.Accepted)

	state, err := units.Await(ctx, id, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, unit.StateRolledBack, state)
	assert.Empty(t, tcpicRows(t, pool))
}

func TestRejectedUnitRunsNothing(t *testing.T) {
	ts := startLocal(t, baseConfig())
	pool := ts.pool(t, logon("alice"))
	units := unit.NewClient(pool)
	ctx := context.Background()

	id, err := units.Initialize(ctx, unit.Attributes{Background: true})
	require.NoError(t, err)
	require.NoError(t, units.Queue(id, endpoint.FuncWriteToTCPIC, write("never")))
	require.NoError(t, units.Queue(id, "Z_UNKNOWN_FUNCTION", nil))

	res, err := units.Submit(ctx, id)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	require.ErrorIs(t, res.Rejection, rfc.ErrApplicationFailure)

	state, err := units.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, unit.StateNotFound, state)
	assert.Empty(t, tcpicRows(t, pool))
}

func TestSubmitThenDestroy(t *testing.T) {
	ts := startLocal(t, baseConfig())
	pool := ts.pool(t, logon("alice"))
	units := unit.NewClient(pool)
	ctx := context.Background()

	id, err := units.Initialize(ctx, unit.Attributes{Background: true})
	require.NoError(t, err)
	require.NoError(t, units.Queue(id, endpoint.FuncWriteToTCPIC, write("gone")))
	require.NoError(t, units.Queue(id, endpoint.FuncPingAndWait, rfc.Parameters{"MILLISECONDS": 100}))
	_, err = units.Submit(ctx, id)
	require.NoError(t, err)

	require.NoError(t, units.Destroy(ctx, id))
	state, err := units.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, unit.StateNotFound, state)

	time.Sleep(300 * time.Millisecond)
	state, err = units.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, unit.StateNotFound, state)
	assert.Empty(t, tcpicRows(t, pool))
}

// lossyCaller drops the reply of the first submit, as if the connection broke after sending
type lossyCaller struct {
	unit.Caller
	dropped atomic.Bool
}

func (c *lossyCaller) Call(ctx context.Context, function string, params rfc.Parameters) (rfc.Parameters, error) {
	res, err := c.Caller.Call(ctx, function, params)
	if function == unit.FuncSubmit && err == nil && !c.dropped.Swap(true) {
		return nil, rfc.NewError(rfc.KindTimeout, "reply lost")
	}
	return res, err
}

func TestUncertainSubmitResend(t *testing.T) {
	ts := startLocal(t, baseConfig())
	pool := ts.pool(t, logon("alice"))
	units := unit.NewClient(&lossyCaller{Caller: pool})
	ctx := context.Background()

	id, err := units.Initialize(ctx, unit.Attributes{Background: true})
	require.NoError(t, err)
	require.NoError(t, units.Queue(id, endpoint.FuncWriteToTCPIC, write("exactly once")))

	_, err = units.Submit(ctx, id)
	require.ErrorIs(t, err, rfc.ErrTimeout)

	res, err := units.Submit(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	state, err := units.Await(ctx, id, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, unit.StateCommitted, state)
	assert.Equal(t, []string{"exactly once"}, tcpicRows(t, pool))
}

func TestAsyncUnits(t *testing.T) {
	config := baseConfig()
	config.AsyncWorkers = 2
	ts := startLocal(t, config)
	pool := ts.pool(t, logon("alice"))
	units := unit.NewClient(pool)
	ctx := context.Background()

	ids := make([]unit.Identifier, 10)
	for i := range ids {
		id, err := units.Initialize(ctx, unit.Attributes{Background: true, Mode: unit.ModeAsynchronous, QueueName: "ORDERS"})
		require.NoError(t, err)
		require.NoError(t, units.Queue(id, endpoint.FuncWriteToTCPIC, write(fmt.Sprint(i))))
		res, err := units.Submit(ctx, id)
		require.NoError(t, err)
		require.True(t, res.Accepted)
		ids[i] = id
	}
	for _, id := range ids {
		state, err := units.Await(ctx, id, 10*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, unit.StateCommitted, state)
	}
	assert.Len(t, tcpicRows(t, pool), 10)
}

func TestHistoryOverRPC(t *testing.T) {
	config := baseConfig()
	config.TLogPath = filepath.Join(t.TempDir(), "tlog.db")
	ts := startLocal(t, config)
	pool := ts.pool(t, logon("alice"))
	units := unit.NewClient(pool)
	ctx := context.Background()

	id, err := units.Initialize(ctx, unit.Attributes{Background: true})
	require.NoError(t, err)
	require.NoError(t, units.Queue(id, endpoint.FuncPing, nil))
	_, err = units.Submit(ctx, id)
	require.NoError(t, err)
	_, err = units.Await(ctx, id, 10*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, units.Confirm(ctx, id))

	history, err := units.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "IN_PROCESS", history[0].State)
	assert.Equal(t, "COMMITTED", history[1].State)
	assert.Equal(t, "CONFIRMED", history[2].State)
}

func TestTransitionLogPruning(t *testing.T) {
	config := baseConfig()
	config.TLogPath = filepath.Join(t.TempDir(), "tlog.db")
	config.TLogRetentionSecond = 1
	ts := startLocal(t, config)
	pool := ts.pool(t, logon("alice"))
	units := unit.NewClient(pool)
	ctx := context.Background()

	id, err := units.Initialize(ctx, unit.Attributes{Background: true})
	require.NoError(t, err)
	require.NoError(t, units.Queue(id, endpoint.FuncWriteToTCPIC, write("pruned")))
	_, err = units.Submit(ctx, id)
	require.NoError(t, err)
	_, err = units.Await(ctx, id, 10*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, units.Confirm(ctx, id))

	require.Eventually(t, func() bool {
		history, err := units.History(ctx, id)
		return err == nil && len(history) == 0
	}, 10*time.Second, 100*time.Millisecond)

	// the endpoint still knows the unit was executed
	other := unit.NewClient(pool)
	assert.NoError(t, other.Confirm(ctx, id))
	state, err := other.GetState(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, []unit.State{unit.StateConfirmed, unit.StateNotFound}, state)
}

func TestRecoveryAfterRestart(t *testing.T) {
	dataDir := t.TempDir()
	config := baseConfig()
	config.Shards[0].Storage = common.ShardStorageDisk
	config.DataDir = dataDir

	var blocked atomic.Bool
	block := server.WithEndpointOptions(endpoint.WithFunction("Z_BLOCK", func(call *endpoint.Call, _ rfc.Parameters) (rfc.Parameters, error) {
		if blocked.Load() {
			<-call.Context.Done()
			return nil, call.Context.Err()
		}
		return rfc.Parameters{}, nil
	}))

	blocked.Store(true)
	first := startLocal(t, config, block)
	pool := first.pool(t, logon("alice"))
	units := unit.NewClient(pool)
	ctx := context.Background()

	id, err := units.Initialize(ctx, unit.Attributes{Background: true})
	require.NoError(t, err)
	require.NoError(t, units.Queue(id, endpoint.FuncWriteToTCPIC, write("after restart")))
	require.NoError(t, units.Queue(id, "Z_BLOCK", nil))
	_, err = units.Submit(ctx, id)
	require.NoError(t, err)
	require.NoError(t, pool.Close())
	require.NoError(t, first.srv.Close())

	blocked.Store(false)
	second := startLocal(t, config, block)
	pool = second.pool(t, logon("alice"))
	units = unit.NewClient(pool)

	state, err := units.Await(ctx, id, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, unit.StateCommitted, state)
	assert.Equal(t, []string{"after restart"}, tcpicRows(t, pool))
}

func TestMetricsEndpoint(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	config := baseConfig()
	config.MetricsEndpoint = addr
	ts := startLocal(t, config)
	pool := ts.pool(t, logon("alice"))
	require.NoError(t, pool.Ping(context.Background()))

	var body string
	require.Eventually(t, func() bool {
		resp, err := nethttp.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		body = string(b)
		return err == nil && resp.StatusCode == nethttp.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, body, "rfcunit_sessions_opened_total")
	assert.Contains(t, body, "process_")
}
