package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/ValentinKolb/rfcunit/lib/auth"
	"github.com/ValentinKolb/rfcunit/lib/db"
	"github.com/ValentinKolb/rfcunit/lib/db/engines/badger"
	"github.com/ValentinKolb/rfcunit/lib/endpoint"
	"github.com/ValentinKolb/rfcunit/lib/rfc"
	"github.com/ValentinKolb/rfcunit/lib/store/lstore"
	"github.com/ValentinKolb/rfcunit/lib/tlog"
	"github.com/ValentinKolb/rfcunit/lib/unit"
	"github.com/ValentinKolb/rfcunit/rpc/common"
	"github.com/ValentinKolb/rfcunit/rpc/serializer"
	"github.com/ValentinKolb/rfcunit/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sourcegraph/conc"
)

var Logger = logger.GetLogger("rpc")

const (
	badgerGCInterval = time.Minute
	// tlogPruneInterval is the longest pause between two prunes of the transition log
	tlogPruneInterval = time.Hour
)

// Option configures an RPCServer.
type Option func(*RPCServer)

// WithEndpointOptions passes additional options to every endpoint the server creates,
// for example endpoint.WithFunction to register application functions.
func WithEndpointOptions(opts ...endpoint.Option) Option {
	return func(s *RPCServer) { s.endpointOpts = append(s.endpointOpts, opts...) }
}

// NewRPCServer creates a new RPC server hosting one endpoint per configured client.
// It takes a config, transport and serializer as parameters
//
// Usage:
//
//	s := server.NewRPCServer(
//		*config,
//		tcp.NewTCPServerTransport(),
//		serializer.NewBinarySerializer(),
//	)
//
//	if err := s.Serve(); err != nil {
//		panic(err)
//	}
func NewRPCServer(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
	opts ...Option,
) *RPCServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	s := &RPCServer{
		config:     config,
		transport:  transport,
		serializer: serializer,
		adapter:    NewEndpointServerAdapter(),
		endpoints:  xsync.NewMapOf[uint64, *endpoint.Endpoint](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RPCServer routes requests to the endpoint of their client number. The client
// number is the shard id of the transport frame.
type RPCServer struct {
	config       common.ServerConfig
	transport    transport.IRPCServerTransport
	serializer   serializer.IRPCSerializer
	adapter      IRPCServerAdapter
	endpointOpts []endpoint.Option
	endpoints    *xsync.MapOf[uint64, *endpoint.Endpoint]

	tlog    *tlog.Log
	guard   *auth.Guard
	metrics *http.Server

	stopPruner context.CancelFunc
	pruner     conc.WaitGroup

	closeOnce sync.Once
}

// Endpoint returns the endpoint serving client.
func (s *RPCServer) Endpoint(client uint64) (*endpoint.Endpoint, bool) {
	return s.endpoints.Load(client)
}

// Serve creates the endpoints, recovers their unfinished units and starts the
// transport. It blocks until Close is called.
func (s *RPCServer) Serve() error {
	if err := s.init(); err != nil {
		s.shutdown()
		return err
	}
	Logger.Infof("Created RPC Server using the %s serializer", s.serializer.Name())
	Logger.Infof("%s", s.config.String())
	return s.transport.Listen(s.config)
}

// Close stops the transport and all endpoints.
func (s *RPCServer) Close() error {
	err := s.transport.Close()
	s.shutdown()
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (s *RPCServer) init() error {
	if len(s.config.Shards) == 0 {
		return fmt.Errorf("no clients configured")
	}

	// Init logger
	if s.config.LogLevel != "" {
		if err := common.InitLoggers(s.config.LogLevel); err != nil {
			return err
		}
	}

	// Shared transition log
	if s.config.TLogPath != "" {
		l, err := tlog.Open(s.config.TLogPath)
		if err != nil {
			return fmt.Errorf("failed to open transition log: %w", err)
		}
		s.tlog = l
		if s.config.TLogRetentionSecond > 0 {
			s.startPruner()
		}
	}

	// Logon and authorization
	guard, err := auth.NewGuard(s.config.UsersFile, s.config.PolicyFile, s.config.WatchPolicy)
	if err != nil {
		return fmt.Errorf("failed to load users or policy: %w", err)
	}
	s.guard = guard

	// CREATE ENDPOINTS

	/*
		Note: A single RPC Server can host any number of clients. Each client gets its
		own endpoint with its own store, the transition log and the guard are shared.
	*/

	for _, shard := range s.config.Shards {
		if _, exists := s.endpoints.Load(shard.Client); exists {
			return fmt.Errorf("client %03d configured twice", shard.Client)
		}

		st, err := lstore.NewLocalStore(s.dbFactory(shard))
		if err != nil {
			return fmt.Errorf("failed to create store for client %03d: %w", shard.Client, err)
		}

		opts := []endpoint.Option{
			endpoint.WithGuard(s.guard),
			endpoint.WithSessionIdle(s.config.SessionIdleSecond),
			endpoint.WithConfirmRetention(s.config.ConfirmRetentionSecond),
			endpoint.WithAsyncWorkers(s.config.AsyncWorkers),
		}
		if s.tlog != nil {
			opts = append(opts, endpoint.WithTransitionLog(s.tlog))
		}
		ep := endpoint.New(shard.Client, st, append(opts, s.endpointOpts...)...)
		s.endpoints.Store(shard.Client, ep)

		recovered, err := ep.Start()
		if err != nil {
			return fmt.Errorf("failed to start client %03d: %w", shard.Client, err)
		}
		Logger.Infof("created %s endpoint for client %03d (%d units recovered)", shard.Storage, shard.Client, recovered)
	}

	if s.config.MetricsEndpoint != "" {
		s.startMetrics()
	}

	// Configure the transport layer
	s.transport.RegisterHandler(s.handle)
	return nil
}

// dbFactory returns the factory of the engine selected for shard
func (s *RPCServer) dbFactory(shard common.ServerShard) func() (db.KVDB, error) {
	opts := &badger.Options{GCInterval: badgerGCInterval}
	if shard.Storage == common.ShardStorageDisk {
		opts.Dir = filepath.Join(s.config.DataDir, fmt.Sprintf("client-%03d", shard.Client))
	}
	return func() (db.KVDB, error) { return badger.NewBadgerDB(opts) }
}

// handle is the transport handler: decode, dispatch to the endpoint, encode
func (s *RPCServer) handle(shardId uint64, req []byte) []byte {
	var respMsg *common.Message

	ep, ok := s.endpoints.Load(shardId)
	if !ok {
		// Case shard does not exist -> error
		respMsg = common.NewErrorResponse(rfc.Errorf(rfc.KindLogon, "client %03d is not served by this server", shardId))
	} else {
		var msg common.Message
		if err := s.serializer.Deserialize(req, &msg); err != nil {
			respMsg = common.NewErrorResponse(
				rfc.NewErrorCode(rfc.KindProtocol, rfc.RcSerializationFailure, "failed to deserialize request: "+err.Error()),
			)
		} else {
			ctx, cancel := s.requestContext()
			respMsg = s.adapter.Handle(ctx, &msg, ep)
			cancel()
		}
	}

	val, err := s.serializer.Serialize(*respMsg)
	if err != nil {
		Logger.Errorf("failed to serialize response: %v", err)
		val, _ = s.serializer.Serialize(*common.NewErrorResponse(
			rfc.NewErrorCode(rfc.KindProtocol, rfc.RcSerializationFailure, "failed to serialize response: "+err.Error()),
		))
	}
	return val
}

func (s *RPCServer) requestContext() (context.Context, context.CancelFunc) {
	if s.config.TimeoutSecond > 0 {
		return context.WithTimeout(context.Background(), time.Duration(s.config.TimeoutSecond)*time.Second)
	}
	return context.WithCancel(context.Background())
}

// startMetrics serves the metrics of all endpoints plus process metrics
func (s *RPCServer) startMetrics() {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		s.endpoints.Range(func(_ uint64, ep *endpoint.Endpoint) bool {
			ep.WriteMetrics(w)
			return true
		})
		metrics.WriteProcessMetrics(w)
	})
	s.metrics = &http.Server{Addr: s.config.MetricsEndpoint, Handler: mux}

	go func() {
		Logger.Infof("serving metrics on %s/metrics", s.config.MetricsEndpoint)
		if err := s.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger.Errorf("metrics server failed: %v", err)
		}
	}()
}

// startPruner periodically removes finished units from the transition log
func (s *RPCServer) startPruner() {
	retention := time.Duration(s.config.TLogRetentionSecond) * time.Second
	interval := min(retention, tlogPruneInterval)

	ctx, cancel := context.WithCancel(context.Background())
	s.stopPruner = cancel
	s.pruner.Go(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			s.pruneTransitionLog(ctx, time.Now().Add(-retention))
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	})
}

// pruneTransitionLog drops confirmed and destroyed units idle since before.
// Confirmed units stay known to their endpoint after pruning.
func (s *RPCServer) pruneTransitionLog(ctx context.Context, before time.Time) {
	n, err := s.tlog.Prune(ctx, before, unit.StateConfirmed.String(), endpoint.StateDestroyed)
	if err != nil {
		if ctx.Err() == nil {
			Logger.Errorf("failed to prune transition log: %v", err)
		}
		return
	}
	if n > 0 {
		Logger.Infof("pruned %d events from the transition log", n)
	}
}

func (s *RPCServer) shutdown() {
	s.closeOnce.Do(func() {
		if s.stopPruner != nil {
			s.stopPruner()
			s.pruner.Wait()
		}
		if s.metrics != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = s.metrics.Shutdown(ctx)
			cancel()
		}
		s.endpoints.Range(func(client uint64, ep *endpoint.Endpoint) bool {
			if err := ep.Close(); err != nil {
				Logger.Errorf("failed to close endpoint of client %03d: %v", client, err)
			}
			return true
		})
		if err := s.guard.Close(); err != nil {
			Logger.Warningf("failed to stop policy watcher: %v", err)
		}
		if s.tlog != nil {
			if err := s.tlog.Close(); err != nil {
				Logger.Errorf("failed to close transition log: %v", err)
			}
		}
	})
}
