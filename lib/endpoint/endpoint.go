package endpoint

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rfcunit/lib/auth"
	"github.com/ValentinKolb/rfcunit/lib/lockmgr"
	"github.com/ValentinKolb/rfcunit/lib/rfc"
	"github.com/ValentinKolb/rfcunit/lib/store"
	"github.com/ValentinKolb/rfcunit/lib/tlog"
	"github.com/ValentinKolb/rfcunit/lib/unit"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sourcegraph/conc"
)

var Logger = logger.GetLogger("endpoint")

// Key prefixes inside the store
const (
	sessionPrefix = "s/"
	unitPrefix    = "u/"
	lockPrefix    = "l/"
	tablePrefix   = "t/"
	// confirmedPrefix marks confirmed units and outlives the collected record
	confirmedPrefix = "c/"
)

const (
	// lockTTL bounds how long a crashed lock holder blocks a unit, in seconds
	lockTTL = 30
	// lockWait bounds how long a transition waits for the unit lock
	lockWait = 10 * time.Second
	// queueCapacity is the number of asynchronous units a queue buffers before Submit blocks
	queueCapacity = 1024

	defaultAsyncWorkers     = 4
	defaultConfirmRetention = 24 * 60 * 60
)

// TransitionLog durably records unit transitions. *tlog.Log implements it.
type TransitionLog interface {
	Append(ctx context.Context, unitID, state, note string) error
	History(ctx context.Context, unitID string) ([]tlog.Event, error)
	Known(ctx context.Context, unitID string) (bool, error)
}

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithGuard checks logons and authorizes calls. Without a guard everything is allowed.
func WithGuard(g *auth.Guard) Option {
	return func(e *Endpoint) { e.guard = g }
}

// WithTransitionLog records every unit transition in l.
func WithTransitionLog(l TransitionLog) Option {
	return func(e *Endpoint) { e.tlog = l }
}

// WithSessionIdle expires sessions that were not used for the given number of seconds. 0 disables expiry.
func WithSessionIdle(seconds uint64) Option {
	return func(e *Endpoint) { e.sessionIdle = seconds }
}

// WithConfirmRetention keeps confirmed units for the given number of seconds before they are collected.
func WithConfirmRetention(seconds uint64) Option {
	return func(e *Endpoint) {
		if seconds > 0 {
			e.confirmRetention = seconds
		}
	}
}

// WithAsyncWorkers sets how many units of one queue run concurrently.
func WithAsyncWorkers(n int) Option {
	return func(e *Endpoint) {
		if n > 0 {
			e.asyncWorkers = n
		}
	}
}

// WithFunction registers an additional function, replacing a built-in of the same name.
func WithFunction(name string, fn Function) Option {
	return func(e *Endpoint) { e.registry.Register(name, fn) }
}

// Endpoint is the remote execution environment of one client number. It owns
// sessions, executes functions and processes units of work.
type Endpoint struct {
	client           uint64
	store            store.IStore
	locks            lockmgr.ILockManager
	guard            *auth.Guard
	tlog             TransitionLog
	registry         *Registry
	metrics          *endpointMetrics
	sessionIdle      uint64
	confirmRetention uint64
	asyncWorkers     int
	started          time.Time

	ctx    context.Context
	cancel context.CancelFunc

	dispatchMu sync.RWMutex // write locked while closing
	closed     atomic.Bool
	queues     *xsync.MapOf[string, *queue]
	running    conc.WaitGroup
}

// New creates the endpoint of a client number on top of s. The endpoint takes
// ownership of s and closes it on Close.
func New(client uint64, s store.IStore, opts ...Option) *Endpoint {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		client:           client,
		store:            s,
		locks:            lockmgr.NewLockManager(s, lockPrefix),
		registry:         NewRegistry(),
		metrics:          newEndpointMetrics(client),
		confirmRetention: defaultConfirmRetention,
		asyncWorkers:     defaultAsyncWorkers,
		started:          time.Now(),
		ctx:              ctx,
		cancel:           cancel,
		queues:           xsync.NewMapOf[string, *queue](),
	}
	registerBuiltins(e.registry)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Client returns the client number the endpoint serves.
func (e *Endpoint) Client() uint64 {
	return e.client
}

// Registry returns the function registry.
func (e *Endpoint) Registry() *Registry {
	return e.registry
}

// WriteMetrics writes the endpoint metrics in Prometheus text format to w.
func (e *Endpoint) WriteMetrics(w io.Writer) {
	e.metrics.set.WritePrometheus(w)
}

// Start recovers units that were recorded but not finished, for example because
// the process stopped while they were running. It returns the number of re-dispatched units.
func (e *Endpoint) Start() (int, error) {
	entries, err := e.store.Scan(unitPrefix)
	if err != nil {
		return 0, rfc.Errorf(rfc.KindRuntime, "scan units: %v", err)
	}

	// oldest first, so queues keep their submission order
	pending := make([]*record, 0)
	for key, value := range entries {
		rec, err := decodeRecord(value)
		if err != nil {
			Logger.Errorf("client %d: skipping unreadable unit record %s: %v", e.client, key, err)
			continue
		}
		if rec.State == unit.StateInProcess {
			pending = append(pending, rec)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Submitted.Before(pending[j].Submitted) })

	for _, rec := range pending {
		e.metrics.recovered()
		e.dispatch(rec)
	}
	if len(pending) > 0 {
		Logger.Infof("client %d: recovered %d unfinished units", e.client, len(pending))
	}
	return len(pending), nil
}

// Close stops accepting units, cancels running functions and waits for all workers.
// Units interrupted by Close stay IN_PROCESS and are recovered by the next Start.
func (e *Endpoint) Close() error {
	e.dispatchMu.Lock()
	if e.closed.Swap(true) {
		e.dispatchMu.Unlock()
		return nil
	}
	e.queues.Range(func(_ string, q *queue) bool {
		close(q.jobs)
		return true
	})
	e.dispatchMu.Unlock()

	e.cancel()
	e.running.Wait()
	return e.store.Close()
}

// --------------------------------------------------------------------------
// Calls
// --------------------------------------------------------------------------

// Call executes function on behalf of the session. Unit system functions are
// handled here, every other function comes from the registry and commits its
// table writes when it returns without error.
func (e *Endpoint) Call(ctx context.Context, token, function string, params rfc.Parameters) (rfc.Parameters, error) {
	sess, err := e.session(token)
	if err != nil {
		return nil, err
	}
	function = strings.ToUpper(function)
	e.metrics.call(function)

	if err := e.guard.Authorize(sess.User, e.client, function); err != nil {
		return nil, err
	}

	call := &Call{
		Context: ctx,
		User:    sess.User,
		Client:  e.client,
		Tx:      newTx(),
		ep:      e,
	}

	switch function {
	case unit.FuncSubmit:
		return e.submit(call, params)
	case unit.FuncGetState:
		return e.getState(call, params)
	case unit.FuncConfirm:
		return e.confirm(call, params)
	case unit.FuncDestroy:
		return e.destroy(call, params)
	case unit.FuncHistory:
		return e.history(call, params)
	}

	fn, ok := e.registry.Lookup(function)
	if !ok {
		return nil, functionNotFound(function)
	}
	result, err := invoke(fn, call, params)
	if err != nil {
		return nil, err
	}
	if err := call.Tx.commit(e.store); err != nil {
		return nil, err
	}
	return result, nil
}

// invoke runs fn and turns a panic into a runtime failure
func invoke(fn Function, call *Call, params rfc.Parameters) (result rfc.Parameters, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = rfc.Errorf(rfc.KindRuntime, "function panicked: %v", r)
		}
	}()
	result, err = fn(call, params)
	if err != nil {
		err = rfc.AsError(err, rfc.KindRuntime)
	}
	return result, err
}

func functionNotFound(function string) *rfc.Error {
	err := rfc.NewErrorCode(rfc.KindApplication, rfc.RcNotFound, "function "+function+" not found")
	err.Key = "FU_NOT_FOUND"
	err.MsgClass, err.MsgType, err.MsgNumber, err.MsgV1 = "FL", "E", "046", function
	return err
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func encodeJSON(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, rfc.NewErrorCode(rfc.KindRuntime, rfc.RcSerializationFailure, err.Error())
	}
	return b, nil
}

// storeError reports a failing store as runtime failure of the endpoint
func storeError(op string, err error) *rfc.Error {
	return rfc.Errorf(rfc.KindRuntime, "%s: %v", op, err)
}
