package unit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ValentinKolb/rfcunit/lib/rfc"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("unit")

// Caller is the part of a connection pool the client needs.
// *rfc.Pool implements it.
type Caller interface {
	Call(ctx context.Context, function string, params rfc.Parameters) (rfc.Parameters, error)
	Ping(ctx context.Context) error
}

// Journal durably records local unit transitions so units of uncertain outcome
// can be found again after a crash. *tlog.Log implements it.
type Journal interface {
	Append(ctx context.Context, unitID, state, note string) error
}

// Journal states written by the client.
const (
	JournalCreated   = "CREATED"
	JournalSubmitted = "SUBMITTED"
	JournalUncertain = "UNCERTAIN"
	JournalRejected  = "REJECTED"
	JournalConfirmed = "CONFIRMED"
	JournalDestroyed = "DESTROYED"
)

// DefaultAwaitInterval is used by Await when no positive interval is given.
const DefaultAwaitInterval = 200 * time.Millisecond

// SubmitResult is the outcome of a submission that reached the endpoint.
type SubmitResult struct {
	Accepted  bool
	Rejection *rfc.Error
}

// --------------------------------------------------------------------------
// Local Unit Bookkeeping
// --------------------------------------------------------------------------

type phase uint8

const (
	phaseQueuing    phase = iota // accepting calls
	phaseSubmitting              // submit request in flight
	phaseSubmitted               // accepted by the endpoint
	phaseUncertain               // submit outcome unknown, may be re-sent
	phaseRejected                // rejected by the endpoint, nothing executed
	phaseConfirmed
	phaseDestroyed
)

func (p phase) String() string {
	switch p {
	case phaseQueuing:
		return "queuing"
	case phaseSubmitting:
		return "submitting"
	case phaseSubmitted:
		return "submitted"
	case phaseUncertain:
		return "uncertain"
	case phaseRejected:
		return "rejected"
	case phaseConfirmed:
		return "confirmed"
	default:
		return "destroyed"
	}
}

// entry is the local state of one unit. mu is the single-writer lock of the
// queuing phase, it is never held across a remote call.
type entry struct {
	mu    sync.Mutex
	id    Identifier
	attrs Attributes
	phase phase
	calls []QueuedCall
}

// --------------------------------------------------------------------------
// Client
// --------------------------------------------------------------------------

// Client manages units of work against one destination.
// It is safe for concurrent use; units are independent of each other.
type Client struct {
	caller  Caller
	units   *xsync.MapOf[Identifier, *entry]
	timeout time.Duration
	journal Journal
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds every remote operation. Zero means only the caller's context applies.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithJournal records local transitions in j.
func WithJournal(j Journal) Option {
	return func(c *Client) { c.journal = j }
}

// NewClient creates a unit client that sends its requests through caller,
// usually a *rfc.Pool owned by the application.
func NewClient(caller Caller, opts ...Option) *Client {
	c := &Client{
		caller: caller,
		units:  xsync.NewMapOf[Identifier, *entry](),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize creates a new unit bound to attrs and returns its identifier.
// The endpoint is probed for reachability; nothing is registered remotely until Submit.
func (c *Client) Initialize(ctx context.Context, attrs Attributes) (Identifier, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.caller.Ping(ctx); err != nil {
		return "", c.remoteError(ctx, err)
	}

	for {
		id, err := NewIdentifier(attrs.Background)
		if err != nil {
			return "", rfc.NewError(rfc.KindRuntime, err.Error())
		}
		e := &entry{id: id, attrs: attrs, phase: phaseQueuing}
		if _, loaded := c.units.LoadOrStore(id, e); loaded {
			continue
		}
		c.record(ctx, id, JournalCreated, attrs.Mode.String())
		Logger.Debugf("initialized unit %s (%s)", id, attrs.Mode)
		return id, nil
	}
}

// Queue appends a call to the unit. Only units that were neither submitted,
// confirmed nor destroyed accept calls.
func (c *Client) Queue(id Identifier, function string, params rfc.Parameters) error {
	e, ok := c.units.Load(id)
	if !ok {
		return rfc.Errorf(rfc.KindInvalidState, "unit %s was not initialized", id)
	}
	if function == "" {
		return rfc.NewError(rfc.KindInvalidState, "function name must not be empty")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.phase != phaseQueuing {
		return rfc.Errorf(rfc.KindInvalidState, "unit %s is %s, no more calls can be queued", id, e.phase)
	}
	e.calls = append(e.calls, QueuedCall{Function: function, Parameters: copyParams(params)})
	return nil
}

// Submit sends all queued calls as one request. A rejected unit is reported in
// the result and none of its calls run. Errors are returned for local contract
// violations and for transport failures; after a transport failure the outcome
// is unknown and GetState decides whether the unit was recorded. Submitting such
// a unit again re-sends the same identifier, which the endpoint deduplicates.
func (c *Client) Submit(ctx context.Context, id Identifier) (SubmitResult, error) {
	e, ok := c.units.Load(id)
	if !ok {
		return SubmitResult{}, rfc.Errorf(rfc.KindInvalidState, "unit %s was not initialized", id)
	}

	e.mu.Lock()
	resend := e.phase == phaseUncertain
	switch {
	case e.phase == phaseQueuing && len(e.calls) == 0:
		e.mu.Unlock()
		return SubmitResult{}, rfc.Errorf(rfc.KindInvalidState, "unit %s has no queued calls", id)
	case e.phase == phaseQueuing:
		e.attrs.SendingTime = time.Now().UTC()
	case resend:
	default:
		p := e.phase
		e.mu.Unlock()
		return SubmitResult{}, rfc.Errorf(rfc.KindInvalidState, "unit %s is %s and cannot be submitted again", id, p)
	}
	e.phase = phaseSubmitting
	desc := Descriptor{ID: e.id, Attributes: e.attrs, Calls: e.calls}
	e.mu.Unlock()

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := c.caller.Call(ctx, FuncSubmit, rfc.Parameters{ParamUnit: desc})
	if err == nil {
		c.setPhase(e, phaseSubmitted)
		c.record(ctx, id, JournalSubmitted, "")
		Logger.Debugf("unit %s accepted with %d calls", id, len(desc.Calls))
		return SubmitResult{Accepted: true}, nil
	}

	rerr := c.remoteError(ctx, err)
	if resend && rerr.Code == rfc.RcExecuted {
		c.setPhase(e, phaseSubmitted)
		c.record(ctx, id, JournalSubmitted, "already recorded")
		return SubmitResult{Accepted: true}, nil
	}
	if isRejection(rerr) {
		c.setPhase(e, phaseRejected)
		c.record(ctx, id, JournalRejected, rerr.Error())
		Logger.Infof("unit %s rejected: %v", id, rerr)
		return SubmitResult{Accepted: false, Rejection: rerr}, nil
	}

	c.setPhase(e, phaseUncertain)
	c.record(context.WithoutCancel(ctx), id, JournalUncertain, rerr.Error())
	Logger.Warningf("unit %s submit outcome unknown: %v", id, rerr)
	return SubmitResult{}, rerr
}

// GetState queries the endpoint for the unit's state. It works for any
// identifier, including units created by another process.
func (c *Client) GetState(ctx context.Context, id Identifier) (State, error) {
	if err := id.Validate(); err != nil {
		return StateNotFound, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := c.caller.Call(ctx, FuncGetState, rfc.Parameters{ParamUnitID: string(id)})
	if err != nil {
		return StateNotFound, c.remoteError(ctx, err)
	}
	state, perr := ParseState(res.String(ParamState))
	if perr != nil {
		return StateNotFound, rfc.NewError(rfc.KindProtocol, perr.Error())
	}
	return state, nil
}

// Await polls GetState every interval until the unit leaves IN_PROCESS or ctx is done.
// A non-positive interval falls back to DefaultAwaitInterval.
func (c *Client) Await(ctx context.Context, id Identifier, interval time.Duration) (State, error) {
	if interval <= 0 {
		interval = DefaultAwaitInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		state, err := c.GetState(ctx, id)
		if err != nil || state != StateInProcess {
			return state, err
		}
		select {
		case <-ctx.Done():
			return state, rfc.ContextError(ctx.Err())
		case <-ticker.C:
		}
	}
}

// Confirm acknowledges the unit's outcome so the endpoint may collect it.
// Confirming a confirmed or already collected unit is a no-op. A NotFound error
// is returned only for identifiers that were never submitted.
func (c *Client) Confirm(ctx context.Context, id Identifier) error {
	if err := id.Validate(); err != nil {
		return err
	}
	e, local := c.units.Load(id)
	if local {
		e.mu.Lock()
		p := e.phase
		e.mu.Unlock()
		switch p {
		case phaseConfirmed:
			return nil
		case phaseQueuing, phaseRejected:
			return rfc.Errorf(rfc.KindNotFound, "unit %s was never submitted", id)
		}
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if _, err := c.caller.Call(ctx, FuncConfirm, rfc.Parameters{ParamUnitID: string(id)}); err != nil {
		return c.remoteError(ctx, err)
	}
	if local {
		e.mu.Lock()
		e.phase = phaseConfirmed
		e.calls = nil
		e.mu.Unlock()
	}
	c.record(ctx, id, JournalConfirmed, "")
	return nil
}

// Destroy discards the unit regardless of its state. Units that never left the
// queuing phase are dropped locally only.
func (c *Client) Destroy(ctx context.Context, id Identifier) error {
	if err := id.Validate(); err != nil {
		return err
	}
	e, local := c.units.Load(id)
	if local {
		e.mu.Lock()
		if e.phase == phaseSubmitting {
			e.mu.Unlock()
			return rfc.Errorf(rfc.KindInvalidState, "unit %s is being submitted", id)
		}
		if e.phase == phaseQueuing || e.phase == phaseRejected {
			e.phase = phaseDestroyed
			e.calls = nil
			e.mu.Unlock()
			c.units.Delete(id)
			c.record(ctx, id, JournalDestroyed, "local")
			return nil
		}
		e.mu.Unlock()
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if _, err := c.caller.Call(ctx, FuncDestroy, rfc.Parameters{ParamUnitID: string(id)}); err != nil {
		return c.remoteError(ctx, err)
	}
	if local {
		c.setPhase(e, phaseDestroyed)
		c.units.Delete(id)
	}
	c.record(ctx, id, JournalDestroyed, "")
	return nil
}

// History returns the transitions the endpoint recorded for the unit.
// It lets callers tell "never submitted" apart from "already collected".
func (c *Client) History(ctx context.Context, id Identifier) ([]HistoryEntry, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := c.caller.Call(ctx, FuncHistory, rfc.Parameters{ParamUnitID: string(id)})
	if err != nil {
		return nil, c.remoteError(ctx, err)
	}
	var history []HistoryEntry
	if _, ok := res[ParamHistory]; !ok {
		return history, nil
	}
	if err := res.Decode(ParamHistory, &history); err != nil {
		return nil, rfc.NewError(rfc.KindProtocol, err.Error())
	}
	return history, nil
}

// Calls returns a copy of the calls queued on a locally known unit.
func (c *Client) Calls(id Identifier) ([]QueuedCall, error) {
	e, ok := c.units.Load(id)
	if !ok {
		return nil, rfc.Errorf(rfc.KindInvalidState, "unit %s is not known locally", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]QueuedCall, len(e.calls))
	copy(out, e.calls)
	return out, nil
}

// Forget drops the local bookkeeping of a unit without any remote call.
func (c *Client) Forget(id Identifier) {
	c.units.Delete(id)
}

// Len returns the number of locally known units.
func (c *Client) Len() int {
	return c.units.Size()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return context.WithCancel(ctx)
}

// remoteError converts err into an *rfc.Error, preferring the context's
// verdict when the deadline expired.
func (c *Client) remoteError(ctx context.Context, err error) *rfc.Error {
	var e *rfc.Error
	if errors.As(err, &e) {
		return e
	}
	if ctx.Err() != nil {
		return rfc.ContextError(ctx.Err())
	}
	return rfc.NewError(rfc.KindCommunication, err.Error())
}

func (c *Client) setPhase(e *entry, p phase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
}

func (c *Client) record(ctx context.Context, id Identifier, state, note string) {
	if c.journal == nil {
		return
	}
	if err := c.journal.Append(ctx, string(id), state, note); err != nil {
		Logger.Errorf("failed to journal unit %s as %s: %v", id, state, err)
	}
}

// isRejection reports errors with which the endpoint refused the unit before
// recording it. Runtime faults may happen after the record was written and
// leave the outcome unknown.
func isRejection(err *rfc.Error) bool {
	switch err.Kind {
	case rfc.KindApplication, rfc.KindAuthorization, rfc.KindInvalidState, rfc.KindNotFound:
		return true
	default:
		return false
	}
}

func copyParams(p rfc.Parameters) rfc.Parameters {
	if p == nil {
		return nil
	}
	out := make(rfc.Parameters, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
