package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/ValentinKolb/rfcunit/lib/lockmgr"
	"github.com/ValentinKolb/rfcunit/lib/rfc"
	"github.com/ValentinKolb/rfcunit/lib/store"
	"github.com/ValentinKolb/rfcunit/lib/unit"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
)

// StateDestroyed is the history entry written when a unit is destroyed.
const StateDestroyed = "DESTROYED"

// record is the stored bookkeeping of one unit
type record struct {
	ID         string            `json:"id"`
	Attributes unit.Attributes   `json:"attributes"`
	Calls      []unit.QueuedCall `json:"calls,omitempty"`
	State      unit.State        `json:"state"`
	User       string            `json:"user"`
	Owner      string            `json:"owner"`
	Failure    *rfc.Error        `json:"failure,omitempty"`
	Submitted  time.Time         `json:"submitted"`
	Updated    time.Time         `json:"updated"`
}

func decodeRecord(value []byte) (*record, error) {
	var rec record
	if err := json.Unmarshal(value, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (e *Endpoint) loadRecord(id string) (*record, bool, error) {
	value, ok, err := e.store.Get(unitPrefix + id)
	if err != nil {
		return nil, false, storeError("load unit", err)
	}
	if !ok {
		return nil, false, nil
	}
	rec, err := decodeRecord(value)
	if err != nil {
		return nil, false, storeError("decode unit", err)
	}
	return rec, true, nil
}

// queue feeds the asynchronous units of one queue name into a bounded worker pool
type queue struct {
	name string
	jobs chan *record
}

// --------------------------------------------------------------------------
// Unit System Functions
// --------------------------------------------------------------------------

// submit validates and records a unit, then hands it to a worker. The reply is
// sent after the record is stored, the calls run afterwards.
func (e *Endpoint) submit(call *Call, params rfc.Parameters) (rfc.Parameters, error) {
	var desc unit.Descriptor
	if err := params.Decode(unit.ParamUnit, &desc); err != nil {
		return nil, err
	}
	if err := desc.ID.Validate(); err != nil {
		return nil, err
	}
	id := string(desc.ID)
	if len(desc.Calls) == 0 {
		return nil, rfc.Errorf(rfc.KindApplication, "unit %s has no calls", id)
	}

	// reject the whole unit before anything is recorded
	for i := range desc.Calls {
		name := strings.ToUpper(desc.Calls[i].Function)
		desc.Calls[i].Function = name
		if strings.HasPrefix(name, "RFC_UNIT_") {
			return nil, rfc.Errorf(rfc.KindApplication, "function %s cannot be part of a unit", name)
		}
		if _, ok := e.registry.Lookup(name); !ok {
			return nil, functionNotFound(name)
		}
		if err := call.Authorize(name); err != nil {
			return nil, err
		}
	}

	if e.closed.Load() {
		return nil, rfc.NewError(rfc.KindCommunication, "endpoint is shutting down")
	}

	if e.tlog != nil {
		known, err := e.tlog.Known(call.Context, id)
		if err != nil {
			return nil, rfc.Errorf(rfc.KindRuntime, "read history: %v", err)
		}
		if known {
			return nil, alreadyExecuted(id)
		}
	}

	now := time.Now().UTC()
	rec := &record{
		ID:         id,
		Attributes: desc.Attributes,
		Calls:      desc.Calls,
		State:      unit.StateInProcess,
		User:       call.User,
		Owner:      uuid.NewString(),
		Submitted:  now,
		Updated:    now,
	}
	value, err := encodeJSON(rec)
	if err != nil {
		return nil, err
	}

	err = e.withUnitLock(call.Context, id, func() error {
		if confirmed, err := e.wasConfirmed(id); err != nil || confirmed {
			if err != nil {
				return err
			}
			return alreadyExecuted(id)
		}
		if err := e.store.SetEIfUnset(unitPrefix+id, value, 0, 0); err != nil {
			return storeError("record unit", err)
		}
		stored, ok, err := e.loadRecord(id)
		if err != nil {
			return err
		}
		if !ok || stored.Owner != rec.Owner {
			return alreadyExecuted(id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.journal(id, unit.StateInProcess.String(), "submitted by "+call.User)
	e.metrics.submitted()
	Logger.Debugf("client %d: unit %s recorded with %d calls (%s)", e.client, id, len(rec.Calls), rec.Attributes.Mode)

	e.dispatch(rec)
	return rfc.Parameters{unit.ParamState: unit.StateInProcess.String()}, nil
}

func (e *Endpoint) getState(_ *Call, params rfc.Parameters) (rfc.Parameters, error) {
	id := unit.Identifier(params.String(unit.ParamUnitID))
	if err := id.Validate(); err != nil {
		return nil, err
	}
	rec, ok, err := e.loadRecord(string(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return rfc.Parameters{unit.ParamState: unit.StateNotFound.String()}, nil
	}
	res := rfc.Parameters{unit.ParamState: rec.State.String()}
	if rec.Failure != nil {
		res[unit.ParamFailure] = rec.Failure
	}
	return res, nil
}

func (e *Endpoint) confirm(call *Call, params rfc.Parameters) (rfc.Parameters, error) {
	id := unit.Identifier(params.String(unit.ParamUnitID))
	if err := id.Validate(); err != nil {
		return nil, err
	}

	confirmed := false
	err := e.withUnitLock(call.Context, string(id), func() error {
		rec, ok, err := e.loadRecord(string(id))
		if err != nil {
			return err
		}
		if !ok {
			collected, err := e.wasConfirmed(string(id))
			if err != nil {
				return err
			}
			if collected || e.known(call.Context, string(id)) {
				return nil
			}
			return rfc.Errorf(rfc.KindNotFound, "unit %s is unknown", id)
		}

		switch rec.State {
		case unit.StateInProcess:
			return rfc.Errorf(rfc.KindInvalidState, "unit %s is still in process", id)
		case unit.StateConfirmed:
			return nil
		}

		rec.State = unit.StateConfirmed
		rec.Updated = time.Now().UTC()
		value, err := encodeJSON(rec)
		if err != nil {
			return err
		}
		writes := []store.Write{
			{Key: unitPrefix + string(id), Value: value, DeleteIn: e.confirmRetention},
			{Key: confirmedPrefix + string(id), Value: []byte(rec.Updated.Format(time.RFC3339))},
		}
		if err := e.store.SetMany(writes); err != nil {
			return storeError("confirm unit", err)
		}
		confirmed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if confirmed {
		e.journal(string(id), unit.StateConfirmed.String(), "")
	}
	return rfc.Parameters{}, nil
}

func (e *Endpoint) destroy(call *Call, params rfc.Parameters) (rfc.Parameters, error) {
	id := unit.Identifier(params.String(unit.ParamUnitID))
	if err := id.Validate(); err != nil {
		return nil, err
	}

	existed := false
	err := e.withUnitLock(call.Context, string(id), func() error {
		has, err := e.store.Has(unitPrefix + string(id))
		if err != nil {
			return storeError("load unit", err)
		}
		if !has {
			return nil
		}
		existed = true
		if err := e.store.Delete(unitPrefix + string(id)); err != nil {
			return storeError("destroy unit", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if existed {
		e.journal(string(id), StateDestroyed, "destroyed by "+call.User)
		Logger.Debugf("client %d: unit %s destroyed", e.client, id)
	}
	return rfc.Parameters{}, nil
}

func (e *Endpoint) history(call *Call, params rfc.Parameters) (rfc.Parameters, error) {
	id := unit.Identifier(params.String(unit.ParamUnitID))
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if e.tlog == nil {
		return nil, rfc.NewErrorCode(rfc.KindApplication, rfc.RcNotSupported, "unit history is not recorded by this endpoint")
	}
	events, err := e.tlog.History(call.Context, string(id))
	if err != nil {
		return nil, rfc.Errorf(rfc.KindRuntime, "read history: %v", err)
	}
	entries := make([]unit.HistoryEntry, len(events))
	for i, ev := range events {
		entries[i] = unit.HistoryEntry{State: ev.State, Note: ev.Note, At: ev.At}
	}
	return rfc.Parameters{unit.ParamHistory: entries}, nil
}

// --------------------------------------------------------------------------
// Processing
// --------------------------------------------------------------------------

// dispatch runs a recorded unit. Synchronous units get their own worker,
// asynchronous units are queued by name.
func (e *Endpoint) dispatch(rec *record) {
	e.dispatchMu.RLock()
	defer e.dispatchMu.RUnlock()
	if e.closed.Load() {
		return
	}

	if rec.Attributes.Mode != unit.ModeAsynchronous {
		e.running.Go(func() { e.process(rec) })
		return
	}

	q, _ := e.queues.LoadOrCompute(rec.Attributes.Queue(), func() *queue {
		q := &queue{name: rec.Attributes.Queue(), jobs: make(chan *record, queueCapacity)}
		e.running.Go(func() { e.feed(q) })
		return q
	})
	q.jobs <- rec
}

// feed runs the units of q until the queue is closed
func (e *Endpoint) feed(q *queue) {
	p := pool.New().WithMaxGoroutines(e.asyncWorkers)
	for rec := range q.jobs {
		rec := rec
		p.Go(func() { e.process(rec) })
	}
	p.Wait()
	Logger.Debugf("client %d: queue %s stopped", e.client, q.name)
}

// process executes the calls of a unit in order and records the outcome.
// The first failing call rolls back the whole unit.
func (e *Endpoint) process(rec *record) {
	started := time.Now()
	tx := newTx()

	var failure *rfc.Error
	for i, qc := range rec.Calls {
		if e.ctx.Err() != nil {
			return
		}
		call := &Call{
			Context: e.ctx,
			User:    rec.User,
			Client:  e.client,
			Unit:    rec.ID,
			Index:   i,
			Tx:      tx,
			ep:      e,
		}
		e.metrics.call(qc.Function)

		if err := call.Authorize(qc.Function); err != nil {
			failure = rfc.AsError(err, rfc.KindAuthorization)
			break
		}
		fn, ok := e.registry.Lookup(qc.Function)
		if !ok {
			failure = functionNotFound(qc.Function)
			break
		}
		if _, err := invoke(fn, call, qc.Parameters); err != nil {
			failure = rfc.AsError(err, rfc.KindRuntime)
			break
		}
	}

	// interrupted by shutdown, the unit is recovered on the next start
	if e.ctx.Err() != nil {
		return
	}
	e.finish(rec, tx, failure, started)
}

// finish stores the outcome of a unit. Staged rows and the final record are
// written in one batch. A unit destroyed while it ran keeps nothing.
func (e *Endpoint) finish(rec *record, tx *Tx, failure *rfc.Error, started time.Time) {
	state := unit.StateCommitted
	if failure != nil {
		state = unit.StateRolledBack
	}

	ctx, cancel := context.WithTimeout(context.Background(), lockWait)
	defer cancel()

	discarded := false
	err := e.withUnitLock(ctx, rec.ID, func() error {
		cur, ok, err := e.loadRecord(rec.ID)
		if err != nil {
			return err
		}
		if !ok || cur.Owner != rec.Owner || cur.State != unit.StateInProcess {
			discarded = true
			return nil
		}

		cur.State = state
		cur.Failure = failure
		cur.Calls = nil
		cur.Updated = time.Now().UTC()
		value, err := encodeJSON(cur)
		if err != nil {
			return err
		}

		var writes []store.Write
		if failure == nil {
			writes = tx.writes(rec.ID)
		}
		writes = append(writes, store.Write{Key: unitPrefix + rec.ID, Value: value})
		if err := e.store.SetMany(writes); err != nil {
			return storeError("finish unit", err)
		}
		return nil
	})
	if err != nil {
		Logger.Errorf("client %d: failed to record outcome of unit %s, it stays in process: %v", e.client, rec.ID, err)
		return
	}

	if discarded {
		e.metrics.discarded()
		Logger.Infof("client %d: unit %s was destroyed while running, result discarded", e.client, rec.ID)
		return
	}

	e.metrics.finished(state, started)
	note := ""
	if failure != nil {
		note = failure.Error()
		Logger.Infof("client %d: unit %s rolled back: %v", e.client, rec.ID, failure)
	} else {
		Logger.Debugf("client %d: unit %s committed (%d rows)", e.client, rec.ID, tx.Len())
	}
	e.journal(rec.ID, state.String(), note)
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// withUnitLock serializes the transitions of one unit
func (e *Endpoint) withUnitLock(ctx context.Context, id string, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, lockWait)
	defer cancel()

	err := e.locks.WithLock(ctx, unitPrefix+id, lockTTL, fn)
	if errors.Is(err, lockmgr.ErrLockHeld) {
		return rfc.Errorf(rfc.KindRuntime, "unit %s is locked by another operation", id)
	}
	if err != nil {
		return rfc.AsError(err, rfc.KindRuntime)
	}
	return nil
}

func (e *Endpoint) journal(id, state, note string) {
	if e.tlog == nil {
		return
	}
	if err := e.tlog.Append(context.Background(), id, state, note); err != nil {
		Logger.Errorf("client %d: failed to record %s of unit %s: %v", e.client, state, id, err)
	}
}

// wasConfirmed reports whether id was confirmed, even after its record was collected
func (e *Endpoint) wasConfirmed(id string) (bool, error) {
	has, err := e.store.Has(confirmedPrefix + id)
	if err != nil {
		return false, storeError("load unit", err)
	}
	return has, nil
}

func (e *Endpoint) known(ctx context.Context, id string) bool {
	if e.tlog == nil {
		return false
	}
	known, err := e.tlog.Known(ctx, id)
	if err != nil {
		Logger.Errorf("client %d: failed to read history of unit %s: %v", e.client, id, err)
		return false
	}
	return known
}

func alreadyExecuted(id string) *rfc.Error {
	return rfc.NewErrorCode(rfc.KindInvalidState, rfc.RcExecuted, "unit "+id+" was already submitted")
}
