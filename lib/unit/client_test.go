package unit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/rfcunit/lib/rfc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRemote is a minimal in-memory endpoint speaking the unit system functions.
type fakeRemote struct {
	mu        sync.Mutex
	states    map[Identifier]State
	executed  map[string]int
	pingErr   error
	submitErr error // returned once after the unit was recorded
	dropErr   error // returned once before the unit was recorded
	journal   []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{states: map[Identifier]State{}, executed: map[string]int{}}
}

func (f *fakeRemote) Ping(context.Context) error { return f.pingErr }

func (f *fakeRemote) Call(_ context.Context, function string, params rfc.Parameters) (rfc.Parameters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch function {
	case FuncSubmit:
		if f.dropErr != nil {
			err := f.dropErr
			f.dropErr = nil
			return nil, err
		}
		var desc Descriptor
		if err := params.Decode(ParamUnit, &desc); err != nil {
			return nil, err
		}
		if _, ok := f.states[desc.ID]; ok {
			return nil, rfc.NewErrorCode(rfc.KindInvalidState, rfc.RcExecuted, "unit already submitted")
		}
		for _, call := range desc.Calls {
			if call.Function == "UNKNOWN" {
				return nil, rfc.Errorf(rfc.KindApplication, "function %s not found", call.Function)
			}
		}
		for _, call := range desc.Calls {
			f.executed[call.Function]++
		}
		f.states[desc.ID] = StateCommitted
		if f.submitErr != nil {
			err := f.submitErr
			f.submitErr = nil
			return nil, err
		}
		return rfc.Parameters{}, nil
	case FuncGetState:
		return rfc.Parameters{ParamState: f.states[Identifier(params.String(ParamUnitID))].String()}, nil
	case FuncConfirm:
		id := Identifier(params.String(ParamUnitID))
		state, ok := f.states[id]
		if !ok {
			return nil, rfc.NewError(rfc.KindNotFound, "unit unknown")
		}
		if state == StateCommitted || state == StateRolledBack {
			f.states[id] = StateConfirmed
		}
		return rfc.Parameters{}, nil
	case FuncDestroy:
		delete(f.states, Identifier(params.String(ParamUnitID)))
		return rfc.Parameters{}, nil
	case FuncHistory:
		return rfc.Parameters{ParamHistory: []map[string]interface{}{{"state": "COMMITTED", "at": time.Now()}}}, nil
	}
	return nil, rfc.Errorf(rfc.KindApplication, "function %s not found", function)
}

func (f *fakeRemote) Append(_ context.Context, unitID, state, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.journal = append(f.journal, unitID[:4]+":"+state)
	return nil
}

func (f *fakeRemote) runs(function string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.executed[function]
}

func TestIdentifier(t *testing.T) {
	seen := map[Identifier]bool{}
	for i := 0; i < 100; i++ {
		id, err := NewIdentifier(true)
		require.NoError(t, err)
		require.Len(t, string(id), BackgroundIDLength)
		require.NoError(t, id.Validate())
		require.True(t, id.Background())
		require.False(t, seen[id])
		seen[id] = true
	}

	classic, err := NewIdentifier(false)
	require.NoError(t, err)
	assert.Len(t, string(classic), ClassicIDLength)
	assert.False(t, classic.Background())

	assert.Error(t, Identifier("abc").Validate())
	assert.Error(t, Identifier("0123456789abcdef0123456789abcdef").Validate())
}

func TestStateJSON(t *testing.T) {
	for _, s := range []State{StateNotFound, StateInProcess, StateCommitted, StateRolledBack, StateConfirmed} {
		b, err := s.MarshalJSON()
		require.NoError(t, err)
		var back State
		require.NoError(t, back.UnmarshalJSON(b))
		assert.Equal(t, s, back)
	}
	_, err := ParseState("BROKEN")
	assert.Error(t, err)
}

func TestUnitLifecycle(t *testing.T) {
	remote := newFakeRemote()
	client := NewClient(remote, WithJournal(remote))
	ctx := context.Background()

	id, err := client.Initialize(ctx, Attributes{Background: true})
	require.NoError(t, err)

	state, err := client.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateNotFound, state)

	require.NoError(t, client.Queue(id, "A", rfc.Parameters{"X": 1}))
	require.NoError(t, client.Queue(id, "B", nil))

	res, err := client.Submit(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	state, err = client.Await(ctx, id, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, state)

	require.NoError(t, client.Confirm(ctx, id))
	require.NoError(t, client.Confirm(ctx, id))
	state, err = client.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, state)

	history, err := client.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "COMMITTED", history[0].State)

	prefix := string(id)[:4]
	assert.Equal(t, []string{prefix + ":CREATED", prefix + ":SUBMITTED", prefix + ":CONFIRMED"}, remote.journal)
}

func TestQueueAfterSubmit(t *testing.T) {
	remote := newFakeRemote()
	client := NewClient(remote)
	ctx := context.Background()

	id, err := client.Initialize(ctx, Attributes{Background: true})
	require.NoError(t, err)
	require.NoError(t, client.Queue(id, "A", nil))
	_, err = client.Submit(ctx, id)
	require.NoError(t, err)

	err = client.Queue(id, "B", nil)
	require.ErrorIs(t, err, rfc.ErrInvalidState)

	calls, err := client.Calls(id)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "A", calls[0].Function)
}

func TestSubmitTwice(t *testing.T) {
	remote := newFakeRemote()
	client := NewClient(remote)
	ctx := context.Background()

	id, err := client.Initialize(ctx, Attributes{Background: true})
	require.NoError(t, err)
	require.NoError(t, client.Queue(id, "A", nil))

	res, err := client.Submit(ctx, id)
	require.NoError(t, err)
	require.True(t, res.Accepted)

	_, err = client.Submit(ctx, id)
	require.ErrorIs(t, err, rfc.ErrInvalidState)
	assert.Equal(t, 1, remote.runs("A"))
}

func TestLocalContractViolations(t *testing.T) {
	client := NewClient(newFakeRemote())
	ctx := context.Background()

	err := client.Queue("0123456789ABCDEF0123456789ABCDEF", "A", nil)
	assert.ErrorIs(t, err, rfc.ErrInvalidState)

	id, err := client.Initialize(ctx, Attributes{Background: true})
	require.NoError(t, err)

	_, err = client.Submit(ctx, id)
	assert.ErrorIs(t, err, rfc.ErrInvalidState, "submit without calls")
	assert.ErrorIs(t, client.Queue(id, "", nil), rfc.ErrInvalidState)

	err = client.Confirm(ctx, id)
	assert.ErrorIs(t, err, rfc.ErrNotFound, "confirm before submit")
}

func TestSubmitRejected(t *testing.T) {
	remote := newFakeRemote()
	client := NewClient(remote)
	ctx := context.Background()

	id, err := client.Initialize(ctx, Attributes{Background: true})
	require.NoError(t, err)
	require.NoError(t, client.Queue(id, "A", nil))
	require.NoError(t, client.Queue(id, "UNKNOWN", nil))

	res, err := client.Submit(ctx, id)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	require.NotNil(t, res.Rejection)
	assert.Equal(t, rfc.KindApplication, res.Rejection.Kind)
	assert.Equal(t, 0, remote.runs("A"))

	assert.ErrorIs(t, client.Queue(id, "B", nil), rfc.ErrInvalidState)
	_, err = client.Submit(ctx, id)
	assert.ErrorIs(t, err, rfc.ErrInvalidState)
}

func TestSubmitUncertainResend(t *testing.T) {
	remote := newFakeRemote()
	remote.submitErr = rfc.NewError(rfc.KindTimeout, "no reply")
	client := NewClient(remote)
	ctx := context.Background()

	id, err := client.Initialize(ctx, Attributes{Background: true})
	require.NoError(t, err)
	require.NoError(t, client.Queue(id, "A", nil))

	_, err = client.Submit(ctx, id)
	require.ErrorIs(t, err, rfc.ErrTimeout)
	assert.True(t, rfc.IsRetryable(err))
	assert.ErrorIs(t, client.Queue(id, "B", nil), rfc.ErrInvalidState)

	state, err := client.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, state)

	res, err := client.Submit(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, 1, remote.runs("A"))
}

func TestSubmitRuntimeFaultIsUncertain(t *testing.T) {
	remote := newFakeRemote()
	remote.submitErr = rfc.NewError(rfc.KindRuntime, "store unavailable")
	client := NewClient(remote)
	ctx := context.Background()

	id, err := client.Initialize(ctx, Attributes{Background: true})
	require.NoError(t, err)
	require.NoError(t, client.Queue(id, "A", nil))

	res, err := client.Submit(ctx, id)
	require.ErrorIs(t, err, rfc.ErrRuntimeFailure)
	assert.False(t, res.Accepted)
	assert.Nil(t, res.Rejection)

	// the unit was recorded, so it is neither rejected nor unknown
	res, err = client.Submit(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, 1, remote.runs("A"))
	assert.NoError(t, client.Confirm(ctx, id))
}

func TestSubmitLostBeforeRecording(t *testing.T) {
	remote := newFakeRemote()
	remote.dropErr = rfc.NewError(rfc.KindCommunication, "connection reset")
	client := NewClient(remote)
	ctx := context.Background()

	id, err := client.Initialize(ctx, Attributes{Background: true})
	require.NoError(t, err)
	require.NoError(t, client.Queue(id, "A", nil))

	_, err = client.Submit(ctx, id)
	require.ErrorIs(t, err, rfc.ErrCommunicationFailure)

	state, err := client.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateNotFound, state)

	res, err := client.Submit(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, 1, remote.runs("A"))
}

func TestDestroy(t *testing.T) {
	remote := newFakeRemote()
	client := NewClient(remote)
	ctx := context.Background()

	id, err := client.Initialize(ctx, Attributes{Background: true})
	require.NoError(t, err)
	require.NoError(t, client.Queue(id, "A", nil))
	_, err = client.Submit(ctx, id)
	require.NoError(t, err)

	require.NoError(t, client.Destroy(ctx, id))
	state, err := client.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateNotFound, state)
	assert.Equal(t, 0, client.Len())

	local, err := client.Initialize(ctx, Attributes{})
	require.NoError(t, err)
	require.NoError(t, client.Destroy(ctx, local))
	assert.ErrorIs(t, client.Queue(local, "A", nil), rfc.ErrInvalidState)
}

func TestDestroyWhileSubmitting(t *testing.T) {
	client := NewClient(newFakeRemote())
	ctx := context.Background()

	id, err := client.Initialize(ctx, Attributes{Background: true})
	require.NoError(t, err)
	require.NoError(t, client.Queue(id, "A", nil))

	e, ok := client.units.Load(id)
	require.True(t, ok)
	client.setPhase(e, phaseSubmitting)

	assert.ErrorIs(t, client.Destroy(ctx, id), rfc.ErrInvalidState)
	assert.Equal(t, 1, client.Len())
}

func TestAwaitNonPositiveInterval(t *testing.T) {
	client := NewClient(newFakeRemote())
	ctx := context.Background()

	id, err := client.Initialize(ctx, Attributes{Background: true})
	require.NoError(t, err)
	require.NoError(t, client.Queue(id, "A", nil))
	_, err = client.Submit(ctx, id)
	require.NoError(t, err)

	for _, interval := range []time.Duration{0, -time.Second} {
		state, err := client.Await(ctx, id, interval)
		require.NoError(t, err)
		assert.Equal(t, StateCommitted, state)
	}
}

func TestInitializeUnreachable(t *testing.T) {
	remote := newFakeRemote()
	remote.pingErr = rfc.NewError(rfc.KindCommunication, "connection refused")
	client := NewClient(remote)

	_, err := client.Initialize(context.Background(), Attributes{})
	require.ErrorIs(t, err, rfc.ErrCommunicationFailure)
	assert.Equal(t, 0, client.Len())
}

func TestConcurrentUnits(t *testing.T) {
	remote := newFakeRemote()
	client := NewClient(remote)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := client.Initialize(ctx, Attributes{Background: true})
			if !assert.NoError(t, err) {
				return
			}
			for j := 0; j < 5; j++ {
				assert.NoError(t, client.Queue(id, "A", rfc.Parameters{"N": j}))
			}
			res, err := client.Submit(ctx, id)
			assert.NoError(t, err)
			assert.True(t, res.Accepted)
		}()
	}
	wg.Wait()
	assert.Equal(t, 80, remote.runs("A"))
}
