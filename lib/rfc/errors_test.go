package rfc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		kind      ErrorKind
		code      RetCode
		retryable bool
		sentinel  error
	}{
		{KindLogon, RcLogonFailure, false, ErrLogonFailure},
		{KindCommunication, RcCommunicationFailure, true, ErrCommunicationFailure},
		{KindTimeout, RcTimeout, true, ErrTimeout},
		{KindProtocol, RcInvalidProtocol, false, ErrProtocol},
		{KindApplication, RcABAPException, false, ErrApplicationFailure},
		{KindRuntime, RcABAPRuntimeFailure, true, ErrRuntimeFailure},
		{KindAuthorization, RcAuthorizationFailure, false, ErrAuthorizationFailure},
		{KindInvalidState, RcIllegalState, false, ErrInvalidState},
		{KindNotFound, RcNotFound, false, ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			err := NewError(tt.kind, "boom")
			assert.Equal(t, tt.code, err.Code)
			assert.Equal(t, tt.code.String(), err.Key)
			assert.Equal(t, tt.retryable, err.Retryable())
			assert.ErrorIs(t, err, tt.sentinel)

			wrapped := fmt.Errorf("outer: %w", err)
			assert.Equal(t, tt.kind, KindOf(wrapped))
			assert.Equal(t, tt.retryable, IsRetryable(wrapped))
		})
	}
}

func TestErrorIsDistinguishesKinds(t *testing.T) {
	err := NewError(KindTimeout, "slow")
	assert.False(t, errors.Is(err, ErrProtocol))
	assert.False(t, errors.Is(err, errors.New("slow")))
}

func TestApplicationErrorFields(t *testing.T) {
	err := NewApplicationError("RAISE_EXCEPTION", "SR", "E", "006", "one", "two", "three", "four", "five")
	assert.Equal(t, KindApplication, err.Kind)
	assert.Equal(t, RcABAPMessage, err.Code)
	assert.Equal(t, "one", err.MsgV1)
	assert.Equal(t, "four", err.MsgV4)
	assert.Contains(t, err.Error(), "class=SR")
	assert.Contains(t, err.Error(), "v1-4:=one;two;three;four")
}

func TestAsError(t *testing.T) {
	assert.Nil(t, AsError(nil, KindRuntime))

	foreign := AsError(errors.New("disk full"), KindRuntime)
	require.NotNil(t, foreign)
	assert.Equal(t, KindRuntime, foreign.Kind)
	assert.Equal(t, "disk full", foreign.Message)

	own := NewError(KindNotFound, "gone")
	assert.Same(t, own, AsError(fmt.Errorf("wrap: %w", own), KindRuntime))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestRetCodeString(t *testing.T) {
	assert.Equal(t, "RFC_OK", RcOK.String())
	assert.Equal(t, "RFC_EXECUTED", RcExecuted.String())
	assert.Equal(t, "RFC_AUTHORIZATION_FAILURE", RcAuthorizationFailure.String())
	assert.Equal(t, "???", RetCode(99).String())
}

func TestParameters(t *testing.T) {
	p := Parameters{
		"TEXT":  "hello",
		"COUNT": float64(3),
		"ROWS":  []interface{}{map[string]interface{}{"LINE": "a"}},
	}
	assert.Equal(t, "hello", p.String("TEXT"))
	assert.Equal(t, "3", p.String("COUNT"))
	n, ok := p.Int("COUNT")
	assert.True(t, ok)
	assert.EqualValues(t, 3, n)

	var rows []struct {
		Line string `json:"LINE"`
	}
	require.NoError(t, p.Decode("ROWS", &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "a", rows[0].Line)

	assert.ErrorIs(t, p.Decode("MISSING", &rows), ErrApplicationFailure)
}

func TestConnectionParams(t *testing.T) {
	params := ConnectionParams{ParamClient: "100", ParamPassword: "secret"}
	n, err := params.ClientNumber()
	require.NoError(t, err)
	assert.EqualValues(t, 100, n)
	assert.Equal(t, "********", params.Redacted()[ParamPassword])
	assert.Equal(t, "secret", params[ParamPassword])

	_, err = ConnectionParams{ParamClient: "abc"}.ClientNumber()
	assert.ErrorIs(t, err, ErrLogonFailure)
}
