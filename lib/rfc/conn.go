package rfc

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// --------------------------------------------------------------------------
// Parameters
// --------------------------------------------------------------------------

// Parameters holds the named import/export parameters of a remote function call.
// Values must be JSON encodable.
type Parameters map[string]interface{}

// Decode converts the value stored under key into v.
// Values that went over the wire arrive as generic JSON values, so structured
// parameters are re-encoded into the target type.
func (p Parameters) Decode(key string, v interface{}) error {
	raw, ok := p[key]
	if !ok {
		return Errorf(KindApplication, "missing parameter %s", key)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return NewErrorCode(KindApplication, RcConversionFailure, err.Error())
	}
	if err := json.Unmarshal(b, v); err != nil {
		return NewErrorCode(KindApplication, RcConversionFailure, fmt.Sprintf("parameter %s: %v", key, err))
	}
	return nil
}

// String returns the parameter as a string, empty if missing.
func (p Parameters) String(key string) string {
	switch v := p[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Int returns the parameter as int64. Numbers decoded from JSON arrive as float64.
func (p Parameters) Int(key string) (int64, bool) {
	switch v := p[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// --------------------------------------------------------------------------
// Connection Parameters
// --------------------------------------------------------------------------

// ConnectionParams is the named configuration used to open a connection.
type ConnectionParams map[string]string

// Well known connection parameter names.
const (
	ParamHost     = "ashost"
	ParamSysNr    = "sysnr"
	ParamClient   = "client"
	ParamUser     = "user"
	ParamPassword = "passwd"
	ParamLang     = "lang"
	ParamDest     = "dest"
)

// ClientNumber returns the three digit logon client as a number (default 0).
func (c ConnectionParams) ClientNumber() (uint64, error) {
	v, ok := c[ParamClient]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, Errorf(KindLogon, "invalid client %q", v)
	}
	return n, nil
}

// Redacted returns a copy without credentials, suitable for logging.
func (c ConnectionParams) Redacted() ConnectionParams {
	out := make(ConnectionParams, len(c))
	for k, v := range c {
		if k == ParamPassword {
			v = "********"
		}
		out[k] = v
	}
	return out
}

// --------------------------------------------------------------------------
// Connection Interfaces
// --------------------------------------------------------------------------

// IConnection is an open connection to a remote endpoint.
// A connection is not safe for concurrent use; it is handed out by a Pool
// to one caller at a time.
type IConnection interface {
	// Call executes a remote function synchronously and returns its export parameters.
	// Errors are *Error values of one of the taxonomy kinds.
	Call(ctx context.Context, function string, params Parameters) (Parameters, error)

	// Ping is an advisory liveness probe. Success does not guarantee that the next Call
	// will succeed, the remote side may drop the session at any time.
	Ping(ctx context.Context) error

	// Alive reports whether the connection has not observed a fatal fault yet.
	Alive() bool

	// Close releases the connection. Calling Close more than once is a no-op.
	Close() error
}

// IConnector opens connections.
type IConnector interface {
	// Open logs on to the endpoint described by params.
	// Fails with KindLogon on bad credentials and KindCommunication on network failure.
	Open(ctx context.Context, params ConnectionParams) (IConnection, error)
}

// ConnectorFunc adapts a function to IConnector.
type ConnectorFunc func(ctx context.Context, params ConnectionParams) (IConnection, error)

func (f ConnectorFunc) Open(ctx context.Context, params ConnectionParams) (IConnection, error) {
	return f(ctx, params)
}
