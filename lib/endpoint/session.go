package endpoint

import (
	"encoding/json"
	"time"

	"github.com/ValentinKolb/rfcunit/lib/rfc"
	"github.com/google/uuid"
)

// session is what the endpoint remembers about a logged on connection
type session struct {
	User    string    `json:"user"`
	Lang    string    `json:"lang,omitempty"`
	Created time.Time `json:"created"`
}

// Logon checks the credentials in params and opens a session. The returned token
// identifies the session in all further calls.
func (e *Endpoint) Logon(params rfc.ConnectionParams) (string, error) {
	if e.closed.Load() {
		return "", rfc.NewError(rfc.KindCommunication, "endpoint is shutting down")
	}

	client, err := params.ClientNumber()
	if err != nil {
		return "", err
	}
	if client != e.client {
		return "", rfc.Errorf(rfc.KindLogon, "client %03d is not served by this endpoint", client)
	}

	user := params[rfc.ParamUser]
	if user == "" {
		return "", rfc.NewErrorCode(rfc.KindLogon, rfc.RcLogonFailure, "user is missing")
	}
	if err := e.guard.Logon(user, params[rfc.ParamPassword]); err != nil {
		Logger.Warningf("client %d: logon of %s refused", e.client, user)
		return "", rfc.AsError(err, rfc.KindLogon)
	}

	value, err := encodeJSON(session{User: user, Lang: params[rfc.ParamLang], Created: time.Now().UTC()})
	if err != nil {
		return "", err
	}
	token := uuid.NewString()
	if err := e.store.SetE(sessionPrefix+token, value, 0, e.sessionIdle); err != nil {
		return "", storeError("store session", err)
	}

	e.metrics.sessionsOpened.Inc()
	Logger.Debugf("client %d: %s logged on", e.client, user)
	return token, nil
}

// Ping checks that the session is still open.
func (e *Endpoint) Ping(token string) error {
	_, err := e.session(token)
	return err
}

// Logoff closes the session. Closing an unknown session is a no-op.
func (e *Endpoint) Logoff(token string) error {
	if err := e.store.Delete(sessionPrefix + token); err != nil {
		return storeError("delete session", err)
	}
	return nil
}

// session loads the session and extends its idle timeout
func (e *Endpoint) session(token string) (*session, error) {
	if token == "" {
		return nil, rfc.NewErrorCode(rfc.KindCommunication, rfc.RcInvalidHandle, "no session")
	}
	value, ok, err := e.store.Get(sessionPrefix + token)
	if err != nil {
		return nil, storeError("load session", err)
	}
	if !ok {
		return nil, rfc.NewErrorCode(rfc.KindCommunication, rfc.RcInvalidHandle, "session expired or closed")
	}

	var sess session
	if err := json.Unmarshal(value, &sess); err != nil {
		return nil, storeError("decode session", err)
	}

	if e.sessionIdle > 0 {
		if err := e.store.SetE(sessionPrefix+token, value, 0, e.sessionIdle); err != nil {
			return nil, storeError("touch session", err)
		}
	}
	return &sess, nil
}
