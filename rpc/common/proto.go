package common

import (
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/rfcunit/lib/rfc"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message used for both requests and responses.
// Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	Session  string `json:"session,omitempty"`  // Used for: Close, Ping, Call (request), Open (response)
	Function string `json:"function,omitempty"` // Used for: Call
	Payload  []byte `json:"payload,omitempty"`  // JSON encoded logon parameters (Open) or function parameters (Call)

	// Response only fields
	Ok  bool       `json:"ok,omitempty"`  // Set on every successful response
	Err *rfc.Error `json:"err,omitempty"` // Nil if no error
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewOpenRequest creates a logon request
func NewOpenRequest(params rfc.ConnectionParams) (*Message, error) {
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Message{
		MsgType: MsgTOpen,
		Payload: payload,
	}, nil
}

// NewOpenResponse creates a logon response carrying the new session
func NewOpenResponse(session string, err error) *Message {
	msg := &Message{
		MsgType: MsgTOpen,
		Session: session,
	}
	return msg.withErr(err)
}

// NewCloseRequest creates a request ending a session
func NewCloseRequest(session string) *Message {
	return &Message{
		MsgType: MsgTClose,
		Session: session,
	}
}

// NewCloseResponse creates a Close response
func NewCloseResponse(err error) *Message {
	return (&Message{MsgType: MsgTClose}).withErr(err)
}

// NewPingRequest creates a Ping request
func NewPingRequest(session string) *Message {
	return &Message{
		MsgType: MsgTPing,
		Session: session,
	}
}

// NewPingResponse creates a Ping response
func NewPingResponse(err error) *Message {
	return (&Message{MsgType: MsgTPing}).withErr(err)
}

// NewCallRequest creates a function call request
func NewCallRequest(session, function string, params rfc.Parameters) (*Message, error) {
	msg := &Message{
		MsgType:  MsgTCall,
		Session:  session,
		Function: function,
	}
	if params != nil {
		payload, err := json.Marshal(params)
		if err != nil {
			return nil, rfc.NewErrorCode(rfc.KindApplication, rfc.RcSerializationFailure, err.Error())
		}
		msg.Payload = payload
	}
	return msg, nil
}

// NewCallResponse creates a function call response with the exporting parameters
func NewCallResponse(function string, result rfc.Parameters, err error) *Message {
	msg := &Message{
		MsgType:  MsgTCall,
		Function: function,
	}
	if err == nil && result != nil {
		payload, mErr := json.Marshal(result)
		if mErr != nil {
			err = rfc.NewErrorCode(rfc.KindRuntime, rfc.RcSerializationFailure, mErr.Error())
		} else {
			msg.Payload = payload
		}
	}
	return msg.withErr(err)
}

// NewErrorResponse creates a response for a request that could not be handled at all
func NewErrorResponse(err error) *Message {
	return &Message{
		MsgType: MsgTError,
		Err:     rfc.AsError(err, rfc.KindProtocol),
	}
}

func (m *Message) withErr(err error) *Message {
	if err != nil {
		m.Err = rfc.AsError(err, rfc.KindRuntime)
		m.Ok = false
	} else {
		m.Ok = true
	}
	return m
}

// Error returns the carried error, nil if there is none.
func (m *Message) Error() error {
	if m.Err == nil {
		return nil
	}
	return m.Err
}

// Parameters decodes the payload as function parameters. An empty payload yields empty parameters.
func (m *Message) Parameters() (rfc.Parameters, error) {
	params := rfc.Parameters{}
	if len(m.Payload) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(m.Payload, &params); err != nil {
		return nil, rfc.NewErrorCode(rfc.KindProtocol, rfc.RcSerializationFailure, err.Error())
	}
	return params, nil
}

// ConnectionParams decodes the payload of an Open request.
func (m *Message) ConnectionParams() (rfc.ConnectionParams, error) {
	params := rfc.ConnectionParams{}
	if len(m.Payload) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(m.Payload, &params); err != nil {
		return nil, rfc.NewErrorCode(rfc.KindProtocol, rfc.RcSerializationFailure, err.Error())
	}
	return params, nil
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication.
type MessageType uint8

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	switch t {
	case MsgTSuccess:
		return "success"
	case MsgTError:
		return "error"
	case MsgTOpen:
		return "open"
	case MsgTClose:
		return "close"
	case MsgTPing:
		return "ping"
	case MsgTCall:
		return "call"
	default:
		return "unknown"
	}
}

// MarshalJSON serializes a MessageType as its name.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON parses a MessageType from its name.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	switch s {
	case "success":
		*t = MsgTSuccess
	case "error":
		*t = MsgTError
	case "open":
		*t = MsgTOpen
	case "close":
		*t = MsgTClose
	case "ping":
		*t = MsgTPing
	case "call":
		*t = MsgTCall
	case "unknown":
		*t = MsgTUnknown
	default:
		return fmt.Errorf("unknown message type: %s", s)
	}
	return nil
}

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // The request could not be handled

	// Session operations

	MsgTOpen  // Logon, opens a session
	MsgTClose // Ends a session
	MsgTPing  // Checks a session end to end

	// Function calls

	MsgTCall // Calls a remote enabled function, unit system functions included
)
