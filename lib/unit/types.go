package unit

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ValentinKolb/rfcunit/lib/rfc"
	"github.com/google/uuid"
)

// --------------------------------------------------------------------------
// Unit Identifier
// --------------------------------------------------------------------------

// Identifier identifies one logical unit of work. It is generated locally and
// never reused.
type Identifier string

const (
	// BackgroundIDLength is the length of background unit identifiers.
	BackgroundIDLength = 32
	// ClassicIDLength is the length of classic transactional unit identifiers.
	ClassicIDLength = 24
)

// NewIdentifier creates a fresh identifier from a random UUID.
// Background units use all 32 hex digits, classic units the first 24.
func NewIdentifier(background bool) (Identifier, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	id := strings.ToUpper(hex.EncodeToString(u[:]))
	if !background {
		id = id[:ClassicIDLength]
	}
	return Identifier(id), nil
}

// Validate checks the identifier format.
func (id Identifier) Validate() error {
	if len(id) != BackgroundIDLength && len(id) != ClassicIDLength {
		return rfc.Errorf(rfc.KindApplication, "invalid unit identifier %q", string(id))
	}
	for _, c := range id {
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'F') {
			return rfc.Errorf(rfc.KindApplication, "invalid unit identifier %q", string(id))
		}
	}
	return nil
}

// Background reports whether id is a background unit identifier.
func (id Identifier) Background() bool {
	return len(id) == BackgroundIDLength
}

// --------------------------------------------------------------------------
// Unit State
// --------------------------------------------------------------------------

// State is the remote-observed state of a unit.
type State uint8

const (
	StateNotFound   State = iota // Unknown to the endpoint, never submitted or already collected
	StateInProcess               // Recorded, calls not finished yet
	StateCommitted               // All calls succeeded, effects committed
	StateRolledBack              // A call failed, no effect committed
	StateConfirmed               // Outcome acknowledged, awaiting garbage collection
)

func (s State) String() string {
	switch s {
	case StateNotFound:
		return "NOT_FOUND"
	case StateInProcess:
		return "IN_PROCESS"
	case StateCommitted:
		return "COMMITTED"
	case StateRolledBack:
		return "ROLLED_BACK"
	case StateConfirmed:
		return "CONFIRMED"
	default:
		return "UNKNOWN"
	}
}

// ParseState converts the string form of a state back into a State.
func ParseState(s string) (State, error) {
	switch s {
	case "NOT_FOUND":
		return StateNotFound, nil
	case "IN_PROCESS":
		return StateInProcess, nil
	case "COMMITTED":
		return StateCommitted, nil
	case "ROLLED_BACK":
		return StateRolledBack, nil
	case "CONFIRMED":
		return StateConfirmed, nil
	default:
		return StateNotFound, fmt.Errorf("unknown unit state: %s", s)
	}
}

// Finished reports whether remote processing is over.
func (s State) Finished() bool {
	return s == StateCommitted || s == StateRolledBack || s == StateConfirmed
}

// MarshalJSON encodes the state as its string form.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes the string form of a state.
func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseState(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// --------------------------------------------------------------------------
// Unit Attributes
// --------------------------------------------------------------------------

// Mode selects the execution semantics of a unit.
type Mode uint8

const (
	// ModeSynchronous runs the calls in order as one local transaction.
	ModeSynchronous Mode = iota
	// ModeAsynchronous dispatches the unit through a named queue, call order is not guaranteed.
	ModeAsynchronous
)

func (m Mode) String() string {
	if m == ModeAsynchronous {
		return "async"
	}
	return "sync"
}

func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *Mode) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "sync":
		*m = ModeSynchronous
	case "async":
		*m = ModeAsynchronous
	default:
		return fmt.Errorf("unknown unit mode: %s", str)
	}
	return nil
}

// DefaultQueue is used for asynchronous units without a queue name.
const DefaultQueue = "DEFAULT"

// Attributes describe a unit. They are fixed at initialization and sent with the unit.
type Attributes struct {
	Background  bool      `json:"background"`
	Mode        Mode      `json:"mode"`
	QueueName   string    `json:"queue_name,omitempty"`
	Hostname    string    `json:"hostname,omitempty"`
	User        string    `json:"user,omitempty"`
	Client      string    `json:"client,omitempty"`
	TCode       string    `json:"t_code,omitempty"`
	Program     string    `json:"program,omitempty"`
	Lock        bool      `json:"lock,omitempty"`
	UnitHistory bool      `json:"unit_history,omitempty"`
	SendingTime time.Time `json:"sending_time,omitempty"`
}

// Queue returns the effective queue name of an asynchronous unit.
func (a Attributes) Queue() string {
	if a.QueueName == "" {
		return DefaultQueue
	}
	return a.QueueName
}

// --------------------------------------------------------------------------
// Queued Calls and Wire Format
// --------------------------------------------------------------------------

// QueuedCall is one remote function invocation inside a unit.
type QueuedCall struct {
	Function   string         `json:"function"`
	Parameters rfc.Parameters `json:"parameters,omitempty"`
}

// Descriptor is the complete unit as transmitted on submit.
type Descriptor struct {
	ID         Identifier   `json:"id"`
	Attributes Attributes   `json:"attributes"`
	Calls      []QueuedCall `json:"calls"`
}

// HistoryEntry is one recorded state transition of a unit.
type HistoryEntry struct {
	State string    `json:"state"`
	Note  string    `json:"note,omitempty"`
	At    time.Time `json:"at"`
}

// Names of the remote system functions implementing the unit protocol.
const (
	FuncSubmit   = "RFC_UNIT_SUBMIT"
	FuncGetState = "RFC_UNIT_GET_STATE"
	FuncConfirm  = "RFC_UNIT_CONFIRM"
	FuncDestroy  = "RFC_UNIT_DESTROY"
	FuncHistory  = "RFC_UNIT_HISTORY"
)

// Parameter names used by the unit system functions.
const (
	ParamUnit    = "UNIT"
	ParamUnitID  = "UNIT_ID"
	ParamState   = "STATE"
	ParamFailure = "FAILURE"
	ParamHistory = "HISTORY"
)
