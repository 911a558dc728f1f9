package rfc

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Error Kinds
// --------------------------------------------------------------------------

// ErrorKind classifies an error by how a caller should react to it.
// Callers are expected to switch over all kinds exhaustively.
type ErrorKind uint8

const (
	KindUnknown       ErrorKind = iota // 0: Unclassified error
	KindLogon                          // 1: Invalid credentials at connect time
	KindCommunication                  // 2: Transport or network fault
	KindTimeout                        // 3: Request exceeded its deadline, outcome unknown
	KindProtocol                       // 4: Malformed or unexpected reply
	KindApplication                    // 5: Remote function signaled a business error
	KindRuntime                        // 6: Remote execution environment faulted
	KindAuthorization                  // 7: Caller lacks permission
	KindInvalidState                   // 8: Local contract violation
	KindNotFound                       // 9: Unit identifier unknown to the endpoint
)

func (k ErrorKind) String() string {
	switch k {
	case KindLogon:
		return "LogonFailure"
	case KindCommunication:
		return "CommunicationFailure"
	case KindTimeout:
		return "Timeout"
	case KindProtocol:
		return "ProtocolError"
	case KindApplication:
		return "ApplicationFailure"
	case KindRuntime:
		return "RuntimeFailure"
	case KindAuthorization:
		return "AuthorizationFailure"
	case KindInvalidState:
		return "InvalidStateError"
	case KindNotFound:
		return "NotFoundError"
	default:
		return "Unknown"
	}
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

// RetCode is the numeric RFC return code reported alongside an error.
type RetCode uint16

const (
	RcOK                        RetCode = iota // 0
	RcCommunicationFailure                     // 1
	RcLogonFailure                             // 2
	RcABAPRuntimeFailure                       // 3
	RcABAPMessage                              // 4
	RcABAPException                            // 5
	RcClosed                                   // 6
	RcCanceled                                 // 7
	RcTimeout                                  // 8
	RcMemoryInsufficient                       // 9
	RcVersionMismatch                          // 10
	RcInvalidProtocol                          // 11
	RcSerializationFailure                     // 12
	RcInvalidHandle                            // 13
	RcRetry                                    // 14
	RcExternalFailure                          // 15
	RcExecuted                                 // 16
	RcNotFound                                 // 17
	RcNotSupported                             // 18
	RcIllegalState                             // 19
	RcInvalidParameter                         // 20
	RcCodepageConversionFailure                // 21
	RcConversionFailure                        // 22
	RcBufferTooSmall                           // 23
	RcTableMoveBOF                             // 24
	RcTableMoveEOF                             // 25
	RcStartSAPGUIFailure                       // 26
	RcABAPClassException                       // 27
	RcUnknownError                             // 28
	RcAuthorizationFailure                     // 29
)

var retCodeNames = [...]string{
	"RFC_OK",
	"RFC_COMMUNICATION_FAILURE",
	"RFC_LOGON_FAILURE",
	"RFC_ABAP_RUNTIME_FAILURE",
	"RFC_ABAP_MESSAGE",
	"RFC_ABAP_EXCEPTION",
	"RFC_CLOSED",
	"RFC_CANCELED",
	"RFC_TIMEOUT",
	"RFC_MEMORY_INSUFFICIENT",
	"RFC_VERSION_MISMATCH",
	"RFC_INVALID_PROTOCOL",
	"RFC_SERIALIZATION_FAILURE",
	"RFC_INVALID_HANDLE",
	"RFC_RETRY",
	"RFC_EXTERNAL_FAILURE",
	"RFC_EXECUTED",
	"RFC_NOT_FOUND",
	"RFC_NOT_SUPPORTED",
	"RFC_ILLEGAL_STATE",
	"RFC_INVALID_PARAMETER",
	"RFC_CODEPAGE_CONVERSION_FAILURE",
	"RFC_CONVERSION_FAILURE",
	"RFC_BUFFER_TOO_SMALL",
	"RFC_TABLE_MOVE_BOF",
	"RFC_TABLE_MOVE_EOF",
	"RFC_START_SAPGUI_FAILURE",
	"RFC_ABAP_CLASS_EXCEPTION",
	"RFC_UNKNOWN_ERROR",
	"RFC_AUTHORIZATION_FAILURE",
}

func (c RetCode) String() string {
	if int(c) < len(retCodeNames) {
		return retCodeNames[c]
	}
	return "???"
}

// --------------------------------------------------------------------------
// Error Type
// --------------------------------------------------------------------------

// Error is the single error type surfaced by RFC connections and the unit client.
// The message fields mirror the structured ABAP message (class, type, number and
// up to four variables) so callers can decide on retries without parsing text.
type Error struct {
	Kind      ErrorKind `json:"kind"`
	Code      RetCode   `json:"code"`
	Key       string    `json:"key,omitempty"`
	Message   string    `json:"message,omitempty"`
	MsgClass  string    `json:"msg_class,omitempty"`
	MsgType   string    `json:"msg_type,omitempty"`
	MsgNumber string    `json:"msg_number,omitempty"`
	MsgV1     string    `json:"msg_v1,omitempty"`
	MsgV2     string    `json:"msg_v2,omitempty"`
	MsgV3     string    `json:"msg_v3,omitempty"`
	MsgV4     string    `json:"msg_v4,omitempty"`
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s %s (rc=%d): key=%s, message=%s", e.Kind, e.Code, e.Code, e.Key, e.Message)
	if e.MsgClass != "" || e.MsgNumber != "" {
		s += fmt.Sprintf(" [MSG: class=%s, type=%s, number=%s, v1-4:=%s;%s;%s;%s]",
			e.MsgClass, e.MsgType, e.MsgNumber, e.MsgV1, e.MsgV2, e.MsgV3, e.MsgV4)
	}
	return s
}

// Is matches errors by kind, so errors.Is(err, ErrNotFound) works for any
// NotFound error regardless of its message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether repeating the same request unchanged may succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindCommunication, KindTimeout, KindRuntime:
		return true
	default:
		return false
	}
}

// Sentinels for errors.Is matching.
var (
	ErrLogonFailure         = &Error{Kind: KindLogon, Code: RcLogonFailure}
	ErrCommunicationFailure = &Error{Kind: KindCommunication, Code: RcCommunicationFailure}
	ErrTimeout              = &Error{Kind: KindTimeout, Code: RcTimeout}
	ErrProtocol             = &Error{Kind: KindProtocol, Code: RcInvalidProtocol}
	ErrApplicationFailure   = &Error{Kind: KindApplication, Code: RcABAPException}
	ErrRuntimeFailure       = &Error{Kind: KindRuntime, Code: RcABAPRuntimeFailure}
	ErrAuthorizationFailure = &Error{Kind: KindAuthorization, Code: RcAuthorizationFailure}
	ErrInvalidState         = &Error{Kind: KindInvalidState, Code: RcIllegalState}
	ErrNotFound             = &Error{Kind: KindNotFound, Code: RcNotFound}
)

// defaultCodes maps every kind to the return code used when none is given.
var defaultCodes = map[ErrorKind]RetCode{
	KindUnknown:       RcUnknownError,
	KindLogon:         RcLogonFailure,
	KindCommunication: RcCommunicationFailure,
	KindTimeout:       RcTimeout,
	KindProtocol:      RcInvalidProtocol,
	KindApplication:   RcABAPException,
	KindRuntime:       RcABAPRuntimeFailure,
	KindAuthorization: RcAuthorizationFailure,
	KindInvalidState:  RcIllegalState,
	KindNotFound:      RcNotFound,
}

// NewError creates an error of the given kind with the kind's default return code.
func NewError(kind ErrorKind, msg string) *Error {
	code := defaultCodes[kind]
	return &Error{Kind: kind, Code: code, Key: code.String(), Message: msg}
}

// Errorf is NewError with formatting.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return NewError(kind, fmt.Sprintf(format, args...))
}

// NewErrorCode creates an error with an explicit return code.
func NewErrorCode(kind ErrorKind, code RetCode, msg string) *Error {
	return &Error{Kind: kind, Code: code, Key: code.String(), Message: msg}
}

// NewApplicationError creates an ApplicationFailure carrying a structured ABAP message.
// Up to four message variables are kept, extra values are ignored.
func NewApplicationError(key, msgClass, msgType, msgNumber string, vars ...string) *Error {
	e := &Error{
		Kind:      KindApplication,
		Code:      RcABAPMessage,
		Key:       key,
		MsgClass:  msgClass,
		MsgType:   msgType,
		MsgNumber: msgNumber,
	}
	fields := []*string{&e.MsgV1, &e.MsgV2, &e.MsgV3, &e.MsgV4}
	for i, v := range vars {
		if i >= len(fields) {
			break
		}
		*fields[i] = v
	}
	e.Message = fmt.Sprintf("%s %s(%s)", msgType, msgClass, msgNumber)
	return e
}

// KindOf returns the kind of err, KindUnknown if err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// AsError returns err as *Error, wrapping foreign errors as the given kind.
func AsError(err error, fallback ErrorKind) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewError(fallback, err.Error())
}

// IsRetryable reports whether err is an *Error that may succeed on retry.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}
