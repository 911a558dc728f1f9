package endpoint

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/ValentinKolb/rfcunit/lib/rfc"
)

// Names of the built-in functions.
const (
	FuncPing         = "RFC_PING"
	FuncConnection   = "STFC_CONNECTION"
	FuncPingAndWait  = "RFC_PING_AND_WAIT"
	FuncRaiseError   = "RFC_RAISE_ERROR"
	FuncWriteToTCPIC = "STFC_WRITE_TO_TCPIC"
	FuncReadTable    = "RFC_READ_TABLE"
	FuncSystemInfo   = "RFC_SYSTEM_INFO"
)

// TableTCPIC is the demo table written by STFC_WRITE_TO_TCPIC.
const TableTCPIC = "TCPIC"

func registerBuiltins(r *Registry) {
	r.Register(FuncPing, ping)
	r.Register(FuncConnection, connection)
	r.Register(FuncPingAndWait, pingAndWait)
	r.Register(FuncRaiseError, raiseError)
	r.Register(FuncWriteToTCPIC, writeToTCPIC)
	r.Register(FuncReadTable, readTableFn)
	r.Register(FuncSystemInfo, systemInfo)
}

func ping(*Call, rfc.Parameters) (rfc.Parameters, error) {
	return rfc.Parameters{}, nil
}

// connection echoes REQUTEXT
func connection(call *Call, params rfc.Parameters) (rfc.Parameters, error) {
	text := params.String("REQUTEXT")
	host, _ := os.Hostname()
	return rfc.Parameters{
		"ECHOTEXT": text,
		"RESPTEXT": fmt.Sprintf("rfcunit endpoint, client %03d, host %s, user %s", call.Client, host, call.User),
	}, nil
}

// pingAndWait blocks for SECONDS or MILLISECONDS unless the call is cancelled
func pingAndWait(call *Call, params rfc.Parameters) (rfc.Parameters, error) {
	var wait time.Duration
	if s, ok := params.Int("SECONDS"); ok {
		wait += time.Duration(s) * time.Second
	}
	if ms, ok := params.Int("MILLISECONDS"); ok {
		wait += time.Duration(ms) * time.Millisecond
	}
	if wait <= 0 {
		return rfc.Parameters{}, nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return rfc.Parameters{}, nil
	case <-call.Context.Done():
		return nil, rfc.NewErrorCode(rfc.KindRuntime, rfc.RcCanceled, "wait cancelled")
	}
}

// raiseError fails in the way selected by METHOD or MESSAGETYPE
func raiseError(_ *Call, params rfc.Parameters) (rfc.Parameters, error) {
	method := params.String("METHOD")
	msgType := strings.ToUpper(params.String("MESSAGETYPE"))

	if msgType == "X" {
		return nil, &rfc.Error{
			Kind: rfc.KindRuntime, Code: rfc.RcABAPMessage, Key: "MESSAGE_TYPE_X",
			Message:  "The current application triggered a termination with a short dump.",
			MsgClass: "00", MsgType: "X", MsgNumber: "341", MsgV1: "MESSAGE_TYPE_X",
		}
	}

	switch method {
	case "", "0":
		if msgType != "" && msgType != "E" && msgType != "A" {
			return rfc.Parameters{}, nil
		}
		if msgType == "" {
			msgType = "E"
		}
		return nil, &rfc.Error{
			Kind: rfc.KindRuntime, Code: rfc.RcABAPMessage, Key: "Function not supported",
			Message:  "Function not supported",
			MsgClass: "SR", MsgType: msgType, MsgNumber: "006", MsgV1: "Method = " + orZero(method),
		}
	case "1":
		err := rfc.NewApplicationError("RAISE_EXCEPTION", "SR", "E", "006", "Method = 1")
		err.Code = rfc.RcABAPException
		return nil, err
	case "2":
		err := rfc.NewApplicationError("RAISE_EXCEPTION", "", "", "000")
		err.Code = rfc.RcABAPException
		err.Message = " Number:000"
		return nil, err
	case "3":
		return nil, &rfc.Error{
			Kind: rfc.KindRuntime, Code: rfc.RcABAPRuntimeFailure, Key: "COMPUTE_INT_ZERODIVIDE",
			Message: "Division by 0 (type I or INT8)",
		}
	case "29":
		return nil, rfc.NewErrorCode(rfc.KindAuthorization, rfc.RcAuthorizationFailure, "no authorization")
	case "51":
		return nil, &rfc.Error{
			Kind: rfc.KindRuntime, Code: rfc.RcABAPRuntimeFailure, Key: "BLOCKED_COMMIT",
			Message:  "A database commit was blocked by the application.",
			MsgClass: "00", MsgType: "E", MsgNumber: "051",
		}
	default:
		return nil, rfc.NewApplicationError("RAISE_EXCEPTION", "SR", "E", "006", "Method = "+method)
	}
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

// writeToTCPIC stages the TCPICDAT lines. They are visible after commit.
func writeToTCPIC(call *Call, params rfc.Parameters) (rfc.Parameters, error) {
	var lines []string
	if _, ok := params["TCPICDAT"]; ok {
		if err := params.Decode("TCPICDAT", &lines); err != nil {
			return nil, err
		}
	}
	for _, line := range lines {
		call.Tx.Insert(TableTCPIC, call.Index, []byte(line))
	}
	return rfc.Parameters{"COUNT": len(lines)}, nil
}

type tableField struct {
	FieldName string `json:"FIELDNAME"`
	Length    int    `json:"LENGTH"`
	Type      string `json:"TYPE"`
}

type tableRow struct {
	WA string `json:"WA"`
}

// readTableFn reads committed rows of QUERY_TABLE
func readTableFn(call *Call, params rfc.Parameters) (rfc.Parameters, error) {
	table := strings.ToUpper(params.String("QUERY_TABLE"))

	var (
		rows   [][]byte
		fields []tableField
		err    error
	)
	switch table {
	case TableTCPIC:
		rows, err = readTable(call.ep.store, TableTCPIC)
		if err != nil {
			return nil, err
		}
		fields = []tableField{{FieldName: "LINE", Length: 72, Type: "C"}}
	case "T000":
		rows = [][]byte{[]byte(fmt.Sprintf("%03d", call.Client))}
		fields = []tableField{{FieldName: "MANDT", Length: 3, Type: "C"}}
	default:
		return nil, rfc.NewApplicationError("TABLE_NOT_AVAILABLE", "SV", "E", "029", table)
	}

	skip, _ := params.Int("ROWSKIPS")
	count, _ := params.Int("ROWCOUNT")
	if skip > 0 {
		if int(skip) >= len(rows) {
			rows = nil
		} else {
			rows = rows[skip:]
		}
	}
	if count > 0 && int(count) < len(rows) {
		rows = rows[:count]
	}

	delimiter := params.String("DELIMITER")
	data := make([]tableRow, len(rows))
	for i, row := range rows {
		data[i] = tableRow{WA: string(row)}
		if delimiter != "" {
			data[i].WA = strings.ReplaceAll(data[i].WA, "\t", delimiter)
		}
	}
	return rfc.Parameters{"DATA": data, "FIELDS": fields}, nil
}

// systemInfo returns a subset of RFCSI
func systemInfo(call *Call, _ rfc.Parameters) (rfc.Parameters, error) {
	host, _ := os.Hostname()
	_, offset := time.Now().Zone()
	return rfc.Parameters{"RFCSI_EXPORT": map[string]interface{}{
		"RFCPROTO":   "011",
		"RFCCHARTYP": "4103",
		"RFCHOST":    host,
		"RFCSYSID":   "RFU",
		"RFCDBSYS":   "BADGER",
		"RFCOPSYS":   runtime.GOOS,
		"RFCMACH":    runtime.GOARCH,
		"RFCDEST":    fmt.Sprintf("%s_RFU_%03d", host, call.Client),
		"RFCSAPRL":   "758",
		"RFCKERNRL":  runtime.Version(),
		"RFCTZONE":   fmt.Sprint(offset),
	}}, nil
}
