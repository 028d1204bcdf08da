package errs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// WebSocket close codes used on admission and internal failures.
const (
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
	CloseGoingAway       = 1001
)

// Protocol / upstream codes; never sent as close codes.
const (
	CodeMalformedFrame     = 4000
	CodeMissingAction      = 4001
	CodeGuestReadOnly      = 4003
	CodeConnClosed         = 4100
	CodeSendQueueFull      = 4101
	CodeBackendUnavailable = 5030
	CodeBackendStatus      = 5031
	CodeForwarderBusy      = 5032
	CodeBusNotConnected    = 5040
)

var (
	ErrInvalidToken     = NewCodeError(ClosePolicyViolation, "Invalid token")
	ErrServerAtCapacity = NewCodeError(ClosePolicyViolation, "Server at capacity")
	ErrInternal         = NewCodeError(CloseInternalError, "Internal server error")
	ErrServiceNotReady  = NewCodeError(CloseInternalError, "Service not ready")

	ErrMalformedFrame = NewCodeError(CodeMalformedFrame, "Invalid message format")
	ErrMissingAction  = NewCodeError(CodeMissingAction, "Missing action")
	ErrGuestReadOnly  = NewCodeError(CodeGuestReadOnly, "Guest connections are read-only")

	ErrConnClosed    = NewCodeError(CodeConnClosed, "connection closed")
	ErrSendQueueFull = NewCodeError(CodeSendQueueFull, "send queue full")

	ErrBackendUnavailable = NewCodeError(CodeBackendUnavailable, "Backend unavailable")
	ErrBackendStatus      = NewCodeError(CodeBackendStatus, "Backend returned an error status")
	ErrForwarderBusy      = NewCodeError(CodeForwarderBusy, "Gateway busy, try again")
	ErrBusNotConnected    = NewCodeError(CodeBusNotConnected, "bus not connected")
)

func NewCodeError(code int, msg string) CodeError {
	return CodeError{
		Code: code,
		Msg:  msg,
	}
}

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func (e CodeError) WithDetail(detail string) CodeError {
	if detail == "" {
		return e
	}
	if e.Detail != "" {
		detail = e.Detail + ", " + detail
	}
	return CodeError{Code: e.Code, Msg: e.Msg, Detail: detail}
}

// Wrap attaches a stack trace.
func (e CodeError) Wrap() error {
	return pkgerrors.WithStack(e)
}

// WrapMsg appends msg and kv pairs to Detail and attaches a stack trace.
func (e CodeError) WrapMsg(msg string, kv ...any) error {
	return pkgerrors.WithStack(e.WithDetail(toString(msg, kv)))
}

// Is matches any CodeError with the same code and message, ignoring Detail.
func (e CodeError) Is(target error) bool {
	var t CodeError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && t.Msg == e.Msg
}

func (e CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// Wrap attaches a stack trace to a foreign error.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return pkgerrors.WithStack(err)
}

func WrapMsg(err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}
	return pkgerrors.Wrap(err, toString(msg, kv))
}

// As extracts the CodeError carried by err, if any.
func As(err error) (CodeError, bool) {
	var ce CodeError
	if errors.As(err, &ce) {
		return ce, true
	}
	return CodeError{}, false
}

// CloseCode maps an admission error to the close code and reason sent to the
// client. Anything that is not a close-level CodeError becomes 1011.
func CloseCode(err error) (int, string) {
	if ce, ok := As(err); ok && (ce.Code == ClosePolicyViolation || ce.Code == CloseInternalError) {
		return ce.Code, ce.Msg
	}
	return CloseInternalError, ErrInternal.Msg
}

// Message returns the client-facing message for err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	if ce, ok := As(err); ok {
		return ce.Msg
	}
	return err.Error()
}

func toString(msg string, kv []any) string {
	if len(kv) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if b.Len() > 0 {
			b.WriteString(", ")
		}
		b.WriteString(fmt.Sprint(kv[i]))
		b.WriteString("=")
		if i+1 < len(kv) {
			b.WriteString(fmt.Sprint(kv[i+1]))
		} else {
			b.WriteString("MISSING")
		}
	}
	return b.String()
}
