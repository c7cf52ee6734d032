package esmux

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrorKind classifies the failure of an exchange or connection.
type ErrorKind int

const (
	// KindTransport indicates an I/O failure of the underlying connection,
	// which is always fatal to the connection.
	KindTransport ErrorKind = iota + 1
	// KindProtocol indicates a malformed or protocol-violating response,
	// which is fatal to the exchange, and possibly to the connection.
	KindProtocol
	// KindTimeout indicates that a response took too long.
	KindTimeout
	// KindLocal indicates a failure on this side of the connection, e.g. a
	// malformed Message, rejected before anything was written, or a Sink
	// that panicked.
	KindLocal
	// KindCanceled indicates that the Message.Context was canceled.
	KindCanceled
	// KindClosed indicates the connection was closed by the caller.
	KindClosed
)

var (
	// ErrLoopTerminated is returned by Notifier.Wakeup, after the connection
	// loop that it belongs to has exited.
	ErrLoopTerminated = errors.New(`esmux: loop has been terminated`)

	// ErrClosed is the cause of any in-flight failure resulting from
	// Conn.Close, and is returned by operations on a closed Conn.
	ErrClosed = errors.New(`esmux: connection closed`)

	// ErrIdleTimeout is the terminal cause recorded for a connection closed
	// after sitting idle for longer than Config.IdleTimeout.
	ErrIdleTimeout = errors.New(`esmux: idle timeout`)

	// ErrResponseTimeout is the cause of an exchange failing due to the
	// response (or the remainder of the body) not arriving in time.
	ErrResponseTimeout = errors.New(`esmux: response timeout`)

	// ErrUnsolicitedResponse indicates that response data arrived while no
	// request was in flight.
	ErrUnsolicitedResponse = errors.New(`esmux: unsolicited response`)

	// ErrBodyTooLarge indicates a buffered response body exceeded
	// Config.MaxBodySize.
	ErrBodyTooLarge = errors.New(`esmux: response body too large`)

	// ErrServerClose is the terminal cause recorded for a connection closed
	// after a response that indicated the server would close it.
	ErrServerClose = errors.New(`esmux: server closed connection`)

	// ErrSinkPanic is the cause of an exchange failing due to a panic in
	// Sink.ResponseHeaders or Sink.ResponseChunk. The rest of the response is
	// discarded.
	ErrSinkPanic = errors.New(`esmux: sink panicked`)

	// ErrMalformedMessage indicates a Message could not be turned into a
	// request.
	ErrMalformedMessage = errors.New(`esmux: malformed message`)
)

// Error is the structured failure reported to a Sink, or recorded as the
// terminal cause of a Conn.
type Error struct {
	// Err is the underlying cause, and is always set.
	Err error

	// Data is the offending data, if any, e.g. the bytes of a malformed
	// response, limited in size.
	Data []byte

	Kind ErrorKind

	// State is the request state at the time of failure, or 0 if the
	// failure is not specific to an exchange.
	State RequestState

	// StatusCode is the response status, if the headers were received.
	StatusCode int
}

func (x ErrorKind) String() string {
	switch x {
	case KindTransport:
		return `transport`
	case KindProtocol:
		return `protocol`
	case KindTimeout:
		return `timeout`
	case KindLocal:
		return `local`
	case KindCanceled:
		return `canceled`
	case KindClosed:
		return `closed`
	default:
		return `ErrorKind(` + strconv.Itoa(int(x)) + `)`
	}
}

func (x *Error) Error() string {
	msg := `esmux: ` + x.Kind.String() + ` error`
	if x.State != 0 {
		msg += ` (` + x.State.String() + `)`
	}
	if x.StatusCode != 0 {
		msg += ` status ` + strconv.Itoa(x.StatusCode)
	}
	if x.Err != nil {
		msg += `: ` + x.Err.Error()
	}
	return msg
}

func (x *Error) Unwrap() error {
	return x.Err
}

// Is matches any *Error with the same Kind, allowing e.g.
// errors.Is(err, &Error{Kind: KindProtocol}).
func (x *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == x.Kind && t.Err == nil
}

// ErrorKindOf returns the kind of the first *Error in err's chain, or 0.
func ErrorKindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// maxErrorData bounds Error.Data, which is for diagnostics only.
const maxErrorData = 512

func newError(kind ErrorKind, state RequestState, cause error) *Error {
	return &Error{Kind: kind, State: state, Err: cause}
}

func errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func truncateData(b []byte) []byte {
	if len(b) > maxErrorData {
		b = b[:maxErrorData]
	}
	return append([]byte(nil), b...)
}
