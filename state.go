package esmux

import (
	"strconv"
)

// ConnState is the lifecycle state of a Conn.
//
//	StateIdle             → StateAwaitingResponse  [message popped, request sent]
//	StateIdle             → StateIdle              [queue empty]
//	StateIdle             → StateClosed            [idle timeout, Shutdown, Close]
//	StateIdle             → StateErrorClosed       [transport or protocol error]
//	StateAwaitingResponse → StateIdle              [exchange complete or failed, framing intact]
//	StateAwaitingResponse → StateClosed            [Close, or completion while shutting down]
//	StateAwaitingResponse → StateErrorClosed       [transport error, response timeout, broken framing]
//
// StateErrorClosed and StateClosed are terminal.
type ConnState int32

const (
	StateIdle ConnState = iota
	StateAwaitingResponse
	StateErrorClosed
	StateClosed
)

// RequestState is the state of a single exchange.
type RequestState int32

const (
	RequestPreparing RequestState = iota + 1
	RequestHeadersSent
	RequestAwaitingHeaders
	RequestStreamingBody
	RequestComplete
	RequestFailed
)

func (x ConnState) String() string {
	switch x {
	case StateIdle:
		return `Idle`
	case StateAwaitingResponse:
		return `AwaitingResponse`
	case StateErrorClosed:
		return `ErrorClosed`
	case StateClosed:
		return `Closed`
	default:
		return `ConnState(` + strconv.Itoa(int(x)) + `)`
	}
}

// Terminal returns true for StateErrorClosed and StateClosed.
func (x ConnState) Terminal() bool {
	return x == StateErrorClosed || x == StateClosed
}

func (x RequestState) String() string {
	switch x {
	case RequestPreparing:
		return `Preparing`
	case RequestHeadersSent:
		return `HeadersSent`
	case RequestAwaitingHeaders:
		return `AwaitingHeaders`
	case RequestStreamingBody:
		return `StreamingBody`
	case RequestComplete:
		return `Complete`
	case RequestFailed:
		return `Failed`
	default:
		return `RequestState(` + strconv.Itoa(int(x)) + `)`
	}
}

// Done returns true for RequestComplete and RequestFailed.
func (x RequestState) Done() bool {
	return x == RequestComplete || x == RequestFailed
}
