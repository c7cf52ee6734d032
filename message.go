package esmux

import (
	"context"
	"net/http"
	"time"
)

// RecvMode selects how a response body is delivered.
type RecvMode int

const (
	// RecvDefault defers to Config.RecvMode.
	RecvDefault RecvMode = iota
	// RecvDiscard reads and drops the body.
	RecvDiscard
	// RecvBuffer delivers the whole body, via Sink.ResponseComplete, bounded
	// by Config.MaxBodySize.
	RecvBuffer
	// RecvStream delivers the body incrementally, via Sink.ResponseChunk.
	RecvStream
)

type (
	// Message is a request descriptor, which is pushed onto a Queue, by any
	// number of producers, and popped by a Conn. Ownership passes to the Conn
	// on pop: the Message must not be modified after it has been pushed.
	//
	// The type parameter C carries application data (e.g. correlation
	// metadata) through to the Sink.
	Message[C any] struct {
		// Context is optional, and may be used to abandon the Message. It is
		// checked prior to sending, and observed while the response is
		// pending, see Conn for the details.
		Context context.Context

		// Sink receives the outcome, and may be nil, e.g. for fire and forget.
		Sink Sink[C]

		// Header is merged into the request head, and may be nil.
		Header http.Header

		// Data is arbitrary application data, made available to the Sink.
		Data C

		// Method is the request method, e.g. GET.
		Method string

		// Target is the request target, i.e. an absolute path, optionally
		// including a query string.
		Target string

		// Body is sent as application/json, unless Header specifies a
		// Content-Type.
		Body []byte

		// Timeout overrides both Config.ResponseTimeout and
		// Config.BodyTimeout, if non-zero. A negative value disables them.
		Timeout time.Duration

		// RecvMode overrides Config.RecvMode, if not RecvDefault.
		RecvMode RecvMode
	}

	// Head models the status and headers of a response.
	Head struct {
		Header        http.Header
		Status        string
		Proto         string
		StatusCode    int
		ContentLength int64
		// Close indicates the server will close the connection after this
		// response.
		Close bool
	}

	// Response is the successful outcome of an exchange.
	Response struct {
		// Body is set only for RecvBuffer.
		Body []byte
		Head Head
		// Received is the number of body bytes read, regardless of mode.
		Received int64
	}

	// Sink receives the outcome of a Message. All methods are called from the
	// Conn's loop goroutine, and must not block for long. Exactly one of
	// ResponseComplete or ResponseFailed will be called for each Message that
	// a Conn pops.
	Sink[C any] interface {
		// ResponseHeaders is called once the response head is received.
		ResponseHeaders(msg *Message[C], head *Head)

		// ResponseChunk is called for each chunk of the body, for RecvStream
		// only. The chunk is only valid for the duration of the call.
		ResponseChunk(msg *Message[C], chunk []byte)

		// ResponseComplete is called when the exchange completes.
		ResponseComplete(msg *Message[C], resp *Response)

		// ResponseFailed is called if the exchange failed, with an error that
		// will typically be an *Error.
		ResponseFailed(msg *Message[C], err error)
	}

	// SinkFuncs implements Sink using optional functions.
	SinkFuncs[C any] struct {
		Headers  func(msg *Message[C], head *Head)
		Chunk    func(msg *Message[C], chunk []byte)
		Complete func(msg *Message[C], resp *Response)
		Failed   func(msg *Message[C], err error)
	}

	// Future is a Sink that captures the outcome, for retrieval via Wait.
	// Each Future must only be used for a single Message.
	Future[C any] struct {
		done chan struct{}
		resp *Response
		err  error
	}
)

var (
	_ Sink[any] = SinkFuncs[any]{}
	_ Sink[any] = (*Future[any])(nil)
)

func (x SinkFuncs[C]) ResponseHeaders(msg *Message[C], head *Head) {
	if x.Headers != nil {
		x.Headers(msg, head)
	}
}

func (x SinkFuncs[C]) ResponseChunk(msg *Message[C], chunk []byte) {
	if x.Chunk != nil {
		x.Chunk(msg, chunk)
	}
}

func (x SinkFuncs[C]) ResponseComplete(msg *Message[C], resp *Response) {
	if x.Complete != nil {
		x.Complete(msg, resp)
	}
}

func (x SinkFuncs[C]) ResponseFailed(msg *Message[C], err error) {
	if x.Failed != nil {
		x.Failed(msg, err)
	}
}

// NewFuture initializes a new Future.
func NewFuture[C any]() *Future[C] {
	return &Future[C]{done: make(chan struct{})}
}

// Done is closed once the outcome is available.
func (x *Future[C]) Done() <-chan struct{} {
	return x.done
}

// Wait blocks until the outcome is available, or ctx is canceled. Streamed
// chunks are not captured.
func (x *Future[C]) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-x.done:
		return x.resp, x.err
	}
}

func (x *Future[C]) ResponseHeaders(*Message[C], *Head) {}

func (x *Future[C]) ResponseChunk(*Message[C], []byte) {}

func (x *Future[C]) ResponseComplete(_ *Message[C], resp *Response) {
	x.resp = resp
	close(x.done)
}

func (x *Future[C]) ResponseFailed(_ *Message[C], err error) {
	x.err = err
	close(x.done)
}
