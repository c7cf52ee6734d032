package esmux

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/http/httpguts"
)

// exchange is the request/response state machine, driving a single Message
// through one request and response. It is only accessed from the loop
// goroutine of the Conn that popped the Message.
type exchange[C any] struct {
	deadline   time.Time
	msg        *Message[C]
	cfg        *connConfig
	req        *http.Request
	head       *Head
	stopCancel func() bool
	err        *Error
	reqHead    []byte
	body       []byte
	received   int64
	// resolved per message
	responseTimeout time.Duration
	bodyTimeout     time.Duration
	mode            RecvMode
	state           RequestState
	reported        bool
}

func newExchange[C any](cfg *connConfig, msg *Message[C]) *exchange[C] {
	x := exchange[C]{
		msg:             msg,
		cfg:             cfg,
		state:           RequestPreparing,
		responseTimeout: cfg.responseTimeout,
		bodyTimeout:     cfg.bodyTimeout,
	}
	if msg.Timeout != 0 {
		x.responseTimeout = msg.Timeout
		x.bodyTimeout = msg.Timeout
	}
	return &x
}

// prepareRequest validates the message and encodes the request head. Any
// error is a KindLocal or KindCanceled failure, and nothing will have been
// written to the connection.
func (x *exchange[C]) prepareRequest() *Error {
	msg := x.msg

	if msg.Context != nil {
		if err := msg.Context.Err(); err != nil {
			return newError(KindCanceled, RequestPreparing, err)
		}
	}

	if !validMethod(msg.Method) {
		return x.malformed(`invalid method %q`, msg.Method)
	}

	if !validTarget(msg.Target) {
		return x.malformed(`invalid target %q`, msg.Target)
	}
	u, err := url.ParseRequestURI(msg.Target)
	if err != nil {
		return x.malformed(`invalid target %q: %v`, msg.Target, err)
	}

	header := make(http.Header, len(msg.Header)+2)
	for k, vs := range msg.Header {
		if !httpguts.ValidHeaderFieldName(k) {
			return x.malformed(`invalid header name %q`, k)
		}
		switch k = http.CanonicalHeaderKey(k); k {
		case `Host`, `Content-Length`, `Transfer-Encoding`:
			// set by the exchange
			continue
		}
		for _, v := range vs {
			if !httpguts.ValidHeaderFieldValue(v) {
				return x.malformed(`invalid value for header %q`, k)
			}
			header[k] = append(header[k], v)
		}
	}

	if len(msg.Body) != 0 && header.Get(`Content-Type`) == `` {
		header.Set(`Content-Type`, `application/json`)
	}
	if len(msg.Body) != 0 || methodExpectsBody(msg.Method) {
		header.Set(`Content-Length`, strconv.Itoa(len(msg.Body)))
	}

	var b bytes.Buffer
	b.WriteString(msg.Method)
	b.WriteByte(' ')
	b.WriteString(msg.Target)
	b.WriteString(" HTTP/1.1\r\nHost: ")
	b.WriteString(x.cfg.host)
	b.WriteString("\r\n")
	if err := header.Write(&b); err != nil {
		return x.malformed(`header: %v`, err)
	}
	b.WriteString("\r\n")

	x.reqHead = b.Bytes()
	x.req = &http.Request{
		Method:        msg.Method,
		URL:           u,
		Proto:         `HTTP/1.1`,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Host:          x.cfg.host,
		ContentLength: int64(len(msg.Body)),
		RequestURI:    msg.Target,
	}

	return nil
}

// start arranges for notify to be called if the message's context is
// canceled while in flight, see wakeup.
func (x *exchange[C]) start(notify func()) {
	if x.msg.Context != nil {
		x.stopCancel = context.AfterFunc(x.msg.Context, notify)
	}
}

// send writes the prepared request, bounded by writeDeadline. Errors are
// always KindTransport.
func (x *exchange[C]) send(w deadlineWriter, now time.Time) *Error {
	if x.cfg.writeTimeout > 0 {
		if err := w.SetWriteDeadline(now.Add(x.cfg.writeTimeout)); err != nil {
			return newError(KindTransport, x.state, err)
		}
	}

	if _, err := w.Write(x.reqHead); err != nil {
		return newError(KindTransport, x.state, err)
	}
	x.state = RequestHeadersSent

	if len(x.msg.Body) != 0 {
		if _, err := w.Write(x.msg.Body); err != nil {
			return newError(KindTransport, x.state, err)
		}
	}
	x.state = RequestAwaitingHeaders
	x.deadline = deadline(now, x.responseTimeout)

	return nil
}

// headersReceived selects the receive mode, and returns the deadline for
// the remainder of the response.
func (x *exchange[C]) headersReceived(head *Head, now time.Time) (RecvMode, time.Time) {
	x.deadline = deadline(now, x.bodyTimeout)

	if x.state != RequestAwaitingHeaders {
		// abandoned, draining the rest
		x.mode = RecvDiscard
		return x.mode, x.deadline
	}

	x.head = head
	x.state = RequestStreamingBody

	switch {
	case x.req.Method == http.MethodHead,
		head.StatusCode == http.StatusNoContent,
		head.StatusCode == http.StatusNotModified:
		x.mode = RecvDiscard
	case x.msg.RecvMode != RecvDefault:
		x.mode = x.msg.RecvMode
	default:
		x.mode = x.cfg.recvMode
	}

	if err := x.callSink(func(sink Sink[C]) { sink.ResponseHeaders(x.msg, head) }); err != nil {
		x.fail(err)
		return x.mode, x.deadline
	}

	if x.mode == RecvBuffer && x.cfg.maxBodySize > 0 && head.ContentLength > x.cfg.maxBodySize {
		x.fail(&Error{
			Kind: KindProtocol,
			Err:  fmt.Errorf(`%w: content length %d exceeds %d`, ErrBodyTooLarge, head.ContentLength, x.cfg.maxBodySize),
		})
	}

	return x.mode, x.deadline
}

func (x *exchange[C]) responseChunk(chunk []byte, now time.Time) {
	x.received += int64(len(chunk))

	if x.state != RequestStreamingBody {
		return
	}

	switch x.mode {
	case RecvBuffer:
		if x.cfg.maxBodySize > 0 && int64(len(x.body))+int64(len(chunk)) > x.cfg.maxBodySize {
			x.fail(&Error{
				Kind: KindProtocol,
				Data: truncateData(x.body),
				Err:  fmt.Errorf(`%w: exceeds %d`, ErrBodyTooLarge, x.cfg.maxBodySize),
			})
			x.body = nil
			return
		}
		x.body = append(x.body, chunk...)

	case RecvStream:
		x.deadline = deadline(now, x.bodyTimeout)
		if err := x.callSink(func(sink Sink[C]) { sink.ResponseChunk(x.msg, chunk) }); err != nil {
			x.fail(err)
		}
	}
}

// responseReceived completes a buffered exchange, with the whole body.
func (x *exchange[C]) responseReceived(body []byte) {
	x.state = RequestComplete
	x.report(&Response{Head: *x.head, Body: body, Received: x.received}, nil)
}

// responseEnd marks the end of the response. If the exchange already
// failed, this only marks the end of draining.
func (x *exchange[C]) responseEnd() {
	if x.state != RequestStreamingBody {
		if !x.state.Done() {
			x.fail(errorf(KindProtocol, `response ended before headers`))
		}
		return
	}
	if x.mode == RecvBuffer {
		body := x.body
		if body == nil {
			body = []byte{}
		}
		x.body = nil
		x.responseReceived(body)
		return
	}
	x.state = RequestComplete
	x.report(&Response{Head: *x.head, Received: x.received}, nil)
}

func (x *exchange[C]) badResponse(err *Error) {
	x.fail(err)
}

// timeout returns true if the deadline was exceeded, in which case the
// exchange will have failed, if it hadn't already.
func (x *exchange[C]) timeout(now time.Time) bool {
	if x.deadline.IsZero() || now.Before(x.deadline) {
		return false
	}
	var cause error = ErrResponseTimeout
	if x.state == RequestStreamingBody {
		cause = fmt.Errorf(`%w: awaiting body`, ErrResponseTimeout)
	}
	x.fail(newError(KindTimeout, 0, cause))
	return true
}

// wakeup is called on any wakeup while the exchange is in flight, and
// abandons it if the message's context is done.
func (x *exchange[C]) wakeup() {
	if x.state.Done() || x.msg.Context == nil {
		return
	}
	if err := x.msg.Context.Err(); err != nil {
		x.fail(newError(KindCanceled, 0, err))
	}
}

// fail marks the exchange as failed, reporting err, unless it is already
// done.
func (x *exchange[C]) fail(err *Error) {
	if x.state.Done() {
		return
	}
	if err.State == 0 {
		err.State = x.state
	}
	if err.StatusCode == 0 && x.head != nil {
		err.StatusCode = x.head.StatusCode
	}
	x.state = RequestFailed
	x.err = err
	x.report(nil, err)
}

func (x *exchange[C]) report(resp *Response, err *Error) {
	if x.reported {
		return
	}
	x.reported = true

	if x.stopCancel != nil {
		x.stopCancel()
		x.stopCancel = nil
	}

	if err != nil {
		_ = x.callSink(func(sink Sink[C]) { sink.ResponseFailed(x.msg, err) })
	} else {
		_ = x.callSink(func(sink Sink[C]) { sink.ResponseComplete(x.msg, resp) })
	}
}

// callSink isolates the loop from panics in the sink, returning a KindLocal
// error if one was recovered.
func (x *exchange[C]) callSink(fn func(sink Sink[C])) (err *Error) {
	if x.msg.Sink == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			x.cfg.logger.Err().
				Str(`method`, x.msg.Method).
				Str(`target`, x.msg.Target).
				Any(`panic`, r).
				Log(`sink panicked`)
			err = &Error{Kind: KindLocal, Err: fmt.Errorf(`%w: %v`, ErrSinkPanic, r)}
		}
	}()
	fn(x.msg.Sink)
	return nil
}

func (x *exchange[C]) malformed(format string, args ...any) *Error {
	return &Error{
		Kind:  KindLocal,
		State: RequestPreparing,
		Err:   fmt.Errorf(`%w: `+format, append([]any{ErrMalformedMessage}, args...)...),
	}
}

func validMethod(method string) bool {
	if method == `` {
		return false
	}
	for _, r := range method {
		if !httpguts.IsTokenRune(r) {
			return false
		}
	}
	return true
}

func validTarget(target string) bool {
	if len(target) == 0 || target[0] != '/' {
		return false
	}
	for i := 0; i < len(target); i++ {
		if c := target[i]; c <= ' ' || c == 0x7f {
			return false
		}
	}
	return true
}

func methodExpectsBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	default:
		return false
	}
}
