package esmux

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"
)

type (
	// eventKind enumerates everything a Conn's loop reacts to.
	eventKind int

	// event is the unit of work processed by the loop, one at a time.
	event struct {
		err   *Error
		head  *Head
		chunk []byte
		kind  eventKind
		// fatal is set for eventBadResponse, if framing was lost
		fatal bool
	}

	deadlineWriter interface {
		io.Writer
		SetWriteDeadline(t time.Time) error
	}

	// reader parses responses, on its own goroutine, posting them to the
	// loop as events. It only reads a response after the loop has handed it
	// the corresponding request, via expect, which always happens before the
	// request is written.
	reader struct {
		br        *bufio.Reader
		expect    chan *http.Request
		events    chan<- event
		stopping  <-chan struct{}
		done      chan struct{}
		chunkSize int
	}
)

const (
	eventIdle eventKind = iota
	eventWakeup
	eventTimeout
	eventConnError
	eventShutdown
	eventClose
	eventHeaders
	eventChunk
	eventEnd
	eventBadResponse
)

func (x eventKind) String() string {
	switch x {
	case eventIdle:
		return `idle`
	case eventWakeup:
		return `wakeup`
	case eventTimeout:
		return `timeout`
	case eventConnError:
		return `connection_error`
	case eventShutdown:
		return `shutdown`
	case eventClose:
		return `close`
	case eventHeaders:
		return `headers_received`
	case eventChunk:
		return `response_chunk`
	case eventEnd:
		return `response_end`
	case eventBadResponse:
		return `bad_response`
	default:
		return fmt.Sprintf(`eventKind(%d)`, int(x))
	}
}

func newReader(r io.Reader, events chan<- event, stopping <-chan struct{}, chunkSize int) *reader {
	return &reader{
		br:        bufio.NewReader(r),
		expect:    make(chan *http.Request, 1),
		events:    events,
		stopping:  stopping,
		done:      make(chan struct{}),
		chunkSize: chunkSize,
	}
}

func (x *reader) run() {
	defer close(x.done)

	buf := make([]byte, x.chunkSize)
	// the start of each response, for diagnostics
	pending := make([]byte, 0, maxErrorData)

	for {
		// blocks while idle, so a peer closing an idle connection is noticed
		if _, err := x.br.Peek(1); err != nil {
			x.post(event{kind: eventConnError, err: newError(KindTransport, 0, err)})
			return
		}

		var req *http.Request
		select {
		case req = <-x.expect:
		default:
			data, _ := x.br.Peek(x.br.Buffered())
			x.post(event{kind: eventBadResponse, fatal: true, err: &Error{
				Kind: KindProtocol,
				Data: truncateData(data),
				Err:  ErrUnsolicitedResponse,
			}})
			return
		}

		data, _ := x.br.Peek(min(x.br.Buffered(), maxErrorData))
		pending = append(pending[:0], data...)

		resp, err := x.readResponse(req)
		if err != nil {
			x.post(readErrorEvent(err, pending, 0))
			return
		}

		if !x.post(event{kind: eventHeaders, head: &Head{
			Header:        resp.Header,
			Status:        resp.Status,
			Proto:         resp.Proto,
			StatusCode:    resp.StatusCode,
			ContentLength: resp.ContentLength,
			Close:         resp.Close,
		}}) {
			return
		}

		for {
			n, err := resp.Body.Read(buf)
			if n > 0 && !x.post(event{kind: eventChunk, chunk: append([]byte(nil), buf[:n]...)}) {
				return
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				x.post(readErrorEvent(err, nil, resp.StatusCode))
				return
			}
		}
		_ = resp.Body.Close()

		if !x.post(event{kind: eventEnd, head: &Head{StatusCode: resp.StatusCode, Close: resp.Close}}) || resp.Close {
			return
		}
	}
}

// readResponse skips interim (1xx) responses.
func (x *reader) readResponse(req *http.Request) (*http.Response, error) {
	for {
		resp, err := http.ReadResponse(x.br, req)
		if err != nil {
			return nil, err
		}
		switch {
		case resp.StatusCode == http.StatusSwitchingProtocols:
			return nil, &Error{Kind: KindProtocol, StatusCode: resp.StatusCode, Err: errors.New(`unexpected protocol switch`)}
		case resp.StatusCode >= 100 && resp.StatusCode < 200:
			continue
		default:
			return resp, nil
		}
	}
}

func (x *reader) post(ev event) bool {
	select {
	case x.events <- ev:
		return true
	case <-x.stopping:
		return false
	}
}

// readErrorEvent distinguishes I/O failures (eventConnError) from malformed
// responses (eventBadResponse), both of which lose framing. Malformed
// responses carry data and statusCode, where known.
func readErrorEvent(err error, data []byte, statusCode int) event {
	var e *Error
	switch {
	case errors.As(err, &e):
	case isTransportError(err):
		return event{kind: eventConnError, err: newError(KindTransport, 0, err)}
	default:
		e = newError(KindProtocol, 0, err)
	}
	if e.Data == nil && len(data) != 0 {
		e.Data = truncateData(data)
	}
	if e.StatusCode == 0 {
		e.StatusCode = statusCode
	}
	return event{kind: eventBadResponse, fatal: true, err: e}
}

func isTransportError(err error) bool {
	var netErr net.Error
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.As(err, &netErr)
}
