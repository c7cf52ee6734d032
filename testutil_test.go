package esmux

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

type (
	// fakeServer is the server end of a net.Pipe, driven by the test.
	fakeServer struct {
		t    testing.TB
		conn net.Conn
		br   *bufio.Reader
	}

	receivedRequest struct {
		Header http.Header
		Method string
		Target string
		Host   string
		Body   string
	}

	// syncBuffer collects log output from the loop goroutine.
	syncBuffer struct {
		b  bytes.Buffer
		mu sync.Mutex
	}

	// outcome is what a recordingSink received for a single message.
	outcome struct {
		resp   *Response
		err    error
		data   int
		chunks []string
		head   *Head
	}

	recordingSink struct {
		ch     chan outcome
		mu     sync.Mutex
		heads  map[*Message[int]]*Head
		chunks map[*Message[int]][]string
	}
)

func newFakeServer(t testing.TB) (net.Conn, *fakeServer) {
	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, &fakeServer{
		t:    t,
		conn: server,
		br:   bufio.NewReader(server),
	}
}

func (x *fakeServer) readRequest() *receivedRequest {
	x.t.Helper()
	require.NoError(x.t, x.conn.SetReadDeadline(time.Now().Add(testTimeout)))
	req, err := http.ReadRequest(x.br)
	require.NoError(x.t, err)
	body, err := io.ReadAll(req.Body)
	require.NoError(x.t, err)
	return &receivedRequest{
		Header: req.Header,
		Method: req.Method,
		Target: req.RequestURI,
		Host:   req.Host,
		Body:   string(body),
	}
}

func (x *fakeServer) write(s string) {
	x.t.Helper()
	require.NoError(x.t, x.conn.SetWriteDeadline(time.Now().Add(testTimeout)))
	_, err := io.WriteString(x.conn, s)
	require.NoError(x.t, err)
}

// respond writes a response with a Content-Length body, and optional
// additional header lines.
func (x *fakeServer) respond(status int, body string, headers ...string) {
	x.t.Helper()
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	b.WriteString("Content-Type: application/json\r\n")
	b.WriteString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n")
	for _, h := range headers {
		b.WriteString(h + "\r\n")
	}
	b.WriteString("\r\n")
	b.WriteString(body)
	x.write(b.String())
}

func (x *syncBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.b.Write(p)
}

func (x *syncBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.b.String()
}

func newTestLogger(w io.Writer) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(
			stumpy.WithWriter(w),
			stumpy.WithTimeField(``),
		),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger()
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		ch:     make(chan outcome, 1024),
		heads:  make(map[*Message[int]]*Head),
		chunks: make(map[*Message[int]][]string),
	}
}

func (x *recordingSink) ResponseHeaders(msg *Message[int], head *Head) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.heads[msg] = head
}

func (x *recordingSink) ResponseChunk(msg *Message[int], chunk []byte) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.chunks[msg] = append(x.chunks[msg], string(chunk))
}

func (x *recordingSink) ResponseComplete(msg *Message[int], resp *Response) {
	x.ch <- x.outcome(msg, resp, nil)
}

func (x *recordingSink) ResponseFailed(msg *Message[int], err error) {
	x.ch <- x.outcome(msg, nil, err)
}

func (x *recordingSink) outcome(msg *Message[int], resp *Response, err error) outcome {
	x.mu.Lock()
	defer x.mu.Unlock()
	return outcome{
		resp:   resp,
		err:    err,
		data:   msg.Data,
		chunks: x.chunks[msg],
		head:   x.heads[msg],
	}
}

func (x *recordingSink) next(t testing.TB) outcome {
	t.Helper()
	select {
	case v := <-x.ch:
		return v
	case <-time.After(testTimeout):
		t.Fatal(`timed out waiting for an outcome`)
		panic(`unreachable`)
	}
}

func (x *recordingSink) none(t testing.TB) {
	t.Helper()
	select {
	case v := <-x.ch:
		t.Fatalf(`unexpected outcome: %+v`, v)
	default:
	}
}

func waitDone[C any](t testing.TB, conn *Conn[C]) {
	t.Helper()
	select {
	case <-conn.Done():
	case <-time.After(testTimeout):
		t.Fatalf(`timed out waiting for connection to terminate, state %s`, conn.State())
	}
}

func waitFuture[C any](t testing.TB, future *Future[C]) (*Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	resp, err := future.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return resp, err
}

func newTestMessage(data int, target string, sink Sink[int]) *Message[int] {
	return &Message[int]{
		Method: http.MethodGet,
		Target: target,
		Data:   data,
		Sink:   sink,
	}
}

// serve handles requests on a separate goroutine, until the connection
// fails, and is safe to use from any goroutine. The returned channel is
// closed once it exits.
func serve(conn net.Conn, handler func(req *receivedRequest) (int, string)) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		br := bufio.NewReader(conn)
		for {
			req, err := http.ReadRequest(br)
			if err != nil {
				return
			}
			body, err := io.ReadAll(req.Body)
			if err != nil {
				return
			}
			status, respBody := handler(&receivedRequest{
				Header: req.Header,
				Method: req.Method,
				Target: req.RequestURI,
				Host:   req.Host,
				Body:   string(body),
			})
			if _, err := fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Length: %d\r\n\r\n%s", status, http.StatusText(status), len(respBody), respBody); err != nil {
				return
			}
		}
	}()
	return done
}
