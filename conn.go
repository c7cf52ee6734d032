package esmux

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

type (
	// Conn is a persistent connection to a node, which pops messages from
	// the queue of a Handle, and performs them one at a time, each as an
	// HTTP/1.1 request and response. Any number of Conn values may share a
	// Handle.
	//
	// All state is owned by a single goroutine (the loop), which reacts to
	// one event at a time: wakeups from the Handle, response data from the
	// connection, timers, and Close or Shutdown. Sink methods are called from
	// the loop.
	//
	// Instances must be initialized using Connect, ConnectLocalhost, or
	// NewConn.
	Conn[C any] struct {
		cfg      *connConfig
		handle   *Handle[C]
		queue    *Queue[*Message[C]]
		conn     net.Conn
		notifier *loopNotifier
		reader   *reader
		events   chan event
		ctrl     chan eventKind
		// closed when the loop exits, before cleanup
		stopping chan struct{}
		// closed once cleanup is complete
		done chan struct{}
		// terminal cause, written prior to closing done
		err error
		now func() time.Time
		// set by Close, which closes conn, so a blocked write returns
		closing atomic.Bool

		// fields below are accessed by the loop only

		current      *exchange[C]
		timer        *time.Timer
		timerAt      time.Time
		idleDeadline time.Time
		shutdown     bool

		stats connStats
		state atomic.Int32
	}

	// Stats are counters for a Conn, and are safe to read at any time.
	Stats struct {
		// Started is the number of messages popped.
		Started uint64
		// Completed is the number of exchanges that completed successfully.
		Completed uint64
		// Failed is the number of exchanges that failed, excluding Canceled.
		Failed uint64
		// Canceled is the number of exchanges abandoned via Message.Context.
		Canceled uint64
		// BytesReceived is the total size of all response bodies.
		BytesReceived int64
	}

	connStats struct {
		started       atomic.Uint64
		completed     atomic.Uint64
		failed        atomic.Uint64
		canceled      atomic.Uint64
		bytesReceived atomic.Int64
	}
)

// NewConn adopts an established connection, e.g. from a custom dialer, and
// starts processing messages from handle. The Host header defaults to the
// remote address. A nil handle or conn will cause a panic. The config may be
// nil.
func NewConn[C any](conn net.Conn, handle *Handle[C], config *Config) *Conn[C] {
	if conn == nil {
		panic(`esmux: nil conn`)
	}
	var address string
	if addr := conn.RemoteAddr(); addr != nil {
		address = addr.String()
	}
	return newConn(conn, handle, resolveConfig(config, address))
}

func newConn[C any](conn net.Conn, handle *Handle[C], cfg *connConfig) *Conn[C] {
	if handle == nil {
		panic(`esmux: nil handle`)
	}

	cfg.logger = cfg.logger.Clone().
		Str(`remote_addr`, cfg.host).
		Logger()

	x := Conn[C]{
		cfg:      cfg,
		handle:   handle,
		conn:     conn,
		events:   make(chan event),
		ctrl:     make(chan eventKind),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
		now:      time.Now,
	}
	x.notifier = newLoopNotifier(x.stopping)
	x.reader = newReader(conn, x.events, x.stopping, cfg.chunkSize)
	x.timer = time.NewTimer(time.Hour)
	x.timer.Stop()

	// registered before the loop starts, so no push is missed
	x.queue = handle.AddListener(x.notifier)

	go x.reader.run()
	go x.run()

	return &x
}

// State returns the current lifecycle state.
func (x *Conn[C]) State() ConnState {
	return ConnState(x.state.Load())
}

// Done is closed once the connection has reached a terminal state, and has
// been cleaned up.
func (x *Conn[C]) Done() <-chan struct{} {
	return x.done
}

// Err returns nil until Done is closed, then the reason the connection
// terminated. It will be nil if terminated via Close or Shutdown,
// ErrIdleTimeout, ErrServerClose, or an *Error if the state is
// StateErrorClosed.
func (x *Conn[C]) Err() error {
	select {
	case <-x.done:
		return x.err
	default:
		return nil
	}
}

// Stats returns a snapshot of the counters.
func (x *Conn[C]) Stats() Stats {
	return Stats{
		Started:       x.stats.started.Load(),
		Completed:     x.stats.completed.Load(),
		Failed:        x.stats.failed.Load(),
		Canceled:      x.stats.canceled.Load(),
		BytesReceived: x.stats.bytesReceived.Load(),
	}
}

// Close fails any in-flight exchange with ErrClosed, closes the connection,
// and waits for the loop to exit. Messages remaining in the queue are not
// touched. It is safe to call Close multiple times, and concurrently, but
// not from a Sink.
//
// The connection is closed before the loop is signaled, which interrupts
// any request that is still being written.
func (x *Conn[C]) Close() error {
	if !x.closing.Swap(true) {
		_ = x.conn.Close()
	}
	x.send(eventClose)
	<-x.done
	return nil
}

// Shutdown stops popping messages, waits for any in-flight exchange to
// finish, then closes the connection. If ctx is canceled first, Close is
// called, and the context error is returned.
func (x *Conn[C]) Shutdown(ctx context.Context) error {
	x.send(eventShutdown)
	select {
	case <-x.done:
		return nil
	case <-ctx.Done():
		_ = x.Close()
		return ctx.Err()
	}
}

func (x *Conn[C]) send(kind eventKind) {
	select {
	case x.ctrl <- kind:
	case <-x.stopping:
	}
}

func (x *Conn[C]) run() {
	defer x.cleanup()

	x.cfg.logger.Info().Log(`connection established`)

	x.dispatch(event{kind: eventIdle})

	for !x.State().Terminal() {
		select {
		case <-x.notifier.ch:
			x.dispatch(event{kind: eventWakeup})
		case ev := <-x.events:
			x.dispatch(ev)
		case kind := <-x.ctrl:
			x.dispatch(event{kind: kind})
		case <-x.timer.C:
			x.timerAt = time.Time{}
			x.dispatch(event{kind: eventTimeout})
		}
	}
}

func (x *Conn[C]) cleanup() {
	x.timer.Stop()
	x.handle.RemoveListener(x.notifier)
	close(x.stopping)
	_ = x.conn.Close()
	<-x.reader.done

	state := x.State()
	level := logiface.LevelInformational
	if state == StateErrorClosed {
		level = logiface.LevelError
	}
	b := x.cfg.logger.Build(level)
	if x.err != nil {
		b = b.Err(x.err)
	}
	b.Str(`state`, state.String()).
		Uint64(`exchanges`, x.stats.started.Load()).
		Log(`connection closed`)

	close(x.done)
}

// dispatch is the transition function of the lifecycle state machine.
func (x *Conn[C]) dispatch(ev event) {
	if x.closing.Load() && (ev.kind == eventConnError || (ev.kind == eventBadResponse && ev.fatal)) {
		// the read failed because Close closed the connection
		ev = event{kind: eventClose}
	}

	switch state := x.State(); state {
	case StateIdle:
		x.dispatchIdle(ev)
	case StateAwaitingResponse:
		x.dispatchAwaiting(ev)
	case StateErrorClosed, StateClosed:
		// terminal
	}
}

func (x *Conn[C]) dispatchIdle(ev event) {
	switch ev.kind {
	case eventIdle, eventWakeup:
		x.poll()

	case eventTimeout:
		if x.idleDeadline.IsZero() {
			return
		}
		if now := x.now(); now.Before(x.idleDeadline) {
			x.setTimer(x.idleDeadline)
			return
		}
		x.terminate(StateClosed, ErrIdleTimeout)

	case eventConnError:
		x.terminate(StateErrorClosed, ev.err)

	case eventShutdown, eventClose:
		x.terminate(StateClosed, nil)

	case eventHeaders, eventChunk, eventEnd:
		x.terminate(StateErrorClosed, &Error{Kind: KindProtocol, Err: ErrUnsolicitedResponse})

	case eventBadResponse:
		x.terminate(StateErrorClosed, ev.err)
	}
}

func (x *Conn[C]) dispatchAwaiting(ev event) {
	current := x.current

	switch ev.kind {
	case eventIdle:
		// only meaningful while idle

	case eventWakeup:
		// the queue is polled once the exchange finishes
		current.wakeup()

	case eventTimeout:
		if current.timeout(x.now()) {
			x.terminate(StateErrorClosed, newError(KindTimeout, 0, ErrResponseTimeout))
			return
		}
		x.setTimer(current.deadline)

	case eventConnError:
		x.terminate(StateErrorClosed, ev.err)

	case eventShutdown:
		x.shutdown = true

	case eventClose:
		x.terminate(StateClosed, nil)

	case eventHeaders:
		_, d := current.headersReceived(ev.head, x.now())
		x.setTimer(d)

	case eventChunk:
		x.stats.bytesReceived.Add(int64(len(ev.chunk)))
		current.responseChunk(ev.chunk, x.now())
		x.setTimer(current.deadline)

	case eventEnd:
		current.responseEnd()
		x.finish()
		switch {
		case ev.head != nil && ev.head.Close:
			x.terminate(StateClosed, ErrServerClose)
		case x.shutdown:
			x.terminate(StateClosed, nil)
		default:
			x.enterIdle()
			x.dispatch(event{kind: eventIdle})
		}

	case eventBadResponse:
		current.badResponse(ev.err)
		if ev.fatal {
			x.terminate(StateErrorClosed, ev.err)
		}
	}
}

// poll pops messages until one is in flight, or the queue is empty.
func (x *Conn[C]) poll() {
	if x.shutdown {
		x.terminate(StateClosed, nil)
		return
	}
	for {
		msg, ok := x.queue.TryPop()
		if !ok {
			if x.idleDeadline.IsZero() {
				x.enterIdle()
			}
			return
		}
		if x.begin(msg) {
			return
		}
	}
}

// begin starts an exchange for msg, returning false if it failed locally,
// without changing state.
func (x *Conn[C]) begin(msg *Message[C]) bool {
	x.stats.started.Add(1)

	current := newExchange(x.cfg, msg)

	x.cfg.logger.Debug().
		Str(`method`, msg.Method).
		Str(`target`, msg.Target).
		Log(`exchange started`)

	if err := current.prepareRequest(); err != nil {
		x.cfg.logger.Warning().
			Str(`method`, msg.Method).
			Str(`target`, msg.Target).
			Err(err).
			Log(`message rejected`)
		current.fail(err)
		x.count(current, err)
		return false
	}

	select {
	case x.reader.expect <- current.req:
	default:
		// a response to a previous request is still pending
		x.current = current
		x.terminate(StateErrorClosed, &Error{Kind: KindProtocol, Err: errors.New(`reader out of sync`)})
		return true
	}

	x.current = current
	x.idleDeadline = time.Time{}
	x.setState(StateAwaitingResponse)

	current.start(func() { _ = x.notifier.Wakeup() })

	if err := current.send(x.conn, x.now()); err != nil {
		if x.closing.Load() {
			x.terminate(StateClosed, nil)
		} else {
			x.terminate(StateErrorClosed, err)
		}
		return true
	}

	x.setTimer(current.deadline)

	return true
}

// finish detaches the current exchange, which must be done.
func (x *Conn[C]) finish() {
	current := x.current
	if current == nil {
		return
	}
	x.current = nil
	x.count(current, current.err)
	x.cfg.logger.Debug().
		Str(`method`, current.msg.Method).
		Str(`target`, current.msg.Target).
		Str(`request_state`, current.state.String()).
		Int64(`received`, current.received).
		Log(`exchange finished`)
}

func (x *Conn[C]) count(current *exchange[C], err *Error) {
	switch {
	case current.state == RequestComplete:
		x.stats.completed.Add(1)
	case err != nil && err.Kind == KindCanceled:
		x.stats.canceled.Add(1)
	default:
		x.stats.failed.Add(1)
	}
}

func (x *Conn[C]) enterIdle() {
	x.setState(StateIdle)
	x.idleDeadline = deadline(x.now(), x.cfg.idleTimeout)
	x.setTimer(x.idleDeadline)
}

// terminate moves to a terminal state, failing any in-flight exchange.
func (x *Conn[C]) terminate(state ConnState, cause error) {
	if current := x.current; current != nil {
		current.fail(exchangeError(cause))
		x.finish()
	}
	x.err = cause
	x.setTimer(time.Time{})
	x.setState(state)
}

func (x *Conn[C]) setState(state ConnState) {
	old := ConnState(x.state.Swap(int32(state)))
	if old != state {
		x.cfg.logger.Debug().
			Str(`from`, old.String()).
			Str(`to`, state.String()).
			Log(`state transition`)
	}
}

// setTimer arms the timer for t, or disarms it, if t is zero.
func (x *Conn[C]) setTimer(t time.Time) {
	if t.Equal(x.timerAt) {
		return
	}
	x.timerAt = t
	if t.IsZero() {
		x.timer.Stop()
		return
	}
	x.timer.Reset(t.Sub(x.now()))
}

// exchangeError maps the cause of termination to the failure reported for
// the in-flight exchange.
func exchangeError(cause error) *Error {
	var e *Error
	switch {
	case cause == nil:
		return newError(KindClosed, 0, ErrClosed)
	case errors.As(cause, &e):
		v := *e
		v.State = 0
		return &v
	case errors.Is(cause, ErrServerClose):
		return newError(KindProtocol, 0, cause)
	default:
		return newError(KindClosed, 0, cause)
	}
}
