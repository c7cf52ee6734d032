package esmux

import (
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

type (
	// Notifier is a wakeup token, bound to a single event loop. Wakeup must
	// be safe to call from any goroutine, must not block, and may coalesce
	// multiple signals into one. Any error indicates the signal could not be
	// delivered, e.g. ErrLoopTerminated.
	Notifier interface {
		Wakeup() error
	}

	// NotifierFunc implements Notifier. Note that values of this type are
	// not comparable, and therefore cannot be removed via
	// Handle.RemoveListener.
	NotifierFunc func() error

	// HandleConfig models optional configuration, for NewHandle.
	HandleConfig struct {
		// Logger is used to report wakeup delivery failures, and may be nil.
		Logger *logiface.Logger[logiface.Event]

		// WakeupFailureRates limits the logging of wakeup delivery failures,
		// per distinct error message, see catrate.NewLimiter for the format.
		// **Defaults to 1 per second, and 10 per minute, if nil.**
		WakeupFailureRates map[time.Duration]int
	}

	// Handle is the producer-facing side of a Queue, which fans out a wakeup
	// to every registered listener, on each push. It is safe for concurrent
	// use. Instances must be initialized using the NewHandle factory.
	Handle[C any] struct {
		queue     *Queue[*Message[C]]
		logger    *logiface.Logger[logiface.Event]
		limiter   *catrate.Limiter
		listeners atomic.Pointer[[]Notifier]
		// serializes modification of listeners (copy on write)
		mu sync.Mutex
	}
)

// NewHandle initializes a new Handle, with no listeners. A nil queue will
// cause a panic. The config may be nil.
func NewHandle[C any](queue *Queue[*Message[C]], config *HandleConfig) *Handle[C] {
	if queue == nil {
		panic(`esmux: nil queue`)
	}

	rates := map[time.Duration]int{
		time.Second: 1,
		time.Minute: 10,
	}

	x := Handle[C]{queue: queue}

	if config != nil {
		x.logger = config.Logger
		if config.WakeupFailureRates != nil {
			rates = config.WakeupFailureRates
		}
	}

	x.limiter = catrate.NewLimiter(rates)
	x.listeners.Store(new([]Notifier))

	return &x
}

// Wakeup calls the receiver.
func (x NotifierFunc) Wakeup() error { return x() }

// Queue returns the underlying queue.
func (x *Handle[C]) Queue() *Queue[*Message[C]] {
	return x.queue
}

// AddListener registers a notifier, which will be signaled on every
// subsequent push. The queue is returned, for the convenience of the
// listener. It is intended to be called once per connection, during setup.
func (x *Handle[C]) AddListener(notifier Notifier) *Queue[*Message[C]] {
	if notifier == nil {
		panic(`esmux: nil notifier`)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	old := *x.listeners.Load()
	listeners := make([]Notifier, len(old), len(old)+1)
	copy(listeners, old)
	listeners = append(listeners, notifier)
	x.listeners.Store(&listeners)

	return x.queue
}

// RemoveListener unregisters the first listener equal to notifier, returning
// true if one was found.
func (x *Handle[C]) RemoveListener(notifier Notifier) bool {
	if notifier == nil || !reflect.TypeOf(notifier).Comparable() {
		return false
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	old := *x.listeners.Load()
	for i, v := range old {
		if v == notifier {
			listeners := make([]Notifier, 0, len(old)-1)
			listeners = append(listeners, old[:i]...)
			listeners = append(listeners, old[i+1:]...)
			x.listeners.Store(&listeners)
			return true
		}
	}

	return false
}

// Listeners returns the number of registered listeners.
func (x *Handle[C]) Listeners() int {
	return len(*x.listeners.Load())
}

// Push enqueues msg, then attempts to wake every listener that was
// registered at the time of the push. Push never blocks (beyond the queue's
// mutex), and never fails: wakeup delivery failures are only logged, and the
// message will remain available via TryPop.
func (x *Handle[C]) Push(msg *Message[C]) {
	if msg == nil {
		panic(`esmux: nil message`)
	}

	x.queue.Push(msg)

	for _, notifier := range *x.listeners.Load() {
		if err := notifier.Wakeup(); err != nil {
			x.wakeupFailed(err)
		}
	}
}

// TryPop removes the oldest message from the queue, without blocking.
func (x *Handle[C]) TryPop() (*Message[C], bool) {
	return x.queue.TryPop()
}

func (x *Handle[C]) wakeupFailed(err error) {
	b := x.logger.Warning()
	if !b.Enabled() {
		return
	}
	next, ok := x.limiter.Allow(err.Error())
	if !ok {
		b.Release()
		return
	}
	if next != (time.Time{}) {
		b = b.Time(`suppressed_until`, next)
	}
	b.Err(err).Log(`wakeup delivery failed`)
}
