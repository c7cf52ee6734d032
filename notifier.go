package esmux

// loopNotifier is the Notifier of a Conn's loop. Signals coalesce, via a
// single buffered slot, and the loop re-polls on each one it receives.
type loopNotifier struct {
	ch   chan struct{}
	done <-chan struct{}
}

var _ Notifier = (*loopNotifier)(nil)

func newLoopNotifier(done <-chan struct{}) *loopNotifier {
	return &loopNotifier{
		ch:   make(chan struct{}, 1),
		done: done,
	}
}

func (x *loopNotifier) Wakeup() error {
	select {
	case <-x.done:
		return ErrLoopTerminated
	default:
	}
	select {
	case x.ch <- struct{}{}:
	default:
		// already pending
	}
	return nil
}
