package esmux

import (
	"sync"
)

// queueChunkSize is the number of values per node of the Queue's linked list.
const queueChunkSize = 128

type (
	// Queue is an unbounded FIFO, safe for use by any number of concurrent
	// producers. Values are returned by TryPop in the exact order in which
	// the corresponding Push calls were linearized.
	//
	// The zero value is ready to use. A Queue must not be copied after first
	// use.
	Queue[M any] struct { // betteralign:ignore
		mu     sync.Mutex
		head   *queueChunk[M]
		tail   *queueChunk[M]
		length int
		// recycles exhausted chunks, avoids allocation under steady load
		pool sync.Pool
	}

	// queueChunk is a fixed-size node, consumed via read/write cursors, so
	// neither Push nor TryPop ever shift values.
	queueChunk[M any] struct {
		values  [queueChunkSize]M
		next    *queueChunk[M]
		readPos int
		pos     int
	}
)

// NewQueue initializes a new, empty Queue.
func NewQueue[M any]() *Queue[M] {
	return new(Queue[M])
}

// Push appends msg to the back of the queue. It never fails, and only blocks
// for as long as it takes to acquire the internal mutex.
func (x *Queue[M]) Push(msg M) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.tail == nil {
		x.tail = x.newChunk()
		x.head = x.tail
	}

	if x.tail.pos == len(x.tail.values) {
		tail := x.newChunk()
		x.tail.next = tail
		x.tail = tail
	}

	x.tail.values[x.tail.pos] = msg
	x.tail.pos++
	x.length++
}

// TryPop removes and returns the oldest value, without blocking. The boolean
// will be false if the queue was empty, which is a normal outcome.
func (x *Queue[M]) TryPop() (msg M, ok bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.head == nil || x.head.readPos >= x.head.pos {
		return
	}

	msg = x.head.values[x.head.readPos]
	var zero M
	x.head.values[x.head.readPos] = zero // don't retain popped values
	x.head.readPos++
	x.length--
	ok = true

	if x.head.readPos >= x.head.pos {
		if x.head == x.tail {
			// only chunk, just rewind the cursors
			x.head.pos = 0
			x.head.readPos = 0
		} else {
			exhausted := x.head
			x.head = x.head.next
			x.releaseChunk(exhausted)
		}
	}

	return
}

// Len returns the number of queued values.
func (x *Queue[M]) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.length
}

func (x *Queue[M]) newChunk() *queueChunk[M] {
	if v, ok := x.pool.Get().(*queueChunk[M]); ok {
		return v
	}
	return new(queueChunk[M])
}

// releaseChunk expects that every value was already cleared by TryPop.
func (x *Queue[M]) releaseChunk(c *queueChunk[M]) {
	c.next = nil
	c.pos = 0
	c.readPos = 0
	x.pool.Put(c)
}
