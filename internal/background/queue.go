package background

import (
	"context"
	"sync"

	"github.com/mmcdole/kinosync/internal/domain"
)

// envelope is a command together with the page that posted it.
type envelope struct {
	ctx  context.Context // Page lifetime; cancelled when the page goes away
	from string          // Bus client id for unicast replies
	cmd  domain.Command
}

// commandQueue is an unbounded FIFO of posted commands.
//
// Pages post from their own goroutines while the Run loop drains. The
// signal channel has a buffer of one so waiting stays context-aware.
type commandQueue struct {
	mu     sync.Mutex
	items  []envelope
	closed bool
	signal chan struct{}
}

func newCommandQueue() *commandQueue {
	return &commandQueue{
		items:  make([]envelope, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends e. Returns false once the queue is closed.
func (q *commandQueue) Enqueue(e envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, e)

	// Buffer of 1 coalesces signals
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue pops the front command without blocking.
func (q *commandQueue) TryDequeue() (envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return envelope{}, false
	}
	e := q.items[0]

	// Release the chunk bytes held by the slot
	q.items[0] = envelope{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return e, true
}

// Wait signals that commands may be available. Closed on Close.
func (q *commandQueue) Wait() <-chan struct{} {
	return q.signal
}

func (q *commandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further commands and wakes the Run loop.
func (q *commandQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
