package pipeline

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// lane forwards one table's items from the router to the table queue. The
// router never waits on a table queue: a full queue only stalls that
// table's lane. Events held by lanes count against the router's in-flight
// budget; barriers do not.
type lane struct {
	worker *Worker
	budget *semaphore.Weighted

	mu     sync.Mutex
	items  []item
	closed bool
	wake   chan struct{}
}

func newLane(w *Worker, budget *semaphore.Weighted) *lane {
	return &lane{worker: w, budget: budget, wake: make(chan struct{}, 1)}
}

func (l *lane) put(it item) {
	l.mu.Lock()
	l.items = append(l.items, it)
	l.mu.Unlock()
	l.signal()
}

// close lets the lane exit once everything put before it is forwarded.
func (l *lane) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.signal()
}

func (l *lane) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// pending is the number of items waiting for room in the table queue.
func (l *lane) pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// peek returns the oldest item without removing it, so an item blocked on a
// full table queue still counts as pending.
func (l *lane) peek() (it item, ok, closed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.items) == 0 {
		return item{}, false, l.closed
	}
	return l.items[0], true, false
}

func (l *lane) pop() {
	l.mu.Lock()
	l.items[0] = item{}
	l.items = l.items[1:]
	l.mu.Unlock()
}

// run forwards items in order and closes the table queue when it returns.
func (l *lane) run(ctx context.Context) error {
	defer close(l.worker.queue)
	for {
		it, ok, closed := l.peek()
		if !ok {
			if closed {
				return nil
			}
			select {
			case <-l.wake:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := l.worker.push(ctx, it); err != nil {
			return err
		}
		l.pop()
		if it.event != nil {
			l.budget.Release(1)
		}
	}
}
