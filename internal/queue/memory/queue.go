// Package memory provides the bounded in-process execution queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/scrape-service/internal/scrape"
)

// Queue is a bounded channel queue. Enqueue never blocks; Dequeue waits.
type Queue struct {
	ch     chan scrape.QueueItem
	mu     sync.RWMutex
	closed bool
}

var _ scrape.Queue = (*Queue)(nil)

// NewQueue constructs a queue holding at most capacity items.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan scrape.QueueItem, capacity)}
}

// Enqueue adds item or fails immediately with scrape.ErrQueueFull.
func (q *Queue) Enqueue(ctx context.Context, item scrape.QueueItem) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return scrape.ErrQueueClosed
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return fmt.Errorf("%w: %d items waiting", scrape.ErrQueueFull, cap(q.ch))
	}
}

// Dequeue pops the next item, respecting context cancellation. After Close
// the remaining items drain before scrape.ErrQueueClosed is returned.
func (q *Queue) Dequeue(ctx context.Context) (scrape.QueueItem, error) {
	select {
	case <-ctx.Done():
		return scrape.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return scrape.QueueItem{}, scrape.ErrQueueClosed
		}
		return item, nil
	}
}

// Len reports how many items are waiting.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Drain removes and returns every waiting item without blocking.
func (q *Queue) Drain() []scrape.QueueItem {
	var items []scrape.QueueItem
	for {
		select {
		case item, ok := <-q.ch:
			if !ok {
				return items
			}
			items = append(items, item)
		default:
			return items
		}
	}
}

// Close stops accepting items.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
