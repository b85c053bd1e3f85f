package avatar

import (
	"sync"
	"time"
)

// DefaultQueueCapacity bounds a speech queue.
const DefaultQueueCapacity = 50

// Item is one queued response.
type Item struct {
	Text       string
	EnqueuedAt time.Time

	retried bool
}

// Queue is a bounded FIFO of response text. When full, new items are
// rejected; queued items are never dropped.
type Queue struct {
	mu       sync.Mutex
	items    []Item
	capacity int
	rejected int64
}

// NewQueue creates a queue. capacity <= 0 uses DefaultQueueCapacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{capacity: capacity}
}

// Push appends text.
func (q *Queue) Push(text string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		q.rejected++
		return ErrQueueFull
	}
	q.items = append(q.items, Item{Text: text, EnqueuedAt: time.Now()})
	return nil
}

// PushFront puts an item back at the head. Requeued items may exceed the
// capacity so they are never lost.
func (q *Queue) PushFront(it Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]Item{it}, q.items...)
}

// Pop removes the head.
func (q *Queue) Pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	it := q.items[0]
	q.items[0] = Item{}
	q.items = q.items[1:]
	return it, true
}

// Drain empties the queue and returns the texts in order.
func (q *Queue) Drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.items))
	for i, it := range q.items {
		out[i] = it.Text
	}
	q.items = nil
	return out
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Rejected returns how many pushes hit a full queue.
func (q *Queue) Rejected() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rejected
}
