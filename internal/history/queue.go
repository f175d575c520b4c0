package history

import "sync"

// Queue is a thread-safe FIFO that doubles its capacity when it reaches 70%
// full, up to a maximum. Push never blocks; items beyond the maximum are
// dropped and counted.
type Queue[T any] struct {
	mu      sync.Mutex
	buf     []T
	head    int
	count   int
	max     int
	closed  bool
	ready   chan struct{}
	pushed  int64
	popped  int64
	dropped int64
	resizes int
}

// QueueStats contains queue statistics.
type QueueStats struct {
	Len     int   `json:"len"`
	Cap     int   `json:"cap"`
	Pushed  int64 `json:"pushed"`
	Popped  int64 `json:"popped"`
	Dropped int64 `json:"dropped"`
	Resizes int   `json:"resizes"`
}

// NewQueue creates a queue with the given initial and maximum capacity.
// A max below initial is raised to initial.
func NewQueue[T any](initial, max int) *Queue[T] {
	if initial < 1 {
		initial = 1
	}
	if max < initial {
		max = initial
	}
	return &Queue[T]{
		buf:   make([]T, initial),
		max:   max,
		ready: make(chan struct{}, 1),
	}
}

// Push appends item. It returns false if the queue is closed or full.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	threshold := (len(q.buf) * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if q.count+1 >= threshold && len(q.buf) < q.max {
		q.grow()
	}
	if q.count == len(q.buf) {
		q.dropped++
		return false
	}

	q.buf[(q.head+q.count)%len(q.buf)] = item
	q.count++
	q.pushed++

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// Ready is signalled after a Push. One signal may cover several items.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}

// PopN removes and returns up to n items, oldest first. n <= 0 takes all.
func (q *Queue[T]) PopN(n int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}
	if n <= 0 || n > q.count {
		n = q.count
	}

	out := make([]T, n)
	var zero T
	for i := range out {
		out[i] = q.buf[q.head]
		q.buf[q.head] = zero
		q.head = (q.head + 1) % len(q.buf)
	}
	q.count -= n
	q.popped += int64(n)
	return out
}

// Close stops accepting items. Queued items can still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Stats returns queue statistics.
func (q *Queue[T]) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Len:     q.count,
		Cap:     len(q.buf),
		Pushed:  q.pushed,
		Popped:  q.popped,
		Dropped: q.dropped,
		Resizes: q.resizes,
	}
}

// grow doubles the capacity, capped at max. Must be called with lock held.
func (q *Queue[T]) grow() {
	size := len(q.buf) * 2
	if size > q.max {
		size = q.max
	}
	buf := make([]T, size)

	n := copy(buf, q.buf[q.head:min(q.head+q.count, len(q.buf))])
	if n < q.count {
		copy(buf[n:], q.buf[:q.count-n])
	}

	q.buf = buf
	q.head = 0
	q.resizes++
}
