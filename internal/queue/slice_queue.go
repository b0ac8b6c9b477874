package queue

// sliceQueue implements the Queue interface using a slice.
type sliceQueue[T any] struct {
	items []T
}

// NewSliceQueue creates a new slice backed queue with prealloc capacity.
func NewSliceQueue[T any](prealloc int) Queue[T] {
	return &sliceQueue[T]{items: make([]T, 0, prealloc)}
}

func (q *sliceQueue[T]) Enqueue(item T) {
	q.items = append(q.items, item)
}

func (q *sliceQueue[T]) Dequeue() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero // release reference for GC
	q.items = q.items[1:]

	return item, true
}

func (q *sliceQueue[T]) Peek() (T, bool) {
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}

	return q.items[0], true
}

// Drain hands the backing slice to the caller and starts a fresh one, so items
// enqueued while the caller iterates the result are not mixed in.
func (q *sliceQueue[T]) Drain() []T {
	if len(q.items) == 0 {
		return nil
	}
	items := q.items
	q.items = make([]T, 0, cap(items))

	return items
}

func (q *sliceQueue[T]) Reset() {
	clear(q.items)
	q.items = q.items[:0]
}

func (q *sliceQueue[T]) IsEmpty() bool {
	return len(q.items) == 0
}

func (q *sliceQueue[T]) Length() int {
	return len(q.items)
}
