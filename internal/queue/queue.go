// Package queue provides the FIFO containers used by connections to hold outbound payloads
// while the underlying socket is not connected.
package queue

// Queue defines the interface for a FIFO queue.
//
// Implementations are not goroutine-safe; callers guard them with their own lock.
type Queue[T any] interface {
	// Enqueue adds an item to the tail of the queue.
	Enqueue(item T)
	// Dequeue removes and returns the item at the head of the queue.
	// ok is false when the queue is empty.
	Dequeue() (item T, ok bool)
	// Peek returns the item at the head of the queue without removing it.
	Peek() (item T, ok bool)
	// Drain removes and returns every queued item in FIFO order, leaving the queue empty.
	Drain() []T
	// Reset to an empty queue.
	Reset()
	// IsEmpty returns true if the queue is empty, false otherwise.
	IsEmpty() bool
	// Length returns the number of items in the queue.
	Length() int
}
