package dispatch

import "sync"

// Iterator is a single-pass pull sequence.
type Iterator[T any] interface {
	Next() (T, bool)
}

// SafeIter serializes Next calls so a non-concurrency-safe iterator can be
// shared by several workers racing to pull the next item. Pure plumbing.
type SafeIter[T any] struct {
	mu sync.Mutex
	it Iterator[T]
}

// NewSafeIter wraps it for concurrent consumption.
func NewSafeIter[T any](it Iterator[T]) *SafeIter[T] {
	return &SafeIter[T]{it: it}
}

func (s *SafeIter[T]) Next() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.it.Next()
}
