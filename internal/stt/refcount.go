package stt

import (
	"sync"
	"sync/atomic"
)

// shared is a value with an atomic reference count. teardown runs exactly
// once, when the last reference is released.
type shared[T any] struct {
	value    T
	refs     atomic.Int64
	teardown func(T)
}

func newShared[T any](value T, teardown func(T)) *shared[T] {
	s := &shared[T]{value: value, teardown: teardown}
	s.refs.Store(1)
	return s
}

// acquire adds a reference unless the count already dropped to zero.
func (s *shared[T]) acquire() bool {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (s *shared[T]) release() {
	if s.refs.Add(-1) == 0 && s.teardown != nil {
		s.teardown(s.value)
	}
}

// handle owns one reference to a shared value. Closing a handle releases its
// reference once; later closes are no-ops.
type handle[T any] struct {
	s    *shared[T]
	once sync.Once
	done atomic.Bool
}

func newHandle[T any](s *shared[T]) *handle[T] {
	return &handle[T]{s: s}
}

func (h *handle[T]) get() (T, bool) {
	if h == nil || h.done.Load() {
		var zero T
		return zero, false
	}
	return h.s.value, true
}

func (h *handle[T]) retain() (*handle[T], bool) {
	if h == nil || h.done.Load() || !h.s.acquire() {
		return nil, false
	}
	return newHandle(h.s), true
}

func (h *handle[T]) close() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		h.done.Store(true)
		h.s.release()
	})
}
