package session

import (
	"log/slog"
	"slices"
	"sync"
)

// handlerSet keeps subscribers in registration order. Each subscriber is
// called in isolation: a panic is logged and the rest still run.
type handlerSet[T any] struct {
	name string

	mu      sync.Mutex
	nextID  int
	entries []handlerEntry[T]
}

type handlerEntry[T any] struct {
	id int
	fn func(T)
}

func (s *handlerSet[T]) add(fn func(T)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.entries = append(s.entries, handlerEntry[T]{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *handlerSet[T]) remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = slices.DeleteFunc(s.entries, func(e handlerEntry[T]) bool { return e.id == id })
}

func (s *handlerSet[T]) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}

func (s *handlerSet[T]) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *handlerSet[T]) emit(logger *slog.Logger, value T) {
	s.mu.Lock()
	entries := slices.Clone(s.entries)
	s.mu.Unlock()

	for _, e := range entries {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("session handler panicked", "handler", s.name, "panic", r)
				}
			}()
			e.fn(value)
		}()
	}
}
