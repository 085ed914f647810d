package stream

import "sync"

// handlerSet is an ordered set of callbacks. Registration returns a func
// that removes the callback again; calling it twice is harmless.
type handlerSet[T any] struct {
	mu      sync.RWMutex
	nextID  uint64
	entries []handlerEntry[T]
}

type handlerEntry[T any] struct {
	id uint64
	fn T
}

func (s *handlerSet[T]) add(fn T) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.entries = append(s.entries, handlerEntry[T]{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, e := range s.entries {
				if e.id == id {
					s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
					return
				}
			}
		})
	}
}

// snapshot returns the callbacks in registration order.
func (s *handlerSet[T]) snapshot() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]T, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.fn
	}
	return out
}
