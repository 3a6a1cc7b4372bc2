package backend

import "sync/atomic"

// Selector is a thread-safe round-robin picker over a Registry. It owns
// a monotonically increasing counter; Select returns the descriptor at
// counter++ mod len using a lock-free atomic increment — exact fairness
// across goroutines is not required, only progress (spec.md §3, §5).
type Selector struct {
	registry *Registry
	counter  atomic.Uint64
}

// NewSelector builds a Selector over the given registry.
func NewSelector(r *Registry) *Selector {
	return &Selector{registry: r}
}

// Select returns the next backend in round-robin order, or false if the
// registry is empty.
func (s *Selector) Select() (Descriptor, bool) {
	n := s.registry.Len()
	if n == 0 {
		return Descriptor{}, false
	}
	idx := s.counter.Add(1) - 1
	return s.registry.At(int(idx % uint64(n))), true
}
