// Package notify provides a broadcast wake-up primitive.
package notify

import "sync"

// Signal wakes every goroutine waiting on C and counts how often it fired.
//
// Each Notify closes the current channel and installs a fresh one, so a
// waiter re-fetches C after every wake. A channel fetched before a Notify
// is always closed by it, even if the waiter starts selecting afterwards.
type Signal struct {
	mu  sync.Mutex
	ch  chan struct{}
	gen uint64
}

// NewSignal creates a ready-to-use Signal.
func NewSignal() *Signal { return &Signal{ch: make(chan struct{})} }

// Notify wakes all current waiters and returns the new generation.
func (s *Signal) Notify() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.ch)
	s.ch = make(chan struct{})
	s.gen++
	return s.gen
}

// C returns the channel closed by the next Notify.
func (s *Signal) C() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Gen returns the number of Notify calls so far.
func (s *Signal) Gen() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}
