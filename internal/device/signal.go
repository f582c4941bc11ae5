package device

import (
	"context"
	"sync"
)

// Signal is a counting completion semaphore. It is Idle when no operation
// is pending and Pending(n) while n armed operations have not fired yet.
// Waiters are released when the count drops back to zero.
type Signal struct {
	mu      sync.Mutex
	pending int
	done    chan struct{}
}

// NewSignal returns an idle signal.
func NewSignal() *Signal {
	done := make(chan struct{})
	close(done)
	return &Signal{done: done}
}

// Arm registers one more pending operation.
func (s *Signal) Arm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == 0 {
		s.done = make(chan struct{})
	}
	s.pending++
}

// Fire marks one pending operation as complete. Firing an idle signal is a no-op.
func (s *Signal) Fire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == 0 {
		return
	}
	s.pending--
	if s.pending == 0 {
		close(s.done)
	}
}

// Pending returns the number of armed operations that have not fired.
func (s *Signal) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Idle reports whether nothing is pending.
func (s *Signal) Idle() bool {
	return s.Pending() == 0
}

func (s *Signal) channel() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Wait blocks until the signal is idle.
func (s *Signal) Wait() {
	<-s.channel()
}

// WaitContext blocks until the signal is idle or ctx is done.
func (s *Signal) WaitContext(ctx context.Context) error {
	select {
	case <-s.channel():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
