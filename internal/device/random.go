package device

import "sync"

// RandomStates holds one xorshift state per tensor element for the dropout
// kernel of one stream. The pool only grows: it is resized to the largest
// tensor seen and never shrunk. Launches on the owning stream run in order
// and the work-groups of a launch touch disjoint states.
type RandomStates struct {
	mu     sync.RWMutex
	seed   uint64
	states []uint64
}

func newRandomStates(seed uint64) *RandomStates {
	return &RandomStates{seed: seed}
}

// Reserve grows the pool to at least n states.
func (r *RandomStates) Reserve(n int) {
	r.mu.RLock()
	have := len(r.states)
	r.mu.RUnlock()
	if have >= n {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) >= n {
		return
	}
	grown := make([]uint64, n)
	copy(grown, r.states)
	for i := len(r.states); i < n; i++ {
		grown[i] = splitmix64(r.seed + uint64(i))
	}
	randomStatesGauge.Add(float64(n - len(r.states)))
	r.states = grown
}

// Len returns the number of states.
func (r *RandomStates) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.states)
}

// Uniform draws a value in [0, 1) for each index of [start, start+n) and
// passes it to fn. Indices must be below Len.
func (r *RandomStates) Uniform(start, n int, fn func(i int, u float64)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := start; i < start+n; i++ {
		x := r.states[i]
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
		r.states[i] = x
		fn(i, float64(x>>11)/(1<<53))
	}
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	x ^= x >> 31
	if x == 0 {
		x = 0x9e3779b97f4a7c15
	}
	return x
}
