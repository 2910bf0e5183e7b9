package worker

import "sync"

// Pool manages a fixed number of task slots
type Pool struct {
	maxTasks  int
	available int
	mu        sync.Mutex
}

// NewPool creates a pool with the given capacity
func NewPool(maxTasks int) *Pool {
	return &Pool{
		maxTasks:  maxTasks,
		available: maxTasks,
	}
}

// Acquire tries to claim a task slot. Returns true if successful.
func (p *Pool) Acquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.available <= 0 {
		return false
	}
	p.available--
	return true
}

// Release returns a task slot to the pool.
func (p *Pool) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.available < p.maxTasks {
		p.available++
	}
}

// Available returns the number of free slots.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

// MaxTasks returns the pool capacity.
func (p *Pool) MaxTasks() int {
	return p.maxTasks
}
