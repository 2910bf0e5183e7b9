// Package gateway runs the WebSocket endpoint workers connect to. It
// tracks connected workers and routes their requests to the scheduler,
// the task store, and the review pipeline.
package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConnectedWorker represents a worker connection
type ConnectedWorker struct {
	ID          string
	WorkerType  string
	Lanes       []string
	MaxTasks    int
	Conn        *websocket.Conn
	ConnectedAt time.Time
	LastSeen    time.Time
	mu          sync.Mutex
	writeMu     sync.Mutex // protects Conn writes
}

// SetLastSeen records the most recent message time (thread-safe)
func (w *ConnectedWorker) SetLastSeen(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.LastSeen = t
}

// GetStatus returns a snapshot of worker status fields (thread-safe)
func (w *ConnectedWorker) GetStatus() (workerType string, maxTasks int, connectedAt time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.WorkerType, w.MaxTasks, w.ConnectedAt
}

// WriteMessage sends a message to the worker connection (thread-safe)
func (w *ConnectedWorker) WriteMessage(messageType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.Conn.WriteMessage(messageType, data)
}

// Registry tracks connected workers
type Registry struct {
	workers map[string]*ConnectedWorker
	mu      sync.RWMutex
}

// NewRegistry creates a new worker registry
func NewRegistry() *Registry {
	return &Registry{
		workers: make(map[string]*ConnectedWorker),
	}
}

// Register adds a worker to the registry
func (r *Registry) Register(w *ConnectedWorker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w.ConnectedAt = time.Now()
	w.LastSeen = time.Now()
	r.workers[w.ID] = w
}

// Unregister removes a worker from the registry
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, id)
}

// Get returns a worker by ID
func (r *Registry) Get(id string) *ConnectedWorker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workers[id]
}

// Count returns the number of connected workers
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// All returns all connected workers
func (r *Registry) All() []*ConnectedWorker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*ConnectedWorker, 0, len(r.workers))
	for _, w := range r.workers {
		result = append(result, w)
	}
	return result
}
