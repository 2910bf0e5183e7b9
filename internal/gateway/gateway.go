package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hochfrequenz/braid/internal/protocol"
	"github.com/hochfrequenz/braid/internal/review"
	"github.com/hochfrequenz/braid/internal/scheduler"
	"github.com/hochfrequenz/braid/internal/taskstore"
)

// ServerConfig configures the gateway server
type ServerConfig struct {
	Host              string
	Port              int
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// Server accepts worker connections and serves their requests
type Server struct {
	config    ServerConfig
	registry  *Registry
	store     *taskstore.Store
	scheduler *scheduler.Scheduler
	pipeline  *review.Pipeline
	upgrader  websocket.Upgrader

	server *http.Server
	mu     sync.Mutex
}

// NewServer creates a gateway server over the shared store
func NewServer(config ServerConfig, store *taskstore.Store, sched *scheduler.Scheduler, pipeline *review.Pipeline) *Server {
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.HeartbeatTimeout == 0 {
		config.HeartbeatTimeout = 90 * time.Second // allow missing 2 heartbeats before disconnect
	}

	return &Server{
		config:    config,
		registry:  NewRegistry(),
		store:     store,
		scheduler: sched,
		pipeline:  pipeline,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Registry returns the worker registry
func (s *Server) Registry() *Registry {
	return s.registry
}

// HandleWebSocket handles incoming WebSocket connections from workers
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade failed: %v", err)
		return
	}

	go s.handleWorkerConnection(conn)
}

func (s *Server) handleWorkerConnection(conn *websocket.Conn) {
	// One ConnectedWorker per connection from the start, so every write
	// (replies here, pings from the heartbeat loop) shares one write mutex.
	cw := &ConnectedWorker{Conn: conn}

	var workerID string
	defer func() {
		conn.Close()
		if workerID != "" {
			s.registry.Unregister(workerID)
			log.Printf("worker %s disconnected", workerID)
		}
	}()

	conn.SetReadDeadline(time.Now().Add(s.config.HeartbeatTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.config.HeartbeatTimeout))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("read error: %v", err)
			}
			return
		}

		// Extend read deadline on any message received
		conn.SetReadDeadline(time.Now().Add(s.config.HeartbeatTimeout))

		var env protocol.EnvelopeRaw
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("invalid message: %v", err)
			continue
		}

		switch env.Type {
		case protocol.TypeRegister:
			var reg protocol.RegisterMessage
			if err := json.Unmarshal(env.Payload, &reg); err != nil {
				log.Printf("invalid register: %v", err)
				continue
			}
			workerID = reg.WorkerID
			cw.ID = reg.WorkerID
			cw.WorkerType = reg.WorkerType
			cw.Lanes = reg.Lanes
			cw.MaxTasks = reg.MaxTasks
			s.registry.Register(cw)
			if err := s.store.Heartbeat(reg.WorkerID, reg.WorkerType, reg.Lanes, nil); err != nil {
				log.Printf("worker %s registration heartbeat: %v", reg.WorkerID, err)
			}
			log.Printf("worker %s registered (type=%s max_tasks=%d)", reg.WorkerID, reg.WorkerType, reg.MaxTasks)

		case protocol.TypePick:
			var pick protocol.PickMessage
			if err := json.Unmarshal(env.Payload, &pick); err != nil {
				log.Printf("failed to unmarshal %s message: %v", env.Type, err)
				continue
			}
			s.handlePick(cw, pick)

		case protocol.TypeRenew:
			var renew protocol.RenewMessage
			if err := json.Unmarshal(env.Payload, &renew); err != nil {
				log.Printf("failed to unmarshal %s message: %v", env.Type, err)
				continue
			}
			expires, err := s.store.Renew(renew.TaskID, renew.WorkerID, renew.LeaseID, s.config.LeaseDuration)
			if err != nil {
				s.sendError(cw, renew.TaskID, err)
				continue
			}
			s.send(cw, protocol.TypeAck, protocol.AckMessage{TaskID: renew.TaskID, LeaseExpiresAt: expires})

		case protocol.TypeHeartbeat:
			var hb protocol.HeartbeatMessage
			if err := json.Unmarshal(env.Payload, &hb); err != nil {
				log.Printf("failed to unmarshal %s message: %v", env.Type, err)
				continue
			}
			if w := s.registry.Get(hb.WorkerID); w != nil {
				w.SetLastSeen(time.Now())
			}
			if err := s.store.Heartbeat(hb.WorkerID, hb.WorkerType, hb.Lanes, hb.TaskIDs); err != nil {
				log.Printf("heartbeat from %s: %v", hb.WorkerID, err)
			}

		case protocol.TypeSubmit:
			var sub protocol.SubmitMessage
			if err := json.Unmarshal(env.Payload, &sub); err != nil {
				log.Printf("failed to unmarshal %s message: %v", env.Type, err)
				continue
			}
			if err := s.pipeline.Submit(sub.TaskID, sub.WorkerID, sub.LeaseID, sub.Output, sub.Evidence); err != nil {
				s.sendError(cw, sub.TaskID, err)
				continue
			}
			s.send(cw, protocol.TypeAck, protocol.AckMessage{TaskID: sub.TaskID})

		case protocol.TypeRelease:
			var rel protocol.ReleaseMessage
			if err := json.Unmarshal(env.Payload, &rel); err != nil {
				log.Printf("failed to unmarshal %s message: %v", env.Type, err)
				continue
			}
			if err := s.store.Release(rel.TaskID, rel.WorkerID, rel.LeaseID, taskstore.Outcome(rel.Outcome)); err != nil {
				s.sendError(cw, rel.TaskID, err)
				continue
			}
			s.send(cw, protocol.TypeAck, protocol.AckMessage{TaskID: rel.TaskID})

		case protocol.TypeAsk:
			var ask protocol.AskMessage
			if err := json.Unmarshal(env.Payload, &ask); err != nil {
				log.Printf("failed to unmarshal %s message: %v", env.Type, err)
				continue
			}
			if _, err := s.pipeline.Ask(ask.TaskID, ask.WorkerID, ask.LeaseID, ask.Question); err != nil {
				s.sendError(cw, ask.TaskID, err)
				continue
			}
			s.send(cw, protocol.TypeAck, protocol.AckMessage{TaskID: ask.TaskID})

		case protocol.TypePong:
			if w := s.registry.Get(workerID); w != nil {
				w.SetLastSeen(time.Now())
			}
		}
	}
}

func (s *Server) handlePick(cw *ConnectedWorker, msg protocol.PickMessage) {
	// Lane restriction comes from the lanes the worker registered with,
	// not from the pick request, so a misbehaving client cannot widen it.
	pick, nowork, err := s.scheduler.PickNext(scheduler.Request{
		WorkerID:     msg.WorkerID,
		WorkerType:   msg.WorkerType,
		AllowedLanes: cw.Lanes,
		BlockedLanes: msg.BlockedLanes,
	})
	if err != nil {
		s.sendError(cw, 0, err)
		return
	}
	if nowork != nil {
		s.send(cw, protocol.TypeNoWork, protocol.NoWorkMessage{
			Reason:       string(nowork.Reason),
			PendingTotal: nowork.PendingTotal,
		})
		return
	}
	s.send(cw, protocol.TypeTask, protocol.NewAssignment(pick.Task, pick.Lease.LeaseID, pick.Lease.ExpiresAt, pick.Preempted))
}

func (s *Server) send(cw *ConnectedWorker, msgType string, payload interface{}) {
	data, err := protocol.MarshalEnvelope(msgType, payload)
	if err != nil {
		log.Printf("marshal %s: %v", msgType, err)
		return
	}
	if err := cw.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("write %s: %v", msgType, err)
	}
}

func (s *Server) sendError(cw *ConnectedWorker, taskID int64, err error) {
	s.send(cw, protocol.TypeError, protocol.ErrorMessage{
		TaskID:  taskID,
		Code:    errorCode(err),
		Message: err.Error(),
	})
}

// errorCode maps store errors to stable wire codes workers can branch on.
func errorCode(err error) string {
	switch {
	case errors.Is(err, taskstore.ErrNotFound):
		return "not_found"
	case errors.Is(err, taskstore.ErrLeaseLost):
		return "lease_lost"
	case errors.Is(err, taskstore.ErrAlreadyClaimed):
		return "already_claimed"
	case errors.Is(err, taskstore.ErrTerminal):
		return "terminal"
	default:
		return "internal"
	}
}

// Start starts the gateway server and blocks until it stops
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.HandleFunc("/status", s.HandleStatus)

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.mu.Lock()
	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	s.mu.Unlock()

	go s.heartbeatLoop(ctx)

	log.Printf("gateway listening on %s", addr)
	return s.server.ListenAndServe()
}

// HandleStatus returns the current status of workers and the queue
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	workers := []map[string]interface{}{}
	for _, worker := range s.registry.All() {
		workerType, maxTasks, connectedAt := worker.GetStatus()
		workers = append(workers, map[string]interface{}{
			"id":              worker.ID,
			"worker_type":     workerType,
			"max_tasks":       maxTasks,
			"lanes":           worker.Lanes,
			"connected_since": connectedAt.Format(time.RFC3339),
		})
	}

	counts, err := s.store.CountByStatus()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	status := map[string]interface{}{
		"workers": workers,
		"tasks":   counts,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// Stop stops the gateway server
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

func (s *Server) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pingWorkers()
		}
	}
}

func (s *Server) pingWorkers() {
	for _, w := range s.registry.All() {
		// Protocol-level ping so the worker's pong handler keeps the
		// connection alive without an application message.
		w.writeMu.Lock()
		w.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		err := w.Conn.WriteMessage(websocket.PingMessage, nil)
		w.Conn.SetWriteDeadline(time.Time{})
		w.writeMu.Unlock()

		if err != nil {
			log.Printf("ping to %s failed: %v", w.ID, err)
			w.Conn.Close()
		}
	}
}
