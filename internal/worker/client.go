package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hochfrequenz/braid/internal/backoff"
	"github.com/hochfrequenz/braid/internal/protocol"
)

// pingWait is how long we wait for a ping from the gateway before timing out
const pingWait = 90 * time.Second

// writeWait is time allowed to write a control message
const writeWait = 10 * time.Second

// Config configures the worker client
type Config struct {
	GatewayURL        string
	WorkerID          string
	WorkerType        string
	Lanes             []string
	MaxTasks          int
	RenewInterval     time.Duration
	HeartbeatInterval time.Duration
	Poll              backoff.Policy
}

// Validate checks the config is valid
func (c *Config) Validate() error {
	if c.GatewayURL == "" {
		return fmt.Errorf("gateway_url is required")
	}
	if c.WorkerID == "" {
		return fmt.Errorf("worker_id is required")
	}
	if c.MaxTasks <= 0 {
		return fmt.Errorf("max_tasks must be positive")
	}
	return nil
}

// activeTask tracks one held lease and the cancel func for its execution
type activeTask struct {
	assignment protocol.TaskAssignment
	cancel     context.CancelFunc
}

// Worker is an agent that pulls tasks from a gateway
type Worker struct {
	config   Config
	pool     *Pool
	executor Executor
	conn     *websocket.Conn
	mu       sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	tasksMu sync.Mutex
	tasks   map[int64]*activeTask

	pollMu      sync.Mutex
	pollPending bool
	pollAttempt int
}

// New creates a worker client
func New(config Config, executor Executor) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.RenewInterval == 0 {
		config.RenewInterval = 2 * time.Minute
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.Poll.Base == 0 {
		config.Poll = backoff.New(time.Second, 10*time.Second)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Worker{
		config:   config,
		pool:     NewPool(config.MaxTasks),
		executor: executor,
		ctx:      ctx,
		cancel:   cancel,
		tasks:    make(map[int64]*activeTask),
	}, nil
}

// Connect establishes the connection and registers with the gateway
func (w *Worker) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(w.config.GatewayURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pingWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pingWait))
		deadline := time.Now().Add(writeWait)
		return conn.WriteControl(websocket.PongMessage, []byte(appData), deadline)
	})

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	return w.send(protocol.TypeRegister, protocol.RegisterMessage{
		WorkerID:   w.config.WorkerID,
		WorkerType: w.config.WorkerType,
		Lanes:      w.config.Lanes,
		MaxTasks:   w.config.MaxTasks,
	})
}

// Run reads gateway messages until the connection drops
func (w *Worker) Run() error {
	loopCtx, stopLoops := context.WithCancel(w.ctx)
	defer stopLoops()
	go w.renewLoop(loopCtx)
	go w.heartbeatLoop(loopCtx)

	w.requestTask()

	for {
		select {
		case <-w.ctx.Done():
			return nil
		default:
		}

		_, message, err := w.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}

		// Extend read deadline on any message received
		w.conn.SetReadDeadline(time.Now().Add(pingWait))

		var env protocol.EnvelopeRaw
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("invalid message: %v", err)
			continue
		}

		switch env.Type {
		case protocol.TypeTask:
			var task protocol.TaskAssignment
			if err := json.Unmarshal(env.Payload, &task); err != nil {
				log.Printf("invalid task message: %v", err)
				continue
			}
			w.resetPoll()
			go w.handleTask(task)
			w.requestTask()

		case protocol.TypeNoWork:
			var nw protocol.NoWorkMessage
			if err := json.Unmarshal(env.Payload, &nw); err != nil {
				log.Printf("invalid no_work message: %v", err)
				continue
			}
			w.scheduleNextPoll(loopCtx, nw.Reason)

		case protocol.TypeError:
			var em protocol.ErrorMessage
			if err := json.Unmarshal(env.Payload, &em); err != nil {
				log.Printf("invalid error message: %v", err)
				continue
			}
			w.handleError(em)

		case protocol.TypePing:
			w.send(protocol.TypePong, nil)
		}
	}
}

func (w *Worker) handleTask(task protocol.TaskAssignment) {
	if !w.pool.Acquire() {
		// Slot race; hand the lease straight back untouched.
		w.send(protocol.TypeRelease, protocol.ReleaseMessage{
			TaskID:   task.TaskID,
			WorkerID: w.config.WorkerID,
			LeaseID:  task.LeaseID,
			Outcome:  "failure",
		})
		return
	}
	defer func() {
		w.pool.Release()
		w.untrack(task.TaskID)
		w.requestTask()
	}()

	ctx, cancel := context.WithCancel(w.ctx)
	defer cancel()
	w.track(task, cancel)

	log.Printf("task %d started (lane=%s attempt=%d)", task.TaskID, task.Lane, task.AttemptCount)

	result, err := w.executor.Execute(ctx, task)
	if err != nil {
		log.Printf("task %d failed: %v", task.TaskID, err)
		w.send(protocol.TypeRelease, protocol.ReleaseMessage{
			TaskID:   task.TaskID,
			WorkerID: w.config.WorkerID,
			LeaseID:  task.LeaseID,
			Outcome:  "failure",
			Output:   err.Error(),
		})
		return
	}
	if result.ExitCode != 0 {
		log.Printf("task %d exited with code %d", task.TaskID, result.ExitCode)
		w.send(protocol.TypeRelease, protocol.ReleaseMessage{
			TaskID:   task.TaskID,
			WorkerID: w.config.WorkerID,
			LeaseID:  task.LeaseID,
			Outcome:  "failure",
			Output:   result.Output,
		})
		return
	}

	w.send(protocol.TypeSubmit, protocol.SubmitMessage{
		TaskID:   task.TaskID,
		WorkerID: w.config.WorkerID,
		LeaseID:  task.LeaseID,
		Output:   result.Output,
	})
	log.Printf("task %d submitted for review", task.TaskID)
}

// handleError reacts to gateway rejections. A lost lease means another
// worker may already hold the task, so the local execution is cancelled.
func (w *Worker) handleError(em protocol.ErrorMessage) {
	log.Printf("gateway error (task=%d code=%s): %s", em.TaskID, em.Code, em.Message)
	if em.Code != "lease_lost" && em.Code != "terminal" {
		return
	}
	w.tasksMu.Lock()
	at, ok := w.tasks[em.TaskID]
	if ok {
		delete(w.tasks, em.TaskID)
	}
	w.tasksMu.Unlock()
	if ok && at.cancel != nil {
		at.cancel()
	}
}

// requestTask sends a pick if a slot is free and none is outstanding
func (w *Worker) requestTask() {
	if w.pool.Available() <= 0 {
		return
	}
	w.pollMu.Lock()
	if w.pollPending {
		w.pollMu.Unlock()
		return
	}
	w.pollPending = true
	w.pollMu.Unlock()

	err := w.send(protocol.TypePick, protocol.PickMessage{
		WorkerID:   w.config.WorkerID,
		WorkerType: w.config.WorkerType,
	})
	if err != nil {
		w.pollMu.Lock()
		w.pollPending = false
		w.pollMu.Unlock()
	}
}

func (w *Worker) resetPoll() {
	w.pollMu.Lock()
	w.pollPending = false
	w.pollAttempt = 0
	w.pollMu.Unlock()
}

// scheduleNextPoll backs off after an empty pick so an idle worker does
// not hammer the gateway.
func (w *Worker) scheduleNextPoll(ctx context.Context, reason string) {
	w.pollMu.Lock()
	w.pollPending = false
	attempt := w.pollAttempt
	w.pollAttempt++
	w.pollMu.Unlock()

	if w.config.Poll.Exhausted(attempt) {
		log.Printf("no work (%s), poll retries exhausted, shutting down", reason)
		w.Stop()
		return
	}

	delay := w.config.Poll.Delay(attempt)
	log.Printf("no work (%s), next poll in %v", reason, delay)

	go func() {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
			w.requestTask()
		}
	}()
}

func (w *Worker) renewLoop(ctx context.Context) {
	ticker := time.NewTicker(w.config.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, at := range w.snapshot() {
				w.send(protocol.TypeRenew, protocol.RenewMessage{
					TaskID:   at.assignment.TaskID,
					WorkerID: w.config.WorkerID,
					LeaseID:  at.assignment.LeaseID,
				})
			}
		}
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var ids []int64
			for _, at := range w.snapshot() {
				ids = append(ids, at.assignment.TaskID)
			}
			w.send(protocol.TypeHeartbeat, protocol.HeartbeatMessage{
				WorkerID:   w.config.WorkerID,
				WorkerType: w.config.WorkerType,
				Lanes:      w.config.Lanes,
				TaskIDs:    ids,
			})
		}
	}
}

func (w *Worker) track(task protocol.TaskAssignment, cancel context.CancelFunc) {
	w.tasksMu.Lock()
	defer w.tasksMu.Unlock()
	w.tasks[task.TaskID] = &activeTask{assignment: task, cancel: cancel}
}

func (w *Worker) untrack(taskID int64) {
	w.tasksMu.Lock()
	defer w.tasksMu.Unlock()
	delete(w.tasks, taskID)
}

func (w *Worker) snapshot() []*activeTask {
	w.tasksMu.Lock()
	defer w.tasksMu.Unlock()
	out := make([]*activeTask, 0, len(w.tasks))
	for _, at := range w.tasks {
		out = append(out, at)
	}
	return out
}

// ActiveTasks returns the IDs of tasks currently being executed
func (w *Worker) ActiveTasks() []int64 {
	var ids []int64
	for _, at := range w.snapshot() {
		ids = append(ids, at.assignment.TaskID)
	}
	return ids
}

func (w *Worker) send(msgType string, payload interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := protocol.MarshalEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// Stop gracefully shuts down the worker
func (w *Worker) Stop() {
	w.cancel()
	w.mu.Lock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.mu.Unlock()
}

// RunWithReconnect runs the worker with automatic reconnection
func (w *Worker) RunWithReconnect() error {
	reconnect := backoff.New(time.Second, time.Minute)
	attempt := 0

	for {
		select {
		case <-w.ctx.Done():
			return nil
		default:
		}

		if err := w.Connect(); err != nil {
			delay := reconnect.Delay(attempt)
			log.Printf("connection failed: %v, retrying in %v", err, delay)
			attempt++

			select {
			case <-w.ctx.Done():
				return nil
			case <-time.After(delay):
				continue
			}
		}

		attempt = 0
		log.Printf("connected to gateway")

		err := w.Run()

		// Close before reconnecting to avoid leaking file descriptors
		w.mu.Lock()
		if w.conn != nil {
			w.conn.Close()
			w.conn = nil
		}
		w.mu.Unlock()

		if err != nil {
			log.Printf("disconnected: %v", err)
		}

		select {
		case <-w.ctx.Done():
			return nil
		default:
		}
	}
}
