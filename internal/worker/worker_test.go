package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hochfrequenz/braid/internal/protocol"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name: "valid config",
			config: Config{
				GatewayURL: "ws://localhost:9173/ws",
				WorkerID:   "worker-1",
				MaxTasks:   2,
			},
			wantErr: false,
		},
		{
			name: "missing gateway URL",
			config: Config{
				WorkerID: "worker-1",
				MaxTasks: 2,
			},
			wantErr: true,
		},
		{
			name: "missing worker id",
			config: Config{
				GatewayURL: "ws://localhost:9173/ws",
				MaxTasks:   2,
			},
			wantErr: true,
		},
		{
			name: "invalid max tasks",
			config: Config{
				GatewayURL: "ws://localhost:9173/ws",
				WorkerID:   "worker-1",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPool_AcquireRelease(t *testing.T) {
	p := NewPool(2)

	if !p.Acquire() || !p.Acquire() {
		t.Fatal("could not acquire both slots")
	}
	if p.Acquire() {
		t.Error("acquired beyond capacity")
	}
	if p.Available() != 0 {
		t.Errorf("available = %d, want 0", p.Available())
	}

	p.Release()
	if p.Available() != 1 {
		t.Errorf("available = %d, want 1", p.Available())
	}

	// Release never overflows capacity
	p.Release()
	p.Release()
	if p.Available() != 2 {
		t.Errorf("available = %d, want 2", p.Available())
	}
}

func TestCommandExecutor_Env(t *testing.T) {
	e := NewCommandExecutor(`echo "task=$BRAID_TASK_ID lane=$BRAID_LANE attempt=$BRAID_ATTEMPT"`, t.TempDir())

	result, err := e.Execute(context.Background(), protocol.TaskAssignment{
		TaskID:       42,
		Lane:         "backend",
		Goal:         "g",
		AttemptCount: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("exit code = %d", result.ExitCode)
	}
	if !strings.Contains(result.Output, "task=42 lane=backend attempt=1") {
		t.Errorf("output = %q", result.Output)
	}
}

func TestCommandExecutor_NonZeroExit(t *testing.T) {
	e := NewCommandExecutor("echo broken; exit 3", t.TempDir())

	result, err := e.Execute(context.Background(), protocol.TaskAssignment{TaskID: 1})
	if err != nil {
		t.Fatal(err)
	}
	if result.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", result.ExitCode)
	}
	if !strings.Contains(result.Output, "broken") {
		t.Errorf("output = %q", result.Output)
	}
}

// fakeGateway accepts one worker connection and records the messages it
// receives, replying from a scripted queue of task assignments.
type fakeGateway struct {
	mu       sync.Mutex
	received []protocol.EnvelopeRaw
	queue    []protocol.TaskAssignment
}

func (g *fakeGateway) handler() http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env protocol.EnvelopeRaw
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			g.mu.Lock()
			g.received = append(g.received, env)
			g.mu.Unlock()

			if env.Type != protocol.TypePick {
				continue
			}
			g.mu.Lock()
			var reply []byte
			if len(g.queue) > 0 {
				next := g.queue[0]
				g.queue = g.queue[1:]
				reply, _ = protocol.MarshalEnvelope(protocol.TypeTask, next)
			} else {
				reply, _ = protocol.MarshalEnvelope(protocol.TypeNoWork, protocol.NoWorkMessage{Reason: "none-pending"})
			}
			g.mu.Unlock()
			conn.WriteMessage(websocket.TextMessage, reply)
		}
	}
}

func (g *fakeGateway) messagesOfType(msgType string) []protocol.EnvelopeRaw {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []protocol.EnvelopeRaw
	for _, env := range g.received {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestWorker_ExecutesAndSubmits(t *testing.T) {
	gw := &fakeGateway{
		queue: []protocol.TaskAssignment{
			{TaskID: 7, Lane: "backend", Goal: "g", LeaseID: "lease-1"},
		},
	}
	server := httptest.NewServer(gw.handler())
	defer server.Close()

	w, err := New(Config{
		GatewayURL: "ws" + strings.TrimPrefix(server.URL, "http"),
		WorkerID:   "w1",
		WorkerType: "shell",
		MaxTasks:   1,
	}, NewCommandExecutor("echo done", t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := w.Connect(); err != nil {
		t.Fatal(err)
	}
	go w.Run()

	waitFor(t, 2*time.Second, func() bool {
		return len(gw.messagesOfType(protocol.TypeSubmit)) == 1
	})

	var sub protocol.SubmitMessage
	env := gw.messagesOfType(protocol.TypeSubmit)[0]
	if err := json.Unmarshal(env.Payload, &sub); err != nil {
		t.Fatal(err)
	}
	if sub.TaskID != 7 || sub.LeaseID != "lease-1" {
		t.Errorf("submit = %+v", sub)
	}
	if !strings.Contains(sub.Output, "done") {
		t.Errorf("output = %q", sub.Output)
	}
}

func TestWorker_FailureReleasesLease(t *testing.T) {
	gw := &fakeGateway{
		queue: []protocol.TaskAssignment{
			{TaskID: 9, Lane: "backend", Goal: "g", LeaseID: "lease-2"},
		},
	}
	server := httptest.NewServer(gw.handler())
	defer server.Close()

	w, err := New(Config{
		GatewayURL: "ws" + strings.TrimPrefix(server.URL, "http"),
		WorkerID:   "w1",
		MaxTasks:   1,
	}, NewCommandExecutor("exit 1", t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := w.Connect(); err != nil {
		t.Fatal(err)
	}
	go w.Run()

	waitFor(t, 2*time.Second, func() bool {
		return len(gw.messagesOfType(protocol.TypeRelease)) == 1
	})

	var rel protocol.ReleaseMessage
	env := gw.messagesOfType(protocol.TypeRelease)[0]
	if err := json.Unmarshal(env.Payload, &rel); err != nil {
		t.Fatal(err)
	}
	if rel.Outcome != "failure" || rel.LeaseID != "lease-2" {
		t.Errorf("release = %+v", rel)
	}
}

func TestWorker_LeaseLostCancelsExecution(t *testing.T) {
	w, err := New(Config{
		GatewayURL: "ws://localhost:9999/ws", // never dialed
		WorkerID:   "w1",
		MaxTasks:   1,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	w.track(protocol.TaskAssignment{TaskID: 5, LeaseID: "l"}, cancel)

	w.handleError(protocol.ErrorMessage{TaskID: 5, Code: "lease_lost", Message: "reclaimed"})

	select {
	case <-ctx.Done():
	case <-time.After(100 * time.Millisecond):
		t.Error("execution context was not cancelled")
	}
	if len(w.ActiveTasks()) != 0 {
		t.Errorf("active tasks = %v, want none", w.ActiveTasks())
	}
}
