package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haldric/courselib/internal/domain"
	"github.com/haldric/courselib/internal/eventbus"
	"github.com/haldric/courselib/internal/logger"
)

type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskTimedOut  TaskStatus = "timed_out"
)

// TaskHandle identifies one background task. Callers hold the handle to
// send heartbeats, wait for completion, and read the outcome.
type TaskHandle struct {
	ID        string
	Name      string
	StartedAt time.Time

	mu        sync.Mutex
	status    TaskStatus
	err       error
	lastBeat  time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	onTimeout func()
}

// OnTimeout registers a callback the monitor runs when it times the
// task out. It fires on the monitor goroutine, so cleanup such as
// failing a scan row or freeing a lock happens even when the worker is
// wedged and never observes its cancelled context.
func (h *TaskHandle) OnTimeout(fn func()) {
	h.mu.Lock()
	h.onTimeout = fn
	h.mu.Unlock()
}

func (h *TaskHandle) timeoutFunc() func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.onTimeout
}

// Heartbeat signals that the task is still making progress. A task that
// stops beating for longer than the pool's timeout is cancelled.
func (h *TaskHandle) Heartbeat() {
	h.mu.Lock()
	h.lastBeat = time.Now()
	h.mu.Unlock()
}

func (h *TaskHandle) Status() TaskStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *TaskHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Done is closed when the task finishes, whatever the outcome.
func (h *TaskHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the task finishes or ctx is cancelled, then returns
// the task's error.
func (h *TaskHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *TaskHandle) sinceLastBeat() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Since(h.lastBeat)
}

// finish records the terminal status once. Later calls are ignored, so
// a task body returning after a timeout cannot overwrite the verdict.
func (h *TaskHandle) finish(status TaskStatus, err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != TaskRunning {
		return false
	}
	h.status = status
	h.err = err
	close(h.done)
	return true
}

// TaskSnapshot is the JSON-safe view of a handle.
type TaskSnapshot struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Status    TaskStatus `json:"status"`
	StartedAt time.Time  `json:"started_at"`
}

// TaskPool runs named background tasks and watches their heartbeats.
// A task silent for longer than the timeout has its context cancelled
// and is marked timed out.
type TaskPool struct {
	interval time.Duration
	timeout  time.Duration
	bus      eventbus.Publisher

	mu       sync.Mutex
	tasks    map[string]*TaskHandle
	shutdown chan struct{}
	wg       sync.WaitGroup
}

func NewTaskPool(interval, timeout time.Duration, bus eventbus.Publisher) *TaskPool {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &TaskPool{
		interval: interval,
		timeout:  timeout,
		bus:      bus,
		tasks:    make(map[string]*TaskHandle),
		shutdown: make(chan struct{}),
	}
}

// Submit starts fn in a goroutine and returns its handle immediately.
// The function receives a context that is cancelled on timeout or pool
// shutdown and must return promptly once it is. It also receives its
// own handle so long-running work can send heartbeats.
func (p *TaskPool) Submit(ctx context.Context, name string, fn func(ctx context.Context, h *TaskHandle) error) *TaskHandle {
	taskCtx, cancel := context.WithCancel(ctx)
	now := time.Now()
	handle := &TaskHandle{
		ID:        uuid.New().String(),
		Name:      name,
		StartedAt: now,
		status:    TaskRunning,
		lastBeat:  now,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	p.mu.Lock()
	p.tasks[handle.ID] = handle
	p.mu.Unlock()

	p.wg.Add(2)
	go p.monitor(handle)
	go func() {
		defer p.wg.Done()
		defer cancel()
		err := fn(taskCtx, handle)
		switch {
		case err == nil:
			handle.finish(TaskCompleted, nil)
		case taskCtx.Err() != nil:
			// Timeout verdict may already be recorded by the monitor.
			handle.finish(TaskFailed, err)
		default:
			handle.finish(TaskFailed, err)
		}
	}()

	return handle
}

// monitor watches one task's heartbeat until it finishes.
func (p *TaskPool) monitor(handle *TaskHandle) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-handle.done:
			return
		case <-p.shutdown:
			handle.cancel()
			return
		case <-ticker.C:
			if handle.sinceLastBeat() <= p.timeout {
				continue
			}
			if handle.finish(TaskTimedOut, context.DeadlineExceeded) {
				logger.Errorf("Task %s (%s) missed heartbeat deadline, cancelling", handle.Name, handle.ID)
				handle.cancel()
				if fn := handle.timeoutFunc(); fn != nil {
					fn()
				}
				if p.bus != nil {
					_ = p.bus.Publish(domain.Event{
						AggregateType: "task",
						AggregateID:   handle.ID,
						EventType:     domain.TaskTimedOut,
						EventData: map[string]interface{}{
							"task_name": handle.Name,
							"timeout":   p.timeout.String(),
						},
					})
				}
			}
			return
		}
	}
}

// Get returns a handle by id.
func (p *TaskPool) Get(id string) (*TaskHandle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.tasks[id]
	return h, ok
}

// Active lists tasks that have not finished yet.
func (p *TaskPool) Active() []TaskSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []TaskSnapshot
	for _, h := range p.tasks {
		if h.Status() == TaskRunning {
			out = append(out, TaskSnapshot{ID: h.ID, Name: h.Name, Status: TaskRunning, StartedAt: h.StartedAt})
		}
	}
	return out
}

// Shutdown cancels all running tasks and waits for them to stop.
func (p *TaskPool) Shutdown() {
	close(p.shutdown)
	p.wg.Wait()
	logger.Infof("Task pool shutdown complete")
}
