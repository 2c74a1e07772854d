// Package task tracks asynchronous orchestration work. A submitted
// step gets a Task handle for progress, log and terminal state; the
// client polls the registry until the task completes or fails.
package task

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"kelda/api/errs"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	// StatusNotFound is returned for unknown or evicted ids,
	// never stored.
	StatusNotFound Status = "not_found"
)

// Task is one in-flight or completed async operation. The worker that
// executes the step is the only writer; once terminal the task is
// immutable.
type Task struct {
	id string

	mu       sync.Mutex
	status   Status
	progress int
	log      strings.Builder
	started  time.Time
	ended    time.Time
	errMsg   string
}

func (t *Task) ID() string { return t.id }

// Append adds a line to the task log. A trailing newline is added
// when missing so polled logs stay line-oriented.
func (t *Task) Append(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusRunning {
		return
	}
	t.log.WriteString(line)
	if !strings.HasSuffix(line, "\n") {
		t.log.WriteByte('\n')
	}
}

// AppendRaw adds streamed command output without reformatting.
func (t *Task) AppendRaw(b []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusRunning {
		return
	}
	t.log.Write(b)
}

// SetProgress clamps to [0,100]. Monotonicity is by convention, not
// enforced.
func (t *Task) SetProgress(p int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusRunning {
		return
	}
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	t.progress = p
}

func (t *Task) Complete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusRunning {
		return
	}
	t.status = StatusCompleted
	t.progress = 100
	t.ended = time.Now()
}

func (t *Task) Fail(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusRunning {
		return
	}
	t.status = StatusFailed
	t.errMsg = msg
	t.ended = time.Now()
}

// Failed reports whether the task already reached the failed state.
func (t *Task) Failed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status == StatusFailed
}

// Snapshot is the polling read shape.
type Snapshot struct {
	TaskID    string     `json:"taskId"`
	Status    Status     `json:"status"`
	Progress  int        `json:"progress"`
	Logs      string     `json:"logs"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Error     string     `json:"error,omitempty"`
}

func (t *Task) snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{
		TaskID:    t.id,
		Status:    t.status,
		Progress:  t.progress,
		Logs:      t.log.String(),
		StartTime: t.started,
		Error:     t.errMsg,
	}
	if !t.ended.IsZero() {
		ended := t.ended
		s.EndTime = &ended
	}
	return s
}

// Pool names. Bootstrap steps fan SSH out across the fleet, so their
// concurrency is capped tighter than the request rate.
const (
	PoolBootstrap = "bootstrap"
	PoolPlaybook  = "playbook"
)

type job struct {
	task *Task
	fn   func(*Task)
}

// Registry owns every task and the worker pools that drive them.
// Terminal tasks are evicted after a grace period so the map stays
// bounded.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task

	pools map[string]chan job

	grace time.Duration
	stop  chan struct{}
	wg    sync.WaitGroup
}

type Options struct {
	BootstrapWorkers int
	PlaybookWorkers  int
	QueueDepth       int           // per-pool buffered queue
	EvictionGrace    time.Duration // how long terminal tasks stay pollable
	SweepInterval    time.Duration
}

func NewRegistry(opts Options) *Registry {
	if opts.BootstrapWorkers <= 0 {
		opts.BootstrapWorkers = 4
	}
	if opts.PlaybookWorkers <= 0 {
		opts.PlaybookWorkers = 2
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 64
	}
	if opts.EvictionGrace <= 0 {
		opts.EvictionGrace = time.Hour
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Minute
	}

	r := &Registry{
		tasks: make(map[string]*Task),
		pools: map[string]chan job{
			PoolBootstrap: make(chan job, opts.QueueDepth),
			PoolPlaybook:  make(chan job, opts.QueueDepth),
		},
		grace: opts.EvictionGrace,
		stop:  make(chan struct{}),
	}

	r.startWorkers(PoolBootstrap, opts.BootstrapWorkers)
	r.startWorkers(PoolPlaybook, opts.PlaybookWorkers)

	r.wg.Add(1)
	go r.sweep(opts.SweepInterval)

	return r
}

func (r *Registry) startWorkers(pool string, n int) {
	for i := 0; i < n; i++ {
		r.wg.Add(1)
		go r.worker(pool)
	}
}

// worker is the error boundary for a step: a panic is recorded on the
// task, never propagated to a caller that is not polling.
func (r *Registry) worker(pool string) {
	defer r.wg.Done()
	for {
		select {
		case <-r.stop:
			return
		case j := <-r.pools[pool]:
			func() {
				defer func() {
					if p := recover(); p != nil {
						log.Printf("task: %s panicked: %v", j.task.id, p)
						j.task.Fail("internal error")
					}
				}()
				j.fn(j.task)
			}()
			// A step that returns without marking a terminal
			// state completed.
			j.task.Complete()
		}
	}
}

// Submit registers a task and queues its work. It never blocks the
// caller: a saturated queue is rejected with a BusyError instead.
func (r *Registry) Submit(pool string, fn func(*Task)) (string, error) {
	q, ok := r.pools[pool]
	if !ok {
		return "", errs.Validation("unknown worker pool %q", pool)
	}

	t := &Task{
		id:      uuid.NewString(),
		status:  StatusRunning,
		started: time.Now(),
	}

	r.mu.Lock()
	r.tasks[t.id] = t
	r.mu.Unlock()

	select {
	case q <- job{task: t, fn: fn}:
		return t.id, nil
	default:
		r.mu.Lock()
		delete(r.tasks, t.id)
		r.mu.Unlock()
		return "", &errs.BusyError{Pool: pool}
	}
}

// Status returns the polling snapshot. Unknown and evicted ids report
// not_found.
func (r *Registry) Status(id string) Snapshot {
	r.mu.RLock()
	t := r.tasks[id]
	r.mu.RUnlock()
	if t == nil {
		return Snapshot{TaskID: id, Status: StatusNotFound}
	}
	return t.snapshot()
}

func (r *Registry) sweep(interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.evictStale()
		}
	}
}

func (r *Registry) evictStale() {
	cutoff := time.Now().Add(-r.grace)
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.tasks {
		t.mu.Lock()
		stale := t.status != StatusRunning && !t.ended.IsZero() && t.ended.Before(cutoff)
		t.mu.Unlock()
		if stale {
			delete(r.tasks, id)
		}
	}
}

// Shutdown stops the workers and fails any task that never reached a
// terminal state, so a client polling across a restart sees failed
// rather than a task stuck in running.
func (r *Registry) Shutdown() {
	close(r.stop)
	r.wg.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tasks {
		t.Fail("server shutting down")
	}
}
