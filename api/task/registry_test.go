package task

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(Options{
		BootstrapWorkers: 2,
		PlaybookWorkers:  1,
		QueueDepth:       4,
		EvictionGrace:    time.Hour,
		SweepInterval:    time.Hour,
	})
	t.Cleanup(r.Shutdown)
	return r
}

func waitTerminal(t *testing.T, r *Registry, id string) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s := r.Status(id)
		if s.Status == StatusCompleted || s.Status == StatusFailed {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached a terminal state", id)
	return Snapshot{}
}

func TestTaskLifecycle(t *testing.T) {
	r := newTestRegistry(t)

	started := make(chan struct{})
	release := make(chan struct{})

	id, err := r.Submit(PoolBootstrap, func(tk *Task) {
		close(started)
		<-release
		tk.Append("step one done")
		tk.SetProgress(50)
	})
	if err != nil {
		t.Fatal(err)
	}

	<-started
	if s := r.Status(id); s.Status != StatusRunning {
		t.Errorf("status = %s, want running before terminal call", s.Status)
	}
	close(release)

	s := waitTerminal(t, r, id)
	if s.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", s.Status)
	}
	if s.Progress != 100 {
		t.Errorf("progress = %d, want 100 after completion", s.Progress)
	}
	if !strings.Contains(s.Logs, "step one done") {
		t.Errorf("logs missing appended line: %q", s.Logs)
	}
	if s.EndTime == nil {
		t.Error("terminal task has no end time")
	}
}

func TestTerminalStateImmutable(t *testing.T) {
	r := newTestRegistry(t)

	id, err := r.Submit(PoolPlaybook, func(tk *Task) {
		tk.Fail("host unreachable")
	})
	if err != nil {
		t.Fatal(err)
	}
	s := waitTerminal(t, r, id)
	if s.Status != StatusFailed || s.Error != "host unreachable" {
		t.Fatalf("got %s / %q", s.Status, s.Error)
	}

	// Late mutations after terminal state must be ignored.
	r.mu.RLock()
	tk := r.tasks[id]
	r.mu.RUnlock()
	tk.Complete()
	tk.Append("late line")
	tk.SetProgress(10)

	s2 := r.Status(id)
	if s2.Status != StatusFailed {
		t.Errorf("status mutated out of terminal state: %s", s2.Status)
	}
	if strings.Contains(s2.Logs, "late line") {
		t.Error("log appended after terminal state")
	}
	if s2.Progress != s.Progress {
		t.Errorf("progress mutated after terminal state: %d", s2.Progress)
	}
}

func TestUnknownTaskNotFound(t *testing.T) {
	r := newTestRegistry(t)
	if s := r.Status("nope"); s.Status != StatusNotFound {
		t.Errorf("status = %s, want not_found", s.Status)
	}
}

func TestPanicIsErrorBoundary(t *testing.T) {
	r := newTestRegistry(t)
	id, err := r.Submit(PoolBootstrap, func(tk *Task) {
		panic("boom")
	})
	if err != nil {
		t.Fatal(err)
	}
	s := waitTerminal(t, r, id)
	if s.Status != StatusFailed {
		t.Errorf("status = %s, want failed after panic", s.Status)
	}
}

func TestSaturatedQueueRejected(t *testing.T) {
	r := NewRegistry(Options{
		BootstrapWorkers: 1,
		PlaybookWorkers:  1,
		QueueDepth:       1,
		EvictionGrace:    time.Hour,
		SweepInterval:    time.Hour,
	})
	t.Cleanup(r.Shutdown)

	block := make(chan struct{})
	defer close(block)

	// Occupy the single playbook worker, then fill the queue.
	if _, err := r.Submit(PoolPlaybook, func(*Task) { <-block }); err != nil {
		t.Fatal(err)
	}
	// The worker may not have picked the first job up yet; keep
	// feeding until the queue itself is full.
	var sawBusy bool
	for i := 0; i < 4; i++ {
		if _, err := r.Submit(PoolPlaybook, func(*Task) { <-block }); err != nil {
			sawBusy = true
			break
		}
	}
	if !sawBusy {
		t.Error("expected a BusyError once the queue filled")
	}
}

func TestEviction(t *testing.T) {
	r := NewRegistry(Options{
		BootstrapWorkers: 1,
		PlaybookWorkers:  1,
		QueueDepth:       4,
		EvictionGrace:    time.Millisecond,
		SweepInterval:    time.Hour,
	})
	t.Cleanup(r.Shutdown)

	id, err := r.Submit(PoolBootstrap, func(tk *Task) {})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, r, id)

	time.Sleep(5 * time.Millisecond)
	r.evictStale()

	if s := r.Status(id); s.Status != StatusNotFound {
		t.Errorf("status = %s, want not_found after eviction", s.Status)
	}
}

func TestConcurrentAppendAndPoll(t *testing.T) {
	r := newTestRegistry(t)

	done := make(chan struct{})
	id, err := r.Submit(PoolBootstrap, func(tk *Task) {
		for i := 0; i < 200; i++ {
			tk.Append("line")
			tk.SetProgress(i / 2)
		}
		close(done)
	})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Status(id)
			}
		}()
	}
	wg.Wait()
	<-done

	s := waitTerminal(t, r, id)
	if got := strings.Count(s.Logs, "line"); got != 200 {
		t.Errorf("got %d log lines, want 200", got)
	}
}
