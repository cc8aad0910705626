package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tgblast/internal/campaign"
	"tgblast/internal/config"
)

type fakeStore struct {
	mu      sync.Mutex
	due     []string
	sending []string
}

func (f *fakeStore) DueScheduled(ctx context.Context, now time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.due...), nil
}

func (f *fakeStore) ByStatus(ctx context.Context, st campaign.Status) ([]string, error) {
	if st != campaign.StatusSending {
		return nil, nil
	}
	return append([]string(nil), f.sending...), nil
}

// markDone removes an id from the due set, mimicking the status change a
// real run performs.
func (f *fakeStore) markDone(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.due[:0]
	for _, d := range f.due {
		if d != id {
			out = append(out, d)
		}
	}
	f.due = out
}

type recordRunner struct {
	store *fakeStore
	runs  chan string
	gate  chan struct{} // when non-nil, Run blocks until the gate closes
}

func (r *recordRunner) Run(ctx context.Context, id string) error {
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if r.store != nil {
		r.store.markDone(id)
	}
	r.runs <- id
	return nil
}

func testSettings(queue int) config.SchedulerSettings {
	return config.SchedulerSettings{Enabled: true, PollInterval: time.Hour, Workers: 1, QueueSize: queue}
}

func waitRun(t *testing.T, runs chan string) string {
	t.Helper()
	select {
	case id := <-runs:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a run")
		return ""
	}
}

func TestStartRunsDueCampaign(t *testing.T) {
	t.Parallel()
	fs := &fakeStore{due: []string{"c1"}}
	rr := &recordRunner{store: fs, runs: make(chan string, 4)}
	s := New(fs, rr, testSettings(16), zerolog.Nop())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop()

	if id := waitRun(t, rr.runs); id != "c1" {
		t.Fatalf("ran %q, want c1", id)
	}
}

func TestSubmitDeduplicates(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	rr := &recordRunner{runs: make(chan string, 4), gate: gate}
	s := New(&fakeStore{}, rr, testSettings(16), zerolog.Nop())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop()

	if !s.Submit("c1") {
		t.Fatal("first submit rejected")
	}
	// Give the worker a moment to take the id off the queue.
	time.Sleep(20 * time.Millisecond)
	if s.Submit("c1") {
		t.Fatal("duplicate submit accepted while the run is in flight")
	}

	close(gate)
	waitRun(t, rr.runs)

	rr.gate = nil
	if !s.Submit("c1") {
		t.Fatal("submit after completion rejected")
	}
	waitRun(t, rr.runs)
}

func TestSubmitQueueFull(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	rr := &recordRunner{runs: make(chan string, 4), gate: gate}
	s := New(&fakeStore{}, rr, testSettings(1), zerolog.Nop())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop()

	s.Submit("a") // taken by the single worker, blocked on the gate
	time.Sleep(20 * time.Millisecond)
	s.Submit("b") // fills the queue slot
	if s.Submit("c") {
		t.Fatal("submit must report false when the queue is full")
	}

	close(gate)
	waitRun(t, rr.runs)
	waitRun(t, rr.runs)
}

func TestResumeInterrupted(t *testing.T) {
	t.Parallel()
	fs := &fakeStore{sending: []string{"s1", "s2"}}
	rr := &recordRunner{runs: make(chan string, 4)}
	s := New(fs, rr, testSettings(16), zerolog.Nop())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop()

	if err := s.ResumeInterrupted(context.Background()); err != nil {
		t.Fatalf("ResumeInterrupted error: %v", err)
	}
	got := map[string]bool{waitRun(t, rr.runs): true, waitRun(t, rr.runs): true}
	if !got["s1"] || !got["s2"] {
		t.Fatalf("resumed %v, want s1 and s2", got)
	}
}

func TestDisabledSchedulerStaysStopped(t *testing.T) {
	t.Parallel()
	fs := &fakeStore{due: []string{"c1"}}
	rr := &recordRunner{store: fs, runs: make(chan string, 4)}
	cfg := testSettings(16)
	cfg.Enabled = false
	s := New(fs, rr, cfg, zerolog.Nop())

	if s.Enabled() {
		t.Fatal("Enabled() = true for a disabled scheduler")
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop()

	if s.Submit("c1") {
		t.Fatal("disabled scheduler must reject submissions")
	}
	select {
	case id := <-rr.runs:
		t.Fatalf("disabled scheduler ran %q", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubmitBeforeStart(t *testing.T) {
	t.Parallel()
	s := New(&fakeStore{}, &recordRunner{runs: make(chan string, 1)}, testSettings(16), zerolog.Nop())
	if s.Submit("c1") {
		t.Fatal("submit before Start must be rejected")
	}
}
