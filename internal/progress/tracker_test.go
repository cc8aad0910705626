package progress

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tgblast/internal/campaign"
)

type fakeStore struct {
	c *campaign.Campaign

	claims    []string
	casCalls  []string
	completed []campaign.Status
}

func (f *fakeStore) Campaign(ctx context.Context, id string) (*campaign.Campaign, error) {
	cp := *f.c
	return &cp, nil
}

func (f *fakeStore) ClaimSending(ctx context.Context, id string, from campaign.Status, total int) (bool, error) {
	f.claims = append(f.claims, string(from))
	if f.c.Status != from {
		return false, nil
	}
	f.c.Status = campaign.StatusSending
	f.c.TotalRecipients = total
	return true, nil
}

func (f *fakeStore) SetTotal(ctx context.Context, id string, total int) error {
	f.c.TotalRecipients = total
	return nil
}

func (f *fakeStore) AddCounts(ctx context.Context, id string, sent, failed int, samples []string) error {
	f.c.SentCount += sent
	f.c.FailedCount += failed
	f.c.LastErrors = append(f.c.LastErrors, samples...)
	return nil
}

func (f *fakeStore) CASStatus(ctx context.Context, id string, from, to campaign.Status) (bool, error) {
	f.casCalls = append(f.casCalls, string(from)+">"+string(to))
	if f.c.Status != from {
		return false, nil
	}
	f.c.Status = to
	return true, nil
}

func (f *fakeStore) MarkCompleted(ctx context.Context, id string, st campaign.Status) (bool, error) {
	f.completed = append(f.completed, st)
	if f.c.Status != campaign.StatusSending {
		return false, nil
	}
	f.c.Status = st
	return true, nil
}

func newFake(st campaign.Status) *fakeStore {
	return &fakeStore{c: &campaign.Campaign{ID: "c1", Status: st}}
}

func TestBegin(t *testing.T) {
	t.Parallel()
	fs := newFake(campaign.StatusDraft)
	tr := NewTracker(fs, zerolog.Nop())

	ok, err := tr.Begin(context.Background(), "c1", 40)
	if err != nil || !ok {
		t.Fatalf("Begin = (%v, %v), want (true, nil)", ok, err)
	}
	if fs.c.Status != campaign.StatusSending {
		t.Fatalf("status = %s, want sending", fs.c.Status)
	}
	if fs.c.TotalRecipients != 40 {
		t.Fatalf("total = %d, want 40", fs.c.TotalRecipients)
	}
	// Status and total must land in one claim, not separate writes.
	if len(fs.claims) != 1 || fs.claims[0] != string(campaign.StatusDraft) {
		t.Fatalf("claims = %v, want one claim from draft", fs.claims)
	}
}

func TestRecordTotal(t *testing.T) {
	t.Parallel()
	fs := newFake(campaign.StatusSending)
	tr := NewTracker(fs, zerolog.Nop())

	if err := tr.RecordTotal(context.Background(), "c1", 12); err != nil {
		t.Fatalf("RecordTotal error: %v", err)
	}
	if fs.c.TotalRecipients != 12 {
		t.Fatalf("total = %d, want 12", fs.c.TotalRecipients)
	}
}

func TestBeginRejectsTerminal(t *testing.T) {
	t.Parallel()
	fs := newFake(campaign.StatusSent)
	tr := NewTracker(fs, zerolog.Nop())

	ok, err := tr.Begin(context.Background(), "c1", 40)
	if err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	if ok {
		t.Fatal("Begin must refuse a terminal campaign")
	}
	if len(fs.claims) != 0 {
		t.Fatalf("no claim expected, got %v", fs.claims)
	}
}

func TestCheckpointAccumulates(t *testing.T) {
	t.Parallel()
	fs := newFake(campaign.StatusSending)
	tr := NewTracker(fs, zerolog.Nop())

	ctx := context.Background()
	if err := tr.Checkpoint(ctx, "c1", Delta{Sent: 3, Failed: 1, Samples: []string{"403: blocked"}}); err != nil {
		t.Fatalf("Checkpoint error: %v", err)
	}
	if err := tr.Checkpoint(ctx, "c1", Delta{Sent: 2}); err != nil {
		t.Fatalf("Checkpoint error: %v", err)
	}
	if fs.c.SentCount != 5 || fs.c.FailedCount != 1 {
		t.Fatalf("counts = %d/%d, want 5/1", fs.c.SentCount, fs.c.FailedCount)
	}
	if len(fs.c.LastErrors) != 1 {
		t.Fatalf("samples = %v", fs.c.LastErrors)
	}
}

func TestTransitionBackwardIgnored(t *testing.T) {
	t.Parallel()
	fs := newFake(campaign.StatusSent)
	tr := NewTracker(fs, zerolog.Nop())

	if err := tr.Transition(context.Background(), "c1", campaign.StatusSending); err != nil {
		t.Fatalf("backward transition must be a no-op, got %v", err)
	}
	if fs.c.Status != campaign.StatusSent {
		t.Fatalf("status = %s, want sent", fs.c.Status)
	}
}

func TestCompleteRequiresTerminal(t *testing.T) {
	t.Parallel()
	tr := NewTracker(newFake(campaign.StatusSending), zerolog.Nop())
	if err := tr.Complete(context.Background(), "c1", campaign.StatusSending); err == nil {
		t.Fatal("expected error for non-terminal status")
	}
}

func TestCompleteDuplicateIsNoop(t *testing.T) {
	t.Parallel()
	fs := newFake(campaign.StatusSending)
	tr := NewTracker(fs, zerolog.Nop())

	ctx := context.Background()
	if err := tr.Complete(ctx, "c1", campaign.StatusSent); err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if err := tr.Complete(ctx, "c1", campaign.StatusFailed); err != nil {
		t.Fatalf("duplicate Complete must not error: %v", err)
	}
	if fs.c.Status != campaign.StatusSent {
		t.Fatalf("status = %s, want sent", fs.c.Status)
	}
}

func TestRedisMirror(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	fs := newFake(campaign.StatusSending)
	fs.c.TotalRecipients = 10
	tr := NewTracker(fs, zerolog.Nop()).WithCache(rdb, time.Hour)

	if err := tr.Checkpoint(context.Background(), "c1", Delta{Sent: 4, Failed: 1}); err != nil {
		t.Fatalf("Checkpoint error: %v", err)
	}

	raw, err := mr.Get("campaign_progress:c1")
	if err != nil {
		t.Fatalf("mirror key missing: %v", err)
	}
	var p liveProgress
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("bad mirror payload: %v", err)
	}
	if p.Sent != 4 || p.Failed != 1 || p.Total != 10 {
		t.Fatalf("mirror = %+v", p)
	}
	if p.Percent != 50 {
		t.Fatalf("percent = %v, want 50", p.Percent)
	}
	if ttl := mr.TTL("campaign_progress:c1"); ttl != time.Hour {
		t.Fatalf("ttl = %v, want 1h", ttl)
	}
}

func TestRedisDownDoesNotFailCheckpoint(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	fs := newFake(campaign.StatusSending)
	tr := NewTracker(fs, zerolog.Nop()).WithCache(rdb, time.Hour)

	if err := tr.Checkpoint(context.Background(), "c1", Delta{Sent: 1}); err != nil {
		t.Fatalf("checkpoint must survive a cache outage: %v", err)
	}
	if fs.c.SentCount != 1 {
		t.Fatalf("durable count = %d, want 1", fs.c.SentCount)
	}
}
