// Package progress persists a run's cumulative counters and enforces the
// monotonic campaign lifecycle. Every write here is the dispatcher's
// checkpoint: after a crash, the persisted counters are the resume point.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tgblast/internal/campaign"
)

// Delta is one window's fresh outcome counts. Counters are always updated
// by addition, never by overwrite, so a checkpoint can safely be the same
// write the dispatcher would retry.
type Delta struct {
	Sent    int
	Failed  int
	Samples []string
}

// Store is the slice of the persistence contract the tracker owns.
type Store interface {
	Campaign(ctx context.Context, id string) (*campaign.Campaign, error)
	ClaimSending(ctx context.Context, id string, from campaign.Status, total int) (bool, error)
	SetTotal(ctx context.Context, id string, total int) error
	AddCounts(ctx context.Context, id string, sent, failed int, samples []string) error
	CASStatus(ctx context.Context, id string, from, to campaign.Status) (bool, error)
	MarkCompleted(ctx context.Context, id string, st campaign.Status) (bool, error)
}

type Tracker struct {
	store Store
	log   zerolog.Logger

	cache *redis.Client
	ttl   time.Duration
}

func NewTracker(store Store, log zerolog.Logger) *Tracker {
	return &Tracker{store: store, log: log}
}

// WithCache attaches the optional Redis live mirror. Mirror writes are
// best-effort; a cache outage never fails a checkpoint.
func (t *Tracker) WithCache(rdb *redis.Client, ttl time.Duration) *Tracker {
	t.cache = rdb
	t.ttl = ttl
	return t
}

// Begin moves the campaign into sending, recording the resolved audience
// size and start time in the same write so a crash cannot strand a sending
// campaign without its total. It reports false when the campaign had already
// left its pre-sending status, which is the dispatcher's duplicate-trigger
// guard.
func (t *Tracker) Begin(ctx context.Context, id string, total int) (bool, error) {
	c, err := t.store.Campaign(ctx, id)
	if err != nil {
		return false, err
	}
	if !campaign.CanTransition(c.Status, campaign.StatusSending) {
		t.log.Warn().Str("campaign", id).
			Str("from", string(c.Status)).
			Msg("begin rejected: not a forward transition")
		return false, nil
	}
	ok, err := t.store.ClaimSending(ctx, id, c.Status, total)
	if err != nil || !ok {
		return false, err
	}
	t.mirror(ctx, id)
	return true, nil
}

// RecordTotal repairs the audience size of a sending campaign whose total
// never made it to disk (rows written before the claim became a single
// write). The resume path calls it before deciding the terminal status.
func (t *Tracker) RecordTotal(ctx context.Context, id string, total int) error {
	if err := t.store.SetTotal(ctx, id, total); err != nil {
		return fmt.Errorf("record total %s: %w", id, err)
	}
	t.mirror(ctx, id)
	return nil
}

// Checkpoint durably adds one window's delta. An error here is an
// infrastructure failure: the caller must stop the run rather than keep
// dispatching with unrecorded progress.
func (t *Tracker) Checkpoint(ctx context.Context, id string, d Delta) error {
	if d.Sent == 0 && d.Failed == 0 {
		return nil
	}
	if err := t.store.AddCounts(ctx, id, d.Sent, d.Failed, d.Samples); err != nil {
		return fmt.Errorf("checkpoint %s: %w", id, err)
	}
	t.mirror(ctx, id)
	return nil
}

// Transition applies a forward status change. Backward transitions are
// logged and ignored, never an error.
func (t *Tracker) Transition(ctx context.Context, id string, to campaign.Status) error {
	c, err := t.store.Campaign(ctx, id)
	if err != nil {
		return err
	}
	if !campaign.CanTransition(c.Status, to) {
		t.log.Warn().Str("campaign", id).
			Str("from", string(c.Status)).Str("to", string(to)).
			Msg("backward status transition rejected")
		return nil
	}
	if ok, err := t.store.CASStatus(ctx, id, c.Status, to); err != nil {
		return err
	} else if !ok {
		t.log.Warn().Str("campaign", id).Str("to", string(to)).Msg("status moved concurrently, transition skipped")
		return nil
	}
	t.mirror(ctx, id)
	return nil
}

// Complete sets the terminal status. Guarded on the campaign still being in
// sending, so a duplicate completion is a logged no-op.
func (t *Tracker) Complete(ctx context.Context, id string, st campaign.Status) error {
	if !st.Terminal() {
		return fmt.Errorf("complete %s: %s is not a terminal status", id, st)
	}
	ok, err := t.store.MarkCompleted(ctx, id, st)
	if err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	if !ok {
		t.log.Warn().Str("campaign", id).Str("status", string(st)).Msg("completion skipped: campaign not in sending")
		return nil
	}
	t.mirror(ctx, id)
	return nil
}

// liveProgress is the payload operators poll while a run is in flight.
type liveProgress struct {
	Sent      int     `json:"sent"`
	Failed    int     `json:"failed"`
	Total     int     `json:"total"`
	Status    string  `json:"status"`
	Percent   float64 `json:"percent"`
	UpdatedAt string  `json:"updated_at"`
}

func progressKey(id string) string { return "campaign_progress:" + id }

func (t *Tracker) mirror(ctx context.Context, id string) {
	if t.cache == nil {
		return
	}
	c, err := t.store.Campaign(ctx, id)
	if err != nil {
		t.log.Debug().Str("campaign", id).Err(err).Msg("progress mirror skipped")
		return
	}
	p := liveProgress{
		Sent:      c.SentCount,
		Failed:    c.FailedCount,
		Total:     c.TotalRecipients,
		Status:    string(c.Status),
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if c.TotalRecipients > 0 {
		p.Percent = math.Round(float64(c.SentCount+c.FailedCount)/float64(c.TotalRecipients)*1000) / 10
	}
	b, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := t.cache.Set(ctx, progressKey(id), b, t.ttl).Err(); err != nil {
		t.log.Debug().Str("campaign", id).Err(err).Msg("progress mirror write failed")
	}
}
