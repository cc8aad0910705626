// Package dispatch runs broadcast campaigns: it walks the resolved audience
// in fixed-size windows, fans each window out to the gateway, checkpoints
// durable progress after every window and settles the terminal status.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tgblast/internal/campaign"
	"tgblast/internal/config"
	"tgblast/internal/gateway"
	"tgblast/internal/progress"
)

type Resolver interface {
	Resolve(ctx context.Context, sel campaign.Selector) ([]int64, error)
}

type Gateway interface {
	Send(ctx context.Context, chatID int64, msg campaign.Message) gateway.Outcome
}

type Tracker interface {
	Begin(ctx context.Context, id string, total int) (bool, error)
	RecordTotal(ctx context.Context, id string, total int) error
	Checkpoint(ctx context.Context, id string, d progress.Delta) error
	Complete(ctx context.Context, id string, st campaign.Status) error
}

type Store interface {
	Campaign(ctx context.Context, id string) (*campaign.Campaign, error)
}

type Dispatcher struct {
	store    Store
	resolver Resolver
	gw       Gateway
	tracker  Tracker
	log      zerolog.Logger

	mu       sync.RWMutex
	settings config.DispatchSettings
}

func New(store Store, resolver Resolver, gw Gateway, tracker Tracker, settings config.DispatchSettings, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		resolver: resolver,
		gw:       gw,
		tracker:  tracker,
		settings: settings,
		log:      log,
	}
}

// Apply swaps the pacing settings. In-flight runs pick the new values up at
// their next window boundary.
func (d *Dispatcher) Apply(s config.DispatchSettings) {
	d.mu.Lock()
	d.settings = s
	d.mu.Unlock()
	d.log.Info().Int("window_size", s.WindowSize).Dur("window_delay", s.WindowDelay).Msg("dispatch settings applied")
}

func (d *Dispatcher) current() config.DispatchSettings {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.settings
}

// Run executes one campaign to a terminal status. Calling it on a campaign
// already in sending resumes from the persisted counters; calling it on a
// terminal campaign is a no-op that touches no recipient.
//
// Run returns an error only for infrastructure failures (store or checkpoint
// writes). In that case the campaign is left in sending and a later Run
// resumes it. Per-recipient delivery failures are counted, never returned.
func (d *Dispatcher) Run(ctx context.Context, id string) error {
	c, err := d.store.Campaign(ctx, id)
	if err != nil {
		return fmt.Errorf("run %s: %w", id, err)
	}
	if c.Status.Terminal() {
		d.log.Info().Str("campaign", id).Str("status", string(c.Status)).Msg("campaign already settled, nothing to do")
		return nil
	}

	audience, err := d.resolver.Resolve(ctx, c.Audience)
	if err != nil {
		return fmt.Errorf("run %s: %w", id, err)
	}

	var offset, total, sent, failed int
	if c.Status == campaign.StatusSending {
		// Crash recovery: everything already counted was dispatched. The
		// audience is ordered by chat id, so the counters are the offset.
		offset = c.SentCount + c.FailedCount
		total = c.TotalRecipients
		sent, failed = c.SentCount, c.FailedCount
		if total == 0 && len(audience) > 0 {
			// Rows written before the sending claim carried the total. Repair
			// it so the terminal decision sees the real audience size.
			total = len(audience)
			if err := d.tracker.RecordTotal(ctx, id, total); err != nil {
				return fmt.Errorf("run %s: %w", id, err)
			}
		}
		d.log.Info().Str("campaign", id).Int("offset", offset).Int("total", total).Msg("resuming interrupted campaign")
	} else {
		total = len(audience)
		ok, err := d.tracker.Begin(ctx, id, total)
		if err != nil {
			return fmt.Errorf("run %s: %w", id, err)
		}
		if !ok {
			// Another runner claimed it first.
			return nil
		}
	}

	for start := offset; start < len(audience); {
		if err := ctx.Err(); err != nil {
			return err
		}
		s := d.current()

		end := start + s.WindowSize
		if end > len(audience) {
			end = len(audience)
		}
		delta := d.sendWindow(ctx, c, audience[start:end])
		sent += delta.Sent
		failed += delta.Failed

		if err := d.tracker.Checkpoint(ctx, id, delta); err != nil {
			// Progress is unrecorded; stop here so the resume replays this
			// window instead of silently double-counting.
			return fmt.Errorf("run %s: %w", id, err)
		}
		d.log.Debug().Str("campaign", id).
			Int("dispatched", sent+failed).Int("total", total).
			Msg("window checkpointed")

		start = end
		if start < len(audience) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.WindowDelay):
			}
		}
	}

	st := terminalFor(sent, failed, total)
	if err := d.tracker.Complete(ctx, id, st); err != nil {
		return fmt.Errorf("run %s: %w", id, err)
	}
	d.log.Info().Str("campaign", id).Str("status", string(st)).
		Int("sent", sent).Int("failed", failed).Int("total", total).
		Msg("campaign completed")
	return nil
}

// sendWindow fans one window out concurrently. A panic in one delivery is
// recorded as a failure for that recipient and never takes the run down.
func (d *Dispatcher) sendWindow(ctx context.Context, c *campaign.Campaign, window []int64) progress.Delta {
	outcomes := make([]gateway.Outcome, len(window))
	var wg sync.WaitGroup
	for i, chatID := range window {
		wg.Add(1)
		go func(i int, chatID int64) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					d.log.Error().Str("campaign", c.ID).Int64("chat_id", chatID).
						Interface("panic", r).Msg("delivery panicked")
					outcomes[i] = gateway.Outcome{Kind: gateway.TransientFailure, Reason: fmt.Sprintf("panic: %v", r)}
				}
			}()
			outcomes[i] = d.gw.Send(ctx, chatID, c.Message)
		}(i, chatID)
	}
	wg.Wait()

	var delta progress.Delta
	for i, out := range outcomes {
		if out.Kind == gateway.Delivered {
			delta.Sent++
			continue
		}
		delta.Failed++
		if len(delta.Samples) < campaign.ErrorSampleCap {
			delta.Samples = append(delta.Samples, fmt.Sprintf("chat %d: %s", window[i], out.Reason))
		}
	}
	return delta
}

// terminalFor picks the settled status. A campaign is failed only when every
// single recipient failed; one delivery is enough to call it sent. The empty
// audience settles as sent.
func terminalFor(sent, failed, total int) campaign.Status {
	if total > 0 && sent == 0 && failed == total {
		return campaign.StatusFailed
	}
	return campaign.StatusSent
}
