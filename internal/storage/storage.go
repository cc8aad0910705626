// Package storage persists campaigns and the recipient roster in SQLite.
//
// It exposes the narrow read/write contract the dispatch engine needs:
// a bulk audience read, campaign CRUD, atomic counter increments and a
// compare-and-set status transition.
package storage

import (
	"context"
	"time"

	"tgblast/internal/campaign"
)

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Recipient is a row of the roster the out-of-scope bot maintains.
type Recipient struct {
	ChatID           int64
	SubscriptionTier string
	Status           string
	CreatedAt        time.Time
}

// Store is the persistence API used by the resolver, tracker and scheduler.
type Store interface {
	// ListAudience returns the active chat ids matching the selector as a
	// single bulk read, deduplicated and ordered by chat id.
	ListAudience(ctx context.Context, sel campaign.Selector) ([]int64, error)
	UpsertRecipient(ctx context.Context, r Recipient) error

	CreateCampaign(ctx context.Context, c *campaign.Campaign) error
	Campaign(ctx context.Context, id string) (*campaign.Campaign, error)
	Campaigns(ctx context.Context, limit int) ([]campaign.Campaign, error)

	// DueScheduled returns ids of campaigns in status scheduled whose
	// scheduled time is at or before now, oldest first.
	DueScheduled(ctx context.Context, now time.Time) ([]string, error)
	// ByStatus returns campaign ids currently in the given status.
	ByStatus(ctx context.Context, st campaign.Status) ([]string, error)

	// ClaimSending atomically moves the campaign from its expected status
	// into sending and records the resolved audience size and start time in
	// the same write, so a crash can never leave a sending campaign without
	// its total. It reports whether the claim applied.
	ClaimSending(ctx context.Context, id string, from campaign.Status, total int) (bool, error)
	// SetTotal re-records the audience size for a campaign whose total was
	// lost (legacy rows written before the claim became atomic).
	SetTotal(ctx context.Context, id string, total int) error
	// AddCounts atomically increments the sent/failed counters and appends
	// error samples, keeping at most campaign.ErrorSampleCap of them.
	AddCounts(ctx context.Context, id string, sent, failed int, samples []string) error
	// CASStatus moves the campaign from one status to another only if it is
	// still in the expected status. It reports whether the write applied.
	CASStatus(ctx context.Context, id string, from, to campaign.Status) (bool, error)
	// MarkCompleted sets a terminal status and the completion time, guarded
	// on the campaign still being in status sending.
	MarkCompleted(ctx context.Context, id string, st campaign.Status) (bool, error)

	Close() error
}
