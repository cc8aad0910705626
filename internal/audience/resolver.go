// Package audience turns a campaign's audience selector into the ordered,
// deduplicated snapshot of recipient chat ids a run will dispatch to.
package audience

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"tgblast/internal/campaign"
)

// Store is the bulk read the resolver needs from the persisted roster.
type Store interface {
	ListAudience(ctx context.Context, sel campaign.Selector) ([]int64, error)
}

type Resolver struct {
	store Store
	log   zerolog.Logger
}

func NewResolver(store Store, log zerolog.Logger) *Resolver {
	return &Resolver{store: store, log: log}
}

// Resolve snapshots the audience with a single bulk read. Only active
// recipients are included; recipients changing status afterwards do not
// affect an in-flight run. The store guarantees ordering and deduplication,
// which Resolve re-checks cheaply since resume offsets depend on both.
func (r *Resolver) Resolve(ctx context.Context, sel campaign.Selector) ([]int64, error) {
	if _, err := campaign.ParseSelector(string(sel)); err != nil {
		return nil, err
	}
	ids, err := r.store.ListAudience(ctx, sel)
	if err != nil {
		return nil, fmt.Errorf("resolve audience %q: %w", sel, err)
	}
	ids = dedupSorted(ids)
	r.log.Debug().Str("selector", string(sel)).Int("recipients", len(ids)).Msg("audience resolved")
	return ids, nil
}

// Count previews the audience size for the operator API.
func (r *Resolver) Count(ctx context.Context, sel campaign.Selector) (int, error) {
	ids, err := r.Resolve(ctx, sel)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// dedupSorted drops adjacent duplicates in case a store implementation
// forgets the DISTINCT. Ordering is the store's responsibility.
func dedupSorted(ids []int64) []int64 {
	if len(ids) < 2 {
		return ids
	}
	out := ids[:1]
	for _, id := range ids[1:] {
		if id != out[len(out)-1] {
			out = append(out, id)
		}
	}
	return out
}
