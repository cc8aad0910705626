package audience

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"tgblast/internal/campaign"
)

type fakeStore struct {
	ids  []int64
	err  error
	sels []campaign.Selector
}

func (f *fakeStore) ListAudience(ctx context.Context, sel campaign.Selector) ([]int64, error) {
	f.sels = append(f.sels, sel)
	return f.ids, f.err
}

func TestResolve(t *testing.T) {
	t.Parallel()
	fs := &fakeStore{ids: []int64{1, 2, 2, 3}}
	r := NewResolver(fs, zerolog.Nop())

	got, err := r.Resolve(context.Background(), campaign.SelectorPremium)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("Resolve = %v, want [1 2 3]", got)
	}
	if len(fs.sels) != 1 || fs.sels[0] != campaign.SelectorPremium {
		t.Fatalf("store queried with %v", fs.sels)
	}
}

func TestResolveUnknownSelector(t *testing.T) {
	t.Parallel()
	fs := &fakeStore{}
	r := NewResolver(fs, zerolog.Nop())

	_, err := r.Resolve(context.Background(), campaign.Selector("everyone"))
	if !errors.Is(err, campaign.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if len(fs.sels) != 0 {
		t.Fatal("store must not be queried for an invalid selector")
	}
}

func TestResolveStoreError(t *testing.T) {
	t.Parallel()
	boom := errors.New("db locked")
	r := NewResolver(&fakeStore{err: boom}, zerolog.Nop())

	_, err := r.Resolve(context.Background(), campaign.SelectorAll)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}

func TestCount(t *testing.T) {
	t.Parallel()
	r := NewResolver(&fakeStore{ids: []int64{5, 6, 7}}, zerolog.Nop())
	n, err := r.Count(context.Background(), campaign.SelectorFree)
	if err != nil {
		t.Fatalf("Count error: %v", err)
	}
	if n != 3 {
		t.Fatalf("Count = %d, want 3", n)
	}
}
