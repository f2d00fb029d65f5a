package licensing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const defaultBillingSourceCacheTTL = time.Minute

// FallbackReason describes why a BillingSource served a non-live snapshot.
type FallbackReason string

const (
	FallbackStale    FallbackReason = "stale_cache"
	FallbackDefaults FallbackReason = "defaults"
)

// BillingSourceOption configures a BillingSource.
type BillingSourceOption func(*BillingSource)

// WithClock overrides the time source.
func WithClock(now func() time.Time) BillingSourceOption {
	return func(b *BillingSource) {
		if now != nil {
			b.now = now
		}
	}
}

// WithFallbackHook registers fn to be called whenever the backend fails and
// a cached or default snapshot is served instead.
func WithFallbackHook(fn func(orgID string, reason FallbackReason, err error)) BillingSourceOption {
	return func(b *BillingSource) {
		b.onFallback = fn
	}
}

// WithDefaults overrides the snapshot served when nothing is cached.
func WithDefaults(s Snapshot) BillingSourceOption {
	return func(b *BillingSource) {
		b.defaults = s
	}
}

type cachedSnapshot struct {
	snapshot  Snapshot
	fetchedAt time.Time
}

// BillingSource implements EntitlementSource from per-organization billing
// state.
//
// cacheTTL semantics:
//   - cacheTTL > 0: cache for that duration
//   - cacheTTL == 0: no caching (always refresh)
//   - cacheTTL < 0: defaults only (never consult store)
//
// Backend failures are never propagated by Entitlements: the last cached
// snapshot is served, else the defaults (OnPremDefault unless overridden).
type BillingSource struct {
	store    BillingStore
	cacheTTL time.Duration
	defaults Snapshot

	now        func() time.Time
	onFallback func(orgID string, reason FallbackReason, err error)

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]cachedSnapshot
	// gens and epoch advance on invalidation so a fetch that started
	// before it does not write its result back.
	gens  map[string]uint64
	epoch uint64
}

// NewBillingSource creates a BillingSource backed by store.
func NewBillingSource(store BillingStore, cacheTTL time.Duration, opts ...BillingSourceOption) *BillingSource {
	b := &BillingSource{
		store:    store,
		cacheTTL: cacheTTL,
		defaults: OnPremDefault(),
		now:      time.Now,
		cache:    make(map[string]cachedSnapshot),
		gens:     make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Entitlements returns the snapshot for orgID, served from cache when fresh.
func (b *BillingSource) Entitlements(ctx context.Context, orgID string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	now := b.now()
	if b.cacheTTL < 0 {
		return b.defaults.Normalize(now), nil
	}

	b.mu.RLock()
	entry, hasEntry := b.cache[orgID]
	b.mu.RUnlock()

	if hasEntry && b.cacheTTL > 0 && now.Sub(entry.fetchedAt) <= b.cacheTTL {
		return entry.snapshot.Normalize(now), nil
	}

	snapshot, err := b.fetch(ctx, orgID)
	if err == nil {
		return snapshot, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Snapshot{}, ctxErr
	}

	// Re-read: a concurrent refresh may have filled the cache meanwhile.
	b.mu.RLock()
	entry, hasEntry = b.cache[orgID]
	b.mu.RUnlock()

	if hasEntry {
		b.reportFallback(orgID, FallbackStale, err)
		return entry.snapshot.Normalize(now), nil
	}
	b.reportFallback(orgID, FallbackDefaults, err)
	return b.defaults.Normalize(now), nil
}

// LiveEntitlements bypasses the cache and consults the backend. A backend
// failure is reported as ErrEntitlementUnavailable.
func (b *BillingSource) LiveEntitlements(ctx context.Context, orgID string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	if b.cacheTTL < 0 {
		return b.defaults.Normalize(b.now()), nil
	}
	return b.fetch(ctx, orgID)
}

// Invalidate drops the cached snapshot for orgID. A load already in flight
// still answers its waiters but is not cached; the next lookup reloads.
func (b *BillingSource) Invalidate(orgID string) {
	b.mu.Lock()
	delete(b.cache, orgID)
	b.gens[orgID]++
	b.mu.Unlock()
	b.group.Forget(orgID)
}

// InvalidateAll drops every cached snapshot.
func (b *BillingSource) InvalidateAll() {
	b.mu.Lock()
	b.cache = make(map[string]cachedSnapshot)
	b.epoch++
	orgIDs := make([]string, 0, len(b.gens))
	for orgID := range b.gens {
		orgIDs = append(orgIDs, orgID)
	}
	b.mu.Unlock()
	for _, orgID := range orgIDs {
		b.group.Forget(orgID)
	}
}

// fetch loads fresh state for orgID, collapsing concurrent loads for the
// same organization, and stores the result in the cache.
func (b *BillingSource) fetch(ctx context.Context, orgID string) (Snapshot, error) {
	if b.store == nil {
		return Snapshot{}, fmt.Errorf("%w: no billing store configured", ErrEntitlementUnavailable)
	}

	ch := b.group.DoChan(orgID, func() (interface{}, error) {
		b.mu.Lock()
		gen, seen := b.gens[orgID]
		if !seen {
			b.gens[orgID] = 0
		}
		epoch := b.epoch
		b.mu.Unlock()

		state, err := b.store.GetBillingState(context.WithoutCancel(ctx), orgID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEntitlementUnavailable, err)
		}
		if state == nil {
			state = DefaultBillingState()
		}

		fetchedAt := b.now()
		snapshot := state.ToSnapshot(fetchedAt)
		b.mu.Lock()
		if b.gens[orgID] == gen && b.epoch == epoch {
			b.cache[orgID] = cachedSnapshot{snapshot: snapshot, fetchedAt: fetchedAt}
		}
		b.mu.Unlock()
		return snapshot, nil
	})

	select {
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Snapshot{}, res.Err
		}
		return res.Val.(Snapshot), nil
	}
}

func (b *BillingSource) reportFallback(orgID string, reason FallbackReason, err error) {
	if b.onFallback != nil {
		b.onFallback(orgID, reason, err)
	}
}
