// Package counter keeps the per-category unread badges approximately
// consistent with the backend. Counts are only ever replaced wholesale
// from an authoritative fetch; local arithmetic is limited to zeroing a
// just-viewed badge, and even that is overwritten by the next refresh.
// Compounding drift from missed or duplicated push events is impossible
// by construction.
package counter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/corehr/portal-sync/internal/bus"
	"github.com/corehr/portal-sync/internal/metrics"
	"github.com/corehr/portal-sync/internal/models"
	"github.com/corehr/portal-sync/internal/portal"
)

// Fetcher is the authoritative source of counts. *portal.Client
// satisfies it.
type Fetcher interface {
	FetchUnreadCounts(ctx context.Context) (*portal.UnreadCountsResponse, error)
}

// Aggregator caches one count per category. Push events mark a
// category dirty; dirty categories are coalesced and refreshed in one
// step, so N same-category events within a step cost one fetch, not N.
type Aggregator struct {
	mu     sync.Mutex
	counts map[models.Category]int
	dirty  map[models.Category]struct{}

	// kick wakes the run loop when something was marked dirty. The
	// buffer of one is the coalescing point: repeated kicks before the
	// loop drains collapse into a single flush.
	kick chan struct{}

	fetcher  Fetcher
	bus      *bus.Bus
	logger   *slog.Logger
	interval time.Duration
}

// New creates an Aggregator refreshing all categories every interval.
func New(fetcher Fetcher, b *bus.Bus, interval time.Duration, logger *slog.Logger) *Aggregator {
	a := &Aggregator{
		counts:   make(map[models.Category]int),
		dirty:    make(map[models.Category]struct{}),
		kick:     make(chan struct{}, 1),
		fetcher:  fetcher,
		bus:      b,
		logger:   logger,
		interval: interval,
	}

	return a
}

// Bind subscribes the aggregator to cross-component refresh requests
// and returns the cancel function.
func (a *Aggregator) Bind() func() {
	return a.bus.Subscribe(bus.TopicRefresh, func(payload any) {
		if cat, ok := payload.(models.Category); ok {
			a.MarkDirty(cat)
			return
		}
		a.MarkAllDirty()
	})
}

// HandleEvent marks the category matching a push event dirty. Wired to
// the dispatcher for all four event kinds.
func (a *Aggregator) HandleEvent(evt models.InboundEvent) {
	if cat, ok := models.CategoryForEvent(evt.Kind); ok {
		a.MarkDirty(cat)
	}
}

// MarkDirty schedules an authoritative refresh for one category.
// Multiple calls before the run loop flushes coalesce into one fetch.
func (a *Aggregator) MarkDirty(cat models.Category) {
	a.mu.Lock()
	a.dirty[cat] = struct{}{}
	a.mu.Unlock()

	select {
	case a.kick <- struct{}{}:
	default:
	}
}

// MarkAllDirty schedules a refresh of every category.
func (a *Aggregator) MarkAllDirty() {
	a.mu.Lock()
	for _, cat := range models.Categories() {
		a.dirty[cat] = struct{}{}
	}
	a.mu.Unlock()

	select {
	case a.kick <- struct{}{}:
	default:
	}
}

// Suppress zeroes a badge the user just viewed. This is the only local
// write permitted; the next authoritative refresh overwrites it.
func (a *Aggregator) Suppress(cat models.Category) {
	a.mu.Lock()
	changed := a.counts[cat] != 0
	a.counts[cat] = 0
	a.mu.Unlock()

	if changed {
		a.bus.Publish(bus.TopicCounterChanged, cat)
	}
}

// Count returns the cached count for a category.
func (a *Aggregator) Count(cat models.Category) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.counts[cat]
}

// Counts returns a copy of all cached counts.
func (a *Aggregator) Counts() map[models.Category]int {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[models.Category]int, len(a.counts))
	for k, v := range a.counts {
		out[k] = v
	}

	return out
}

// Run flushes dirty categories as they appear and refreshes everything
// on the periodic timer. Returns when ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.kick:
			a.flushDirty(ctx)

		case <-ticker.C:
			a.RefreshAll(ctx)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// flushDirty performs one authoritative fetch and applies it to every
// category that was dirty when the flush started. One fetch covers any
// number of coalesced triggers.
func (a *Aggregator) flushDirty(ctx context.Context) {
	a.mu.Lock()
	if len(a.dirty) == 0 {
		a.mu.Unlock()
		return
	}
	pending := a.dirty
	a.dirty = make(map[models.Category]struct{})
	a.mu.Unlock()

	resp, err := a.fetcher.FetchUnreadCounts(ctx)
	if err != nil {
		// Stale counts stay; the dirty set is restored so the next
		// trigger or timer tick retries.
		a.logger.Warn("count refresh failed, keeping cached values",
			slog.String("error", err.Error()),
		)
		a.mu.Lock()
		for cat := range pending {
			a.dirty[cat] = struct{}{}
		}
		a.mu.Unlock()
		for cat := range pending {
			metrics.IncCounterRefresh(string(cat), "error")
		}
		return
	}

	for cat := range pending {
		a.apply(cat, resp.Counts[cat])
		metrics.IncCounterRefresh(string(cat), "ok")
	}
}

// RefreshAll overwrites every category from one authoritative fetch.
// Failures leave the cache untouched and are retried on the next tick.
func (a *Aggregator) RefreshAll(ctx context.Context) {
	resp, err := a.fetcher.FetchUnreadCounts(ctx)
	if err != nil {
		a.logger.Warn("periodic count refresh failed, keeping cached values",
			slog.String("error", err.Error()),
		)
		metrics.IncCounterRefresh("all", "error")
		return
	}

	for _, cat := range models.Categories() {
		a.apply(cat, resp.Counts[cat])
	}
	metrics.IncCounterRefresh("all", "ok")
}

// Refresh overwrites a single category from an authoritative fetch.
// Called on explicit navigation into the matching section.
func (a *Aggregator) Refresh(ctx context.Context, cat models.Category) {
	resp, err := a.fetcher.FetchUnreadCounts(ctx)
	if err != nil {
		a.logger.Warn("count refresh failed, keeping cached value",
			slog.String("category", string(cat)),
			slog.String("error", err.Error()),
		)
		metrics.IncCounterRefresh(string(cat), "error")
		return
	}

	a.apply(cat, resp.Counts[cat])
	metrics.IncCounterRefresh(string(cat), "ok")
}

// apply installs an authoritative value, clamped at zero, and
// announces the change if the value moved.
func (a *Aggregator) apply(cat models.Category, value int) {
	if value < 0 {
		value = 0
	}

	a.mu.Lock()
	changed := a.counts[cat] != value
	a.counts[cat] = value
	a.mu.Unlock()

	if changed {
		a.bus.Publish(bus.TopicCounterChanged, cat)
	}
}
