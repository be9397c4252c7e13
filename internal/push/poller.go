package push

import (
	"context"
	"log/slog"
	"time"

	"github.com/corehr/portal-sync/internal/bus"
)

// Poller is the fallback transport for degraded mode. It cannot carry
// events; it only emits the generic refresh signal on a fixed cadence
// so the counter aggregator and list views keep polling the backend.
type Poller struct {
	bus      *bus.Bus
	interval time.Duration
	logger   *slog.Logger
}

// NewPoller creates a Poller publishing on the given bus.
func NewPoller(b *bus.Bus, interval time.Duration, logger *slog.Logger) *Poller {
	return &Poller{
		bus:      b,
		interval: interval,
		logger:   logger,
	}
}

// Run emits a refresh signal every interval until ctx ends.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.logger.Debug("polling refresh")
			p.bus.Publish(bus.TopicRefresh, nil)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
