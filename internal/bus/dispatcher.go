package bus

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/corehr/portal-sync/internal/metrics"
	"github.com/corehr/portal-sync/internal/models"
)

// Handler consumes one inbound push event.
type Handler func(evt models.InboundEvent)

type registration struct {
	id string
	fn Handler
}

// Dispatcher demultiplexes inbound push events by kind. Handlers run
// synchronously in registration order; a panicking handler is caught,
// logged, and counted, and never stops delivery to the handlers after
// it or destabilizes the channel's receive loop. After the typed
// handlers, the event is republished on the generic bus under
// TopicEvents so components that don't know the kind can still react.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[models.EventKind][]registration
	bus      *Bus
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher that republishes on the given bus.
func NewDispatcher(b *Bus, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[models.EventKind][]registration),
		bus:      b,
		logger:   logger,
	}
}

// Register adds a handler for a kind under a caller-chosen identity.
// Registering the same (kind, id) again replaces the handler in place,
// keeping its original position; registration is idempotent.
func (d *Dispatcher) Register(kind models.EventKind, id string, fn Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, reg := range d.handlers[kind] {
		if reg.id == id {
			d.handlers[kind][i].fn = fn
			return
		}
	}
	d.handlers[kind] = append(d.handlers[kind], registration{id: id, fn: fn})
}

// Unregister removes the handler registered under (kind, id). Removing
// an unknown handler is a no-op.
func (d *Dispatcher) Unregister(kind models.EventKind, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	list := d.handlers[kind]
	for i, reg := range list {
		if reg.id == id {
			d.handlers[kind] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Dispatch invokes all handlers registered for the event's kind, then
// publishes the event on the generic bus.
func (d *Dispatcher) Dispatch(evt models.InboundEvent) {
	d.mu.RLock()
	list := d.handlers[evt.Kind]
	snapshot := make([]registration, len(list))
	copy(snapshot, list)
	d.mu.RUnlock()

	metrics.IncEvent(string(evt.Kind))

	for _, reg := range snapshot {
		d.invoke(reg, evt)
	}

	d.bus.Publish(TopicEvents, evt)
}

func (d *Dispatcher) invoke(reg registration, evt models.InboundEvent) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncHandlerFault()
			d.logger.Warn("event handler panicked",
				slog.String("kind", string(evt.Kind)),
				slog.String("handler", reg.id),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	reg.fn(evt)
}
