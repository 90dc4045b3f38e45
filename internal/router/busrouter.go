package router

import (
	"context"
	"log/slog"
	"sync"

	"github.com/meshgw/tracemapper/internal/bus"
	"github.com/meshgw/tracemapper/internal/meshmsg"
)

// BusRouter is the production MessageRouter: it publishes outbound probes
// on bus.TopicProbeOutbound for whatever owns the actual radio connection
// to transmit, and dispatches inbound deliveries read back off
// bus.TopicProbeInbound. The radio transport and protocol codec are out of
// scope for this module; BusRouter is the seam between the two.
type BusRouter struct {
	b      bus.MessageBus
	logger *slog.Logger

	mu       sync.Mutex
	handlers []func(ctx context.Context, m meshmsg.Message)
}

// NewBusRouter constructs a BusRouter and starts the goroutine that fans
// inbound bus deliveries out to registered handlers. It stops when ctx is
// canceled.
func NewBusRouter(ctx context.Context, b bus.MessageBus, logger *slog.Logger) *BusRouter {
	if logger == nil {
		logger = slog.Default()
	}

	r := &BusRouter{b: b, logger: logger}
	go r.dispatchLoop(ctx)

	return r
}

func (r *BusRouter) SendMessage(_ context.Context, m meshmsg.Message) (bool, error) {
	r.b.Publish(bus.TopicProbeOutbound, m)

	return true, nil
}

func (r *BusRouter) OnMessage(handler func(ctx context.Context, m meshmsg.Message)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, handler)
}

func (r *BusRouter) dispatchLoop(ctx context.Context) {
	sub := r.b.Subscribe(bus.TopicProbeInbound)
	defer r.b.Unsubscribe(sub, bus.TopicProbeInbound)

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-sub:
			if !ok {
				return
			}
			m, ok := raw.(meshmsg.Message)
			if !ok {
				r.logger.Warn("dropped non-message payload on probe inbound topic")

				continue
			}

			r.mu.Lock()
			handlers := append([]func(ctx context.Context, m meshmsg.Message){}, r.handlers...)
			r.mu.Unlock()

			for _, h := range handlers {
				h(ctx, m)
			}
		}
	}
}

var _ MessageRouter = (*BusRouter)(nil)
