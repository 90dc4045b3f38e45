package router

import (
	"context"
	"sync"

	"github.com/meshgw/tracemapper/internal/meshmsg"
)

// Fake is an in-memory MessageRouter for tests. SendMessage records every
// call and returns Result (defaulting to success); incoming deliveries are
// simulated by calling Deliver.
type Fake struct {
	mu       sync.Mutex
	Result   bool
	Err      error
	Sent     []meshmsg.Message
	handlers []func(ctx context.Context, m meshmsg.Message)
}

// NewFake constructs a Fake that reports success by default.
func NewFake() *Fake {
	return &Fake{Result: true}
}

func (f *Fake) SendMessage(_ context.Context, m meshmsg.Message) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sent = append(f.Sent, m)

	return f.Result, f.Err
}

func (f *Fake) OnMessage(handler func(ctx context.Context, m meshmsg.Message)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, handler)
}

// Deliver simulates an inbound packet reaching every registered handler.
func (f *Fake) Deliver(ctx context.Context, m meshmsg.Message) {
	f.mu.Lock()
	handlers := append([]func(ctx context.Context, m meshmsg.Message){}, f.handlers...)
	f.mu.Unlock()

	for _, h := range handlers {
		h(ctx, m)
	}
}

// SentCount returns how many messages have been sent through the fake so far.
func (f *Fake) SentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.Sent)
}
