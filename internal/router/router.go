// Package router defines the external message-router boundary the core
// depends on: outbound delivery and inbound dispatch registration.
package router

import (
	"context"

	"github.com/meshgw/tracemapper/internal/meshmsg"
)

// Sender is implemented by anything able to attempt wire transmission and
// downstream fan-out for an outbound message.
type Sender interface {
	SendMessage(ctx context.Context, m meshmsg.Message) (bool, error)
}

// Dispatcher lets the core register a handler invoked for every packet the
// router delivers; several handlers may be registered, and each receives
// every packet.
type Dispatcher interface {
	OnMessage(handler func(ctx context.Context, m meshmsg.Message))
}

// MessageRouter composes Sender and Dispatcher: the full boundary the
// orchestrator needs.
type MessageRouter interface {
	Sender
	Dispatcher
}
