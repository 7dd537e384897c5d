package ports

import "context"

// EventPublisher is the outbound publish port for activation events.
// The worker uses this abstraction so broker concerns stay in adapters.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload []byte) error
}
