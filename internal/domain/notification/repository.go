package notification

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Outbox,Gateway

import (
	"context"
	"time"
)

// Outbox is the delivery side of the event outbox. Events are enqueued by the
// dispute store inside the same atomic write as the change they describe.
type Outbox interface {
	// ClaimDue returns pending or retryable events due at now and leases them
	// until now+lease so concurrent relays do not pick them up twice.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Event, error)
	Save(ctx context.Context, event *Event) error
}

// Gateway delivers an event to one downstream channel.
type Gateway interface {
	Name() string
	Notify(ctx context.Context, event *Event) error
}

// SSEHub defines the interface for managing SSE connections
type SSEHub interface {
	Register(client *SSEClient)
	Unregister(clientID string)
	GetClientCount() int
	BroadcastToUser(userID string, message *SSEMessage) int
	BroadcastToGroup(group string, message *SSEMessage) int
}
