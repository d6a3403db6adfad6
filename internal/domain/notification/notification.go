package notification

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status represents the delivery status of an outbox event
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusDelivered Status = "DELIVERED"
	StatusFailed    Status = "FAILED"
	StatusExpired   Status = "EXPIRED"
)

// Kind names what happened to a dispute
type Kind string

const (
	KindOpened          Kind = "dispute.opened"
	KindMessageAppended Kind = "dispute.message_appended"
	KindStatusChanged   Kind = "dispute.status_changed"
	KindPriorityChanged Kind = "dispute.priority_changed"
)

const (
	DefaultMaxAttempts = 5
	DefaultTTL         = 24 * time.Hour
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrExpired           = errors.New("event has expired")
	ErrCannotRetry       = errors.New("cannot retry event")
)

// Event is a dispute change waiting in the outbox for delivery to the
// notifier gateways. It is written atomically with the change it describes.
type Event struct {
	ID            int64           `json:"id"`
	EventID       uuid.UUID       `json:"eventId"`
	Kind          Kind            `json:"kind"`
	DisputeID     uuid.UUID       `json:"disputeId"`
	ActorID       string          `json:"actorId"`
	Recipients    []string        `json:"recipients"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"maxAttempts"`
	LastError     *string         `json:"lastError,omitempty"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
	ExpiresAt     *time.Time      `json:"expiresAt,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	DeliveredAt   *time.Time      `json:"deliveredAt,omitempty"`
}

// NewEvent creates a pending event due immediately.
func NewEvent(kind Kind, disputeID uuid.UUID, actorID string, recipients []string, payload json.RawMessage, now time.Time) *Event {
	now = now.UTC().Truncate(time.Microsecond)
	expires := now.Add(DefaultTTL)
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}
	return &Event{
		EventID:       uuid.New(),
		Kind:          kind,
		DisputeID:     disputeID,
		ActorID:       actorID,
		Recipients:    recipients,
		Payload:       payload,
		Status:        StatusPending,
		MaxAttempts:   DefaultMaxAttempts,
		NextAttemptAt: now,
		ExpiresAt:     &expires,
		CreatedAt:     now,
	}
}

// IsExpired checks if the event has outlived its delivery window
func (e *Event) IsExpired(now time.Time) bool {
	if e.ExpiresAt == nil {
		return false
	}
	return now.After(*e.ExpiresAt)
}

// CanTransitionTo checks if a transition to the target status is valid
func (e *Event) CanTransitionTo(target Status) bool {
	transitions := map[Status][]Status{
		StatusPending:   {StatusDelivered, StatusFailed, StatusExpired},
		StatusDelivered: {},
		StatusFailed:    {StatusPending, StatusExpired},
		StatusExpired:   {},
	}
	for _, s := range transitions[e.Status] {
		if s == target {
			return true
		}
	}
	return false
}

// MarkDelivered marks the event as delivered to every routed gateway
func (e *Event) MarkDelivered(now time.Time) error {
	if !e.CanTransitionTo(StatusDelivered) {
		return ErrInvalidTransition
	}
	now = now.UTC()
	e.Status = StatusDelivered
	e.DeliveredAt = &now
	e.LastError = nil
	return nil
}

// MarkFailed records a failed attempt and schedules the next one.
func (e *Event) MarkFailed(errMsg string, now time.Time, backoff time.Duration) error {
	if e.IsExpired(now) {
		e.Status = StatusExpired
		return ErrExpired
	}
	if !e.CanTransitionTo(StatusFailed) {
		return ErrInvalidTransition
	}
	e.Status = StatusFailed
	e.LastError = &errMsg
	e.Attempts++
	e.NextAttemptAt = now.UTC().Add(backoff)
	return nil
}

// MarkExpired marks the event as expired
func (e *Event) MarkExpired() error {
	if !e.CanTransitionTo(StatusExpired) {
		return ErrInvalidTransition
	}
	e.Status = StatusExpired
	return nil
}

// CanRetry checks if a failed event still has attempts left
func (e *Event) CanRetry(now time.Time) bool {
	return e.Status == StatusFailed && e.Attempts < e.MaxAttempts && !e.IsExpired(now)
}

// ResetForRetry moves a failed event back to pending
func (e *Event) ResetForRetry(now time.Time) error {
	if !e.CanRetry(now) {
		return ErrCannotRetry
	}
	e.Status = StatusPending
	return nil
}

// IsTerminal returns true if the event will never be delivered again
func (e *Event) IsTerminal(now time.Time) bool {
	return e.Status == StatusDelivered ||
		e.Status == StatusExpired ||
		(e.Status == StatusFailed && !e.CanRetry(now))
}

// SSEClient represents an active SSE connection
type SSEClient struct {
	ClientID    string
	UserID      *string
	Groups      []string
	ConnectedAt time.Time
	MessageChan chan *SSEMessage
}

// NewSSEClient creates a new SSE client
func NewSSEClient(clientID string, userID *string, groups []string) *SSEClient {
	return &SSEClient{
		ClientID:    clientID,
		UserID:      userID,
		Groups:      groups,
		ConnectedAt: time.Now().UTC(),
		MessageChan: make(chan *SSEMessage, 100),
	}
}

// Close closes the client's message channel
func (c *SSEClient) Close() {
	close(c.MessageChan)
}

// SSEMessage represents a message to be sent via SSE
type SSEMessage struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewSSEMessage creates a new SSE message
func NewSSEMessage(id, event string, data json.RawMessage) *SSEMessage {
	if id == "" {
		id = uuid.New().String()
	}
	return &SSEMessage{
		ID:        id,
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}
