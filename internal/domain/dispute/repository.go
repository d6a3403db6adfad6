package dispute

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/mediation-hub/mediation-hub/internal/domain/notification"
)

// Mutation runs while the store holds the dispute exclusively. It edits d in
// place and returns the outbox events to commit with it; an error aborts the
// write with nothing persisted.
type Mutation func(d *Dispute) ([]*notification.Event, error)

// AppendFunc runs under the same exclusivity once msg has its sequence.
type AppendFunc func(d *Dispute, msg *Message) ([]*notification.Event, error)

// Repository is the system of record for disputes, their ledgers and the
// outbox rows written alongside them.
//
// Update and Append serialize per dispute; calls on different disputes
// proceed in parallel. Both bump Revision on success.
type Repository interface {
	// Create stores a new dispute together with its opening message.
	Create(ctx context.Context, d *Dispute, opening *Message, events []*notification.Event) error
	Get(ctx context.Context, id uuid.UUID) (*Dispute, error)
	Update(ctx context.Context, id uuid.UUID, mutate Mutation) (*Dispute, error)
	// Append assigns msg.Sequence = LastSequence+1 and inserts it.
	Append(ctx context.Context, msg *Message, fn AppendFunc) (*Dispute, error)
	// ListMessages returns up to limit messages with sequence > afterSequence.
	ListMessages(ctx context.Context, disputeID uuid.UUID, afterSequence int64, limit int) ([]*Message, error)
	// ForEach visits every dispute; used to rebuild projections.
	ForEach(ctx context.Context, fn func(*Dispute) error) error
}
