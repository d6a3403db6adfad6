package dispute

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mediation-hub/mediation-hub/internal/domain/party"
)

// Status represents the lifecycle state of a dispute.
type Status string

const (
	StatusOpen        Status = "abierta"
	StatusInMediation Status = "en-mediacion"
	StatusResolved    Status = "resuelta"
	StatusClosed      Status = "cerrada"
)

// StatusAll selects every status in directory queries. It is never stored.
const StatusAll = "all"

// Priority is mediator-managed metadata.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

var (
	ErrNotFound              = errors.New("dispute: not found")
	ErrUnauthorized          = errors.New("dispute: actor not authorized")
	ErrInvalidTransition     = errors.New("dispute: invalid status transition")
	ErrVersionConflict       = errors.New("dispute: version conflict")
	ErrEmptyBody             = errors.New("dispute: message body is empty")
	ErrDependencyUnavailable = errors.New("dispute: dependency unavailable")
	ErrInvalidInput          = errors.New("dispute: invalid input")
	ErrInvalidStatus         = errors.New("dispute: unknown status")
	ErrInvalidPriority       = errors.New("dispute: unknown priority")
)

var transitions = map[Status][]Status{
	StatusOpen:        {StatusInMediation, StatusResolved, StatusClosed},
	StatusInMediation: {StatusResolved, StatusClosed},
	StatusResolved:    {StatusClosed, StatusOpen},
	StatusClosed:      {StatusOpen},
}

// Statuses lists every lifecycle state in table order.
func Statuses() []Status {
	return []Status{StatusOpen, StatusInMediation, StatusResolved, StatusClosed}
}

// ParseStatus validates a stored or client-supplied status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := transitions[st]; !ok {
		return "", ErrInvalidStatus
	}
	return st, nil
}

// CanTransitionTo reports whether target is a permitted edge from s.
func (s Status) CanTransitionTo(target Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

var priorityAliases = map[string]Priority{
	"low":    PriorityLow,
	"baja":   PriorityLow,
	"medium": PriorityMedium,
	"media":  PriorityMedium,
	"high":   PriorityHigh,
	"alta":   PriorityHigh,
}

// ParsePriority accepts canonical names and their Spanish aliases.
func ParsePriority(s string) (Priority, error) {
	p, ok := priorityAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", ErrInvalidPriority
	}
	return p, nil
}

// Dispute is a tracked disagreement between a buyer and a seller.
type Dispute struct {
	ID               uuid.UUID `json:"id"`
	SubjectRef       string    `json:"subjectRef"`
	BuyerID          string    `json:"buyerId"`
	SellerID         string    `json:"sellerId"`
	Reason           string    `json:"reason"`
	Priority         Priority  `json:"priority"`
	Status           Status    `json:"status"`
	AssignedMediator string    `json:"assignedMediator,omitempty"`
	OpenedAt         time.Time `json:"openedAt"`
	LastTransitionAt time.Time `json:"lastTransitionAt"`
	Version          int64     `json:"version"`
	LastSequence     int64     `json:"lastSequence"`
	Revision         int64     `json:"revision"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// New builds a dispute in its initial state. The caller appends the opening
// message in the same store operation.
func New(subjectRef, buyerID, sellerID, reason string, priority Priority, now time.Time) (*Dispute, error) {
	subjectRef = strings.TrimSpace(subjectRef)
	buyerID = strings.TrimSpace(buyerID)
	sellerID = strings.TrimSpace(sellerID)
	if subjectRef == "" || buyerID == "" || sellerID == "" {
		return nil, ErrInvalidInput
	}
	if buyerID == sellerID {
		return nil, ErrInvalidInput
	}
	if strings.TrimSpace(reason) == "" {
		return nil, ErrInvalidInput
	}
	if priority == "" {
		priority = PriorityMedium
	}
	now = now.UTC()
	return &Dispute{
		ID:               uuid.New(),
		SubjectRef:       subjectRef,
		BuyerID:          buyerID,
		SellerID:         sellerID,
		Reason:           reason,
		Priority:         priority,
		Status:           StatusOpen,
		OpenedAt:         now,
		LastTransitionAt: now,
		UpdatedAt:        now,
	}, nil
}

// TransitionTo applies a guarded status change on behalf of a mediator.
// The version check runs before the edge check so a caller that lost a race
// learns about the conflict rather than the edge it can no longer take.
func (d *Dispute) TransitionTo(target Status, expectedVersion int64, mediatorID string, now time.Time) error {
	if _, ok := transitions[target]; !ok {
		return ErrInvalidTransition
	}
	if d.Version != expectedVersion {
		return ErrVersionConflict
	}
	if !d.Status.CanTransitionTo(target) {
		return ErrInvalidTransition
	}
	now = now.UTC()
	d.Status = target
	d.Version++
	d.LastTransitionAt = now
	d.AssignedMediator = mediatorID
	d.UpdatedAt = now
	return nil
}

// SetPriority changes priority without touching status or version.
func (d *Dispute) SetPriority(p Priority, now time.Time) {
	d.Priority = p
	d.UpdatedAt = now.UTC()
}

// RoleOf resolves the party role an actor holds by identity on this dispute.
// Mediator roles are not derivable from the record itself.
func (d *Dispute) RoleOf(actorID string) party.Role {
	switch actorID {
	case d.BuyerID:
		return party.RoleBuyer
	case d.SellerID:
		return party.RoleSeller
	}
	return party.RoleNone
}

// Participants returns buyer, seller and the assigned mediator, if any.
func (d *Dispute) Participants() []string {
	out := []string{d.BuyerID, d.SellerID}
	if d.AssignedMediator != "" {
		out = append(out, d.AssignedMediator)
	}
	return out
}

// RecipientsExcept returns the participants other than actorID.
func (d *Dispute) RecipientsExcept(actorID string) []string {
	out := make([]string, 0, 3)
	for _, p := range d.Participants() {
		if p != actorID {
			out = append(out, p)
		}
	}
	return out
}

// Message is an immutable ledger entry.
type Message struct {
	ID         uuid.UUID  `json:"id"`
	DisputeID  uuid.UUID  `json:"disputeId"`
	AuthorID   string     `json:"authorId"`
	AuthorRole party.Role `json:"authorRole"`
	Body       string     `json:"body"`
	Sequence   int64      `json:"sequence"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// NewMessage validates the body and freezes the author's role. Sequence is
// assigned by the store.
func NewMessage(disputeID uuid.UUID, authorID string, role party.Role, body string, now time.Time) (*Message, error) {
	if strings.TrimSpace(body) == "" {
		return nil, ErrEmptyBody
	}
	if !role.IsParticipant() {
		return nil, ErrUnauthorized
	}
	return &Message{
		ID:         uuid.New(),
		DisputeID:  disputeID,
		AuthorID:   authorID,
		AuthorRole: role,
		Body:       body,
		CreatedAt:  now.UTC(),
	}, nil
}
