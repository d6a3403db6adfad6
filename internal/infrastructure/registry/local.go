// Package registry holds the in-process party registry used when no external
// identity service is configured.
package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/mediation-hub/mediation-hub/internal/domain/dispute"
	"github.com/mediation-hub/mediation-hub/internal/domain/party"
)

// DisputeReader is the slice of the dispute store the registry needs to
// resolve buyer and seller.
type DisputeReader interface {
	Get(ctx context.Context, id uuid.UUID) (*dispute.Dispute, error)
}

// Local resolves buyer and seller from the dispute record and mediators from
// a configured staff set.
type Local struct {
	disputes DisputeReader

	mu     sync.RWMutex
	staff  map[string]struct{}
	labels map[string]string
}

func NewLocal(disputes DisputeReader, mediators []string) *Local {
	l := &Local{
		disputes: disputes,
		staff:    make(map[string]struct{}),
		labels:   make(map[string]string),
	}
	for _, m := range mediators {
		if m != "" {
			l.staff[m] = struct{}{}
		}
	}
	return l
}

func (l *Local) RoleOf(ctx context.Context, disputeID uuid.UUID, actorID string) (party.Role, error) {
	d, err := l.disputes.Get(ctx, disputeID)
	if errors.Is(err, dispute.ErrNotFound) {
		return party.RoleNone, nil
	}
	if err != nil {
		return party.RoleNone, err
	}
	if role := d.RoleOf(actorID); role != party.RoleNone {
		return role, nil
	}
	if ok, _ := l.IsStaff(ctx, actorID); ok {
		return party.RoleMediator, nil
	}
	return party.RoleNone, nil
}

func (l *Local) LabelOf(_ context.Context, identityID string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if label, ok := l.labels[identityID]; ok {
		return label, nil
	}
	return identityID, nil
}

func (l *Local) IsStaff(_ context.Context, actorID string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.staff[actorID]
	return ok, nil
}

func (l *Local) AddMediator(actorID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.staff[actorID] = struct{}{}
}

func (l *Local) RemoveMediator(actorID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.staff, actorID)
}

func (l *Local) SetLabel(identityID, label string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.labels[identityID] = label
}
