// Package party defines the contract the engine consumes from the identity
// collaborator that knows who plays which role on a dispute.
package party

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_registry.go -package=mocks . Registry

import (
	"context"

	"github.com/google/uuid"
)

// Role is the capability an actor holds on a dispute.
type Role string

const (
	RoleBuyer    Role = "buyer"
	RoleSeller   Role = "seller"
	RoleMediator Role = "mediator"
	RoleNone     Role = "none"
)

// IsParticipant reports whether the role may post to a dispute.
func (r Role) IsParticipant() bool {
	return r == RoleBuyer || r == RoleSeller || r == RoleMediator
}

// Registry resolves roles and display labels. Labels are for listing and
// search only and must never drive authorization.
type Registry interface {
	RoleOf(ctx context.Context, disputeID uuid.UUID, actorID string) (Role, error)
	LabelOf(ctx context.Context, identityID string) (string, error)
}
