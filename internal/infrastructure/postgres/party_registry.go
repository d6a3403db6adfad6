package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mediation-hub/mediation-hub/internal/domain/party"
)

// PartyRegistry implements party.Registry from the disputes, mediators and
// party_labels tables.
type PartyRegistry struct {
	pool *pgxpool.Pool
}

func NewPartyRegistry(pool *pgxpool.Pool) *PartyRegistry {
	return &PartyRegistry{pool: pool}
}

// RoleOf prefers the party role on the dispute over staff membership.
func (r *PartyRegistry) RoleOf(ctx context.Context, disputeID uuid.UUID, actorID string) (party.Role, error) {
	var buyer, seller string
	err := r.pool.QueryRow(ctx, `SELECT buyer_id, seller_id FROM disputes WHERE id=$1`, disputeID).Scan(&buyer, &seller)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return party.RoleNone, nil
	case err != nil:
		return party.RoleNone, err
	}
	switch actorID {
	case buyer:
		return party.RoleBuyer, nil
	case seller:
		return party.RoleSeller, nil
	}
	staff, err := r.IsStaff(ctx, actorID)
	if err != nil {
		return party.RoleNone, err
	}
	if staff {
		return party.RoleMediator, nil
	}
	return party.RoleNone, nil
}

// IsStaff reports whether actorID is an active mediator.
func (r *PartyRegistry) IsStaff(ctx context.Context, actorID string) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM mediators WHERE actor_id=$1 AND active)`, actorID).Scan(&ok)
	return ok, err
}

// LabelOf falls back to the identity itself when no label is stored.
func (r *PartyRegistry) LabelOf(ctx context.Context, identityID string) (string, error) {
	var label string
	err := r.pool.QueryRow(ctx, `SELECT label FROM party_labels WHERE identity_id=$1`, identityID).Scan(&label)
	if errors.Is(err, pgx.ErrNoRows) {
		return identityID, nil
	}
	if err != nil {
		return "", err
	}
	return label, nil
}

// AddMediator activates actorID as mediator staff.
func (r *PartyRegistry) AddMediator(ctx context.Context, actorID string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO mediators (actor_id, active) VALUES ($1, TRUE)
		ON CONFLICT (actor_id) DO UPDATE SET active=TRUE
	`, actorID)
	return err
}

// SetLabel stores the display label for an identity.
func (r *PartyRegistry) SetLabel(ctx context.Context, identityID, label string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO party_labels (identity_id, label, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (identity_id) DO UPDATE SET label=EXCLUDED.label, updated_at=NOW()
	`, identityID, label)
	return err
}
