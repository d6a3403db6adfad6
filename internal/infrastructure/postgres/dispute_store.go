package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mediation-hub/mediation-hub/internal/domain/dispute"
	"github.com/mediation-hub/mediation-hub/internal/domain/notification"
)

const disputeColumns = `id, subject_ref, buyer_id, seller_id, reason, priority, status, assigned_mediator,
	opened_at, last_transition_at, version, last_sequence, revision, updated_at`

// DisputeStore implements dispute.Repository and notification.Outbox.
//
// Writes lock the dispute row with SELECT ... FOR UPDATE, so operations on one
// dispute serialize while different disputes proceed in parallel. The message
// insert, the dispute update and the outbox rows commit in one transaction.
type DisputeStore struct {
	pool       *pgxpool.Pool
	maxRetries int
}

func NewDisputeStore(pool *pgxpool.Pool) *DisputeStore {
	return &DisputeStore{pool: pool, maxRetries: 3}
}

func (s *DisputeStore) Create(ctx context.Context, d *dispute.Dispute, opening *dispute.Message, events []*notification.Event) error {
	if opening == nil || opening.Sequence != 1 || opening.DisputeID != d.ID {
		return dispute.ErrInvalidInput
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO disputes (`+disputeColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		`, d.ID, d.SubjectRef, d.BuyerID, d.SellerID, d.Reason, d.Priority, d.Status, d.AssignedMediator,
			d.OpenedAt, d.LastTransitionAt, d.Version, int64(1), d.Revision, d.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert dispute: %w", err)
		}
		if err := insertMessage(ctx, tx, opening); err != nil {
			return err
		}
		return insertEvents(ctx, tx, events)
	})
}

func (s *DisputeStore) Get(ctx context.Context, id uuid.UUID) (*dispute.Dispute, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id=$1`, id)
	return scanDispute(row)
}

func (s *DisputeStore) Update(ctx context.Context, id uuid.UUID, mutate dispute.Mutation) (*dispute.Dispute, error) {
	var out *dispute.Dispute
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		cur, err := lockDispute(ctx, tx, id)
		if err != nil {
			return err
		}
		work := *cur
		events, err := mutate(&work)
		if err != nil {
			return err
		}
		work.ID = cur.ID
		work.LastSequence = cur.LastSequence
		work.Revision = cur.Revision + 1
		if err := updateDispute(ctx, tx, &work); err != nil {
			return err
		}
		if err := insertEvents(ctx, tx, events); err != nil {
			return err
		}
		out = &work
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *DisputeStore) Append(ctx context.Context, msg *dispute.Message, fn dispute.AppendFunc) (*dispute.Dispute, error) {
	var out *dispute.Dispute
	var seq int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		cur, err := lockDispute(ctx, tx, msg.DisputeID)
		if err != nil {
			return err
		}
		work := *cur
		m := *msg
		m.Sequence = cur.LastSequence + 1
		work.LastSequence = m.Sequence
		var events []*notification.Event
		if fn != nil {
			if events, err = fn(&work, &m); err != nil {
				return err
			}
		}
		work.ID = cur.ID
		work.LastSequence = m.Sequence
		work.Revision = cur.Revision + 1

		if err := insertMessage(ctx, tx, &m); err != nil {
			return err
		}
		if err := updateDispute(ctx, tx, &work); err != nil {
			return err
		}
		if err := insertEvents(ctx, tx, events); err != nil {
			return err
		}
		seq = m.Sequence
		out = &work
		return nil
	})
	if err != nil {
		return nil, err
	}
	msg.Sequence = seq
	return out, nil
}

func (s *DisputeStore) ListMessages(ctx context.Context, disputeID uuid.UUID, afterSequence int64, limit int) ([]*dispute.Message, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, dispute_id, author_id, author_role, body, sequence, created_at
		FROM dispute_messages WHERE dispute_id=$1 AND sequence > $2
		ORDER BY sequence ASC LIMIT $3
	`, disputeID, afterSequence, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*dispute.Message, 0)
	for rows.Next() {
		var m dispute.Message
		if err := rows.Scan(&m.ID, &m.DisputeID, &m.AuthorID, &m.AuthorRole, &m.Body, &m.Sequence, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *DisputeStore) ForEach(ctx context.Context, fn func(*dispute.Dispute) error) error {
	rows, err := s.pool.Query(ctx, `SELECT `+disputeColumns+` FROM disputes ORDER BY opened_at DESC, id ASC`)
	if err != nil {
		return err
	}
	all, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*dispute.Dispute, error) {
		return scanDispute(row)
	})
	if err != nil {
		return err
	}
	for _, d := range all {
		if err := fn(d); err != nil {
			return err
		}
	}
	return nil
}

// withTx runs fn in a transaction and retries it on serialization failures,
// deadlocks and unique violations.
func (s *DisputeStore) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		err = pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, fn)
		if err == nil || !isRetryable(err) {
			return err
		}
	}
	return err
}

func lockDispute(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*dispute.Dispute, error) {
	row := tx.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id=$1 FOR UPDATE`, id)
	return scanDispute(row)
}

func updateDispute(ctx context.Context, tx pgx.Tx, d *dispute.Dispute) error {
	_, err := tx.Exec(ctx, `
		UPDATE disputes SET priority=$2, status=$3, assigned_mediator=$4, last_transition_at=$5,
			version=$6, last_sequence=$7, revision=$8, updated_at=$9
		WHERE id=$1
	`, d.ID, d.Priority, d.Status, d.AssignedMediator, d.LastTransitionAt, d.Version, d.LastSequence, d.Revision, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update dispute: %w", err)
	}
	return nil
}

func insertMessage(ctx context.Context, tx pgx.Tx, m *dispute.Message) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO dispute_messages (id, dispute_id, author_id, author_role, body, sequence, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, m.ID, m.DisputeID, m.AuthorID, m.AuthorRole, m.Body, m.Sequence, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func scanDispute(row pgx.Row) (*dispute.Dispute, error) {
	var d dispute.Dispute
	err := row.Scan(&d.ID, &d.SubjectRef, &d.BuyerID, &d.SellerID, &d.Reason, &d.Priority, &d.Status, &d.AssignedMediator,
		&d.OpenedAt, &d.LastTransitionAt, &d.Version, &d.LastSequence, &d.Revision, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, dispute.ErrNotFound
		}
		return nil, err
	}
	d.OpenedAt = d.OpenedAt.UTC()
	d.LastTransitionAt = d.LastTransitionAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}
