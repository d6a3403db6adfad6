package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mediation-hub/mediation-hub/internal/domain/dispute"
	"github.com/mediation-hub/mediation-hub/internal/domain/notification"
)

const eventColumns = `id, event_id, kind, dispute_id, actor_id, recipients, payload, status, attempts, max_attempts,
	last_error, next_attempt_at, expires_at, created_at, delivered_at`

// ClaimDue leases due events with FOR UPDATE SKIP LOCKED so several relays
// can drain the outbox without claiming the same row.
func (s *DisputeStore) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*notification.Event, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE dispute_outbox SET next_attempt_at=$3
		WHERE id IN (
			SELECT id FROM dispute_outbox
			WHERE (status=$4 OR (status=$5 AND attempts < max_attempts)) AND next_attempt_at <= $1
			ORDER BY id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+eventColumns,
		now, limit, now.Add(lease), notification.StatusPending, notification.StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("claim events: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*notification.Event, error) {
		return scanEvent(row)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Save persists the delivery state of an event.
func (s *DisputeStore) Save(ctx context.Context, ev *notification.Event) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dispute_outbox SET status=$2, attempts=$3, last_error=$4, next_attempt_at=$5, delivered_at=$6
		WHERE event_id=$1
	`, ev.EventID, ev.Status, ev.Attempts, ev.LastError, ev.NextAttemptAt, ev.DeliveredAt)
	if err != nil {
		return fmt.Errorf("save event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return dispute.ErrNotFound
	}
	return nil
}

func insertEvents(ctx context.Context, tx pgx.Tx, events []*notification.Event) error {
	for _, ev := range events {
		recipients := ev.Recipients
		if recipients == nil {
			recipients = []string{}
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO dispute_outbox
			(event_id, kind, dispute_id, actor_id, recipients, payload, status, attempts, max_attempts, last_error, next_attempt_at, expires_at, created_at, delivered_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		`, ev.EventID, ev.Kind, ev.DisputeID, ev.ActorID, recipients, ev.Payload, ev.Status, ev.Attempts, ev.MaxAttempts,
			ev.LastError, ev.NextAttemptAt, ev.ExpiresAt, ev.CreatedAt, ev.DeliveredAt)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	return nil
}

func scanEvent(row pgx.Row) (*notification.Event, error) {
	var ev notification.Event
	err := row.Scan(&ev.ID, &ev.EventID, &ev.Kind, &ev.DisputeID, &ev.ActorID, &ev.Recipients, &ev.Payload, &ev.Status,
		&ev.Attempts, &ev.MaxAttempts, &ev.LastError, &ev.NextAttemptAt, &ev.ExpiresAt, &ev.CreatedAt, &ev.DeliveredAt)
	if err != nil {
		return nil, err
	}
	ev.NextAttemptAt = ev.NextAttemptAt.UTC()
	ev.CreatedAt = ev.CreatedAt.UTC()
	return &ev, nil
}
