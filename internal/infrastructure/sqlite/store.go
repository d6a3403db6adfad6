// Package sqlite is an embedded dispute store on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mediation-hub/mediation-hub/internal/domain/dispute"
	"github.com/mediation-hub/mediation-hub/internal/domain/notification"
	"github.com/mediation-hub/mediation-hub/internal/domain/party"
)

// fixed width so lexical order matches time order
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements dispute.Repository and notification.Outbox.
//
// SQLite has a single writer, so the pool is pinned to one connection and
// every mutation runs in one transaction on it.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and migrates it.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: wal: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS disputes (
			id                 TEXT PRIMARY KEY,
			subject_ref        TEXT NOT NULL,
			buyer_id           TEXT NOT NULL,
			seller_id          TEXT NOT NULL,
			reason             TEXT NOT NULL,
			priority           TEXT NOT NULL,
			status             TEXT NOT NULL,
			assigned_mediator  TEXT NOT NULL DEFAULT '',
			opened_at          TEXT NOT NULL,
			last_transition_at TEXT NOT NULL,
			version            INTEGER NOT NULL DEFAULT 0,
			last_sequence      INTEGER NOT NULL DEFAULT 0,
			revision           INTEGER NOT NULL DEFAULT 0,
			updated_at         TEXT NOT NULL,
			CHECK (buyer_id <> seller_id)
		);

		CREATE TABLE IF NOT EXISTS dispute_messages (
			id          TEXT PRIMARY KEY,
			dispute_id  TEXT NOT NULL REFERENCES disputes(id),
			author_id   TEXT NOT NULL,
			author_role TEXT NOT NULL,
			body        TEXT NOT NULL,
			sequence    INTEGER NOT NULL,
			created_at  TEXT NOT NULL,
			UNIQUE (dispute_id, sequence)
		);

		CREATE TABLE IF NOT EXISTS dispute_outbox (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id        TEXT NOT NULL UNIQUE,
			kind            TEXT NOT NULL,
			dispute_id      TEXT NOT NULL,
			actor_id        TEXT NOT NULL,
			recipients      TEXT NOT NULL DEFAULT '[]',
			payload         TEXT NOT NULL DEFAULT '{}',
			status          TEXT NOT NULL,
			attempts        INTEGER NOT NULL DEFAULT 0,
			max_attempts    INTEGER NOT NULL,
			last_error      TEXT,
			next_attempt_at TEXT NOT NULL,
			expires_at      TEXT,
			created_at      TEXT NOT NULL,
			delivered_at    TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_disputes_status ON disputes(status, opened_at);
		CREATE INDEX IF NOT EXISTS idx_outbox_due ON dispute_outbox(status, next_attempt_at);
	`)
	if err != nil {
		return fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return nil
}

const disputeColumns = `id, subject_ref, buyer_id, seller_id, reason, priority, status, assigned_mediator,
	opened_at, last_transition_at, version, last_sequence, revision, updated_at`

func (s *Store) Create(ctx context.Context, d *dispute.Dispute, opening *dispute.Message, events []*notification.Event) error {
	if opening == nil || opening.Sequence != 1 || opening.DisputeID != d.ID {
		return dispute.ErrInvalidInput
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO disputes (`+disputeColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID.String(), d.SubjectRef, d.BuyerID, d.SellerID, d.Reason, string(d.Priority), string(d.Status),
			d.AssignedMediator, fmtTime(d.OpenedAt), fmtTime(d.LastTransitionAt), d.Version, int64(1), d.Revision, fmtTime(d.UpdatedAt))
		if err != nil {
			return fmt.Errorf("sqlite store: insert dispute: %w", err)
		}
		if err := insertMessage(ctx, tx, opening); err != nil {
			return err
		}
		return insertEvents(ctx, tx, events)
	})
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*dispute.Dispute, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = ?`, id.String())
	return scanDispute(row)
}

func (s *Store) Update(ctx context.Context, id uuid.UUID, mutate dispute.Mutation) (*dispute.Dispute, error) {
	var out *dispute.Dispute
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := scanDispute(tx.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = ?`, id.String()))
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

func (s *Store) Append(ctx context.Context, msg *dispute.Message, fn dispute.AppendFunc) (*dispute.Dispute, error) {
	var out *dispute.Dispute
	var seq int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := scanDispute(tx.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = ?`, msg.DisputeID.String()))
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

func (s *Store) ListMessages(ctx context.Context, disputeID uuid.UUID, afterSequence int64, limit int) ([]*dispute.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, dispute_id, author_id, author_role, body, sequence, created_at
		FROM dispute_messages WHERE dispute_id = ? AND sequence > ?
		ORDER BY sequence ASC LIMIT ?`, disputeID.String(), afterSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list messages: %w", err)
	}
	defer rows.Close()

	out := make([]*dispute.Message, 0)
	for rows.Next() {
		var m dispute.Message
		var id, did, role, created string
		if err := rows.Scan(&id, &did, &m.AuthorID, &role, &m.Body, &m.Sequence, &created); err != nil {
			return nil, fmt.Errorf("sqlite store: scan message: %w", err)
		}
		m.ID, _ = uuid.Parse(id)
		m.DisputeID, _ = uuid.Parse(did)
		m.AuthorRole = party.Role(role)
		m.CreatedAt = parseTime(created)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *Store) ForEach(ctx context.Context, fn func(*dispute.Dispute) error) error {
	// drain before calling fn; the single connection must be free for callers
	rows, err := s.db.QueryContext(ctx, `SELECT `+disputeColumns+` FROM disputes ORDER BY opened_at DESC, id ASC`)
	if err != nil {
		return fmt.Errorf("sqlite store: scan disputes: %w", err)
	}
	var all []*dispute.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			rows.Close()
			return err
		}
		all = append(all, d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, d := range all {
		if err := fn(d); err != nil {
			return err
		}
	}
	return nil
}

// ClaimDue implements notification.Outbox.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*notification.Event, error) {
	var out []*notification.Event
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, event_id, kind, dispute_id, actor_id, recipients, payload, status, attempts, max_attempts,
				last_error, next_attempt_at, expires_at, created_at, delivered_at
			FROM dispute_outbox
			WHERE (status = ? OR (status = ? AND attempts < max_attempts)) AND next_attempt_at <= ?
			ORDER BY id ASC LIMIT ?`,
			string(notification.StatusPending), string(notification.StatusFailed), fmtTime(now), limit)
		if err != nil {
			return fmt.Errorf("sqlite store: claim events: %w", err)
		}
		for rows.Next() {
			ev, err := scanEvent(rows)
			if err != nil {
				rows.Close()
				return err
			}
			out = append(out, ev)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		leaseUntil := now.Add(lease)
		for _, ev := range out {
			if _, err := tx.ExecContext(ctx, `UPDATE dispute_outbox SET next_attempt_at = ? WHERE id = ?`, fmtTime(leaseUntil), ev.ID); err != nil {
				return fmt.Errorf("sqlite store: lease event: %w", err)
			}
			ev.NextAttemptAt = leaseUntil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*notification.Event{}
	}
	return out, nil
}

// Save implements notification.Outbox.
func (s *Store) Save(ctx context.Context, ev *notification.Event) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dispute_outbox SET status = ?, attempts = ?, last_error = ?, next_attempt_at = ?, delivered_at = ?
		WHERE event_id = ?`,
		string(ev.Status), ev.Attempts, ev.LastError, fmtTime(ev.NextAttemptAt), fmtTimePtr(ev.DeliveredAt), ev.EventID.String())
	if err != nil {
		return fmt.Errorf("sqlite store: save event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return dispute.ErrNotFound
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite store: commit: %w", err)
	}
	return nil
}

func updateDispute(ctx context.Context, tx *sql.Tx, d *dispute.Dispute) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE disputes SET priority = ?, status = ?, assigned_mediator = ?, last_transition_at = ?,
			version = ?, last_sequence = ?, revision = ?, updated_at = ?
		WHERE id = ?`,
		string(d.Priority), string(d.Status), d.AssignedMediator, fmtTime(d.LastTransitionAt),
		d.Version, d.LastSequence, d.Revision, fmtTime(d.UpdatedAt), d.ID.String())
	if err != nil {
		return fmt.Errorf("sqlite store: update dispute: %w", err)
	}
	return nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, m *dispute.Message) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO dispute_messages (id, dispute_id, author_id, author_role, body, sequence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.DisputeID.String(), m.AuthorID, string(m.AuthorRole), m.Body, m.Sequence, fmtTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlite store: insert message: %w", err)
	}
	return nil
}

func insertEvents(ctx context.Context, tx *sql.Tx, events []*notification.Event) error {
	for _, ev := range events {
		recipients, _ := json.Marshal(ev.Recipients)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO dispute_outbox (event_id, kind, dispute_id, actor_id, recipients, payload, status, attempts,
				max_attempts, last_error, next_attempt_at, expires_at, created_at, delivered_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.EventID.String(), string(ev.Kind), ev.DisputeID.String(), ev.ActorID, string(recipients), string(ev.Payload),
			string(ev.Status), ev.Attempts, ev.MaxAttempts, ev.LastError, fmtTime(ev.NextAttemptAt),
			fmtTimePtr(ev.ExpiresAt), fmtTime(ev.CreatedAt), fmtTimePtr(ev.DeliveredAt))
		if err != nil {
			return fmt.Errorf("sqlite store: insert event: %w", err)
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDispute(row scanner) (*dispute.Dispute, error) {
	var d dispute.Dispute
	var id, priority, status, openedAt, lastTransitionAt, updatedAt string
	err := row.Scan(&id, &d.SubjectRef, &d.BuyerID, &d.SellerID, &d.Reason, &priority, &status, &d.AssignedMediator,
		&openedAt, &lastTransitionAt, &d.Version, &d.LastSequence, &d.Revision, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, dispute.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite store: scan dispute: %w", err)
	}
	d.ID, _ = uuid.Parse(id)
	d.Priority = dispute.Priority(priority)
	d.Status = dispute.Status(status)
	d.OpenedAt = parseTime(openedAt)
	d.LastTransitionAt = parseTime(lastTransitionAt)
	d.UpdatedAt = parseTime(updatedAt)
	return &d, nil
}

func scanEvent(row scanner) (*notification.Event, error) {
	var ev notification.Event
	var eventID, kind, disputeID, recipients, payload, status, nextAttempt, created string
	var lastError, expires, delivered sql.NullString
	err := row.Scan(&ev.ID, &eventID, &kind, &disputeID, &ev.ActorID, &recipients, &payload, &status, &ev.Attempts,
		&ev.MaxAttempts, &lastError, &nextAttempt, &expires, &created, &delivered)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: scan event: %w", err)
	}
	ev.EventID, _ = uuid.Parse(eventID)
	ev.DisputeID, _ = uuid.Parse(disputeID)
	ev.Kind = notification.Kind(kind)
	ev.Status = notification.Status(status)
	ev.Payload = json.RawMessage(payload)
	_ = json.Unmarshal([]byte(recipients), &ev.Recipients)
	if lastError.Valid {
		ev.LastError = &lastError.String
	}
	ev.NextAttemptAt = parseTime(nextAttempt)
	ev.CreatedAt = parseTime(created)
	if expires.Valid {
		t := parseTime(expires.String)
		ev.ExpiresAt = &t
	}
	if delivered.Valid {
		t := parseTime(delivered.String)
		ev.DeliveredAt = &t
	}
	return &ev, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fmtTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := fmtTime(*t)
	return &v
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}
