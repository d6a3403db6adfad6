// Package memory is an in-process store for disputes, ledgers and the outbox.
// It backs tests and single-node deployments that do not need durability.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mediation-hub/mediation-hub/internal/domain/dispute"
	"github.com/mediation-hub/mediation-hub/internal/domain/notification"
)

type record struct {
	mu       sync.Mutex
	d        dispute.Dispute
	messages []dispute.Message
}

// Store implements dispute.Repository and notification.Outbox.
//
// The index lock only guards map lookups; every read-check-write on a
// dispute runs under that dispute's own mutex.
type Store struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*record

	outboxMu sync.Mutex
	outbox   []*notification.Event
	nextID   int64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{records: make(map[uuid.UUID]*record)}
}

func (s *Store) Create(ctx context.Context, d *dispute.Dispute, opening *dispute.Message, events []*notification.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d == nil || opening == nil || opening.Sequence != 1 || opening.DisputeID != d.ID {
		return dispute.ErrInvalidInput
	}
	rec := &record{d: *d, messages: []dispute.Message{*opening}}
	rec.d.LastSequence = 1

	s.mu.Lock()
	if _, ok := s.records[d.ID]; ok {
		s.mu.Unlock()
		return dispute.ErrInvalidInput
	}
	s.records[d.ID] = rec
	s.enqueue(events)
	s.mu.Unlock()
	return nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*dispute.Dispute, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec := s.lookup(id)
	if rec == nil {
		return nil, dispute.ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	d := rec.d
	return &d, nil
}

func (s *Store) Update(ctx context.Context, id uuid.UUID, mutate dispute.Mutation) (*dispute.Dispute, error) {
	rec := s.lookup(id)
	if rec == nil {
		return nil, dispute.ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	work := rec.d
	events, err := mutate(&work)
	if err != nil {
		return nil, err
	}
	work.ID = rec.d.ID
	work.LastSequence = rec.d.LastSequence
	work.Revision = rec.d.Revision + 1
	rec.d = work
	s.enqueue(events)

	out := rec.d
	return &out, nil
}

func (s *Store) Append(ctx context.Context, msg *dispute.Message, fn dispute.AppendFunc) (*dispute.Dispute, error) {
	rec := s.lookup(msg.DisputeID)
	if rec == nil {
		return nil, dispute.ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	work := rec.d
	m := *msg
	m.Sequence = work.LastSequence + 1
	work.LastSequence = m.Sequence
	var events []*notification.Event
	if fn != nil {
		var err error
		if events, err = fn(&work, &m); err != nil {
			return nil, err
		}
	}
	work.ID = rec.d.ID
	work.LastSequence = m.Sequence
	work.Revision = rec.d.Revision + 1

	rec.messages = append(rec.messages, m)
	rec.d = work
	s.enqueue(events)

	msg.Sequence = m.Sequence
	out := rec.d
	return &out, nil
}

func (s *Store) ListMessages(ctx context.Context, disputeID uuid.UUID, afterSequence int64, limit int) ([]*dispute.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec := s.lookup(disputeID)
	if rec == nil {
		return []*dispute.Message{}, nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	// sequence n lives at index n-1
	start := int(afterSequence)
	if start < 0 {
		start = 0
	}
	out := make([]*dispute.Message, 0)
	for i := start; i < len(rec.messages); i++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		m := rec.messages[i]
		out = append(out, &m)
	}
	return out, nil
}

func (s *Store) ForEach(ctx context.Context, fn func(*dispute.Dispute) error) error {
	s.mu.RLock()
	recs := make([]*record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec.mu.Lock()
		d := rec.d
		rec.mu.Unlock()
		if err := fn(&d); err != nil {
			return err
		}
	}
	return nil
}

// ClaimDue implements notification.Outbox.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*notification.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()

	out := make([]*notification.Event, 0)
	for _, ev := range s.outbox {
		if limit > 0 && len(out) >= limit {
			break
		}
		due := ev.Status == notification.StatusPending || ev.CanRetry(now)
		if !due || ev.NextAttemptAt.After(now) {
			continue
		}
		ev.NextAttemptAt = now.Add(lease)
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}

// Save implements notification.Outbox.
func (s *Store) Save(ctx context.Context, event *notification.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()
	for i, ev := range s.outbox {
		if ev.EventID == event.EventID {
			cp := *event
			s.outbox[i] = &cp
			return nil
		}
	}
	return dispute.ErrNotFound
}

// Events returns a snapshot of the outbox in insertion order.
func (s *Store) Events() []notification.Event {
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()
	out := make([]notification.Event, 0, len(s.outbox))
	for _, ev := range s.outbox {
		out = append(out, *ev)
	}
	return out
}

func (s *Store) lookup(id uuid.UUID) *record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[id]
}

func (s *Store) enqueue(events []*notification.Event) {
	if len(events) == 0 {
		return
	}
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()
	for _, ev := range events {
		s.nextID++
		cp := *ev
		cp.ID = s.nextID
		s.outbox = append(s.outbox, &cp)
	}
}
