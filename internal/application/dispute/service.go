package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mediation-hub/mediation-hub/internal/application/directory"
	"github.com/mediation-hub/mediation-hub/internal/domain/dispute"
	"github.com/mediation-hub/mediation-hub/internal/domain/notification"
	"github.com/mediation-hub/mediation-hub/internal/domain/party"
)

// Options bounds the external calls the service makes.
type Options struct {
	RegistryTimeout time.Duration
	StoreTimeout    time.Duration
	PageSize        int
	MaxAttempts     int
}

func (o Options) withDefaults() Options {
	if o.RegistryTimeout <= 0 {
		o.RegistryTimeout = 2 * time.Second
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 5 * time.Second
	}
	if o.PageSize <= 0 {
		o.PageSize = 100
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = notification.DefaultMaxAttempts
	}
	return o
}

// OpenRequest carries the fields needed to open a dispute.
type OpenRequest struct {
	SubjectRef     string
	BuyerID        string
	SellerID       string
	Reason         string
	Priority       string
	OpeningMessage string
}

// Service runs the dispute state machine and message ledger, and keeps the
// directory projection in step with every committed write.
type Service struct {
	repo     dispute.Repository
	registry party.Registry
	dir      *directory.Directory
	opts     Options
	now      func() time.Time
	logger   zerolog.Logger
}

// NewService creates a dispute service.
func NewService(repo dispute.Repository, registry party.Registry, dir *directory.Directory, opts Options, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		registry: registry,
		dir:      dir,
		opts:     opts.withDefaults(),
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		logger:   logger.With().Str("service", "dispute").Logger(),
	}
}

// OpenDispute creates a dispute in abierta together with its opening message.
func (s *Service) OpenDispute(ctx context.Context, req OpenRequest) (*dispute.Dispute, error) {
	priority := dispute.PriorityMedium
	if strings.TrimSpace(req.Priority) != "" {
		p, err := dispute.ParsePriority(req.Priority)
		if err != nil {
			return nil, err
		}
		priority = p
	}

	now := s.now()
	d, err := dispute.New(req.SubjectRef, req.BuyerID, req.SellerID, req.Reason, priority, now)
	if err != nil {
		return nil, err
	}
	opening, err := dispute.NewMessage(d.ID, d.BuyerID, party.RoleBuyer, req.OpeningMessage, now)
	if err != nil {
		return nil, err
	}
	opening.Sequence = 1
	d.LastSequence = 1
	d.Revision = 1

	ev := s.newEvent(notification.KindOpened, d, d.BuyerID, mustJSON(map[string]interface{}{
		"subjectRef":       d.SubjectRef,
		"buyerId":          d.BuyerID,
		"sellerId":         d.SellerID,
		"reason":           d.Reason,
		"priority":         d.Priority,
		"status":           d.Status,
		"openingMessageId": opening.ID,
	}), now)

	sctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	if err := s.repo.Create(sctx, d, opening, []*notification.Event{ev}); err != nil {
		return nil, storeError("create dispute", err)
	}

	s.dir.Apply(ctx, d)
	s.logger.Info().
		Str("dispute_id", d.ID.String()).
		Str("buyer_id", d.BuyerID).
		Str("seller_id", d.SellerID).
		Str("priority", string(d.Priority)).
		Msg("dispute opened")
	return d, nil
}

// GetDispute returns the current state of a dispute.
func (s *Service) GetDispute(ctx context.Context, id uuid.UUID) (*dispute.Dispute, error) {
	sctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	d, err := s.repo.Get(sctx, id)
	if err != nil {
		return nil, storeError("get dispute", err)
	}
	return d, nil
}

// AppendMessage records a message from any participant, in any status.
func (s *Service) AppendMessage(ctx context.Context, disputeID uuid.UUID, actorID, body string) (*dispute.Message, error) {
	if strings.TrimSpace(body) == "" {
		return nil, dispute.ErrEmptyBody
	}
	if _, err := s.GetDispute(ctx, disputeID); err != nil {
		return nil, err
	}
	role, err := s.roleOf(ctx, disputeID, actorID)
	if err != nil {
		return nil, err
	}
	if !role.IsParticipant() {
		return nil, dispute.ErrUnauthorized
	}

	now := s.now()
	msg, err := dispute.NewMessage(disputeID, actorID, role, body, now)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	d, err := s.repo.Append(sctx, msg, func(d *dispute.Dispute, m *dispute.Message) ([]*notification.Event, error) {
		if role == party.RoleMediator && d.AssignedMediator == "" {
			d.AssignedMediator = actorID
		}
		d.UpdatedAt = now
		ev := s.newEvent(notification.KindMessageAppended, d, actorID, mustJSON(map[string]interface{}{
			"messageId":  m.ID,
			"sequence":   m.Sequence,
			"authorRole": m.AuthorRole,
			"body":       m.Body,
		}), now)
		return []*notification.Event{ev}, nil
	})
	if err != nil {
		return nil, storeError("append message", err)
	}

	s.dir.Apply(ctx, d)
	s.logger.Debug().
		Str("dispute_id", disputeID.String()).
		Str("actor_id", actorID).
		Int64("sequence", msg.Sequence).
		Msg("message appended")
	return msg, nil
}

// Transition moves a dispute along a permitted edge on behalf of a mediator.
// A caller that loses a race gets ErrVersionConflict and must re-read.
func (s *Service) Transition(ctx context.Context, disputeID uuid.UUID, target string, expectedVersion int64, actorID string) (*dispute.Dispute, error) {
	if _, err := s.GetDispute(ctx, disputeID); err != nil {
		return nil, err
	}
	if err := s.requireMediator(ctx, disputeID, actorID); err != nil {
		return nil, err
	}
	to, err := dispute.ParseStatus(target)
	if err != nil {
		return nil, dispute.ErrInvalidTransition
	}

	now := s.now()
	sctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	var from dispute.Status
	d, err := s.repo.Update(sctx, disputeID, func(d *dispute.Dispute) ([]*notification.Event, error) {
		from = d.Status
		if err := d.TransitionTo(to, expectedVersion, actorID, now); err != nil {
			return nil, err
		}
		ev := s.newEvent(notification.KindStatusChanged, d, actorID, mustJSON(map[string]interface{}{
			"from":    from,
			"to":      d.Status,
			"version": d.Version,
		}), now)
		return []*notification.Event{ev}, nil
	})
	if err != nil {
		return nil, storeError("transition", err)
	}

	s.dir.Apply(ctx, d)
	s.logger.Info().
		Str("dispute_id", disputeID.String()).
		Str("actor_id", actorID).
		Str("from", string(from)).
		Str("to", string(d.Status)).
		Int64("version", d.Version).
		Msg("dispute transitioned")
	return d, nil
}

// SetPriority changes a dispute's priority. Only mediators may do it; status
// and version are untouched.
func (s *Service) SetPriority(ctx context.Context, disputeID uuid.UUID, priority string, actorID string) (*dispute.Dispute, error) {
	p, err := dispute.ParsePriority(priority)
	if err != nil {
		return nil, err
	}
	if _, err := s.GetDispute(ctx, disputeID); err != nil {
		return nil, err
	}
	if err := s.requireMediator(ctx, disputeID, actorID); err != nil {
		return nil, err
	}

	now := s.now()
	sctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	d, err := s.repo.Update(sctx, disputeID, func(d *dispute.Dispute) ([]*notification.Event, error) {
		from := d.Priority
		d.SetPriority(p, now)
		ev := s.newEvent(notification.KindPriorityChanged, d, actorID, mustJSON(map[string]interface{}{
			"from": from,
			"to":   p,
		}), now)
		return []*notification.Event{ev}, nil
	})
	if err != nil {
		return nil, storeError("set priority", err)
	}
	s.dir.Apply(ctx, d)
	return d, nil
}

// ListMessages yields the ledger in sequence order starting after
// afterSequence. Each range over the result re-reads the store page by page.
func (s *Service) ListMessages(ctx context.Context, disputeID uuid.UUID, afterSequence int64) iter.Seq2[*dispute.Message, error] {
	return func(yield func(*dispute.Message, error) bool) {
		if _, err := s.GetDispute(ctx, disputeID); err != nil {
			yield(nil, err)
			return
		}
		cursor := afterSequence
		for {
			page, err := s.listPage(ctx, disputeID, cursor, s.opts.PageSize)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, m := range page {
				if !yield(m, nil) {
					return
				}
				cursor = m.Sequence
			}
			if len(page) < s.opts.PageSize {
				return
			}
		}
	}
}

// MessagesPage returns one page of the ledger and the cursor for the next
// page, or 0 when the page is the last one.
func (s *Service) MessagesPage(ctx context.Context, disputeID uuid.UUID, afterSequence int64, limit int) ([]*dispute.Message, int64, error) {
	if limit <= 0 || limit > s.opts.PageSize {
		limit = s.opts.PageSize
	}
	if _, err := s.GetDispute(ctx, disputeID); err != nil {
		return nil, 0, err
	}
	page, err := s.listPage(ctx, disputeID, afterSequence, limit+1)
	if err != nil {
		return nil, 0, err
	}
	if len(page) > limit {
		page = page[:limit]
		return page, page[limit-1].Sequence, nil
	}
	return page, 0, nil
}

// ListByStatus returns disputes in status ("all" for every status), newest first.
func (s *Service) ListByStatus(status string) ([]dispute.Dispute, error) {
	return s.dir.ListByStatus(status)
}

// Search matches query against subject, buyer and seller labels.
func (s *Service) Search(query string) []dispute.Dispute {
	return s.dir.Search(query)
}

// List returns directory entries matching f.
func (s *Service) List(f directory.Filter) ([]dispute.Dispute, error) {
	return s.dir.List(f)
}

// RebuildDirectory re-derives the directory from the store.
func (s *Service) RebuildDirectory(ctx context.Context) error {
	if err := s.dir.Rebuild(ctx, s.repo); err != nil {
		return storeError("rebuild directory", err)
	}
	return nil
}

func (s *Service) listPage(ctx context.Context, disputeID uuid.UUID, after int64, limit int) ([]*dispute.Message, error) {
	sctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	page, err := s.repo.ListMessages(sctx, disputeID, after, limit)
	if err != nil {
		return nil, storeError("list messages", err)
	}
	return page, nil
}

func (s *Service) requireMediator(ctx context.Context, disputeID uuid.UUID, actorID string) error {
	role, err := s.roleOf(ctx, disputeID, actorID)
	if err != nil {
		return err
	}
	if role != party.RoleMediator {
		return dispute.ErrUnauthorized
	}
	return nil
}

// roleOf fails closed: any registry error is reported, never read as a role.
func (s *Service) roleOf(ctx context.Context, disputeID uuid.UUID, actorID string) (party.Role, error) {
	if strings.TrimSpace(actorID) == "" {
		return party.RoleNone, nil
	}
	rctx, cancel := context.WithTimeout(ctx, s.opts.RegistryTimeout)
	defer cancel()
	role, err := s.registry.RoleOf(rctx, disputeID, actorID)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("dispute_id", disputeID.String()).
			Str("actor_id", actorID).
			Msg("party registry unavailable")
		return party.RoleNone, fmt.Errorf("%w: role lookup: %w", dispute.ErrDependencyUnavailable, err)
	}
	if role == "" {
		role = party.RoleNone
	}
	return role, nil
}

var domainErrors = []error{
	dispute.ErrNotFound,
	dispute.ErrUnauthorized,
	dispute.ErrInvalidTransition,
	dispute.ErrVersionConflict,
	dispute.ErrEmptyBody,
	dispute.ErrInvalidInput,
	dispute.ErrDependencyUnavailable,
}

// storeError passes domain errors through and reports everything else as an
// unavailable dependency.
func storeError(op string, err error) error {
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return err
		}
	}
	return fmt.Errorf("%w: %s: %w", dispute.ErrDependencyUnavailable, op, err)
}

func (s *Service) newEvent(kind notification.Kind, d *dispute.Dispute, actorID string, payload json.RawMessage, now time.Time) *notification.Event {
	ev := notification.NewEvent(kind, d.ID, actorID, d.RecipientsExcept(actorID), payload, now)
	ev.MaxAttempts = s.opts.MaxAttempts
	return ev
}

func mustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
