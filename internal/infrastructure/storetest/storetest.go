// Package storetest holds the behavioural suite every dispute store must
// pass. Store packages call Run from their own tests.
package storetest

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/mediation-hub/mediation-hub/internal/domain/dispute"
	"github.com/mediation-hub/mediation-hub/internal/domain/notification"
	"github.com/mediation-hub/mediation-hub/internal/domain/party"
)

// Store is what the suite exercises.
type Store interface {
	dispute.Repository
	notification.Outbox
}

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) Store

// Run executes the suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("create and get", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("not found", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("update aborts on error", func(t *testing.T) { testUpdateAborts(t, newStore(t)) })
	t.Run("concurrent appends are gapless", func(t *testing.T) { testConcurrentAppends(t, newStore(t)) })
	t.Run("concurrent transitions", func(t *testing.T) { testConcurrentTransitions(t, newStore(t)) })
	t.Run("message paging", func(t *testing.T) { testMessagePaging(t, newStore(t)) })
	t.Run("for each", func(t *testing.T) { testForEach(t, newStore(t)) })
	t.Run("outbox claim and save", func(t *testing.T) { testOutbox(t, newStore(t)) })
}

// Seed creates an open dispute with its opening message.
func Seed(t *testing.T, s Store, buyer, seller string, openedAt time.Time) *dispute.Dispute {
	t.Helper()
	d, err := dispute.New("item-"+uuid.NewString()[:8], buyer, seller, "not as described", dispute.PriorityMedium, openedAt)
	require.NoError(t, err)
	m, err := dispute.NewMessage(d.ID, buyer, party.RoleBuyer, "opening", openedAt)
	require.NoError(t, err)
	m.Sequence = 1
	d.LastSequence = 1
	d.Revision = 1
	ev := notification.NewEvent(notification.KindOpened, d.ID, buyer, []string{seller}, nil, openedAt)
	require.NoError(t, s.Create(context.Background(), d, m, []*notification.Event{ev}))
	return d
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func appendMsg(ctx context.Context, s Store, disputeID uuid.UUID, author string, body string) (*dispute.Message, error) {
	m, err := dispute.NewMessage(disputeID, author, party.RoleSeller, body, now())
	if err != nil {
		return nil, err
	}
	_, err = s.Append(ctx, m, func(d *dispute.Dispute, m *dispute.Message) ([]*notification.Event, error) {
		return []*notification.Event{
			notification.NewEvent(notification.KindMessageAppended, d.ID, author, d.RecipientsExcept(author), nil, m.CreatedAt),
		}, nil
	})
	return m, err
}

func testCreateAndGet(t *testing.T, s Store) {
	ctx := context.Background()
	openedAt := now()
	d := Seed(t, s, "buyer-1", "seller-9", openedAt)

	got, err := s.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
	assert.Equal(t, d.SubjectRef, got.SubjectRef)
	assert.Equal(t, "buyer-1", got.BuyerID)
	assert.Equal(t, "seller-9", got.SellerID)
	assert.Equal(t, dispute.StatusOpen, got.Status)
	assert.Equal(t, dispute.PriorityMedium, got.Priority)
	assert.Equal(t, int64(0), got.Version)
	assert.Equal(t, int64(1), got.LastSequence)
	assert.Equal(t, int64(1), got.Revision)
	assert.True(t, openedAt.Equal(got.OpenedAt), "openedAt %s != %s", openedAt, got.OpenedAt)

	msgs, err := s.ListMessages(ctx, d.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(1), msgs[0].Sequence)
	assert.Equal(t, party.RoleBuyer, msgs[0].AuthorRole)
	assert.Equal(t, "opening", msgs[0].Body)

	// returned values are copies
	got.Status = dispute.StatusClosed
	msgs[0].Body = "edited"
	again, err := s.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, dispute.StatusOpen, again.Status)
	msgs, err = s.ListMessages(ctx, d.ID, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, "opening", msgs[0].Body)
}

func testNotFound(t *testing.T, s Store) {
	ctx := context.Background()
	missing := uuid.New()

	_, err := s.Get(ctx, missing)
	assert.ErrorIs(t, err, dispute.ErrNotFound)

	_, err = s.Update(ctx, missing, func(d *dispute.Dispute) ([]*notification.Event, error) { return nil, nil })
	assert.ErrorIs(t, err, dispute.ErrNotFound)

	_, err = appendMsg(ctx, s, missing, "seller-9", "hello")
	assert.ErrorIs(t, err, dispute.ErrNotFound)
}

func testUpdateAborts(t *testing.T, s Store) {
	ctx := context.Background()
	d := Seed(t, s, "buyer-1", "seller-9", now())
	before, err := s.ClaimDue(ctx, now(), time.Minute, 100)
	require.NoError(t, err)

	_, err = s.Update(ctx, d.ID, func(d *dispute.Dispute) ([]*notification.Event, error) {
		d.Status = dispute.StatusClosed
		return []*notification.Event{notification.NewEvent(notification.KindStatusChanged, d.ID, "m", nil, nil, now())}, dispute.ErrVersionConflict
	})
	assert.ErrorIs(t, err, dispute.ErrVersionConflict)

	got, err := s.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, dispute.StatusOpen, got.Status)
	assert.Equal(t, int64(1), got.Revision)

	after, err := s.ClaimDue(ctx, now().Add(2*time.Minute), time.Minute, 100)
	require.NoError(t, err)
	assert.Len(t, after, len(before), "aborted update must not enqueue events")
}

func testConcurrentAppends(t *testing.T, s Store) {
	ctx := context.Background()
	d := Seed(t, s, "buyer-1", "seller-9", now())
	other := Seed(t, s, "buyer-2", "seller-2", now())

	const writers, perWriter = 8, 10
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < writers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < perWriter; i++ {
				if _, err := appendMsg(gctx, s, d.ID, "seller-9", fmt.Sprintf("w%d-%d", w, i)); err != nil {
					return err
				}
				if _, err := appendMsg(gctx, s, other.ID, "seller-2", "x"); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for _, id := range []uuid.UUID{d.ID, other.ID} {
		msgs, err := s.ListMessages(ctx, id, 0, 0)
		require.NoError(t, err)
		require.Len(t, msgs, writers*perWriter+1)
		for i, m := range msgs {
			assert.Equal(t, int64(i+1), m.Sequence)
		}
		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(writers*perWriter+1), got.LastSequence)
		assert.Equal(t, int64(writers*perWriter+1), got.Revision)
	}
}

func testConcurrentTransitions(t *testing.T, s Store) {
	ctx := context.Background()
	d := Seed(t, s, "buyer-1", "seller-9", now())

	var wins, conflicts atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for _, mediator := range []string{"mediator-1", "mediator-2", "mediator-3"} {
		mediator := mediator
		g.Go(func() error {
			_, err := s.Update(gctx, d.ID, func(d *dispute.Dispute) ([]*notification.Event, error) {
				return nil, d.TransitionTo(dispute.StatusInMediation, 0, mediator, now())
			})
			switch {
			case err == nil:
				wins.Add(1)
			case assert.ErrorIs(t, err, dispute.ErrVersionConflict):
				conflicts.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(2), conflicts.Load())

	got, err := s.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, dispute.StatusInMediation, got.Status)
	assert.Equal(t, int64(1), got.Version)
	assert.NotEmpty(t, got.AssignedMediator)
}

func testMessagePaging(t *testing.T, s Store) {
	ctx := context.Background()
	d := Seed(t, s, "buyer-1", "seller-9", now())
	for i := 0; i < 6; i++ {
		_, err := appendMsg(ctx, s, d.ID, "seller-9", fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}

	page, err := s.ListMessages(ctx, d.ID, 2, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{page[0].Sequence, page[1].Sequence, page[2].Sequence})

	page, err = s.ListMessages(ctx, d.ID, 6, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int64(7), page[0].Sequence)

	page, err = s.ListMessages(ctx, d.ID, 7, 10)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func testForEach(t *testing.T, s Store) {
	ctx := context.Background()
	want := map[uuid.UUID]bool{}
	for i := 0; i < 5; i++ {
		d := Seed(t, s, fmt.Sprintf("buyer-%d", i), "seller-x", now().Add(time.Duration(i)*time.Second))
		want[d.ID] = true
	}
	seen := map[uuid.UUID]bool{}
	require.NoError(t, s.ForEach(ctx, func(d *dispute.Dispute) error {
		seen[d.ID] = true
		return nil
	}))
	assert.Equal(t, want, seen)
}

func testOutbox(t *testing.T, s Store) {
	ctx := context.Background()
	d := Seed(t, s, "buyer-1", "seller-9", now())
	_, err := appendMsg(ctx, s, d.ID, "seller-9", "hello")
	require.NoError(t, err)

	t0 := now()
	claimed, err := s.ClaimDue(ctx, t0, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, notification.KindOpened, claimed[0].Kind)
	assert.Equal(t, notification.KindMessageAppended, claimed[1].Kind)
	assert.Equal(t, []string{"seller-9"}, claimed[0].Recipients)
	assert.Equal(t, []string{"buyer-1"}, claimed[1].Recipients)

	again, err := s.ClaimDue(ctx, t0, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "leased events are not claimed twice")

	require.NoError(t, claimed[0].MarkDelivered(t0))
	require.NoError(t, s.Save(ctx, claimed[0]))
	require.NoError(t, claimed[1].MarkFailed("boom", t0, 5*time.Minute))
	require.NoError(t, s.Save(ctx, claimed[1]))

	later, err := s.ClaimDue(ctx, t0.Add(2*time.Minute), time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, later, "failed event waits for its backoff")

	retry, err := s.ClaimDue(ctx, t0.Add(6*time.Minute), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, retry, 1)
	assert.Equal(t, claimed[1].EventID, retry[0].EventID)
	assert.Equal(t, notification.StatusFailed, retry[0].Status)
	assert.Equal(t, 1, retry[0].Attempts)
	require.NotNil(t, retry[0].LastError)
	assert.Equal(t, "boom", *retry[0].LastError)
}
