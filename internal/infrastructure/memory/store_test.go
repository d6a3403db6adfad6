package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediation-hub/mediation-hub/internal/domain/dispute"
	"github.com/mediation-hub/mediation-hub/internal/domain/notification"
	"github.com/mediation-hub/mediation-hub/internal/domain/party"
	"github.com/mediation-hub/mediation-hub/internal/infrastructure/storetest"
)

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store { return NewStore() })
}

func TestStore_EventsSnapshot(t *testing.T) {
	s := NewStore()
	d := storetest.Seed(t, s, "buyer-1", "seller-9", time.Now().UTC())

	events := s.Events()
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].ID)
	assert.Equal(t, d.ID, events[0].DisputeID)

	events[0].Status = notification.StatusDelivered
	assert.Equal(t, notification.StatusPending, s.Events()[0].Status)
}

func TestStore_SaveUnknownEvent(t *testing.T) {
	s := NewStore()
	ev := notification.NewEvent(notification.KindOpened, uuid.New(), "a", nil, nil, time.Now())
	assert.Error(t, s.Save(context.Background(), ev))
}

func TestStore_OpenedEnqueuedBeforeConcurrentAppend(t *testing.T) {
	for i := 0; i < 50; i++ {
		s := NewStore()
		d, err := dispute.New("item-1", "buyer-1", "seller-9", "damaged", dispute.PriorityMedium, time.Now().UTC())
		require.NoError(t, err)
		opening, err := dispute.NewMessage(d.ID, "buyer-1", party.RoleBuyer, "opening", d.OpenedAt)
		require.NoError(t, err)
		opening.Sequence = 1
		opened := notification.NewEvent(notification.KindOpened, d.ID, "buyer-1", []string{"seller-9"}, nil, d.OpenedAt)

		done := make(chan error, 1)
		go func() {
			for {
				m, err := dispute.NewMessage(d.ID, "seller-9", party.RoleSeller, "reply", time.Now().UTC())
				if err != nil {
					done <- err
					return
				}
				_, err = s.Append(context.Background(), m, func(d *dispute.Dispute, _ *dispute.Message) ([]*notification.Event, error) {
					return []*notification.Event{
						notification.NewEvent(notification.KindMessageAppended, d.ID, "seller-9", []string{"buyer-1"}, nil, time.Now()),
					}, nil
				})
				if errors.Is(err, dispute.ErrNotFound) {
					continue
				}
				done <- err
				return
			}
		}()

		require.NoError(t, s.Create(context.Background(), d, opening, []*notification.Event{opened}))
		require.NoError(t, <-done)

		events := s.Events()
		require.Len(t, events, 2)
		assert.Equal(t, notification.KindOpened, events[0].Kind)
		assert.Equal(t, notification.KindMessageAppended, events[1].Kind)
	}
}
