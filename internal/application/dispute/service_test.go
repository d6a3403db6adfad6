package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/sync/errgroup"

	"github.com/mediation-hub/mediation-hub/internal/application/directory"
	"github.com/mediation-hub/mediation-hub/internal/domain/dispute"
	disputeMocks "github.com/mediation-hub/mediation-hub/internal/domain/dispute/mocks"
	"github.com/mediation-hub/mediation-hub/internal/domain/notification"
	"github.com/mediation-hub/mediation-hub/internal/domain/party"
	"github.com/mediation-hub/mediation-hub/internal/domain/party/mocks"
	"github.com/mediation-hub/mediation-hub/internal/infrastructure/memory"
	"github.com/mediation-hub/mediation-hub/internal/infrastructure/registry"
)

type fixture struct {
	svc   *Service
	store *memory.Store
	reg   *registry.Local
	dir   *directory.Directory
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	store := memory.NewStore()
	reg := registry.NewLocal(store, []string{"mediator-1", "mediator-2"})
	dir := directory.New(reg, time.Second, zerolog.Nop())
	return &fixture{
		svc:   NewService(store, reg, dir, opts, zerolog.Nop()),
		store: store,
		reg:   reg,
		dir:   dir,
	}
}

func (f *fixture) open(t *testing.T) *dispute.Dispute {
	t.Helper()
	d, err := f.svc.OpenDispute(context.Background(), OpenRequest{
		SubjectRef:     "item-42",
		BuyerID:        "buyer-1",
		SellerID:       "seller-9",
		Reason:         "item not as described",
		Priority:       "alta",
		OpeningMessage: "it's scratched",
	})
	require.NoError(t, err)
	return d
}

func collect(t *testing.T, svc *Service, id uuid.UUID, after int64) []*dispute.Message {
	t.Helper()
	var out []*dispute.Message
	for m, err := range svc.ListMessages(context.Background(), id, after) {
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func TestScenario_OpenDispute(t *testing.T) {
	f := newFixture(t, Options{})
	d := f.open(t)

	assert.Equal(t, dispute.StatusOpen, d.Status)
	assert.Equal(t, int64(0), d.Version)
	assert.Equal(t, dispute.PriorityHigh, d.Priority)

	msgs := collect(t, f.svc, d.ID, 0)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(1), msgs[0].Sequence)
	assert.Equal(t, party.RoleBuyer, msgs[0].AuthorRole)
	assert.Equal(t, "it's scratched", msgs[0].Body)

	events := f.store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, notification.KindOpened, events[0].Kind)
	assert.Equal(t, []string{"seller-9"}, events[0].Recipients)
	assert.Equal(t, 1, f.dir.Len())
}

func TestOpenDispute_Validation(t *testing.T) {
	f := newFixture(t, Options{})
	tests := []struct {
		name string
		req  OpenRequest
		err  error
	}{
		{"same parties", OpenRequest{SubjectRef: "i", BuyerID: "a", SellerID: "a", Reason: "r", OpeningMessage: "m"}, dispute.ErrInvalidInput},
		{"missing subject", OpenRequest{BuyerID: "a", SellerID: "b", Reason: "r", OpeningMessage: "m"}, dispute.ErrInvalidInput},
		{"blank opening", OpenRequest{SubjectRef: "i", BuyerID: "a", SellerID: "b", Reason: "r", OpeningMessage: "  "}, dispute.ErrEmptyBody},
		{"bad priority", OpenRequest{SubjectRef: "i", BuyerID: "a", SellerID: "b", Reason: "r", Priority: "urgent", OpeningMessage: "m"}, dispute.ErrInvalidPriority},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.OpenDispute(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.err)
		})
	}
	assert.Zero(t, f.dir.Len())
	assert.Empty(t, f.store.Events())
}

func TestScenario_MediatorTransitions(t *testing.T) {
	f := newFixture(t, Options{})
	d := f.open(t)

	got, err := f.svc.Transition(context.Background(), d.ID, "en-mediacion", 0, "mediator-1")
	require.NoError(t, err)
	assert.Equal(t, dispute.StatusInMediation, got.Status)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, "mediator-1", got.AssignedMediator)

	events := f.store.Events()
	require.Len(t, events, 2)
	last := events[1]
	assert.Equal(t, notification.KindStatusChanged, last.Kind)
	assert.ElementsMatch(t, []string{"buyer-1", "seller-9"}, last.Recipients)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(last.Payload, &payload))
	assert.Equal(t, "abierta", payload["from"])
	assert.Equal(t, "en-mediacion", payload["to"])
}

func TestScenario_BuyerCannotTransition(t *testing.T) {
	f := newFixture(t, Options{})
	d := f.open(t)
	_, err := f.svc.Transition(context.Background(), d.ID, "en-mediacion", 0, "mediator-1")
	require.NoError(t, err)

	for _, actor := range []string{"buyer-1", "seller-9", "stranger", ""} {
		_, err = f.svc.Transition(context.Background(), d.ID, "resuelta", 1, actor)
		assert.ErrorIs(t, err, dispute.ErrUnauthorized, actor)
	}

	cur, err := f.svc.GetDispute(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, dispute.StatusInMediation, cur.Status)
	assert.Equal(t, int64(1), cur.Version)
}

func TestScenario_ConcurrentTransitionsOneWins(t *testing.T) {
	f := newFixture(t, Options{})
	d := f.open(t)
	_, err := f.svc.Transition(context.Background(), d.ID, "en-mediacion", 0, "mediator-1")
	require.NoError(t, err)

	var wins, conflicts atomic.Int32
	var g errgroup.Group
	for _, m := range []string{"mediator-1", "mediator-2"} {
		g.Go(func() error {
			_, err := f.svc.Transition(context.Background(), d.ID, "resuelta", 1, m)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, dispute.ErrVersionConflict):
				conflicts.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(1), conflicts.Load())

	cur, err := f.svc.GetDispute(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, dispute.StatusResolved, cur.Status)
	assert.Equal(t, int64(2), cur.Version)
}

func TestScenario_EmptyBodyLeavesLedger(t *testing.T) {
	f := newFixture(t, Options{})
	d := f.open(t)

	for _, body := range []string{"", "   ", "\n\t"} {
		_, err := f.svc.AppendMessage(context.Background(), d.ID, "seller-9", body)
		assert.ErrorIs(t, err, dispute.ErrEmptyBody)
	}
	cur, err := f.svc.GetDispute(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cur.LastSequence)
	assert.Len(t, collect(t, f.svc, d.ID, 0), 1)
}

func TestScenario_ListByStatusAfterClose(t *testing.T) {
	f := newFixture(t, Options{})
	d := f.open(t)
	_, err := f.svc.Transition(context.Background(), d.ID, "cerrada", 0, "mediator-1")
	require.NoError(t, err)

	closed, err := f.svc.ListByStatus("cerrada")
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, d.ID, closed[0].ID)

	open, err := f.svc.ListByStatus("abierta")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestTransition_Errors(t *testing.T) {
	f := newFixture(t, Options{})
	d := f.open(t)

	_, err := f.svc.Transition(context.Background(), uuid.New(), "cerrada", 0, "mediator-1")
	assert.ErrorIs(t, err, dispute.ErrNotFound)

	_, err = f.svc.Transition(context.Background(), d.ID, "archivada", 0, "mediator-1")
	assert.ErrorIs(t, err, dispute.ErrInvalidTransition)

	_, err = f.svc.Transition(context.Background(), d.ID, "abierta", 0, "mediator-1")
	assert.ErrorIs(t, err, dispute.ErrInvalidTransition)

	_, err = f.svc.Transition(context.Background(), d.ID, "resuelta", 7, "mediator-1")
	assert.ErrorIs(t, err, dispute.ErrVersionConflict)

	_, err = f.svc.Transition(context.Background(), d.ID, "resuelta", 0, "mediator-1")
	require.NoError(t, err)
	reopened, err := f.svc.Transition(context.Background(), d.ID, "abierta", 1, "mediator-2")
	require.NoError(t, err)
	assert.Equal(t, dispute.StatusOpen, reopened.Status)
	assert.Equal(t, "mediator-2", reopened.AssignedMediator)
}

func TestAppendMessage(t *testing.T) {
	f := newFixture(t, Options{})
	d := f.open(t)
	ctx := context.Background()

	m, err := f.svc.AppendMessage(ctx, d.ID, "seller-9", "not my fault")
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.Sequence)
	assert.Equal(t, party.RoleSeller, m.AuthorRole)

	m, err = f.svc.AppendMessage(ctx, d.ID, "mediator-2", "looking into it")
	require.NoError(t, err)
	assert.Equal(t, int64(3), m.Sequence)
	assert.Equal(t, party.RoleMediator, m.AuthorRole)

	cur, err := f.svc.GetDispute(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "mediator-2", cur.AssignedMediator)
	assert.Equal(t, int64(3), cur.LastSequence)

	_, err = f.svc.AppendMessage(ctx, d.ID, "stranger", "hello")
	assert.ErrorIs(t, err, dispute.ErrUnauthorized)
	_, err = f.svc.AppendMessage(ctx, uuid.New(), "buyer-1", "hello")
	assert.ErrorIs(t, err, dispute.ErrNotFound)

	events := f.store.Events()
	last := events[len(events)-1]
	assert.Equal(t, notification.KindMessageAppended, last.Kind)
	assert.ElementsMatch(t, []string{"buyer-1", "seller-9"}, last.Recipients)
}

func TestAppendMessage_AllowedWhenClosed(t *testing.T) {
	f := newFixture(t, Options{})
	d := f.open(t)
	_, err := f.svc.Transition(context.Background(), d.ID, "cerrada", 0, "mediator-1")
	require.NoError(t, err)

	m, err := f.svc.AppendMessage(context.Background(), d.ID, "buyer-1", "one more thing")
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.Sequence)
}

func TestAppendMessage_ConcurrentIsGapless(t *testing.T) {
	f := newFixture(t, Options{PageSize: 7})
	d := f.open(t)

	var g errgroup.Group
	for _, actor := range []string{"buyer-1", "seller-9", "mediator-1", "mediator-2"} {
		g.Go(func() error {
			for i := 0; i < 15; i++ {
				if _, err := f.svc.AppendMessage(context.Background(), d.ID, actor, "msg"); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	msgs := collect(t, f.svc, d.ID, 0)
	require.Len(t, msgs, 61)
	for i, m := range msgs {
		assert.Equal(t, int64(i+1), m.Sequence)
	}
}

func TestListMessages_RestartableAndCursor(t *testing.T) {
	f := newFixture(t, Options{PageSize: 2})
	d := f.open(t)
	for i := 0; i < 4; i++ {
		_, err := f.svc.AppendMessage(context.Background(), d.ID, "buyer-1", "more")
		require.NoError(t, err)
	}

	seq := f.svc.ListMessages(context.Background(), d.ID, 0)
	first := 0
	for range seq {
		first++
	}
	_, err := f.svc.AppendMessage(context.Background(), d.ID, "seller-9", "late")
	require.NoError(t, err)
	second := 0
	for range seq {
		second++
	}
	assert.Equal(t, 5, first)
	assert.Equal(t, 6, second)

	tail := collect(t, f.svc, d.ID, 4)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(5), tail[0].Sequence)

	for m := range f.svc.ListMessages(context.Background(), d.ID, 0) {
		assert.Equal(t, int64(1), m.Sequence)
		break
	}
}

func TestListMessages_UnknownDispute(t *testing.T) {
	f := newFixture(t, Options{})
	calls := 0
	for m, err := range f.svc.ListMessages(context.Background(), uuid.New(), 0) {
		calls++
		assert.Nil(t, m)
		assert.ErrorIs(t, err, dispute.ErrNotFound)
	}
	assert.Equal(t, 1, calls)
}

func TestMessagesPage(t *testing.T) {
	f := newFixture(t, Options{PageSize: 10})
	d := f.open(t)
	for i := 0; i < 4; i++ {
		_, err := f.svc.AppendMessage(context.Background(), d.ID, "buyer-1", "more")
		require.NoError(t, err)
	}

	page, next, err := f.svc.MessagesPage(context.Background(), d.ID, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(2), next)

	page, next, err = f.svc.MessagesPage(context.Background(), d.ID, next, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(4), next)

	page, next, err = f.svc.MessagesPage(context.Background(), d.ID, next, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Zero(t, next)
}

func TestSetPriority(t *testing.T) {
	f := newFixture(t, Options{})
	d := f.open(t)

	_, err := f.svc.SetPriority(context.Background(), d.ID, "baja", "buyer-1")
	assert.ErrorIs(t, err, dispute.ErrUnauthorized)
	_, err = f.svc.SetPriority(context.Background(), d.ID, "urgent", "mediator-1")
	assert.ErrorIs(t, err, dispute.ErrInvalidPriority)

	got, err := f.svc.SetPriority(context.Background(), d.ID, "baja", "mediator-1")
	require.NoError(t, err)
	assert.Equal(t, dispute.PriorityLow, got.Priority)
	assert.Equal(t, int64(0), got.Version)
	assert.Equal(t, dispute.StatusOpen, got.Status)

	low, err := f.svc.List(directory.Filter{Priority: dispute.PriorityLow})
	require.NoError(t, err)
	require.Len(t, low, 1)
	assert.Equal(t, d.ID, low[0].ID)
}

func TestRegistryFailureFailsClosed(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg := mocks.NewMockRegistry(ctrl)
	reg.EXPECT().LabelOf(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, id string) (string, error) {
		return id, nil
	}).AnyTimes()
	reg.EXPECT().RoleOf(gomock.Any(), gomock.Any(), gomock.Any()).Return(party.RoleNone, errors.New("identity service down")).AnyTimes()

	store := memory.NewStore()
	svc := NewService(store, reg, directory.New(reg, time.Second, zerolog.Nop()), Options{}, zerolog.Nop())
	d, err := svc.OpenDispute(context.Background(), OpenRequest{
		SubjectRef: "item-1", BuyerID: "b", SellerID: "s", Reason: "r", OpeningMessage: "hi",
	})
	require.NoError(t, err)

	_, err = svc.AppendMessage(context.Background(), d.ID, "b", "hello")
	assert.ErrorIs(t, err, dispute.ErrDependencyUnavailable)
	_, err = svc.Transition(context.Background(), d.ID, "cerrada", 0, "m")
	assert.ErrorIs(t, err, dispute.ErrDependencyUnavailable)

	cur, err := svc.GetDispute(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cur.LastSequence)
	assert.Equal(t, dispute.StatusOpen, cur.Status)
}

func TestRegistryTimeoutFailsClosed(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg := mocks.NewMockRegistry(ctrl)
	reg.EXPECT().RoleOf(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ uuid.UUID, _ string) (party.Role, error) {
			<-ctx.Done()
			return party.RoleNone, ctx.Err()
		})

	store := memory.NewStore()
	svc := NewService(store, reg, directory.New(nil, 0, zerolog.Nop()), Options{RegistryTimeout: 20 * time.Millisecond}, zerolog.Nop())
	d, err := svc.OpenDispute(context.Background(), OpenRequest{
		SubjectRef: "item-1", BuyerID: "b", SellerID: "s", Reason: "r", OpeningMessage: "hi",
	})
	require.NoError(t, err)

	_, err = svc.AppendMessage(context.Background(), d.ID, "b", "hello")
	assert.ErrorIs(t, err, dispute.ErrDependencyUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEmptyBodySkipsRegistry(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg := mocks.NewMockRegistry(ctrl)
	svc := NewService(memory.NewStore(), reg, directory.New(nil, 0, zerolog.Nop()), Options{}, zerolog.Nop())

	_, err := svc.AppendMessage(context.Background(), uuid.New(), "b", " ")
	assert.ErrorIs(t, err, dispute.ErrEmptyBody)
}

func TestRebuildDirectory(t *testing.T) {
	f := newFixture(t, Options{})
	d := f.open(t)
	_, err := f.svc.Transition(context.Background(), d.ID, "en-mediacion", 0, "mediator-1")
	require.NoError(t, err)

	before, err := f.svc.ListByStatus("all")
	require.NoError(t, err)

	fresh := NewService(f.store, f.reg, directory.New(f.reg, time.Second, zerolog.Nop()), Options{}, zerolog.Nop())
	require.NoError(t, fresh.RebuildDirectory(context.Background()))
	after, err := fresh.ListByStatus("all")
	require.NoError(t, err)

	jb, _ := json.Marshal(before)
	ja, _ := json.Marshal(after)
	assert.Equal(t, string(jb), string(ja))

	assert.Len(t, fresh.Search("item-42"), 1)
}

// truncatingStore returns timestamps at microsecond precision on rebuild,
// the way TIMESTAMPTZ columns come back from postgres.
type truncatingStore struct {
	*memory.Store
}

func (s truncatingStore) ForEach(ctx context.Context, fn func(*dispute.Dispute) error) error {
	return s.Store.ForEach(ctx, func(d *dispute.Dispute) error {
		d.OpenedAt = d.OpenedAt.Truncate(time.Microsecond)
		d.LastTransitionAt = d.LastTransitionAt.Truncate(time.Microsecond)
		d.UpdatedAt = d.UpdatedAt.Truncate(time.Microsecond)
		return fn(d)
	})
}

func TestRebuildDirectory_MicrosecondStore(t *testing.T) {
	store := truncatingStore{memory.NewStore()}
	reg := registry.NewLocal(store, []string{"mediator-1"})
	svc := NewService(store, reg, directory.New(reg, time.Second, zerolog.Nop()), Options{}, zerolog.Nop())
	ctx := context.Background()

	d, err := svc.OpenDispute(ctx, OpenRequest{
		SubjectRef: "item-7", BuyerID: "buyer-1", SellerID: "seller-9", Reason: "late", OpeningMessage: "where is it",
	})
	require.NoError(t, err)
	assert.Zero(t, d.OpenedAt.Nanosecond()%int(time.Microsecond))

	d, err = svc.Transition(ctx, d.ID, "en-mediacion", 0, "mediator-1")
	require.NoError(t, err)
	_, err = svc.AppendMessage(ctx, d.ID, "seller-9", "shipped monday")
	require.NoError(t, err)
	d, err = svc.Transition(ctx, d.ID, "resuelta", 1, "mediator-1")
	require.NoError(t, err)
	_, err = svc.Transition(ctx, d.ID, "cerrada", 2, "mediator-1")
	require.NoError(t, err)

	rebuilt := NewService(store, reg, directory.New(reg, time.Second, zerolog.Nop()), Options{}, zerolog.Nop())
	require.NoError(t, rebuilt.RebuildDirectory(ctx))

	for _, status := range []string{"all", "cerrada"} {
		live, err := svc.ListByStatus(status)
		require.NoError(t, err)
		fresh, err := rebuilt.ListByStatus(status)
		require.NoError(t, err)
		jl, _ := json.Marshal(live)
		jf, _ := json.Marshal(fresh)
		assert.Equal(t, string(jl), string(jf), status)
	}
}

func TestStoreFailures(t *testing.T) {
	existing, err := dispute.New("item-1", "buyer-1", "seller-9", "damaged", dispute.PriorityMedium, time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	existing.LastSequence = 1
	existing.Revision = 1

	storeDown := errors.New("connection reset by peer")
	blockUntilDone := func(ctx context.Context, _ uuid.UUID, _ dispute.Mutation) (*dispute.Dispute, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	tests := []struct {
		name    string
		setup   func(repo *disputeMocks.MockRepository)
		call    func(svc *Service) error
		want    error
		also    error
		wrapped bool
	}{
		{
			name: "create fails",
			setup: func(repo *disputeMocks.MockRepository) {
				repo.EXPECT().Create(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(storeDown)
			},
			call: func(svc *Service) error {
				_, err := svc.OpenDispute(context.Background(), OpenRequest{
					SubjectRef: "item-2", BuyerID: "buyer-2", SellerID: "seller-9", Reason: "r", OpeningMessage: "hi",
				})
				return err
			},
			want: dispute.ErrDependencyUnavailable, also: storeDown, wrapped: true,
		},
		{
			name: "create times out",
			setup: func(repo *disputeMocks.MockRepository) {
				repo.EXPECT().Create(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(context.DeadlineExceeded)
			},
			call: func(svc *Service) error {
				_, err := svc.OpenDispute(context.Background(), OpenRequest{
					SubjectRef: "item-2", BuyerID: "buyer-2", SellerID: "seller-9", Reason: "r", OpeningMessage: "hi",
				})
				return err
			},
			want: dispute.ErrDependencyUnavailable, also: context.DeadlineExceeded, wrapped: true,
		},
		{
			name: "get fails",
			setup: func(repo *disputeMocks.MockRepository) {
				repo.EXPECT().Get(gomock.Any(), existing.ID).Return(nil, storeDown)
			},
			call: func(svc *Service) error {
				_, err := svc.GetDispute(context.Background(), existing.ID)
				return err
			},
			want: dispute.ErrDependencyUnavailable, also: storeDown, wrapped: true,
		},
		{
			name: "get not found passes through",
			setup: func(repo *disputeMocks.MockRepository) {
				repo.EXPECT().Get(gomock.Any(), existing.ID).Return(nil, dispute.ErrNotFound)
			},
			call: func(svc *Service) error {
				_, err := svc.GetDispute(context.Background(), existing.ID)
				return err
			},
			want: dispute.ErrNotFound,
		},
		{
			name: "transition update fails",
			setup: func(repo *disputeMocks.MockRepository) {
				repo.EXPECT().Update(gomock.Any(), existing.ID, gomock.Any()).Return(nil, storeDown)
			},
			call: func(svc *Service) error {
				_, err := svc.Transition(context.Background(), existing.ID, "en-mediacion", 0, "mediator-1")
				return err
			},
			want: dispute.ErrDependencyUnavailable, also: storeDown, wrapped: true,
		},
		{
			name: "transition update times out",
			setup: func(repo *disputeMocks.MockRepository) {
				repo.EXPECT().Update(gomock.Any(), existing.ID, gomock.Any()).DoAndReturn(blockUntilDone)
			},
			call: func(svc *Service) error {
				_, err := svc.Transition(context.Background(), existing.ID, "en-mediacion", 0, "mediator-1")
				return err
			},
			want: dispute.ErrDependencyUnavailable, also: context.DeadlineExceeded, wrapped: true,
		},
		{
			name: "version conflict passes through",
			setup: func(repo *disputeMocks.MockRepository) {
				repo.EXPECT().Update(gomock.Any(), existing.ID, gomock.Any()).Return(nil, dispute.ErrVersionConflict)
			},
			call: func(svc *Service) error {
				_, err := svc.Transition(context.Background(), existing.ID, "en-mediacion", 3, "mediator-1")
				return err
			},
			want: dispute.ErrVersionConflict,
		},
		{
			name: "append fails",
			setup: func(repo *disputeMocks.MockRepository) {
				repo.EXPECT().Append(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, context.DeadlineExceeded)
			},
			call: func(svc *Service) error {
				_, err := svc.AppendMessage(context.Background(), existing.ID, "buyer-1", "still waiting")
				return err
			},
			want: dispute.ErrDependencyUnavailable, also: context.DeadlineExceeded, wrapped: true,
		},
		{
			name: "set priority fails",
			setup: func(repo *disputeMocks.MockRepository) {
				repo.EXPECT().Update(gomock.Any(), existing.ID, gomock.Any()).Return(nil, storeDown)
			},
			call: func(svc *Service) error {
				_, err := svc.SetPriority(context.Background(), existing.ID, "alta", "mediator-1")
				return err
			},
			want: dispute.ErrDependencyUnavailable, also: storeDown, wrapped: true,
		},
		{
			name: "message page fails",
			setup: func(repo *disputeMocks.MockRepository) {
				repo.EXPECT().ListMessages(gomock.Any(), existing.ID, int64(0), gomock.Any()).Return(nil, storeDown)
			},
			call: func(svc *Service) error {
				_, _, err := svc.MessagesPage(context.Background(), existing.ID, 0, 10)
				return err
			},
			want: dispute.ErrDependencyUnavailable, also: storeDown, wrapped: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			repo := disputeMocks.NewMockRepository(ctrl)
			tt.setup(repo)
			repo.EXPECT().Get(gomock.Any(), existing.ID).DoAndReturn(func(context.Context, uuid.UUID) (*dispute.Dispute, error) {
				cp := *existing
				return &cp, nil
			}).AnyTimes()

			reg := mocks.NewMockRegistry(ctrl)
			reg.EXPECT().RoleOf(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
				func(_ context.Context, _ uuid.UUID, actor string) (party.Role, error) {
					switch actor {
					case "mediator-1":
						return party.RoleMediator, nil
					case "buyer-1":
						return party.RoleBuyer, nil
					}
					return party.RoleNone, nil
				}).AnyTimes()

			dir := directory.New(nil, 0, zerolog.Nop())
			dir.Apply(context.Background(), existing)
			before, err := dir.ListByStatus("all")
			require.NoError(t, err)

			svc := NewService(repo, reg, dir, Options{StoreTimeout: 20 * time.Millisecond}, zerolog.Nop())
			err = tt.call(svc)

			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			if tt.also != nil {
				assert.ErrorIs(t, err, tt.also)
			}
			if !tt.wrapped {
				assert.NotErrorIs(t, err, dispute.ErrDependencyUnavailable)
			}

			after, err := dir.ListByStatus("all")
			require.NoError(t, err)
			assert.Equal(t, before, after)
		})
	}
}
