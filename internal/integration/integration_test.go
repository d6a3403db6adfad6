//go:build integration
// +build integration

package integration

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpapi "github.com/mediation-hub/mediation-hub/internal/api/http"
	"github.com/mediation-hub/mediation-hub/internal/application/directory"
	appDispute "github.com/mediation-hub/mediation-hub/internal/application/dispute"
	appNotification "github.com/mediation-hub/mediation-hub/internal/application/notification"
	"github.com/mediation-hub/mediation-hub/internal/infrastructure/postgres"
	"github.com/mediation-hub/mediation-hub/internal/infrastructure/sse"
	"github.com/mediation-hub/mediation-hub/internal/migrations"
)

type stack struct {
	server *httptest.Server
	svc    *appDispute.Service
	relay  *appNotification.Relay
	hub    *sse.Hub
	pool   *pgxpool.Pool
}

func TestDisputeFlowOverPostgres(t *testing.T) {
	st := newStack(t)
	ctx := context.Background()

	stream := openStream(t, st, "seller-9")
	require.Eventually(t, func() bool { return st.hub.GetClientCount() == 1 }, time.Second, 10*time.Millisecond)

	resp, body := call(t, st, http.MethodPost, "/v1/disputes", "buyer-1", map[string]string{
		"subject_ref":     "order-77",
		"seller_id":       "seller-9",
		"reason":          "never arrived",
		"opening_message": "tracking shows nothing",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	id := body["id"].(string)

	n, err := st.relay.ProcessDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "event: dispute.opened", nextEventLine(t, stream))

	resp, body = call(t, st, http.MethodPost, "/v1/disputes/"+id+"/transitions", "mediator-1",
		map[string]interface{}{"target_status": "en-mediacion", "expected_version": 0})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	resp, body = call(t, st, http.MethodPost, "/v1/disputes/"+id+"/messages", "seller-9", map[string]string{"body": "resent today"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	assert.EqualValues(t, 2, body["sequence"])

	n, err = st.relay.ProcessDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var status string
	err = st.pool.QueryRow(ctx, `SELECT status FROM dispute_outbox ORDER BY id DESC LIMIT 1`).Scan(&status)
	require.NoError(t, err)
	assert.Equal(t, "DELIVERED", status)

	resp, body = call(t, st, http.MethodGet, "/v1/disputes?status=en-mediacion", "mediator-2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := body["disputes"].([]interface{})
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].(map[string]interface{})["id"])
}

func TestDirectoryRebuildAfterRestart(t *testing.T) {
	st := newStack(t)
	for _, buyer := range []string{"buyer-1", "buyer-2"} {
		resp, body := call(t, st, http.MethodPost, "/v1/disputes", buyer, map[string]string{
			"subject_ref":     "order-" + buyer,
			"seller_id":       "seller-9",
			"reason":          "damaged",
			"opening_message": "box was crushed",
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	}

	registry := postgres.NewPartyRegistry(st.pool)
	dir := directory.New(registry, time.Second, zerolog.Nop())
	svc := appDispute.NewService(postgres.NewDisputeStore(st.pool), registry, dir, appDispute.Options{}, zerolog.Nop())
	require.NoError(t, svc.RebuildDirectory(context.Background()))

	got, err := svc.ListByStatus("abierta")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Len(t, svc.Search("buyer-2"), 1)
}

func TestLiveDirectoryMatchesRebuildOverPostgres(t *testing.T) {
	st := newStack(t)
	ctx := context.Background()

	resp, body := call(t, st, http.MethodPost, "/v1/disputes", "buyer-1", map[string]string{
		"subject_ref":     "order-91",
		"seller_id":       "seller-9",
		"reason":          "wrong size",
		"opening_message": "sent a medium",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	id := body["id"].(string)
	for version, target := range []string{"en-mediacion", "resuelta", "cerrada"} {
		resp, body = call(t, st, http.MethodPost, "/v1/disputes/"+id+"/transitions", "mediator-1",
			map[string]interface{}{"target_status": target, "expected_version": version})
		require.Equal(t, http.StatusOK, resp.StatusCode, body)
	}
	resp, body = call(t, st, http.MethodPost, "/v1/disputes", "buyer-2", map[string]string{
		"subject_ref":     "order-92",
		"seller_id":       "seller-9",
		"reason":          "missing part",
		"opening_message": "no charger",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)

	registry := postgres.NewPartyRegistry(st.pool)
	rebuilt := appDispute.NewService(postgres.NewDisputeStore(st.pool), registry,
		directory.New(registry, time.Second, zerolog.Nop()), appDispute.Options{}, zerolog.Nop())
	require.NoError(t, rebuilt.RebuildDirectory(ctx))

	for _, status := range []string{"all", "abierta", "cerrada"} {
		live, err := st.svc.ListByStatus(status)
		require.NoError(t, err)
		fresh, err := rebuilt.ListByStatus(status)
		require.NoError(t, err)
		jl, err := json.Marshal(live)
		require.NoError(t, err)
		jf, err := json.Marshal(fresh)
		require.NoError(t, err)
		assert.Equal(t, string(jl), string(jf), status)
	}
}

func newStack(t *testing.T) *stack {
	t.Helper()
	dsn := testDatabaseURL(t)
	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, dsn, 8)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, postgres.RunMigrations(ctx, pool, migrations.FS))
	require.NoError(t, resetDatabase(ctx, pool))

	registry := postgres.NewPartyRegistry(pool)
	require.NoError(t, registry.AddMediator(ctx, "mediator-1"))
	require.NoError(t, registry.AddMediator(ctx, "mediator-2"))

	logger := zerolog.Nop()
	store := postgres.NewDisputeStore(pool)
	dir := directory.New(registry, time.Second, logger)
	svc := appDispute.NewService(store, registry, dir, appDispute.Options{}, logger)

	hub := sse.NewHub()
	t.Cleanup(hub.Stop)
	relay, err := appNotification.NewRelay(store, []appNotification.Route{{Gateway: sse.NewGateway(hub)}}, appNotification.Options{}, logger)
	require.NoError(t, err)

	server := httptest.NewServer(httpapi.NewServer(svc, registry, hub, "", logger).Router())
	t.Cleanup(server.Close)
	return &stack{server: server, svc: svc, relay: relay, hub: hub, pool: pool}
}

func call(t *testing.T, st *stack, method, path, actor string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, st.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("X-Actor", actor)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]interface{}{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func openStream(t *testing.T, st *stack, actor string) *bufio.Reader {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, st.server.URL+"/v1/stream", nil)
	require.NoError(t, err)
	req.Header.Set("X-Actor", actor)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return bufio.NewReader(resp.Body)
}

func nextEventLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "event: ") {
			return strings.TrimSpace(line)
		}
	}
}

func testDatabaseURL(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		return dsn
	}
	t.Skip("TEST_DATABASE_URL not set; skipping integration tests")
	return ""
}

func resetDatabase(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		TRUNCATE TABLE
			dispute_outbox,
			dispute_messages,
			disputes,
			mediators,
			party_labels
		RESTART IDENTITY CASCADE
	`)
	return err
}
