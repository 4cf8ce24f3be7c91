package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mybookshelf/pricewatch/internal/approval"
	"github.com/mybookshelf/pricewatch/internal/model"
	"github.com/mybookshelf/pricewatch/internal/monitoring"
	"github.com/mybookshelf/pricewatch/internal/store"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   int
	summary model.RunSummary
	block   chan struct{}
}

func (f *fakeRunner) RunPass(context.Context) model.RunSummary {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	return f.summary
}

type testEnv struct {
	st      *store.SQLiteStore
	runner  *fakeRunner
	metrics *monitoring.Metrics
	handler http.Handler
}

func newTestEnv(t *testing.T, secret string) *testEnv {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	env := &testEnv{
		st:      st,
		runner:  &fakeRunner{summary: model.RunSummary{Success: true, Message: "Processed 3 items"}},
		metrics: monitoring.NewMetrics(),
	}
	env.handler = New(Deps{
		Runner:         env.runner,
		Approvals:      approval.NewService(st),
		Catalog:        st,
		Metrics:        env.metrics,
		CronSecret:     secret,
		AllowedOrigins: []string{"https://mybookshelf.shop"},
	}).Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (e *testEnv) queue(t *testing.T, itemID, oldPrice, newPrice string) string {
	t.Helper()
	ctx := context.Background()
	old := decimal.RequireFromString(oldPrice)
	next := decimal.RequireFromString(newPrice)
	_, err := e.st.UpsertItems(ctx, []model.Item{{ID: itemID, Title: "Book " + itemID, CurrentPrice: old}})
	require.NoError(t, err)

	id, err := e.st.FlagForApproval(ctx,
		model.ItemUpdate{ItemID: itemID, CheckedAt: time.Now().UTC(), RequiresApproval: model.Ptr(true)},
		model.PendingApproval{
			ItemID:        itemID,
			OldPrice:      old,
			NewPrice:      next,
			PercentChange: next.Sub(old).Mul(decimal.NewFromInt(100)).Div(old),
			Reason:        "extreme_change",
			Layer:         "threshold_validation",
			InStock:       true,
			FlaggedAt:     time.Now().UTC(),
		})
	require.NoError(t, err)
	return id
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestUpdatePrices_RequiresSecret(t *testing.T) {
	env := newTestEnv(t, "s3cret")

	rec := env.do(t, http.MethodGet, "/api/cron/update-prices", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/cron/update-prices", "", map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, env.runner.calls)

	rec = env.do(t, http.MethodPost, "/api/cron/update-prices", "", map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Processed 3 items", body["message"])
	assert.Equal(t, 1, env.runner.calls)
}

func TestUpdatePrices_FailedPassIs500(t *testing.T) {
	env := newTestEnv(t, "")
	env.runner.summary = model.RunSummary{Success: false, Message: "Failed to load items"}

	rec := env.do(t, http.MethodGet, "/api/cron/update-prices", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["success"])
}

func TestUpdatePrices_RejectsOverlappingPass(t *testing.T) {
	env := newTestEnv(t, "")
	env.runner.block = make(chan struct{})

	done := make(chan int)
	go func() {
		done <- env.do(t, http.MethodGet, "/api/cron/update-prices", "", nil).Code
	}()

	require.Eventually(t, func() bool {
		env.runner.mu.Lock()
		defer env.runner.mu.Unlock()
		return env.runner.calls == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec := env.do(t, http.MethodGet, "/api/cron/update-prices", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(env.runner.block)
	assert.Equal(t, http.StatusOK, <-done)
}

func TestListApprovals(t *testing.T) {
	env := newTestEnv(t, "")
	env.queue(t, "dune", "20", "31")
	env.queue(t, "emma", "10", "2")

	rec := env.do(t, http.MethodGet, "/api/price-approvals?limit=10", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Len(t, body["approvals"], 2)
	assert.Equal(t, "pending", body["status"])
	stats := body["stats"].(map[string]any)
	assert.EqualValues(t, 2, stats["pending"])

	rec = env.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Contains(t, rec.Body.String(), "pricewatch_pending_approvals 2")

	rec = env.do(t, http.MethodGet, "/api/price-approvals?status=bogus", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApproveAndReject(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	approveID := env.queue(t, "dune", "20", "31")
	rejectID := env.queue(t, "emma", "10", "2")

	rec := env.do(t, http.MethodPost, "/api/price-approvals/"+approveID+"/approve",
		`{"admin_notes":"confirmed on site"}`, map[string]string{AdminHeader: "maria"})
	require.Equal(t, http.StatusOK, rec.Code)
	a := decodeBody(t, rec)["approval"].(map[string]any)
	assert.Equal(t, "approved", a["status"])
	assert.Equal(t, "maria", a["reviewed_by"])

	it, err := env.st.GetItem(ctx, "dune")
	require.NoError(t, err)
	assert.True(t, it.CurrentPrice.Equal(decimal.RequireFromString("31")))

	rec = env.do(t, http.MethodPost, "/api/price-approvals/"+rejectID+"/reject", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	it, err = env.st.GetItem(ctx, "emma")
	require.NoError(t, err)
	assert.True(t, it.CurrentPrice.Equal(decimal.RequireFromString("10")))

	rec = env.do(t, http.MethodPost, "/api/price-approvals/"+approveID+"/reject", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/price-approvals/missing/approve", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/price-history?item_id=dune", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["history"], 1)
}

func TestBulkApprove(t *testing.T) {
	env := newTestEnv(t, "")
	first := env.queue(t, "dune", "20", "31")
	second := env.queue(t, "emma", "10", "2")

	rec := env.do(t, http.MethodPost, "/api/price-approvals/bulk-approve",
		`{"ids":["`+first+`","`+second+`","missing"]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody(t, rec)["result"].(map[string]any)
	assert.EqualValues(t, 2, res["resolved"])
	assert.EqualValues(t, 1, res["skipped"])

	rec = env.do(t, http.MethodPost, "/api/price-approvals/bulk-reject", `{"ids":[]}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/price-approvals/bulk-reject", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResetItem(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	_, err := env.st.UpsertItems(ctx, []model.Item{{ID: "dune", Title: "Dune", CurrentPrice: decimal.RequireFromString("9.99")}})
	require.NoError(t, err)
	require.NoError(t, env.st.UpdateItem(ctx, model.ItemUpdate{ItemID: "dune", CheckedAt: time.Now().UTC(), IncrementFailures: true, Status: model.PriceStatusError}))

	rec := env.do(t, http.MethodPost, "/api/items/dune/reset-failures", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	it, err := env.st.GetItem(ctx, "dune")
	require.NoError(t, err)
	assert.Equal(t, 0, it.FailedAttempts)

	rec = env.do(t, http.MethodPost, "/api/items/ghost/reset-failures", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodOptions, "/api/price-approvals", "", map[string]string{
		"Origin":                        "https://mybookshelf.shop",
		"Access-Control-Request-Method": http.MethodPost,
	})
	assert.Equal(t, "https://mybookshelf.shop", rec.Header().Get("Access-Control-Allow-Origin"))
}
