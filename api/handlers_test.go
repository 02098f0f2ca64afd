/*
handlers_test.go - HTTP-level tests for the position-keeper API

Tests for:
- Run start/stop/status endpoints and their status-code mapping
- Data-entry endpoints (transactions, queueing, entities)
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panda/position-keeper/keeper"
	"github.com/panda/position-keeper/store/sqlite"
	"github.com/panda/position-keeper/worker"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestServer(t *testing.T) (http.Handler, *sqlite.Store) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sim := worker.NewSimulated(0, 0)
	controller := worker.NewManager(sim, sim)
	controller.PollInterval = 2 * time.Millisecond

	orch := keeper.NewOrchestrator(store, controller, &worker.Local{}, keeper.Config{
		WorkerReadyTimeout: 2 * time.Second,
		Retry:              keeper.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond},
	})

	return NewRouter(NewHandler(store, orch)), store
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func seedQueuedTransaction(t *testing.T, store *sqlite.Store, portfolio, contra, instrument int64) int64 {
	id, err := store.CreateTransaction(context.Background(), keeper.Transaction{
		PortfolioEntityID:  portfolio,
		ContraEntityID:     contra,
		InstrumentEntityID: instrument,
		Status:             keeper.StatusQueued,
		TradeDate:          time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
		SettleDate:         time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return id
}

// =============================================================================
// RUN ENDPOINTS
// =============================================================================

func TestStartRun_Success(t *testing.T) {
	// GIVEN: One queued transaction
	// WHEN: POST /api/position-keeper/start
	// THEN: 201 with run id, sandbox size, statistics, and cleanup

	h, store := newTestServer(t)
	seedQueuedTransaction(t, store, 10, 20, 300)

	rec := doJSON(t, h, http.MethodPost, "/api/position-keeper/start", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode[StartRunResponse](t, rec)
	assert.Equal(t, "incremental", resp.Mode)
	assert.NotZero(t, resp.RunID)
	// 3 days (Mar 3..5) x 2 pairs x 2 types
	assert.Equal(t, 12, resp.SandboxRowsCreated)
	assert.Equal(t, keeper.Stats{Total: 1, Successful: 1, Failed: 0}, resp.Statistics)
	assert.Zero(t, resp.Cleanup.MarkedUnknown)
}

func TestStartRun_ExplicitFullRefreshMode(t *testing.T) {
	h, store := newTestServer(t)
	seedQueuedTransaction(t, store, 10, 20, 300)

	rec := doJSON(t, h, http.MethodPost, "/api/position-keeper/start/full-refresh", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode[StartRunResponse](t, rec)
	assert.Equal(t, "full-refresh", resp.Mode)
}

func TestStartRun_LockHeld_Returns409(t *testing.T) {
	// GIVEN: The run lock is held by another live holder
	// WHEN: POST /api/position-keeper/start
	// THEN: 409 with an error envelope

	h, store := newTestServer(t)
	_, err := store.AcquireLock(context.Background(), keeper.DefaultLockKey, "other-host:1", time.Hour)
	require.NoError(t, err)

	rec := doJSON(t, h, http.MethodPost, "/api/position-keeper/start", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	resp := decode[ErrorResponse](t, rec)
	assert.NotEmpty(t, resp.Error)
}

func TestStopRun_NoActiveRun(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/api/position-keeper/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[StopRunResponse](t, rec)
	assert.False(t, resp.Stopping)
	assert.Equal(t, "free", resp.LockStatus)
	assert.Empty(t, resp.Holder)
	assert.Equal(t, keeper.OverallStopped, resp.InstanceStatus.Overall)
}

func TestGetStatus_IdleAndStopped(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodGet, "/api/position-keeper/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[StatusResponse](t, rec)
	assert.Equal(t, "idle", resp.State)
	assert.Equal(t, "free", resp.LockStatus)
	assert.Empty(t, resp.Holder)
	assert.Empty(t, resp.ExpiresAt)
	assert.Equal(t, keeper.OverallStopped, resp.InstanceStatus.Overall)
}

func TestGetStatus_SurfacesHeldLock(t *testing.T) {
	h, store := newTestServer(t)
	_, err := store.AcquireLock(context.Background(), keeper.DefaultLockKey, "other-host:1", time.Hour)
	require.NoError(t, err)

	rec := doJSON(t, h, http.MethodGet, "/api/position-keeper/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[StatusResponse](t, rec)
	assert.Equal(t, "held", resp.LockStatus)
	assert.Equal(t, "other-host:1", resp.Holder)
	assert.NotEmpty(t, resp.ExpiresAt)
}

func TestListRuns_AfterARun(t *testing.T) {
	h, store := newTestServer(t)
	seedQueuedTransaction(t, store, 10, 20, 300)

	started := doJSON(t, h, http.MethodPost, "/api/position-keeper/start", nil)
	require.Equal(t, http.StatusCreated, started.Code)

	rec := doJSON(t, h, http.MethodGet, "/api/position-keeper/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	runs := decode[[]RunDTO](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, "incremental", runs[0].Mode)
	assert.NotNil(t, runs[0].CompletedAt)
}

func TestGetRunSandbox_UnknownRun_Returns404(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodGet, "/api/position-keeper/runs/42/sandbox", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// DATA ENTRY ENDPOINTS
// =============================================================================

func TestCreateTransaction_DefaultsToIncomplete(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/api/transactions", CreateTransactionRequest{
		PortfolioEntityID:  1,
		ContraEntityID:     2,
		InstrumentEntityID: 3,
		TradeDate:          "2025-03-03",
		SettleDate:         "2025-03-05",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode[TransactionDTO](t, rec)
	assert.Equal(t, string(keeper.StatusIncomplete), resp.Status)
	assert.Equal(t, "2025-03-03", resp.TradeDate)
}

func TestCreateTransaction_InvalidDate_Returns400(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/api/transactions", CreateTransactionRequest{
		PortfolioEntityID:  1,
		ContraEntityID:     2,
		InstrumentEntityID: 3,
		TradeDate:          "03/03/2025",
		SettleDate:         "2025-03-05",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueueTransaction_MovesIncompleteOnly(t *testing.T) {
	// GIVEN: A newly created (INCOMPLETE) transaction
	// WHEN: Queueing it twice
	// THEN: First call moves it to QUEUED, second call conflicts

	h, _ := newTestServer(t)

	created := doJSON(t, h, http.MethodPost, "/api/transactions", CreateTransactionRequest{
		PortfolioEntityID:  1,
		ContraEntityID:     2,
		InstrumentEntityID: 3,
		TradeDate:          "2025-03-03",
		SettleDate:         "2025-03-05",
	})
	require.Equal(t, http.StatusCreated, created.Code)
	tx := decode[TransactionDTO](t, created)

	rec := doJSON(t, h, http.MethodPost, "/api/transactions/1/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	queued := decode[TransactionDTO](t, rec)
	assert.Equal(t, tx.ID, queued.ID)
	assert.Equal(t, string(keeper.StatusQueued), queued.Status)

	rec = doJSON(t, h, http.MethodPost, "/api/transactions/1/queue", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListTransactions_StatusFilter(t *testing.T) {
	h, store := newTestServer(t)
	seedQueuedTransaction(t, store, 1, 2, 3)
	doJSON(t, h, http.MethodPost, "/api/transactions", CreateTransactionRequest{
		PortfolioEntityID:  4,
		ContraEntityID:     5,
		InstrumentEntityID: 6,
		TradeDate:          "2025-03-03",
		SettleDate:         "2025-03-05",
	})

	rec := doJSON(t, h, http.MethodGet, "/api/transactions/?status=QUEUED", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	txs := decode[[]TransactionDTO](t, rec)
	require.Len(t, txs, 1)
	assert.Equal(t, string(keeper.StatusQueued), txs[0].Status)
}

func TestEntities_CreateAndList(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/api/entities", CreateEntityRequest{
		Name: "Growth Fund", Type: "portfolio",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/entities/", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	entities := decode[[]EntityDTO](t, rec)
	require.Len(t, entities, 1)
	assert.Equal(t, "Growth Fund", entities[0].Name)
}
