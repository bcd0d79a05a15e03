package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/passl/dispatch-core/internal/batching"
	"github.com/passl/dispatch-core/internal/dispatch"
	"github.com/passl/dispatch-core/internal/horizon"
	"github.com/passl/dispatch-core/internal/logger"
	"github.com/passl/dispatch-core/internal/push"
	"github.com/passl/dispatch-core/internal/routing"
)

type memLock struct {
	mu      sync.Mutex
	holders map[string]string
}

func (l *memLock) TryClaim(_ context.Context, jobID, driverID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.holders[jobID]; held {
		return false, nil
	}
	l.holders[jobID] = driverID
	return true, nil
}

func (l *memLock) Holder(_ context.Context, jobID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holders[jobID], nil
}

func (l *memLock) Release(_ context.Context, jobID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.holders, jobID)
	return nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	engine := batching.NewEngine(logger.Nop())
	matrix := &routing.ManhattanMatrix{SpeedMPS: 1, MetersPerDegree: 1}
	q, err := horizon.New(engine, matrix, nil, batching.DefaultPolicy(), logger.Nop())
	require.NoError(t, err)

	lock := &memLock{holders: make(map[string]string)}
	d, err := dispatch.NewDispatcher(
		dispatch.Config{Workers: 2},
		lock,
		&push.LogService{Log: logger.Nop()},
		nil, nil,
		func() batching.Policy { return batching.DefaultPolicy() },
		logger.Nop(),
	)
	require.NoError(t, err)
	t.Cleanup(d.Stop)

	return New(q, d, logger.Nop())
}

func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestOrderWebhookAccepts(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/orders/webhook", `{
		"order_id": "o1",
		"restaurant_id": "r1",
		"pickup_lat": 30.0444,
		"pickup_lon": 31.2357,
		"dropoff_lat": 30.06,
		"dropoff_lon": 31.22,
		"created_at": "`+time.Now().UTC().Format(time.RFC3339)+`"
	}`)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"order_id":"o1"`)
}

func TestOrderWebhookRejectsMalformedJSON(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/orders/webhook", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOrderWebhookRejectsMissingFields(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/orders/webhook", `{"order_id": "o1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOrderWebhookRejectsPickupEqualsDropoff(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/orders/webhook", `{
		"order_id": "o1",
		"restaurant_id": "r1",
		"pickup_lat": 30.0,
		"pickup_lon": 31.0,
		"dropoff_lat": 30.0,
		"dropoff_lon": 31.0
	}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOrderWebhookRejectsBadTimestamp(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/orders/webhook", `{
		"order_id": "o1",
		"restaurant_id": "r1",
		"pickup_lat": 30.0,
		"pickup_lon": 31.0,
		"dropoff_lat": 30.1,
		"dropoff_lon": 31.1,
		"created_at": "yesterday"
	}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobAcceptWinnerAndLoser(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/jobs/job-1/accept", `{"driver_id": "d1"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/jobs/job-1/accept", `{"driver_id": "d2"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestJobAcceptRequiresDriverID(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/jobs/job-1/accept", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOrderCancel(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/orders/webhook", `{
		"order_id": "o1",
		"restaurant_id": "r1",
		"pickup_lat": 30.0,
		"pickup_lon": 31.0,
		"dropoff_lat": 30.1,
		"dropoff_lon": 31.1
	}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, s, http.MethodDelete, "/orders/o1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"pool_size":0`)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}
