package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storagequota/internal/auth"
	"storagequota/internal/domain"
	"storagequota/internal/repository"
	"storagequota/internal/service"
)

type testEnv struct {
	router http.Handler
	ledger *repository.MemoryLedger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ledger := repository.NewMemoryLedger()
	require.NoError(t, ledger.PutUser("u1", "rec-u1", map[string]interface{}{
		domain.QuotaField: map[string]interface{}{
			"limit_bytes":    1000,
			"burst_bytes":    0,
			"used_bytes":     0,
			"reserved_bytes": 0,
			"updated_at":     time.Now().UTC().Format(time.RFC3339Nano),
			"reservations":   map[string]interface{}{},
		},
	}))

	svc := service.NewStorageQuotaService(ledger, 1, service.WithRetryPolicy(5, time.Millisecond))
	return &testEnv{router: newRouter(svc), ledger: ledger}
}

func newRouter(acct service.Accountant) http.Handler {
	r := chi.NewRouter()
	r.Route("/v1", NewStorageQuotaHandler(acct, auth.NewVerifier("")).Routes)
	return r
}

func (e *testEnv) do(t *testing.T, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(auth.DefaultUserHeader, user)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

type errorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Params  map[string]interface{} `json:"params"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestQuotaHandler_ReserveCommitUsage(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/quota/reservations", "u1", `{"size_bytes": 400, "storage_key": "uploads/a"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var reserved reserveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reserved))
	require.NotEmpty(t, reserved.ReservationID)

	rec = env.do(t, http.MethodGet, "/v1/quota", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var info domain.QuotaInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, int64(400), info.ReservedBytes)
	assert.Equal(t, int64(40), info.Percent)

	rec = env.do(t, http.MethodPost, "/v1/quota/reservations/"+reserved.ReservationID+"/commit", "u1", `{"actual_size_bytes": 350}`)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/v1/quota", "u1", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, int64(350), info.UsedBytes)
	assert.Equal(t, int64(0), info.ReservedBytes)

	rec = env.do(t, http.MethodPost, "/v1/quota/debit", "u1", `{"size_bytes": 50}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/quota/", "u1", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, int64(300), info.UsedBytes)
}

func TestQuotaHandler_Release(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/quota/reservations", "u1", `{"size_bytes": 100, "storage_key": "k", "ttl_seconds": 60}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var reserved reserveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reserved))

	rec = env.do(t, http.MethodDelete, "/v1/quota/reservations/"+reserved.ReservationID, "u1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodDelete, "/v1/quota/reservations/"+reserved.ReservationID, "ghost", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestQuotaHandler_QuotaExceeded(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/quota/reservations", "u1", `{"size_bytes": 1001, "storage_key": "k"}`)
	require.Equal(t, http.StatusInsufficientStorage, rec.Code)

	body := decodeError(t, rec)
	assert.Equal(t, "QUOTA_EXCEEDED", body.Code)
	assert.Equal(t, float64(1000), body.Params["remaining"])
	assert.Equal(t, float64(1000), body.Params["limit"])
	assert.Equal(t, float64(0), body.Params["burst"])
	assert.Equal(t, float64(0), body.Params["used"])
	assert.Equal(t, float64(0), body.Params["reserved"])
	assert.Equal(t, float64(1001), body.Params["requested"])
}

func TestQuotaHandler_Errors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name       string
		method     string
		path       string
		user       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"missing identity", http.MethodGet, "/v1/quota", "", "", http.StatusUnauthorized, "AUTH_FAILED"},
		{"zero size", http.MethodPost, "/v1/quota/reservations", "u1", `{"size_bytes": 0}`, http.StatusBadRequest, "INVALID_SIZE"},
		{"negative size", http.MethodPost, "/v1/quota/reservations", "u1", `{"size_bytes": -4}`, http.StatusBadRequest, "INVALID_SIZE"},
		{"fractional size", http.MethodPost, "/v1/quota/reservations", "u1", `{"size_bytes": 1.5}`, http.StatusBadRequest, "INVALID_SIZE"},
		{"missing size", http.MethodPost, "/v1/quota/reservations", "u1", `{"storage_key": "k"}`, http.StatusBadRequest, "INVALID_SIZE"},
		{"string size", http.MethodPost, "/v1/quota/reservations", "u1", `{"size_bytes": "ten"}`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"malformed body", http.MethodPost, "/v1/quota/reservations", "u1", `{`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"bad ttl", http.MethodPost, "/v1/quota/reservations", "u1", `{"size_bytes": 1, "ttl_seconds": 1.5}`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown user reserve", http.MethodPost, "/v1/quota/reservations", "ghost", `{"size_bytes": 1}`, http.StatusNotFound, "USER_NOT_FOUND"},
		{"unknown user commit", http.MethodPost, "/v1/quota/reservations/x/commit", "ghost", `{"actual_size_bytes": 1}`, http.StatusNotFound, "USER_NOT_FOUND"},
		{"negative debit", http.MethodPost, "/v1/quota/debit", "u1", `{"size_bytes": -1}`, http.StatusBadRequest, "INVALID_SIZE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tt.user, tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantCode, decodeError(t, rec).Code)
		})
	}
}

func TestQuotaHandler_ExponentSize(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/quota/reservations", "u1", `{"size_bytes": 1e2, "storage_key": "k"}`)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestQuotaHandler_MaxInt64Size(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/quota/reservations", "u1", `{"size_bytes": 10, "storage_key": "k"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/quota/reservations", "u1", `{"size_bytes": 9223372036854775807, "storage_key": "k"}`)
	require.Equal(t, http.StatusInsufficientStorage, rec.Code, rec.Body.String())
	assert.Equal(t, float64(990), decodeError(t, rec).Params["remaining"])

	rec = env.do(t, http.MethodPost, "/v1/quota/reservations", "u1", `{"size_bytes": 9223372036854775808, "storage_key": "k"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_SIZE", decodeError(t, rec).Code)

	rec = env.do(t, http.MethodGet, "/v1/quota/", "u1", "")
	var info domain.QuotaInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, int64(10), info.ReservedBytes)
}

type stubAccountant struct {
	service.DisabledAccountant
	err error
}

func (s stubAccountant) Usage(context.Context, string) (*domain.QuotaInfo, error) {
	return nil, s.err
}

func TestQuotaHandler_ConflictAndInternal(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{service.ErrConcurrencyConflict, http.StatusConflict, "CONCURRENCY_CONFLICT"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		env := &testEnv{router: newRouter(stubAccountant{err: tt.err})}
		rec := env.do(t, http.MethodGet, "/v1/quota", "u1", "")
		assert.Equal(t, tt.wantStatus, rec.Code)
		body := decodeError(t, rec)
		assert.Equal(t, tt.wantCode, body.Code)
		assert.NotContains(t, body.Message, "disk on fire")
	}
}

func TestHealthHandler(t *testing.T) {
	ok := NewHealthHandler(func(context.Context) error { return nil })
	rec := httptest.NewRecorder()
	ok.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	down := NewHealthHandler(func(context.Context) error { return errors.New("down") })
	rec = httptest.NewRecorder()
	down.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
