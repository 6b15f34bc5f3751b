package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opentenders/tender-radar/internal/config"
	"github.com/opentenders/tender-radar/internal/kv"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestIDSetsHeaderAndContext(t *testing.T) {
	t.Parallel()

	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
}

func TestAuthAllowsPublicPrefixes(t *testing.T) {
	t.Parallel()

	cfg := config.AuthConfig{Enabled: true, APIKeys: "secreta", PublicPrefixes: []string{"/health", "/metrics"}}
	handler := Auth(cfg)(okHandler())

	for _, path := range []string{"/health", "/health/queue", "/metrics/basic"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestAuthRejectsMissingAndUnknownKeys(t *testing.T) {
	t.Parallel()

	cfg := config.AuthConfig{Enabled: true, APIKeys: "secreta", PublicPrefixes: []string{"/health"}}
	handler := Auth(cfg)(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/ingest/tender", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/ingest/tender", nil)
	req.Header.Set("X-API-Key", "errada")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuthAcceptsBearerHeaderAndQuery(t *testing.T) {
	t.Parallel()

	cfg := config.AuthConfig{Enabled: true, APIKeys: "secreta, outra"}
	handler := Auth(cfg)(okHandler())

	bearer := httptest.NewRequest(http.MethodGet, "/v1/events", nil)
	bearer.Header.Set("Authorization", "Bearer secreta")

	header := httptest.NewRequest(http.MethodGet, "/v1/events", nil)
	header.Header.Set("X-API-Key", "outra")

	query := httptest.NewRequest(http.MethodGet, "/v1/events?api_key=secreta", nil)

	for _, req := range []*http.Request{bearer, header, query} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestClientKeyPrecedence(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/v1/events?api_key=da-query", nil)
	req.Header.Set("Authorization", "Bearer do-bearer")
	req.Header.Set("X-API-Key", "do-header")
	assert.Equal(t, "do-bearer", ClientKey(req))

	req.Header.Del("Authorization")
	assert.Equal(t, "do-header", ClientKey(req))

	req.Header.Del("X-API-Key")
	assert.Equal(t, "da-query", ClientKey(req))
}

func TestRateLimitRejectsAboveWindow(t *testing.T) {
	t.Parallel()

	store := kv.NewMemory()
	cfg := config.RateLimitConfig{Enabled: true, PerMin: 2}
	handler := RateLimit(store, cfg, zap.NewNop())(okHandler())

	newReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/v1/events", nil)
		req.Header.Set("X-API-Key", "secreta")
		return req
	}

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, newReq())
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newReq())
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestRateLimitBypassKeysAreExempt(t *testing.T) {
	t.Parallel()

	store := kv.NewMemory()
	cfg := config.RateLimitConfig{Enabled: true, PerMin: 1, BypassKeys: "robo-interno"}
	handler := RateLimit(store, cfg, zap.NewNop())(okHandler())

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/events", nil)
		req.Header.Set("X-API-Key", "robo-interno")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

type failingKV struct {
	kv.Memory
}

func (*failingKV) Incr(context.Context, string) (int64, error) {
	return 0, errors.New("redis down")
}

func TestRateLimitFailsOpenOnStoreError(t *testing.T) {
	t.Parallel()

	cfg := config.RateLimitConfig{Enabled: true, PerMin: 1}
	handler := RateLimit(&failingKV{}, cfg, zap.NewNop())(okHandler())

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/events", nil)
		req.Header.Set("X-API-Key", "secreta")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRecoverTurnsPanicInto500(t *testing.T) {
	t.Parallel()

	handler := Recover(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
}

func TestLoggingPreservesStatus(t *testing.T) {
	t.Parallel()

	handler := Logging(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestTimeoutCutsSlowHandlers(t *testing.T) {
	t.Parallel()

	handler := Timeout(20 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
