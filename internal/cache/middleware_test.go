package cache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingHandler(calls *atomic.Int64, body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	})
}

func TestMiddlewareFillsThenServesFromCache(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, Config{})
	var calls atomic.Int64
	handler := Middleware(s)(countingHandler(&calls, `{"ok":true}`))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/v1/events", nil))
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, int64(1), calls.Load())

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/v1/events", nil))
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, `{"ok":true}`, second.Body.String())
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
	assert.Equal(t, int64(1), calls.Load())
}

func TestMiddlewareSkipsNonJSONResponses(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, Config{})
	var calls atomic.Int64
	handler := Middleware(s)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("plain"))
	}))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, int64(2), calls.Load())
}

func TestMiddlewareRespectsBypassHeader(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, Config{})
	var calls atomic.Int64
	handler := Middleware(s)(countingHandler(&calls, `{"n":1}`))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/events", nil)
		req.Header.Set("X-Cache-Bypass", "1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, int64(2), calls.Load())
}

func TestMiddlewareDoesNotCacheOversizedBodies(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, Config{MaxBodyBytes: 8})
	var calls atomic.Int64
	handler := Middleware(s)(countingHandler(&calls, `{"big":"`+strings.Repeat("x", 64)+`"}`))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, int64(2), calls.Load())
}

func TestMiddlewareLockHeldFallsThroughAfterWait(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, Config{LockWait: 60 * time.Millisecond, LockPoll: 20 * time.Millisecond})
	var calls atomic.Int64
	handler := Middleware(s)(countingHandler(&calls, `{"ok":true}`))

	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil)
	require.True(t, s.AcquireLock(context.Background(), s.Key(req)))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), calls.Load())
}

func TestMiddlewareCoalescedWaiterServesFill(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, Config{LockWait: 500 * time.Millisecond, LockPoll: 20 * time.Millisecond})
	var calls atomic.Int64
	handler := Middleware(s)(countingHandler(&calls, `{"ok":true}`))

	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil)
	key := s.Key(req)
	require.True(t, s.AcquireLock(context.Background(), key))

	go func() {
		time.Sleep(50 * time.Millisecond)
		s.Fill(context.Background(), key, &Envelope{
			Status:  200,
			Headers: map[string]string{"content-type": "application/json"},
			BodyB64: "eyJvayI6dHJ1ZX0=",
		}, time.Minute)
	}()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"ok":true}`, rec.Body.String())
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Equal(t, int64(0), calls.Load())
}

func TestMiddlewareNilStorePassesThrough(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	handler := Middleware(nil)(countingHandler(&calls, `{"ok":true}`))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), calls.Load())
}
