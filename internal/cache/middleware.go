package cache

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net/http"
)

// Middleware serves GET responses from the cache and fills it on miss.
// A nil store disables caching entirely.
func Middleware(store *Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store.Bypass(r) {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			key := store.Key(r)
			if env, ok := store.Lookup(ctx, key); ok {
				store.count(ctx, "cache.hit_total", 1)
				serveEnvelope(w, env)
				return
			}

			if !store.AcquireLock(ctx, key) {
				// Someone else is filling; wait for their result.
				if env, ok := store.WaitForFill(ctx, key); ok {
					store.count(ctx, "cache.coalesced_total", 1)
					serveEnvelope(w, env)
					return
				}
				store.count(ctx, "cache.miss_total", 1)
				next.ServeHTTP(w, r)
				return
			}
			defer store.ReleaseLock(ctx, key)

			store.count(ctx, "cache.miss_total", 1)
			cw := &captureWriter{ResponseWriter: w, status: http.StatusOK, max: store.cfg.MaxBodyBytes}
			next.ServeHTTP(cw, r)

			if cw.overflow || !store.Storable(cw.status, cw.Header(), cw.body.Len()) {
				return
			}
			env := &Envelope{
				Status:  cw.status,
				Headers: map[string]string{"content-type": cw.Header().Get("Content-Type")},
				BodyB64: base64.StdEncoding.EncodeToString(cw.body.Bytes()),
			}
			store.Fill(ctx, key, env, store.TTLFor(r.URL.Path))
			store.count(ctx, "cache.fill_total", 1)
		})
	}
}

func serveEnvelope(w http.ResponseWriter, env *Envelope) {
	body, err := base64.StdEncoding.DecodeString(env.BodyB64)
	if err != nil {
		// A corrupt entry degrades to an empty body rather than a 500.
		body = nil
	}
	contentType := env.Headers["content-type"]
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Cache", "HIT")
	status := env.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// captureWriter streams the response through while keeping a bounded
// copy for the cache fill.
type captureWriter struct {
	http.ResponseWriter
	status   int
	body     bytes.Buffer
	overflow bool
	max      int
}

func (cw *captureWriter) WriteHeader(code int) {
	cw.status = code
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *captureWriter) Write(b []byte) (int, error) {
	if !cw.overflow {
		if cw.body.Len()+len(b) > cw.max {
			cw.overflow = true
			cw.body.Reset()
		} else {
			cw.body.Write(b)
		}
	}
	n, err := cw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (cw *captureWriter) Flush() {
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
