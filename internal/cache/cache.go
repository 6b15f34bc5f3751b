// Package cache implements the shared read-path HTTP cache. Entries
// live in Redis as JSON envelopes keyed by method, path, sorted query
// and content-negotiation headers. Concurrent misses on one key are
// coalesced through a lock so only one request fills upstream.
package cache

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opentenders/tender-radar/internal/config"
	"github.com/opentenders/tender-radar/internal/pipeline"
)

// Envelope is the stored response: status, the content type and the
// base64-encoded body.
type Envelope struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	BodyB64 string            `json:"body_b64"`
}

// Config holds cache tuning derived from the application config.
type Config struct {
	Prefix       string
	DefaultTTL   time.Duration
	PathTTL      map[string]time.Duration
	MaxBodyBytes int
	LockTTL      time.Duration
	LockWait     time.Duration
	LockPoll     time.Duration
}

// FromConfig converts the viper-backed cache section.
func FromConfig(c config.CacheConfig) Config {
	pathTTL := make(map[string]time.Duration, len(c.PathTTLSeconds))
	for prefix, secs := range c.PathTTLSeconds {
		pathTTL[prefix] = time.Duration(secs) * time.Second
	}
	return Config{
		Prefix:       c.Prefix,
		DefaultTTL:   time.Duration(c.DefaultTTLSeconds) * time.Second,
		PathTTL:      pathTTL,
		MaxBodyBytes: c.MaxBodyBytes,
		LockTTL:      time.Duration(c.LockTTLSeconds) * time.Second,
		LockWait:     time.Duration(c.LockWaitMs) * time.Millisecond,
		LockPoll:     time.Duration(c.LockPollMs) * time.Millisecond,
	}
}

// Store reads and writes envelopes through the shared KV. All store
// failures degrade to cache misses; the API never fails because Redis
// is down.
type Store struct {
	kv      pipeline.KV
	cfg     Config
	metrics pipeline.Metrics
	logger  *zap.Logger
}

// NewStore constructs a Store. Zero config fields fall back to safe
// defaults.
func NewStore(kv pipeline.KV, cfg Config, metrics pipeline.Metrics, logger *zap.Logger) *Store {
	if cfg.Prefix == "" {
		cfg.Prefix = "cache:v1"
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 60 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 262144
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Second
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 2 * time.Second
	}
	if cfg.LockPoll <= 0 {
		cfg.LockPoll = 120 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{kv: kv, cfg: cfg, metrics: metrics, logger: logger}
}

// Key derives the cache key for a request. Query parameters are sorted
// by name with values echoed verbatim, and the two negotiation headers
// are folded to lowercase.
func (s *Store) Key(r *http.Request) string {
	var b strings.Builder
	b.WriteString(s.cfg.Prefix)
	b.WriteByte(':')
	b.WriteString(r.Method)
	b.WriteByte(':')
	b.WriteString(r.URL.Path)
	b.WriteByte('?')
	b.WriteString(sortedQuery(r.URL.Query()))
	b.WriteString("|a=")
	b.WriteString(normalizeHeader(r.Header.Get("Accept")))
	b.WriteString("|l=")
	b.WriteString(normalizeHeader(r.Header.Get("Accept-Language")))
	return b.String()
}

// Bypass reports whether the request must skip the cache entirely.
func (s *Store) Bypass(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return true
	}
	if r.Header.Get("X-Cache-Bypass") != "" ||
		r.Header.Get("Authorization") != "" ||
		r.Header.Get("Cookie") != "" {
		return true
	}
	switch r.URL.Query().Get("cache") {
	case "0", "false":
		return true
	}
	return false
}

// Storable reports whether a produced response may be cached.
func (s *Store) Storable(status int, header http.Header, bodyLen int) bool {
	if status != http.StatusOK {
		return false
	}
	if !strings.HasPrefix(header.Get("Content-Type"), "application/json") {
		return false
	}
	if header.Get("Set-Cookie") != "" || header.Get("X-Cache-Skip") != "" {
		return false
	}
	return bodyLen <= s.cfg.MaxBodyBytes
}

// TTLFor resolves the entry TTL by longest configured path prefix,
// falling back to the default.
func (s *Store) TTLFor(path string) time.Duration {
	best := ""
	ttl := s.cfg.DefaultTTL
	for prefix, d := range s.cfg.PathTTL {
		if strings.HasPrefix(path, prefix) && len(prefix) > len(best) {
			best = prefix
			ttl = d
		}
	}
	return ttl
}

// Lookup fetches and decodes an envelope. Any error counts as a miss.
func (s *Store) Lookup(ctx context.Context, key string) (*Envelope, bool) {
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		s.logger.Debug("cache read failed", zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.logger.Debug("cache entry corrupt", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return &env, true
}

// Fill stores an envelope under key for ttl.
func (s *Store) Fill(ctx context.Context, key string, env *Envelope, ttl time.Duration) {
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := s.kv.Set(ctx, key, raw, ttl); err != nil {
		s.logger.Debug("cache write failed", zap.Error(err))
	}
}

// AcquireLock tries to take the single-flight lock for key. A false
// return means another request is already filling.
func (s *Store) AcquireLock(ctx context.Context, key string) bool {
	ok, err := s.kv.SetNX(ctx, key+":lock", []byte("1"), s.cfg.LockTTL)
	if err != nil {
		// Treat a broken lock store as acquired so the request still
		// reaches the handler.
		return true
	}
	return ok
}

// ReleaseLock drops the single-flight lock.
func (s *Store) ReleaseLock(ctx context.Context, key string) {
	if err := s.kv.Del(ctx, key+":lock"); err != nil {
		s.logger.Debug("cache lock release failed", zap.Error(err))
	}
}

// WaitForFill polls the cache while another request holds the lock.
// Returns the envelope if the fill landed inside the wait budget.
func (s *Store) WaitForFill(ctx context.Context, key string) (*Envelope, bool) {
	deadline := time.Now().Add(s.cfg.LockWait)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(s.cfg.LockPoll):
		}
		if env, ok := s.Lookup(ctx, key); ok {
			return env, true
		}
	}
	return nil, false
}

// Invalidate removes every cached GET entry whose path starts with one
// of the prefixes. Returns how many entries were dropped.
func (s *Store) Invalidate(ctx context.Context, pathPrefixes ...string) int64 {
	var total int64
	for _, prefix := range pathPrefixes {
		pattern := s.cfg.Prefix + ":GET:" + prefix + "*"
		n, err := s.kv.DelPattern(ctx, pattern)
		if err != nil {
			s.logger.Debug("cache invalidation failed", zap.String("pattern", pattern), zap.Error(err))
			continue
		}
		total += n
	}
	if total > 0 {
		s.count(ctx, "cache.invalidated_total", total)
	}
	return total
}

func (s *Store) count(ctx context.Context, name string, n int64) {
	if s.metrics != nil {
		s.metrics.Incr(ctx, name, n)
	}
}

func sortedQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		for _, v := range values[k] {
			parts = append(parts, k+"="+v)
		}
	}
	return strings.Join(parts, "&")
}

func normalizeHeader(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
