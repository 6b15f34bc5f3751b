// Package api exposes the pipeline's HTTP surface: tender ingest and
// upsert, cached reads over documents, events and subscriptions,
// segment search, insights and the operational health and metrics
// endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/opentenders/tender-radar/internal/cache"
	"github.com/opentenders/tender-radar/internal/clock/system"
	"github.com/opentenders/tender-radar/internal/config"
	"github.com/opentenders/tender-radar/internal/insights"
	"github.com/opentenders/tender-radar/internal/metrics"
	"github.com/opentenders/tender-radar/internal/middleware"
	"github.com/opentenders/tender-radar/internal/pipeline"
)

// MetricsReader reads the shared sink back for the exposition
// endpoints. Both the Redis and the in-memory sink satisfy it.
type MetricsReader interface {
	RenderPrometheus(ctx context.Context) (string, error)
	Snapshot(ctx context.Context) (map[string]int64, map[string]float64, error)
}

// Probe checks one downstream dependency for the health endpoint.
type Probe func(ctx context.Context) error

// Deps carries the server's collaborators. Sink, Insights, Cache and
// the probes are optional; a missing piece degrades its endpoint
// instead of failing construction.
type Deps struct {
	Tenders       pipeline.TenderStore
	Documents     pipeline.DocumentStore
	Events        pipeline.EventStore
	Segments      pipeline.SegmentStore
	Subscriptions pipeline.SubscriptionStore
	Users         pipeline.UserStore
	Queue         pipeline.Queue
	KV            pipeline.KV
	Metrics       pipeline.Metrics
	Sink          MetricsReader
	Insights      *insights.Service
	Cache         *cache.Store
	Clock         pipeline.Clock
	DBProbe       Probe
	RedisProbe    Probe
	Logger        *zap.Logger
}

// Server wires HTTP handlers to the stores and the triage queue.
type Server struct {
	router        chi.Router
	cfg           config.Config
	tenders       pipeline.TenderStore
	documents     pipeline.DocumentStore
	events        pipeline.EventStore
	segments      pipeline.SegmentStore
	subscriptions pipeline.SubscriptionStore
	users         pipeline.UserStore
	queue         pipeline.Queue
	metrics       pipeline.Metrics
	sink          MetricsReader
	insights      *insights.Service
	cache         *cache.Store
	clock         pipeline.Clock
	dbProbe       Probe
	redisProbe    Probe
	logger        *zap.Logger
}

// metricsQueues is the queue set reported by GET /health/queue.
var metricsQueues = []string{
	pipeline.QueueTriage,
	pipeline.QueueFetch,
	pipeline.QueueParse,
	pipeline.QueueParseSmoke,
	pipeline.QueueDeadTriage,
	pipeline.QueueDeadFetch,
	pipeline.QueueDeadParse,
}

// NewServer constructs the router with the full middleware chain.
func NewServer(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := deps.Clock
	if clk == nil {
		clk = system.Clock{}
	}
	s := &Server{
		cfg:           cfg,
		tenders:       deps.Tenders,
		documents:     deps.Documents,
		events:        deps.Events,
		segments:      deps.Segments,
		subscriptions: deps.Subscriptions,
		users:         deps.Users,
		queue:         deps.Queue,
		metrics:       deps.Metrics,
		sink:          deps.Sink,
		insights:      deps.Insights,
		cache:         deps.Cache,
		clock:         clk,
		dbProbe:       deps.DBProbe,
		redisProbe:    deps.RedisProbe,
		logger:        logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Recover(logger))
	if deps.Metrics != nil {
		r.Use(middleware.ErrorCounters(deps.Metrics))
	}
	r.Use(middleware.Metrics)
	r.Use(middleware.Timeout(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(middleware.Auth(cfg.Auth))
	}

	r.Get("/health", s.health)
	r.Get("/health/cache", s.healthCache)
	r.Get("/health/queue", s.healthQueue)
	r.Get("/metrics", s.metricsExposition)
	r.Get("/metrics/basic", s.metricsBasic)
	r.Method(http.MethodGet, "/metrics/process", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.RateLimit.Enabled && deps.KV != nil {
			r.Use(middleware.RateLimit(deps.KV, cfg.RateLimit, logger))
		}
		if s.cache != nil {
			r.Use(cache.Middleware(s.cache))
		}

		r.Post("/ingest/tender", s.ingestTender)
		r.Route("/tenders", func(r chi.Router) {
			r.Post("/upsert", s.upsertTender)
		})
		r.Route("/documents", func(r chi.Router) {
			r.Get("/list", s.listDocuments)
		})
		r.Get("/events", s.listEvents)
		r.Route("/segments", func(r chi.Router) {
			r.Post("/search", s.searchSegments)
		})
		r.Route("/subscriptions", func(r chi.Router) {
			r.Get("/list", s.listSubscriptions)
			r.Post("/create", s.createSubscription)
			r.Post("/update", s.updateSubscription)
			r.Post("/pause_all", s.toggleSubscriptions)
			r.Post("/set_frequency", s.setSubscriptionFrequency)
		})
		r.Route("/users", func(r chi.Router) {
			r.Post("/upsert", s.upsertUser)
			r.Post("/follow", s.followTender)
			r.Post("/unfollow", s.unfollowTender)
		})
		r.Route("/insights", func(r chi.Router) {
			r.Post("/summary", s.insightSummary)
			r.Post("/extract", s.insightExtract)
			r.Post("/checklist", s.insightChecklist)
			r.Post("/qa", s.insightQA)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ok := true
	checks := map[string]string{"db": "skipped", "redis": "skipped"}
	if s.dbProbe != nil {
		if err := s.dbProbe(ctx); err != nil {
			s.logger.Warn("db health check failed", zap.Error(err))
			checks["db"] = "error"
			ok = false
		} else {
			checks["db"] = "ok"
		}
	}
	if s.redisProbe != nil {
		if err := s.redisProbe(ctx); err != nil {
			s.logger.Warn("redis health check failed", zap.Error(err))
			checks["redis"] = "error"
			ok = false
		} else {
			checks["redis"] = "ok"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": ok, "checks": checks})
}

func (s *Server) healthCache(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"enabled": s.cache != nil, "hit": int64(0), "miss": int64(0)}
	if s.cache != nil && s.metrics != nil {
		if hit, err := s.metrics.Counter(r.Context(), "cache.hit_total"); err == nil {
			out["hit"] = hit
		}
		if miss, err := s.metrics.Counter(r.Context(), "cache.miss_total"); err == nil {
			out["miss"] = miss
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) healthQueue(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]int64, len(metricsQueues))
	for _, q := range metricsQueues {
		if s.queue == nil {
			out[q] = -1
			continue
		}
		n, err := s.queue.Len(r.Context(), q)
		if err != nil {
			n = -1
		}
		out[q] = n
	}
	writeJSON(w, http.StatusOK, out)
}

// metricsExposition renders the shared sink as Prometheus text. The
// process-level registry is a separate surface at /metrics/process.
func (s *Server) metricsExposition(w http.ResponseWriter, r *http.Request) {
	if s.sink == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics_unavailable")
		return
	}
	payload, err := s.sink.RenderPrometheus(r.Context())
	if err != nil {
		s.logger.Error("metrics render failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "metrics_render_failed")
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(payload))
}

func (s *Server) metricsBasic(w http.ResponseWriter, r *http.Request) {
	if s.sink == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics_unavailable")
		return
	}
	counters, gauges, err := s.sink.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("metrics snapshot failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "metrics_snapshot_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counters": counters, "gauges": gauges})
}

func (s *Server) count(ctx context.Context, name string) {
	if s.metrics != nil {
		s.metrics.Incr(ctx, name, 1)
	}
}

// maxBodyBytes caps request bodies. Tender payloads with embedded
// source payloads stay well under this.
const maxBodyBytes = 1 << 20

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	return dec.Decode(dst)
}

// queryID parses an optional positive id parameter. Absent means nil.
func queryID(r *http.Request, name string) (*int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return nil, fmt.Errorf("invalid_%s", name)
	}
	return &id, nil
}

func queryLimit(r *http.Request, def, min, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return clampLimit(n, min, max, def)
}

func clampLimit(n, min, max, def int) int {
	if n == 0 {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
