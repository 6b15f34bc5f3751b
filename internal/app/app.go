// Package app initializes the long-lived services and acts as the
// composition root: one App per process, with the -role selection
// deciding which runners it actually starts. Construction fails fast;
// a process with a bad DSN or an unreachable broker should die before
// it accepts work.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/opentenders/tender-radar/internal/api"
	"github.com/opentenders/tender-radar/internal/cache"
	"github.com/opentenders/tender-radar/internal/clock/system"
	"github.com/opentenders/tender-radar/internal/config"
	"github.com/opentenders/tender-radar/internal/crawl"
	"github.com/opentenders/tender-radar/internal/enrich"
	"github.com/opentenders/tender-radar/internal/events"
	"github.com/opentenders/tender-radar/internal/hash/sha256"
	"github.com/opentenders/tender-radar/internal/insights"
	"github.com/opentenders/tender-radar/internal/kv"
	"github.com/opentenders/tender-radar/internal/metrics"
	"github.com/opentenders/tender-radar/internal/notify"
	"github.com/opentenders/tender-radar/internal/ocr"
	"github.com/opentenders/tender-radar/internal/pipeline"
	pubsubpublisher "github.com/opentenders/tender-radar/internal/publisher/pubsub"
	redisqueue "github.com/opentenders/tender-radar/internal/queue"
	queuememory "github.com/opentenders/tender-radar/internal/queue/memory"
	"github.com/opentenders/tender-radar/internal/storage"
	"github.com/opentenders/tender-radar/internal/storage/postgres"
	"github.com/opentenders/tender-radar/internal/worker"
	"github.com/opentenders/tender-radar/internal/worker/alerts"
	"github.com/opentenders/tender-radar/internal/worker/daily"
	"github.com/opentenders/tender-radar/internal/worker/fetchdocs"
	"github.com/opentenders/tender-radar/internal/worker/parse"
	"github.com/opentenders/tender-radar/internal/worker/triage"
)

// Role names accepted by the -role flag. Each maps to the process the
// deployment used to run as a separate container.
const (
	RoleAPI     = "api"
	RoleTriage  = "triage"
	RoleFetch   = "fetch"
	RoleParse   = "parse"
	RoleDaily   = "daily"
	RoleAlerts  = "alerts"
	RolePNCP    = "pncp"
	RoleCompras = "compras"
	RoleAll     = "all"
)

var allRoles = []string{
	RoleAPI, RoleTriage, RoleFetch, RoleParse,
	RoleDaily, RoleAlerts, RolePNCP, RoleCompras,
}

// ParseRoles splits a comma-separated role list and expands "all".
func ParseRoles(s string) (map[string]bool, error) {
	roles := map[string]bool{}
	for _, part := range strings.Split(s, ",") {
		role := strings.ToLower(strings.TrimSpace(part))
		if role == "" {
			continue
		}
		if role == RoleAll {
			for _, r := range allRoles {
				roles[r] = true
			}
			continue
		}
		known := false
		for _, r := range allRoles {
			if role == r {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Errorf("unknown role %q", role)
		}
		roles[role] = true
	}
	if len(roles) == 0 {
		return nil, errors.New("no roles selected")
	}
	return roles, nil
}

// sink is what the app needs from the metrics backend: the pipeline
// write surface plus the exposition reads the API serves.
type sink interface {
	pipeline.Metrics
	RenderPrometheus(ctx context.Context) (string, error)
	Snapshot(ctx context.Context) (map[string]int64, map[string]float64, error)
}

// App holds the shared, long-lived services for one process.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	db     *pgxpool.Pool
	redis  *redis.Client
	broker *pubsub.Client

	kv    pipeline.KV
	queue pipeline.Queue
	sink  sink

	archive      pipeline.BlobStore
	archiveClose func() error

	tenders   *postgres.TenderStore
	documents *postgres.DocumentStore
	segments  *postgres.SegmentStore
	artifacts *postgres.ArtifactStore
	eventRows *postgres.EventStore
	subs      *postgres.SubscriptionStore
	users     *postgres.UserStore
	alertRows *postgres.AlertStore

	hub      *events.Hub
	oracle   pipeline.Oracle
	enricher *enrich.Enricher
	sender   notify.Sender
	notifier *notify.Notifier
	insights *insights.Service
	cache    *cache.Store
	clock    pipeline.Clock
	server   *api.Server
}

// New builds every shared service from the configuration. Postgres is
// mandatory; Redis, the archive, Pub/Sub, Telegram and the oracle are
// optional and each absence degrades its feature instead of the boot.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger, clock: system.New()}

	db, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:            cfg.DB.DSN,
		MaxConns:       int32(cfg.DB.MaxConns),
		RegisterVector: cfg.Parse.EmbedEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize postgres: %w", err)
	}
	a.db = db
	if err := postgres.Migrate(ctx, db, logger); err != nil {
		a.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	a.tenders = postgres.NewTenderStore(db)
	a.documents = postgres.NewDocumentStore(db)
	a.segments = postgres.NewSegmentStore(db, cfg.Parse.EmbedEnabled)
	a.artifacts = postgres.NewArtifactStore(db)
	a.eventRows = postgres.NewEventStore(db)
	a.subs = postgres.NewSubscriptionStore(db)
	a.users = postgres.NewUserStore(db)
	a.alertRows = postgres.NewAlertStore(db)

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			a.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		a.redis = client
		a.kv = kv.NewRedis(client)
		a.queue = redisqueue.NewRedis(client, cfg.Queue.Cap)
		a.sink = metrics.NewRedisSink(client, cfg.Metrics.Prefix, cfg.Metrics.TTL(), logger)
		logger.Info("redis connected", zap.String("url", cfg.Redis.URL))
	} else {
		a.kv = kv.NewMemory()
		a.queue = queuememory.NewQueue(cfg.Queue.Cap)
		a.sink = metrics.NewMemorySink()
		logger.Warn("redis.url not set, queues, cache and counters stay in-process")
	}

	archive, closeArchive, err := storage.NewBlobStore(ctx, cfg.Archive)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("initialize archive: %w", err)
	}
	a.archive = archive
	a.archiveClose = closeArchive
	if archive != nil {
		logger.Info("body archive enabled", zap.String("provider", cfg.Archive.Provider))
	}

	if cfg.PubSub.Enabled {
		if cfg.PubSub.ProjectID == "" || cfg.PubSub.TopicName == "" {
			a.Close()
			return nil, errors.New("pubsub.enabled is set but project_id or topic_name is empty")
		}
		broker, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("initialize pubsub: %w", err)
		}
		a.broker = broker
		logger.Info("pubsub broadcast enabled", zap.String("topic", cfg.PubSub.TopicName))
	}

	if cfg.Events.Enabled {
		sinks := []events.Sink{
			events.NewStoreSink(a.eventRows, a.sink),
			events.NewLogSink(logger),
		}
		if a.broker != nil {
			pub := pubsubpublisher.New(a.broker.Publisher(cfg.PubSub.TopicName))
			sinks = append(sinks, events.NewBroadcastSink(pub, cfg.PubSub.TopicName))
		}
		a.hub = events.NewHub(events.Config{
			SampleRate: cfg.Events.SampleRate,
			Logger:     logger,
		}, sinks...)
	}

	if cfg.Telegram.Enabled && cfg.Telegram.BotToken != "" {
		a.sender = notify.NewTelegram(cfg.Telegram, logger)
	}
	a.notifier = notify.NewNotifier(a.sender, a.subs, a.kv, cfg.Telegram, logger)

	if cfg.Oracle.ClassifyURL != "" || cfg.Oracle.EmbedURL != "" {
		a.oracle = enrich.NewHTTPOracle(cfg.Oracle, cfg.Parse.EmbedDim)
	}
	if cfg.Enrich.Enabled && a.oracle != nil {
		a.enricher = enrich.NewEnricher(a.oracle, a.tenders, a.sink, cfg.Enrich, logger)
	}
	a.insights = insights.NewService(a.segments, a.documents, a.oracle, logger)

	if cfg.Cache.Enabled {
		a.cache = cache.NewStore(a.kv, cacheConfig(cfg.Cache), a.sink, logger)
	}

	a.server = api.NewServer(cfg, api.Deps{
		Tenders:       a.tenders,
		Documents:     a.documents,
		Events:        a.eventRows,
		Segments:      a.segments,
		Subscriptions: a.subs,
		Users:         a.users,
		Queue:         a.queue,
		KV:            a.kv,
		Metrics:       a.sink,
		Sink:          a.sink,
		Insights:      a.insights,
		Cache:         a.cache,
		Clock:         a.clock,
		DBProbe:       func(ctx context.Context) error { return db.Ping(ctx) },
		RedisProbe:    a.redisProbe(),
		Logger:        logger,
	})

	logger.Info("application services initialized")
	return a, nil
}

// Run assembles the runners for the selected roles, serves HTTP when
// the api role is present and blocks until the context finishes.
func (a *App) Run(ctx context.Context, roles map[string]bool) error {
	pool, err := a.buildRunners(roles)
	if err != nil {
		return err
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	done := make(chan struct{})
	go func() {
		pool.Run(runCtx)
		close(done)
	}()

	var srv *http.Server
	if roles[RoleAPI] {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.server.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
				stop()
			}
		}()
	}

	<-runCtx.Done()
	a.logger.Info("shutdown initiated")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http shutdown error", zap.Error(err))
		}
	}
	<-done
	a.logger.Info("shutdown complete")
	return nil
}

// buildRunners maps roles to runners. Queue stages replicate to their
// configured width; every replica shares the stage handler, which
// holds no per-message state.
func (a *App) buildRunners(roles map[string]bool) (*worker.Pool, error) {
	pool := worker.NewPool()

	addLoops := func(h worker.Handler, n int) {
		pool.Replicate(replicas(n), func() worker.Runner {
			return worker.NewLoop(a.queue, h, a.sink, a.eventSink(), a.cfg.Queue, a.logger)
		})
	}

	if roles[RoleTriage] {
		h := triage.New(a.tenders, a.queue, a.notifier, a.sink, a.eventSink(), a.clock, a.cfg.Triage, a.logger)
		addLoops(h, a.cfg.Workers.Triage)
	}
	if roles[RoleFetch] {
		h := fetchdocs.New(a.tenders, a.documents, a.queue, a.cacheInvalidator(), sha256.New(),
			a.sink, a.eventSink(), a.clock, a.cfg.Fetch, a.logger)
		addLoops(h, a.cfg.Workers.Fetch)
	}
	if roles[RoleParse] {
		deps := parse.Deps{
			Docs:      a.documents,
			Tenders:   a.tenders,
			Segments:  a.segments,
			Artifacts: a.artifacts,
			Archive:   a.archive,
			Oracle:    a.oracle,
			Notifier:  a.notifier,
			OCR:       ocr.New(ocrConfig(a.cfg.OCR), a.logger),
			Metrics:   a.sink,
			Events:    a.eventSink(),
			Logger:    a.logger,
		}
		if a.enricher != nil {
			deps.Enricher = a.enricher
		}
		addLoops(parse.New(deps, a.cfg.Parse, a.cfg.Triage), a.cfg.Workers.Parse)
	}
	if roles[RoleDaily] {
		pool.Add(daily.New(a.subs, a.tenders, a.alertRows, a.sender, a.sink, a.clock, a.cfg.Digest, a.logger))
	}
	if roles[RoleAlerts] {
		pool.Add(alerts.New(a.queue, a.kv, a.sink, a.sender, a.clock, a.cfg.Alerts,
			a.cfg.Telegram.AdminChatID, a.logger))
	}
	if roles[RolePNCP] {
		p, err := crawl.NewPNCP(a.cfg.Crawl, crawl.NewIngestClient(a.cfg.Crawl), a.sink, a.clock, a.logger)
		if err != nil {
			return nil, fmt.Errorf("initialize pncp poller: %w", err)
		}
		pool.Add(p)
	}
	if roles[RoleCompras] {
		c, err := crawl.NewCompras(a.cfg.Crawl, crawl.NewIngestClient(a.cfg.Crawl), a.sink, a.clock, a.logger)
		if err != nil {
			return nil, fmt.Errorf("initialize compras poller: %w", err)
		}
		pool.Add(c)
	}
	return pool, nil
}

// Close releases every external client. Safe to call on a partially
// constructed App.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	if a.hub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
		cancel()
	}
	if a.archiveClose != nil {
		if err := a.archiveClose(); err != nil {
			a.logger.Warn("archive close failed", zap.Error(err))
		}
	}
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			a.logger.Warn("pubsub close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}

// Server exposes the HTTP surface for tests and embedding.
func (a *App) Server() *api.Server { return a.server }

// eventSink hands the hub out behind the sink interface, keeping the
// interface nil when events are disabled so worker nil checks hold.
func (a *App) eventSink() pipeline.EventSink {
	if a.hub == nil {
		return nil
	}
	return a.hub
}

func (a *App) cacheInvalidator() fetchdocs.CacheInvalidator {
	if a.cache == nil {
		return nil
	}
	return a.cache
}

func (a *App) redisProbe() api.Probe {
	if a.redis == nil {
		return nil
	}
	return func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
}

func replicas(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func cacheConfig(c config.CacheConfig) cache.Config {
	pathTTL := make(map[string]time.Duration, len(c.PathTTLSeconds))
	for path, secs := range c.PathTTLSeconds {
		pathTTL[path] = time.Duration(secs) * time.Second
	}
	return cache.Config{
		Prefix:       c.Prefix,
		DefaultTTL:   time.Duration(c.DefaultTTLSeconds) * time.Second,
		PathTTL:      pathTTL,
		MaxBodyBytes: c.MaxBodyBytes,
		LockTTL:      time.Duration(c.LockTTLSeconds) * time.Second,
		LockWait:     time.Duration(c.LockWaitMs) * time.Millisecond,
		LockPoll:     time.Duration(c.LockPollMs) * time.Millisecond,
	}
}

func ocrConfig(c config.OCRConfig) ocr.Config {
	return ocr.Config{
		Mode:     c.Mode,
		DPI:      c.DPI,
		MaxPages: c.MaxPages,
		Timeout:  c.Timeout(),
	}
}
