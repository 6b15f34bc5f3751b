// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
// Every role (api, workers, pollers) reads the same tree.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Redis     RedisConfig     `mapstructure:"redis"`
	DB        DBConfig        `mapstructure:"db"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Cache     CacheConfig     `mapstructure:"cache"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Events    EventsConfig    `mapstructure:"events"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Triage    TriageConfig    `mapstructure:"triage"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Parse     ParseConfig     `mapstructure:"parse"`
	OCR       OCRConfig       `mapstructure:"ocr"`
	Enrich    EnrichConfig    `mapstructure:"enrich"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Digest    DigestConfig    `mapstructure:"digest"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication. APIKeys is comma-separated so
// it can be injected through a single environment variable. Paths under
// any PublicPrefixes entry skip authentication.
type AuthConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	APIKeys        string   `mapstructure:"api_keys"`
	PublicPrefixes []string `mapstructure:"public_prefixes"`
}

// Keys splits the configured key list.
func (a AuthConfig) Keys() []string {
	var out []string
	for _, k := range strings.Split(a.APIKeys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// RedisConfig points at the shared Redis instance.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
}

// QueueConfig governs the Redis list queues and the worker retry loop.
type QueueConfig struct {
	Cap               int64 `mapstructure:"cap"`
	PopTimeoutSeconds int   `mapstructure:"pop_timeout_seconds"`
	RetryMax          int   `mapstructure:"retry_max"`
	BackoffSeconds    int   `mapstructure:"backoff_seconds"`
}

// PopTimeout returns the blocking-pop timeout as a duration.
func (q QueueConfig) PopTimeout() time.Duration {
	return time.Duration(q.PopTimeoutSeconds) * time.Second
}

// Backoff returns the linear retry backoff base.
func (q QueueConfig) Backoff() time.Duration {
	return time.Duration(q.BackoffSeconds) * time.Second
}

// MetricsConfig controls the shared Redis metrics sink.
type MetricsConfig struct {
	Prefix   string `mapstructure:"prefix"`
	TTLHours int    `mapstructure:"ttl_hours"`
}

// TTL returns the metric key lifetime.
func (m MetricsConfig) TTL() time.Duration {
	return time.Duration(m.TTLHours) * time.Hour
}

// CacheConfig controls the read-path response cache.
type CacheConfig struct {
	Enabled           bool           `mapstructure:"enabled"`
	Prefix            string         `mapstructure:"prefix"`
	DefaultTTLSeconds int            `mapstructure:"default_ttl_seconds"`
	PathTTLSeconds    map[string]int `mapstructure:"path_ttl_seconds"`
	MaxBodyBytes      int            `mapstructure:"max_body_bytes"`
	LockTTLSeconds    int            `mapstructure:"lock_ttl_seconds"`
	LockWaitMs        int            `mapstructure:"lock_wait_ms"`
	LockPollMs        int            `mapstructure:"lock_poll_ms"`
}

// RateLimitConfig controls the per-key fixed request window. Bypass
// keys are comma-separated, same as auth keys.
type RateLimitConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	PerMin     int    `mapstructure:"per_min"`
	BypassKeys string `mapstructure:"bypass_keys"`
}

// Bypass splits the configured bypass key list.
func (r RateLimitConfig) Bypass() []string {
	var out []string
	for _, k := range strings.Split(r.BypassKeys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// EventsConfig controls the pipeline event log.
type EventsConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

// PubSubConfig enables the optional event broadcaster.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TriageConfig tunes scoring and gating. Keywords and UFWeights
// override the built-in weight tables when non-empty; empty allowlists
// admit everything.
type TriageConfig struct {
	MinScore       int            `mapstructure:"min_score"`
	Keywords       map[string]int `mapstructure:"keywords"`
	UFWeights      map[string]int `mapstructure:"uf_weights"`
	UFAllow        []string       `mapstructure:"uf_allow"`
	MunicipioAllow []string       `mapstructure:"municipio_allow"`
}

// FetchConfig governs document download behavior.
type FetchConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxBytes       int64  `mapstructure:"max_bytes"`
	UserAgent      string `mapstructure:"user_agent"`
	EnumeratePNCP  bool   `mapstructure:"enumerate_pncp"`
	PNCPBaseURL    string `mapstructure:"pncp_base_url"`
}

// Timeout returns the per-download timeout.
func (f FetchConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSeconds) * time.Second
}

// ParseConfig governs text extraction, segmentation and embeddings.
// GateKeywords/GateRegex enable the post-OCR relevance gate when set.
type ParseConfig struct {
	MaxTextChars      int      `mapstructure:"max_text_chars"`
	SmokeMaxTextChars int      `mapstructure:"smoke_max_text_chars"`
	SegmentSize       int      `mapstructure:"segment_size"`
	SegmentOverlap    int      `mapstructure:"segment_overlap"`
	OCRMinTextLen     int      `mapstructure:"ocr_min_text_len"`
	OCRMinQuality     float64  `mapstructure:"ocr_min_quality"`
	GateKeywords      []string `mapstructure:"gate_keywords"`
	GateRegex         string   `mapstructure:"gate_regex"`
	DropBody          bool     `mapstructure:"drop_body"`
	EmbedEnabled      bool     `mapstructure:"embed_enabled"`
	EmbedDim          int      `mapstructure:"embed_dim"`
}

// OCRConfig controls the external OCR toolchain.
type OCRConfig struct {
	Mode           string `mapstructure:"mode"`
	DPI            int    `mapstructure:"dpi"`
	MaxPages       int    `mapstructure:"max_pages"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// Timeout returns the whole-document OCR budget.
func (o OCRConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSeconds) * time.Second
}

// EnrichConfig gates the classification step.
type EnrichConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	MinTextLen int  `mapstructure:"min_text_len"`
	MaxTextLen int  `mapstructure:"max_text_len"`
	Force      bool `mapstructure:"force"`
}

// OracleConfig points at the classifier/embedder HTTP endpoints.
type OracleConfig struct {
	ClassifyURL    string `mapstructure:"classify_url"`
	EmbedURL       string `mapstructure:"embed_url"`
	EmbedModel     string `mapstructure:"embed_model"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// Timeout returns the oracle request timeout.
func (o OracleConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSeconds) * time.Second
}

// ArchiveConfig selects where raw document bodies are archived before
// the database copy is dropped. Empty provider disables archiving.
type ArchiveConfig struct {
	Provider  string `mapstructure:"provider"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// TelegramConfig configures outbound messaging. ChannelMap maps an UF
// to its broadcast channel chat id. NotifyStage selects which pipeline
// stage fires realtime fan-out (triage or parse).
type TelegramConfig struct {
	Enabled           bool              `mapstructure:"enabled"`
	BotToken          string            `mapstructure:"bot_token"`
	BotUsername       string            `mapstructure:"bot_username"`
	AdminChatID       string            `mapstructure:"admin_chat_id"`
	NotifyStage       string            `mapstructure:"notify_stage"`
	ChannelMap        map[string]string `mapstructure:"channel_map"`
	MessagesPerSecond float64           `mapstructure:"messages_per_second"`
}

// WorkersConfig sets per-stage replica counts.
type WorkersConfig struct {
	Triage int `mapstructure:"triage"`
	Fetch  int `mapstructure:"fetch"`
	Parse  int `mapstructure:"parse"`
}

// DigestConfig tunes the daily summary worker.
type DigestConfig struct {
	PollSeconds   int `mapstructure:"poll_seconds"`
	HourUTC       int `mapstructure:"hour_utc"`
	LookbackHours int `mapstructure:"lookback_hours"`
	MaxItems      int `mapstructure:"max_items"`
}

// Lookback returns the digest tender window.
func (d DigestConfig) Lookback() time.Duration {
	return time.Duration(d.LookbackHours) * time.Hour
}

// Poll returns the digest tick interval.
func (d DigestConfig) Poll() time.Duration {
	return time.Duration(d.PollSeconds) * time.Second
}

// AlertsConfig tunes the operational alert worker. The threshold
// tables are comma-separated name=limit pairs so each fits in a single
// environment variable.
type AlertsConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	PollSeconds       int    `mapstructure:"poll_seconds"`
	CooldownSeconds   int    `mapstructure:"cooldown_seconds"`
	QueueThresholds   string `mapstructure:"queue_thresholds"`
	CounterThresholds string `mapstructure:"counter_thresholds"`
}

// Cooldown returns the per-signal alert cooldown.
func (a AlertsConfig) Cooldown() time.Duration {
	return time.Duration(a.CooldownSeconds) * time.Second
}

// Poll returns the alert check interval, floored at 5s.
func (a AlertsConfig) Poll() time.Duration {
	s := a.PollSeconds
	if s < 5 {
		s = 5
	}
	return time.Duration(s) * time.Second
}

// QueueLimits parses the queue depth threshold table.
func (a AlertsConfig) QueueLimits() map[string]int64 {
	return parseThresholds(a.QueueThresholds)
}

// CounterLimits parses the counter delta threshold table.
func (a AlertsConfig) CounterLimits() map[string]int64 {
	return parseThresholds(a.CounterThresholds)
}

// parseThresholds reads "name=limit,name=limit". Malformed entries are
// skipped rather than failing the whole table.
func parseThresholds(raw string) map[string]int64 {
	out := map[string]int64{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, limit, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		n, err := strconv.ParseInt(strings.TrimSpace(limit), 10, 64)
		if err != nil || name == "" {
			continue
		}
		out[name] = n
	}
	return out
}

// CrawlConfig configures the source pollers and the ingest API they
// post into.
type CrawlConfig struct {
	IntervalSeconds int              `mapstructure:"interval_seconds"`
	DelayMs         int              `mapstructure:"delay_ms"`
	BackoffSeconds  int              `mapstructure:"backoff_seconds"`
	TimeoutSeconds  int              `mapstructure:"timeout_seconds"`
	MaxItems        int              `mapstructure:"max_items"`
	UserAgent       string           `mapstructure:"user_agent"`
	APIBaseURL      string           `mapstructure:"api_base_url"`
	APIKey          string           `mapstructure:"api_key"`
	PNCP            PNCPCrawlConfig  `mapstructure:"pncp"`
	Compras         ComprasCrawlConf `mapstructure:"compras"`
}

// Interval is the pause between catalog passes.
func (c CrawlConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Delay is the per-request pacing inside a pass.
func (c CrawlConfig) Delay() time.Duration {
	return time.Duration(c.DelayMs) * time.Millisecond
}

// Backoff is the pause after an upstream page failure.
func (c CrawlConfig) Backoff() time.Duration {
	return time.Duration(c.BackoffSeconds) * time.Second
}

// Timeout bounds one upstream request.
func (c CrawlConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PNCPCrawlConfig tunes the PNCP consulta poller.
type PNCPCrawlConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	PageSize    int    `mapstructure:"page_size"`
	MaxPages    int    `mapstructure:"max_pages"`
	Modalidades []int  `mapstructure:"modalidades"`
	UF          string `mapstructure:"uf"`
}

// ComprasCrawlConf tunes the Compras.gov.br poller.
type ComprasCrawlConf struct {
	BaseURL   string `mapstructure:"base_url"`
	MaxPages  int    `mapstructure:"max_pages"`
	DateField string `mapstructure:"date_field"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RADAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.public_prefixes", []string{"/health", "/metrics"})
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("queue.cap", 10000)
	v.SetDefault("queue.pop_timeout_seconds", 5)
	v.SetDefault("queue.retry_max", 3)
	v.SetDefault("queue.backoff_seconds", 2)
	v.SetDefault("metrics.prefix", "metrics:v1")
	v.SetDefault("metrics.ttl_hours", 168)
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.prefix", "cache:v1")
	v.SetDefault("cache.default_ttl_seconds", 60)
	v.SetDefault("cache.max_body_bytes", 262144)
	v.SetDefault("cache.lock_ttl_seconds", 10)
	v.SetDefault("cache.lock_wait_ms", 2000)
	v.SetDefault("cache.lock_poll_ms", 120)
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.per_min", 300)
	v.SetDefault("events.enabled", true)
	v.SetDefault("events.sample_rate", 1.0)
	v.SetDefault("triage.min_score", 1)
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.max_bytes", 5242880)
	v.SetDefault("fetch.user_agent", "tender-radar/0.1 (+fetch-docs)")
	v.SetDefault("fetch.enumerate_pncp", true)
	v.SetDefault("fetch.pncp_base_url", "https://pncp.gov.br/api/pncp")
	v.SetDefault("parse.max_text_chars", 200000)
	v.SetDefault("parse.smoke_max_text_chars", 20000)
	v.SetDefault("parse.segment_size", 800)
	v.SetDefault("parse.segment_overlap", 100)
	v.SetDefault("parse.ocr_min_text_len", 200)
	v.SetDefault("parse.ocr_min_quality", 0.25)
	v.SetDefault("parse.drop_body", true)
	v.SetDefault("parse.embed_enabled", false)
	v.SetDefault("parse.embed_dim", 768)
	v.SetDefault("ocr.mode", "auto")
	v.SetDefault("ocr.dpi", 200)
	v.SetDefault("ocr.max_pages", 12)
	v.SetDefault("ocr.timeout_seconds", 120)
	v.SetDefault("enrich.enabled", false)
	v.SetDefault("enrich.min_text_len", 300)
	v.SetDefault("enrich.max_text_len", 4000)
	v.SetDefault("telegram.notify_stage", "parse")
	v.SetDefault("oracle.embed_model", "nomic-embed-text")
	v.SetDefault("oracle.timeout_seconds", 30)
	v.SetDefault("archive.provider", "")
	v.SetDefault("archive.prefix", "docs")
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.messages_per_second", 20)
	v.SetDefault("workers.triage", 1)
	v.SetDefault("workers.fetch", 2)
	v.SetDefault("workers.parse", 2)
	v.SetDefault("digest.poll_seconds", 300)
	v.SetDefault("digest.hour_utc", 8)
	v.SetDefault("digest.lookback_hours", 24)
	v.SetDefault("digest.max_items", 8)
	v.SetDefault("alerts.enabled", true)
	v.SetDefault("alerts.poll_seconds", 60)
	v.SetDefault("alerts.cooldown_seconds", 300)
	v.SetDefault("alerts.queue_thresholds",
		"q:triage=500,q:fetch_parse=200,q:parse=200,q:dead_triage=1,q:dead_fetch_docs=1,q:dead_parse=1")
	v.SetDefault("alerts.counter_thresholds",
		"api.errors_5xx_total=5,worker.triage.dead_total=1,worker.fetch_docs.dead_total=1,worker.parse.dead_total=1")
	v.SetDefault("crawl.interval_seconds", 900)
	v.SetDefault("crawl.delay_ms", 500)
	v.SetDefault("crawl.backoff_seconds", 10)
	v.SetDefault("crawl.timeout_seconds", 30)
	v.SetDefault("crawl.max_items", 500)
	v.SetDefault("crawl.user_agent", "tender-radar/1.0 (+https://github.com/opentenders/tender-radar)")
	v.SetDefault("crawl.api_base_url", "http://localhost:8080")
	v.SetDefault("crawl.pncp.base_url", "https://pncp.gov.br/api/consulta")
	v.SetDefault("crawl.pncp.page_size", 50)
	v.SetDefault("crawl.pncp.max_pages", 5)
	v.SetDefault("crawl.pncp.modalidades", []int{6, 8})
	v.SetDefault("crawl.compras.base_url", "https://compras.dados.gov.br/licitacoes/v1/licitacoes.json")
	v.SetDefault("crawl.compras.max_pages", 3)
	v.SetDefault("crawl.compras.date_field", "data_abertura_proposta")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Queue.Cap < 0 {
		return fmt.Errorf("queue.cap must be >= 0, 0 disables the cap")
	}
	if c.Queue.RetryMax < 0 {
		return fmt.Errorf("queue.retry_max must be >= 0")
	}
	if c.Auth.Enabled && len(c.Auth.Keys()) == 0 {
		return fmt.Errorf("auth.api_keys must be set when auth is enabled")
	}
	if c.RateLimit.Enabled && c.RateLimit.PerMin <= 0 {
		return fmt.Errorf("ratelimit.per_min must be > 0 when rate limiting is enabled")
	}
	if c.Fetch.MaxBytes <= 0 {
		return fmt.Errorf("fetch.max_bytes must be > 0")
	}
	if c.Parse.SegmentSize <= 0 {
		return fmt.Errorf("parse.segment_size must be > 0")
	}
	if c.Parse.EmbedDim <= 0 {
		return fmt.Errorf("parse.embed_dim must be > 0")
	}
	switch c.OCR.Mode {
	case "", "off", "pages", "ocrmypdf", "auto":
	default:
		return fmt.Errorf("ocr.mode must be one of off, pages, ocrmypdf, auto")
	}
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token must be set when telegram is enabled")
	}
	if c.Archive.Provider == "gcs" && c.Archive.GCSBucket == "" {
		return fmt.Errorf("archive.gcs_bucket must be set for the gcs provider")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	return nil
}
