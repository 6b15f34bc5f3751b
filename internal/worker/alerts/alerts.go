// Package alerts watches queue depths and counter deltas against
// configured thresholds and pings the admin chat when one trips. Each
// signal carries its own cooldown so a stuck queue nags once per
// window instead of once per poll.
package alerts

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opentenders/tender-radar/internal/config"
	"github.com/opentenders/tender-radar/internal/metrics"
	"github.com/opentenders/tender-radar/internal/notify"
	"github.com/opentenders/tender-radar/internal/pipeline"
	"github.com/opentenders/tender-radar/internal/worker"
)

const (
	cooldownPrefix = "alerts:cooldown:"
	lastPrefix     = "alerts:last:"
)

// Worker is the operational alert runner.
type Worker struct {
	queue   pipeline.Queue
	kv      pipeline.KV
	metrics pipeline.Metrics
	sender  notify.Sender
	clock   pipeline.Clock
	cfg     config.AlertsConfig
	chatID  string
	logger  *zap.Logger

	queueLimits   map[string]int64
	counterLimits map[string]int64

	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs the alert worker. chatID is the admin chat; with it
// empty the worker still evaluates thresholds and logs, it just cannot
// deliver.
func New(
	queue pipeline.Queue,
	kv pipeline.KV,
	m pipeline.Metrics,
	sender notify.Sender,
	clock pipeline.Clock,
	cfg config.AlertsConfig,
	chatID string,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:         queue,
		kv:            kv,
		metrics:       m,
		sender:        sender,
		clock:         clock,
		cfg:           cfg,
		chatID:        chatID,
		logger:        logger.With(zap.String("worker", "alerts")),
		queueLimits:   cfg.QueueLimits(),
		counterLimits: cfg.CounterLimits(),
		sleep:         worker.Sleep,
	}
}

// Run blocks, polling until the context finishes. A disabled worker
// parks instead of returning so the pool shape stays the same.
func (w *Worker) Run(ctx context.Context) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	if !w.cfg.Enabled {
		w.logger.Info("operational alerts disabled")
		<-ctx.Done()
		return
	}
	w.logger.Info("alert loop started",
		zap.Int("queues", len(w.queueLimits)),
		zap.Int("counters", len(w.counterLimits)))
	for {
		if ctx.Err() != nil {
			return
		}
		w.tick(ctx)
		if w.sleep(ctx, w.cfg.Poll()) != nil {
			return
		}
	}
}

// tick evaluates every threshold and sends one combined message for
// whatever fired.
func (w *Worker) tick(ctx context.Context) {
	fired := w.checkQueues(ctx)
	fired = append(fired, w.checkCounters(ctx)...)
	if len(fired) == 0 {
		return
	}
	msg := strings.Join(fired, "\n")
	if w.sender == nil || w.chatID == "" {
		w.logger.Warn("alerts fired with no admin chat configured", zap.Strings("alerts", fired))
		return
	}
	if err := w.sender.Send(ctx, w.chatID, msg, nil); err != nil {
		w.logger.Warn("admin alert send failed", zap.Error(err))
		return
	}
	if w.metrics != nil {
		w.metrics.Incr(ctx, "alerts.sent_total", int64(len(fired)))
	}
	w.logger.Info("admin alerts sent", zap.Int("count", len(fired)))
}

// checkQueues flags queues at or above their depth limit.
func (w *Worker) checkQueues(ctx context.Context) []string {
	var fired []string
	for _, q := range sortedKeys(w.queueLimits) {
		limit := w.queueLimits[q]
		size, err := w.queue.Len(ctx, q)
		if err != nil {
			w.logger.Warn("queue depth check failed", zap.String("queue", q), zap.Error(err))
			continue
		}
		if size >= limit && w.cooldownOK(ctx, "queue:"+q) {
			fired = append(fired, fmt.Sprintf("ALERTA: fila %s com %d itens (limite %d)", q, size, limit))
		}
	}
	return fired
}

// checkCounters flags counters whose growth since the previous tick
// reaches the limit. The previous value lives in the KV store so
// restarts do not replay the whole counter as one giant delta for
// longer than the cooldown window.
func (w *Worker) checkCounters(ctx context.Context) []string {
	var fired []string
	for _, name := range sortedKeys(w.counterLimits) {
		limit := w.counterLimits[name]
		now, err := w.metrics.Counter(ctx, name)
		if err != nil {
			now = 0
		}
		delta := now - w.lastValue(ctx, name)
		if delta < 0 {
			delta = 0
		}
		w.storeLast(ctx, name, now)
		if delta >= limit && w.cooldownOK(ctx, "counter:"+name) {
			fired = append(fired, fmt.Sprintf("ALERTA: %s subiu +%d (limite %d)", name, delta, limit))
		}
	}
	return fired
}

// cooldownOK claims the signal's cooldown key. KV failures fail open,
// a broken Redis should not also mute alerting.
func (w *Worker) cooldownOK(ctx context.Context, signal string) bool {
	stamp := strconv.FormatInt(w.clock.Now().Unix(), 10)
	ok, err := w.kv.SetNX(ctx, cooldownPrefix+signal, []byte(stamp), w.cfg.Cooldown())
	if err != nil {
		return true
	}
	return ok
}

func (w *Worker) lastValue(ctx context.Context, name string) int64 {
	raw, found, err := w.kv.Get(ctx, lastPrefix+name)
	if err != nil || !found {
		return 0
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (w *Worker) storeLast(ctx context.Context, name string, value int64) {
	raw := []byte(strconv.FormatInt(value, 10))
	if err := w.kv.Set(ctx, lastPrefix+name, raw, 2*w.cfg.Cooldown()); err != nil {
		w.logger.Warn("counter snapshot store failed", zap.String("counter", name), zap.Error(err))
	}
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
