// Package daily sends each daily-frequency subscriber one digest of
// the tenders published inside the lookback window. It polls the
// tender store on a timer instead of consuming a queue.
package daily

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

// alertType tags digest rows in the alert table. The same string
// drives the once-per-day guard.
const alertType = "daily_summary"

// recentLimit caps the shared tender window. Matching happens per
// user, so the window stays much wider than any one digest.
const recentLimit = 500

// Worker is the digest runner.
type Worker struct {
	subs    pipeline.SubscriptionStore
	tenders pipeline.TenderStore
	alerts  pipeline.AlertStore
	sender  notify.Sender
	metrics pipeline.Metrics
	clock   pipeline.Clock
	cfg     config.DigestConfig
	logger  *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs the digest worker. A nil sender disables delivery
// while keeping the loop alive, matching the other notification paths.
func New(
	subs pipeline.SubscriptionStore,
	tenders pipeline.TenderStore,
	alerts pipeline.AlertStore,
	sender notify.Sender,
	m pipeline.Metrics,
	clock pipeline.Clock,
	cfg config.DigestConfig,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		subs:    subs,
		tenders: tenders,
		alerts:  alerts,
		sender:  sender,
		metrics: m,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.With(zap.String("worker", "daily")),
		sleep:   worker.Sleep,
	}
}

// Run blocks, ticking until the context finishes. A failed tick backs
// off briefly instead of waiting a whole poll interval.
func (w *Worker) Run(ctx context.Context) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	w.logger.Info("daily digest loop started",
		zap.Int("poll_seconds", w.cfg.PollSeconds),
		zap.Int("lookback_hours", w.cfg.LookbackHours),
		zap.Int("hour_utc", w.cfg.HourUTC))
	for {
		if ctx.Err() != nil {
			return
		}
		delay := w.cfg.Poll()
		if err := w.tick(ctx); err != nil {
			w.logger.Error("digest tick failed", zap.Error(err))
			delay = 5 * time.Second
		}
		if w.sleep(ctx, delay) != nil {
			return
		}
	}
}

// tick runs one digest pass over every user with active daily
// subscriptions.
func (w *Worker) tick(ctx context.Context) error {
	subs, err := w.subs.ListActive(ctx, "daily")
	if err != nil {
		return fmt.Errorf("load daily subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	now := w.clock.Now().UTC()
	if now.Hour() < w.cfg.HourUTC {
		return nil
	}

	recent, err := w.tenders.Recent(ctx, now.Add(-w.cfg.Lookback()), recentLimit)
	if err != nil {
		return fmt.Errorf("load recent tenders: %w", err)
	}

	for _, userID := range sortedUserIDs(subs) {
		w.digestUser(ctx, now, userID, subsOf(subs, userID), recent)
	}
	return nil
}

// digestUser sends at most one digest per user per UTC day. The guard
// row is written only after a successful send, so a Telegram failure
// leaves the user eligible for the next tick.
func (w *Worker) digestUser(ctx context.Context, now time.Time, userID int64, userSubs []pipeline.UserSubscription, recent []pipeline.Tender) {
	sent, err := w.alerts.SentToday(ctx, userID, alertType, now)
	if err != nil {
		w.logger.Warn("digest guard check failed", zap.Int64("user_id", userID), zap.Error(err))
		return
	}
	if sent {
		return
	}
	chatID := userSubs[0].TelegramUserID
	if chatID == 0 {
		return
	}

	matched := w.match(recent, userSubs)
	msg := FormatDigest(matched, w.cfg.LookbackHours)
	if w.sender == nil {
		return
	}
	if err := w.sender.Send(ctx, strconv.FormatInt(chatID, 10), msg, nil); err != nil {
		w.logger.Warn("digest send failed", zap.Int64("user_id", userID), zap.Error(err))
		return
	}

	uid := userID
	record := pipeline.Alert{
		UserID: &uid,
		Type:   alertType,
		Payload: map[string]any{
			"count":      len(matched),
			"lookback_h": w.cfg.LookbackHours,
		},
		CreatedAt: now,
	}
	if err := w.alerts.Insert(ctx, record); err != nil {
		w.logger.Warn("digest record failed", zap.Int64("user_id", userID), zap.Error(err))
	}
	if w.metrics != nil {
		w.metrics.Incr(ctx, "daily.sent_total", 1)
	}
	w.logger.Info("daily digest sent",
		zap.Int64("user_id", userID), zap.Int("items", len(matched)))
}

// match keeps tenders accepted by any of the user's subscriptions, in
// store order, up to the configured item cap.
func (w *Worker) match(recent []pipeline.Tender, userSubs []pipeline.UserSubscription) []pipeline.TenderBrief {
	max := w.cfg.MaxItems
	if max <= 0 {
		max = 8
	}
	var matched []pipeline.TenderBrief
	for _, t := range recent {
		b := t.Brief()
		for _, sub := range userSubs {
			if notify.Matches(b, sub.Filters) {
				matched = append(matched, b)
				break
			}
		}
		if len(matched) >= max {
			break
		}
	}
	return matched
}

// FormatDigest renders the digest body. An empty window still produces
// a message, so a daily subscriber hears the silence explicitly.
func FormatDigest(items []pipeline.TenderBrief, lookbackHours int) string {
	if len(items) == 0 {
		return fmt.Sprintf("Resumo diário: nenhum edital novo nas últimas %dh.", lookbackHours)
	}
	lines := []string{fmt.Sprintf("Resumo diário — últimas %dh:", lookbackHours)}
	for _, it := range items {
		muni := it.Municipio
		if muni == "" {
			muni = "?"
		}
		uf := it.UF
		if uf == "" {
			uf = "?"
		}
		line := fmt.Sprintf("- %s/%s • %s", muni, uf, notify.Shorten(it.Objeto, 90))
		if it.IDPNCP != "" {
			line += fmt.Sprintf(" (%s)", it.IDPNCP)
		}
		if url := it.URLs["pncp"]; url != "" {
			line += "\n  " + url
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// sortedUserIDs returns the distinct subscription owners in ascending
// order so a tick visits users deterministically.
func sortedUserIDs(subs []pipeline.UserSubscription) []int64 {
	seen := make(map[int64]bool, len(subs))
	var ids []int64
	for _, sub := range subs {
		if sub.UserID == 0 || seen[sub.UserID] {
			continue
		}
		seen[sub.UserID] = true
		ids = append(ids, sub.UserID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func subsOf(subs []pipeline.UserSubscription, userID int64) []pipeline.UserSubscription {
	var out []pipeline.UserSubscription
	for _, sub := range subs {
		if sub.UserID == userID {
			out = append(out, sub)
		}
	}
	return out
}
