package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opentenders/tender-radar/internal/config"
	"github.com/opentenders/tender-radar/internal/pipeline"
)

// Pipeline stages that may fire realtime fan-out.
const (
	StageTriage = "triage"
	StageParse  = "parse"
)

const sentTTL = 24 * time.Hour

// Notifier fans a tender out to matching realtime subscriptions, once
// per user and once per UF broadcast channel, both guarded by 24h
// idempotency keys so replays and reparses stay quiet.
type Notifier struct {
	sender Sender
	subs   pipeline.SubscriptionStore
	kv     pipeline.KV
	cfg    config.TelegramConfig
	logger *zap.Logger
}

// NewNotifier wires the fan-out. A nil sender disables delivery.
func NewNotifier(sender Sender, subs pipeline.SubscriptionStore, kv pipeline.KV, cfg config.TelegramConfig, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{sender: sender, subs: subs, kv: kv, cfg: cfg, logger: logger}
}

// Fanout delivers one tender at the named stage. It returns without
// sending when notifications are disabled or configured for the other
// stage; delivery failures are logged and never propagate, a worker
// must not retry a document because Telegram hiccupped.
func (n *Notifier) Fanout(ctx context.Context, stage string, b pipeline.TenderBrief) {
	if n == nil || n.sender == nil || !n.cfg.Enabled {
		return
	}
	if !strings.EqualFold(n.cfg.NotifyStage, stage) {
		return
	}

	subs, err := n.subs.ListActive(ctx, "realtime")
	if err != nil {
		n.logger.Warn("load subscriptions failed", zap.Error(err))
		return
	}
	if len(subs) == 0 {
		return
	}

	msg := Format(b, stage == StageTriage)

	matched := make([]pipeline.UserSubscription, 0, len(subs))
	for _, sub := range subs {
		if Matches(b, sub.Filters) {
			matched = append(matched, sub)
		}
	}
	if len(matched) == 0 {
		n.logger.Info("no matching subscriptions", zap.Int64("tender_id", b.ID))
		return
	}

	n.sendPrivate(ctx, stage, b, matched, msg)
	n.sendChannel(ctx, stage, b, matched, msg)
}

// sendPrivate delivers at most one message per user per tender per
// stage. A user with several matching subscriptions counts once even
// when the first one has private delivery off.
func (n *Notifier) sendPrivate(ctx context.Context, stage string, b pipeline.TenderBrief, matched []pipeline.UserSubscription, msg string) {
	seen := make(map[int64]bool, len(matched))
	for _, sub := range matched {
		uid := sub.TelegramUserID
		if uid == 0 || seen[uid] {
			continue
		}
		seen[uid] = true
		if !sub.Delivery.PV {
			continue
		}
		key := fmt.Sprintf("tg_sent:%s:%d:%d", stage, b.ID, uid)
		if !n.claim(ctx, key) {
			continue
		}
		if err := n.sender.Send(ctx, strconv.FormatInt(uid, 10), msg, nil); err != nil {
			n.logger.Warn("private notification failed",
				zap.Int64("tender_id", b.ID), zap.Int64("telegram_user_id", uid), zap.Error(err))
		}
	}
}

// sendChannel broadcasts to the UF channel when one is mapped and at
// least one matching subscription opted into channel delivery.
func (n *Notifier) sendChannel(ctx context.Context, stage string, b pipeline.TenderBrief, matched []pipeline.UserSubscription, msg string) {
	uf := strings.ToUpper(strings.TrimSpace(b.UF))
	channelID := n.cfg.ChannelMap[uf]
	if channelID == "" {
		return
	}
	wantsChannel := false
	for _, sub := range matched {
		if sub.Delivery.Channel {
			wantsChannel = true
			break
		}
	}
	if !wantsChannel {
		return
	}
	if !n.claim(ctx, channelKey(stage, uf, b.ID)) {
		return
	}
	if err := n.sender.Send(ctx, channelID, msg, buildKeyboard(n.cfg.BotUsername, b)); err != nil {
		n.logger.Warn("channel notification failed",
			zap.Int64("tender_id", b.ID), zap.String("uf", uf), zap.Error(err))
	}
}

// claim takes the idempotency key. Store errors count as claimed so a
// broken Redis degrades to at-least-once instead of silence.
func (n *Notifier) claim(ctx context.Context, key string) bool {
	if n.kv == nil {
		return true
	}
	ok, err := n.kv.SetNX(ctx, key, []byte("1"), sentTTL)
	if err != nil {
		n.logger.Warn("idempotency claim failed", zap.String("key", key), zap.Error(err))
		return true
	}
	return ok
}

// channelKey keeps the historical triage key shape; the parse stage
// namespaces under tg_sent like the private keys.
func channelKey(stage, uf string, tenderID int64) string {
	if stage == StageTriage {
		return fmt.Sprintf("chan_sent:%s:%d", uf, tenderID)
	}
	return fmt.Sprintf("tg_sent:%s:chan:%s:%d", stage, uf, tenderID)
}

// Format renders the chat message body.
func Format(b pipeline.TenderBrief, withScore bool) string {
	parts := []string{
		"✅ OPORTUNIDADE — " + orElse(b.IDPNCP, "?"),
		"Órgão: " + orElse(b.Orgao, "?"),
		"Local: " + orElse(b.Municipio, "??") + "/" + orElse(b.UF, "??"),
		"Modalidade: " + orElse(b.Modalidade, "?"),
		"Status: " + orElse(b.Status, "?"),
	}
	if b.DataPublicacao != nil && !b.DataPublicacao.IsZero() {
		parts = append(parts, "Publicação: "+b.DataPublicacao.Format(time.RFC3339))
	}
	if withScore {
		parts = append(parts, fmt.Sprintf("Score: %d", b.Score))
	}
	if objeto := Shorten(b.Objeto, 220); objeto != "" {
		parts = append(parts, "Resumo: "+objeto)
	}
	return strings.Join(parts, "\n")
}

// Shorten trims and truncates to at most n runes, ellipsis included.
func Shorten(s string, n int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	cut := n - 3
	if cut < 0 {
		cut = 0
	}
	return string(runes[:cut]) + "..."
}

// buildKeyboard lays out the channel action buttons: open the source
// portal, then bot deep links for summary, checklist and follow.
func buildKeyboard(botUsername string, b pipeline.TenderBrief) *Keyboard {
	openURL := pickURL(b.URLs)
	qaLink := DeepLink(botUsername, "qa", b.ID)
	followLink := DeepLink(botUsername, "follow", b.ID)

	var rows [][]Button
	var top []Button
	if openURL != "" {
		top = append(top, Button{Text: "Abrir", URL: openURL})
	}
	if qaLink != "" {
		top = append(top, Button{Text: "Resumo", URL: qaLink})
	}
	if len(top) > 0 {
		rows = append(rows, top)
	}
	var bottom []Button
	if qaLink != "" {
		bottom = append(bottom, Button{Text: "Checklist", URL: qaLink})
	}
	if followLink != "" {
		bottom = append(bottom, Button{Text: "Seguir", URL: followLink})
	}
	if len(bottom) > 0 {
		rows = append(rows, bottom)
	}
	if len(rows) == 0 {
		return nil
	}
	return &Keyboard{Rows: rows}
}

// pickURL prefers the PNCP portal page, then Compras, then a generic
// url entry.
func pickURL(urls map[string]string) string {
	for _, k := range []string{"pncp", "compras", "url"} {
		if u := urls[k]; u != "" {
			return u
		}
	}
	return ""
}

func orElse(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
