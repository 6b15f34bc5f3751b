package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/opentenders/tender-radar/internal/config"
	"github.com/opentenders/tender-radar/internal/metrics"
)

// Button is one inline keyboard action.
type Button struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// Keyboard is the inline keyboard layout, row-major.
type Keyboard struct {
	Rows [][]Button
}

// Sender delivers a formatted message to a chat. Implementations must
// treat a failed delivery as their own problem to report; callers log
// and move on.
type Sender interface {
	Send(ctx context.Context, chatID, text string, kb *Keyboard) error
}

const maxTelegramReply = 64 << 10

// Telegram talks to the Bot API. Sends are paced by a client-side
// limiter so bursts of matching tenders stay under the Bot API flood
// limits.
type Telegram struct {
	token   string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewTelegram builds a sender from config. A zero MessagesPerSecond
// falls back to 20.
func NewTelegram(cfg config.TelegramConfig, logger *zap.Logger) *Telegram {
	if logger == nil {
		logger = zap.NewNop()
	}
	mps := cfg.MessagesPerSecond
	if mps <= 0 {
		mps = 20
	}
	return &Telegram{
		token:   strings.TrimSpace(cfg.BotToken),
		baseURL: "https://api.telegram.org",
		client:  &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(mps), 1),
		logger:  logger,
	}
}

// Send posts a sendMessage call. A missing token or chat id is a
// configuration gap, not an error: it logs once per call and drops the
// message, matching how a half-configured deployment should behave.
func (t *Telegram) Send(ctx context.Context, chatID, text string, kb *Keyboard) error {
	chatID = strings.TrimSpace(chatID)
	if t.token == "" || chatID == "" {
		t.logger.Warn("telegram not configured, dropping message", zap.String("chat_id", chatID))
		return nil
	}

	waitStart := time.Now()
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram pacing: %w", err)
	}
	metrics.ObserveSendDelay(time.Since(waitStart))

	form := url.Values{}
	form.Set("chat_id", chatID)
	form.Set("text", text)
	form.Set("disable_web_page_preview", "true")
	if kb != nil && len(kb.Rows) > 0 {
		markup, err := json.Marshal(map[string]any{"inline_keyboard": kb.Rows})
		if err != nil {
			return fmt.Errorf("marshal keyboard: %w", err)
		}
		form.Set("reply_markup", string(markup))
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTelegramReply))
	if err != nil {
		return fmt.Errorf("read telegram reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram returned %d: %s", resp.StatusCode, snippet(body))
	}
	return nil
}

// DeepLink builds a t.me bot link carrying a start payload, or ""
// when the bot username is not configured.
func DeepLink(username, action string, tenderID int64) string {
	username = strings.TrimSpace(username)
	if username == "" || tenderID == 0 {
		return ""
	}
	return fmt.Sprintf("https://t.me/%s?start=%s_%d", username, action, tenderID)
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}
