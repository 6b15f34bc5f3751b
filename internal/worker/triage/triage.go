// Package triage scores freshly ingested tenders and routes the
// promising ones to document fetch.
package triage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opentenders/tender-radar/internal/config"
	"github.com/opentenders/tender-radar/internal/normalize"
	"github.com/opentenders/tender-radar/internal/pipeline"
)

// Built-in weight tables, used when the config leaves them empty.
var (
	defaultKeywords = map[string]int{
		"limpeza":     3,
		"manutenção":  2,
		"ti":          2,
		"informática": 2,
		"vigilância":  2,
		"saúde":       2,
		"médico":      2,
	}
	defaultUFWeights = map[string]int{"SP": 1}
)

// Notifier fans a tender out to matching subscriptions.
type Notifier interface {
	Fanout(ctx context.Context, stage string, b pipeline.TenderBrief)
}

type kwRule struct {
	name   string
	weight int
	re     *regexp.Regexp
}

// Scorer applies the keyword, state and modality weight tables.
type Scorer struct {
	rules     []kwRule
	ufWeights map[string]int
}

// NewScorer compiles the keyword table. Empty maps fall back to the
// built-in defaults.
func NewScorer(keywords, ufWeights map[string]int) *Scorer {
	if len(keywords) == 0 {
		keywords = defaultKeywords
	}
	if len(ufWeights) == 0 {
		ufWeights = defaultUFWeights
	}
	rules := make([]kwRule, 0, len(keywords))
	for kw, weight := range keywords {
		name := strings.ToLower(strings.TrimSpace(kw))
		if name == "" {
			continue
		}
		rules = append(rules, kwRule{
			name:   name,
			weight: weight,
			re:     regexp.MustCompile(`\b` + regexp.QuoteMeta(name) + `\b`),
		})
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].name < rules[j].name })

	// Viper lowercases map keys, so canonicalize here.
	ufs := make(map[string]int, len(ufWeights))
	for uf, weight := range ufWeights {
		ufs[strings.ToUpper(strings.TrimSpace(uf))] = weight
	}
	return &Scorer{rules: rules, ufWeights: ufs}
}

// Score rates one tender. Each contribution lands in reasons in the
// shape "kw:limpeza+3", "uf:SP+1", "modalidade:pregao+1".
func (s *Scorer) Score(b pipeline.TenderBrief) (int, []string) {
	score := 0
	var reasons []string

	objeto := strings.ToLower(b.Objeto)
	for _, rule := range s.rules {
		if rule.re.MatchString(objeto) {
			score += rule.weight
			reasons = append(reasons, fmt.Sprintf("kw:%s+%d", rule.name, rule.weight))
		}
	}

	uf := strings.ToUpper(strings.TrimSpace(b.UF))
	if w, ok := s.ufWeights[uf]; ok {
		score += w
		reasons = append(reasons, fmt.Sprintf("uf:%s+%d", uf, w))
	}

	if strings.Contains(strings.ToLower(b.Modalidade), "preg") {
		score++
		reasons = append(reasons, "modalidade:pregao+1")
	}
	return score, reasons
}

// Worker is the triage stage handler.
type Worker struct {
	tenders  pipeline.TenderStore
	queue    pipeline.Queue
	notifier Notifier
	metrics  pipeline.Metrics
	events   pipeline.EventSink
	clock    pipeline.Clock
	scorer   *Scorer
	cfg      config.TriageConfig
	logger   *zap.Logger
}

// New constructs the triage handler. The notifier and event sink may
// be nil.
func New(
	tenders pipeline.TenderStore,
	queue pipeline.Queue,
	notifier Notifier,
	m pipeline.Metrics,
	events pipeline.EventSink,
	clock pipeline.Clock,
	cfg config.TriageConfig,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		tenders:  tenders,
		queue:    queue,
		notifier: notifier,
		metrics:  m,
		events:   events,
		clock:    clock,
		scorer:   NewScorer(cfg.Keywords, cfg.UFWeights),
		cfg:      cfg,
		logger:   logger,
	}
}

// Stage implements worker.Handler.
func (w *Worker) Stage() string { return pipeline.StageTriage }

// Queues implements worker.Handler.
func (w *Worker) Queues() []string { return []string{pipeline.QueueTriage} }

// DeadQueue implements worker.Handler.
func (w *Worker) DeadQueue() string { return pipeline.QueueDeadTriage }

// Handle scores one envelope, applies the allowlists, fans out the
// triage-stage notification and enqueues fetch work when the tender
// clears the score bar or carries force_fetch.
func (w *Worker) Handle(ctx context.Context, _ string, body []byte) error {
	w.metrics.Incr(ctx, "worker.triage.consumed_total", 1)

	msg, input, err := pipeline.DecodeTriageMessage(body)
	if err != nil {
		return pipeline.Dead("decode_failed", err)
	}
	force := bool(msg.ForceFetch) || bool(input.ForceFetch)

	brief, tenderID := w.resolve(ctx, msg, input)
	w.emitTender(ctx, tenderID, "consumed", map[string]any{
		"queue": pipeline.QueueTriage, "id_pncp": brief.IDPNCP,
	})

	score, reasons := w.scorer.Score(brief)
	brief.Score = score
	brief.Reasons = reasons

	if w.dropByAllowlist(ctx, tenderID, brief, force) {
		return nil
	}

	w.logger.Info("tender triaged",
		zap.Int64("tender_id", tenderID),
		zap.String("id_pncp", brief.IDPNCP),
		zap.Int("score", score),
		zap.Strings("reasons", reasons))

	if w.notifier != nil {
		w.notifier.Fanout(ctx, pipeline.StageTriage, brief)
	}

	if !force && score < w.cfg.MinScore {
		return nil
	}
	pick := pickURL(brief.URLs)
	if pick == "" {
		return nil
	}
	if pncp := brief.URLs["pncp"]; pncp != "" {
		pick = pncp
	}

	fetch := pipeline.FetchMessage{
		ForceFetch: pipeline.Truthy(force),
		TenderID:   tenderID,
		IDPNCP:     brief.IDPNCP,
		Source:     input.Source,
		SourceID:   input.SourceID,
		Tender:     &input,
		URLs:       brief.URLs,
		URL:        pick,
		Score:      score,
		Reasons:    reasons,
		QueuedAt:   w.clock.Now().Format(time.RFC3339),
	}
	if err := w.queue.Push(ctx, pipeline.QueueFetch, fetch); err != nil {
		return fmt.Errorf("enqueue fetch: %w", err)
	}
	w.metrics.Incr(ctx, "worker.triage.enqueued_fetch_total", 1)
	w.emitTender(ctx, tenderID, "enqueued_fetch", map[string]any{
		"queue": pipeline.QueueFetch, "score": score,
	})
	return nil
}

// resolve enriches the in-flight payload with the stored row when an
// identifier matches. Lookup failures fall back to the payload alone;
// triage never blocks on the database.
func (w *Worker) resolve(ctx context.Context, msg pipeline.TriageMessage, input pipeline.TenderInput) (pipeline.TenderBrief, int64) {
	idPNCP := strings.TrimSpace(msg.IDPNCP)
	if idPNCP == "" {
		idPNCP = strings.TrimSpace(input.IDPNCP)
	}

	var (
		row pipeline.Tender
		err error
	)
	switch {
	case msg.TenderID != 0:
		row, err = w.tenders.Get(ctx, msg.TenderID)
	case idPNCP != "":
		row, err = w.tenders.GetByIDPNCP(ctx, idPNCP)
	case input.Source != "" && input.SourceID != "":
		row, err = w.tenders.GetBySource(ctx, input.Source, input.SourceID)
	default:
		err = pipeline.ErrNotFound
	}
	if err != nil {
		if !errors.Is(err, pipeline.ErrNotFound) {
			w.logger.Warn("tender lookup failed",
				zap.Int64("tender_id", msg.TenderID), zap.String("id_pncp", idPNCP), zap.Error(err))
		}
		return briefFromInput(msg, input, idPNCP), msg.TenderID
	}
	return row.Brief(), row.ID
}

// dropByAllowlist applies the UF and municipality gates. An empty UF
// fails a configured UF allowlist; an empty municipality passes.
func (w *Worker) dropByAllowlist(ctx context.Context, tenderID int64, b pipeline.TenderBrief, force bool) bool {
	if force {
		return false
	}
	if len(w.cfg.UFAllow) > 0 {
		uf := strings.ToUpper(strings.TrimSpace(b.UF))
		if !listContains(w.cfg.UFAllow, uf, strings.ToUpper) {
			w.emitTender(ctx, tenderID, "drop_uf_allowlist", map[string]any{
				"uf": uf, "allowlist": w.cfg.UFAllow,
			})
			w.logger.Info("dropped by uf allowlist",
				zap.Int64("tender_id", tenderID), zap.String("uf", uf))
			return true
		}
	}
	if len(w.cfg.MunicipioAllow) > 0 {
		mun := normalize.Fold(b.Municipio)
		if mun != "" && !listContains(w.cfg.MunicipioAllow, mun, normalize.Fold) {
			w.emitTender(ctx, tenderID, "drop_municipio_allowlist", map[string]any{
				"municipio": b.Municipio, "allowlist": w.cfg.MunicipioAllow,
			})
			w.logger.Info("dropped by municipio allowlist",
				zap.Int64("tender_id", tenderID), zap.String("municipio", b.Municipio))
			return true
		}
	}
	return false
}

func (w *Worker) emitTender(ctx context.Context, tenderID int64, status string, payload map[string]any) {
	if w.events == nil {
		return
	}
	ev := pipeline.Event{Stage: pipeline.StageTriage, Status: status, Payload: payload}
	if tenderID != 0 {
		ev.TenderID = &tenderID
	}
	w.events.Emit(ctx, ev)
}

func briefFromInput(msg pipeline.TriageMessage, input pipeline.TenderInput, idPNCP string) pipeline.TenderBrief {
	return pipeline.TenderBrief{
		ID:             msg.TenderID,
		IDPNCP:         idPNCP,
		Orgao:          input.Orgao,
		Municipio:      input.Municipio,
		UF:             input.UF,
		Modalidade:     input.Modalidade,
		Objeto:         input.Objeto,
		Status:         input.Status,
		URLs:           input.URLs,
		DataPublicacao: normalize.Date(input.DataPublicacao),
		Republication:  republicationFlag(input.SourcePayload),
	}
}

// republicationFlag reads the source item's own republication marking.
// Catalogs spell the boolean as a string more often than not.
func republicationFlag(payload map[string]any) bool {
	for _, key := range []string{"republicacao", "is_republication"} {
		switch v := payload[key].(type) {
		case bool:
			if v {
				return true
			}
		case string:
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "true", "1", "yes", "sim":
				return true
			}
		}
	}
	return false
}

// pickURL follows the fixed key preference over the tender's URL map.
func pickURL(urls map[string]string) string {
	for _, key := range []string{"pncp", "compras", "url", "sistema_origem"} {
		if u := strings.TrimSpace(urls[key]); u != "" {
			return u
		}
	}
	return ""
}

func listContains(list []string, value string, canon func(string) string) bool {
	for _, entry := range list {
		if canon(strings.TrimSpace(entry)) == value {
			return true
		}
	}
	return false
}
