package enrich

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opentenders/tender-radar/internal/config"
	"github.com/opentenders/tender-radar/internal/extract"
	"github.com/opentenders/tender-radar/internal/pipeline"
)

// Enricher runs the classification gate and persists accepted labels.
type Enricher struct {
	oracle  pipeline.Oracle
	tenders pipeline.TenderStore
	metrics pipeline.Metrics
	cfg     config.EnrichConfig
	logger  *zap.Logger
}

// NewEnricher wires the oracle to the tender store.
func NewEnricher(oracle pipeline.Oracle, tenders pipeline.TenderStore, metrics pipeline.Metrics, cfg config.EnrichConfig, logger *zap.Logger) *Enricher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enricher{oracle: oracle, tenders: tenders, metrics: metrics, cfg: cfg, logger: logger}
}

// Enrich classifies a tender from its extracted text. Skips when
// disabled, when the text is too short, or when labels already exist
// and force is off. Oracle failures count but never propagate; the
// parse stage must not retry a document because the classifier had a
// bad day.
func (e *Enricher) Enrich(ctx context.Context, tender pipeline.Tender, text string) {
	if !e.cfg.Enabled || e.oracle == nil {
		return
	}
	text = strings.TrimSpace(text)
	if len([]rune(text)) < e.cfg.MinTextLen {
		e.count(ctx, "agent.enrich.skip_total")
		return
	}
	if !e.cfg.Force && (tender.Materia != "" || tender.Categoria != "") {
		e.count(ctx, "agent.enrich.skip_total")
		return
	}

	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.Observe(ctx, "agent.enrich_duration_ms", float64(time.Since(start).Milliseconds()))
		}
	}()

	in := pipeline.ClassifyInput{
		TenderID: tender.ID,
		Text:     extract.Truncate(text, e.cfg.MaxTextLen),
		Meta: map[string]any{
			"orgao":      tender.Orgao,
			"municipio":  tender.Municipio,
			"uf":         tender.UF,
			"modalidade": tender.Modalidade,
			"objeto":     tender.Objeto,
		},
	}

	labels, err := e.oracle.Classify(ctx, in)
	if err != nil {
		e.count(ctx, "agent.enrich.error_total")
		e.logger.Warn("classification failed", zap.Int64("tender_id", tender.ID), zap.Error(err))
		return
	}
	if Empty(labels) {
		e.count(ctx, "agent.enrich.error_total")
		return
	}

	if err := e.tenders.SetLabels(ctx, tender.ID, labels); err != nil {
		e.count(ctx, "agent.enrich.error_total")
		e.logger.Warn("persist labels failed", zap.Int64("tender_id", tender.ID), zap.Error(err))
		return
	}
	e.count(ctx, "agent.enrich.ok_total")
}

func (e *Enricher) count(ctx context.Context, name string) {
	if e.metrics != nil {
		e.metrics.Incr(ctx, name, 1)
	}
}
