package insights

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/opentenders/tender-radar/internal/pipeline"
)

// Service answers insight queries from stored segments. The oracle is
// optional; when present it supplies embeddings for semantic evidence
// retrieval, and every semantic lookup is best-effort.
type Service struct {
	segments pipeline.SegmentStore
	docs     pipeline.DocumentStore
	oracle   pipeline.Oracle
	logger   *zap.Logger
}

// NewService wires the insight queries.
func NewService(segments pipeline.SegmentStore, docs pipeline.DocumentStore, oracle pipeline.Oracle, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{segments: segments, docs: docs, oracle: oracle, logger: logger}
}

// SummaryResult is the bullet summary with its confidence score.
type SummaryResult struct {
	TenderID   int64             `json:"tender_id"`
	Bullets    []string          `json:"bullets"`
	Confidence float64           `json:"confidence"`
	Quality    pipeline.DocStats `json:"quality"`
}

// ExtractResult is the raw structured extraction.
type ExtractResult struct {
	TenderID   int64             `json:"tender_id"`
	Fields     Fields            `json:"fields"`
	Confidence float64           `json:"confidence"`
	Quality    pipeline.DocStats `json:"quality"`
}

// ChecklistItem is one submission requirement.
type ChecklistItem struct {
	Title    string `json:"title"`
	Priority string `json:"priority"`
}

// ChecklistResult lists what a bidder must assemble.
type ChecklistResult struct {
	TenderID int64           `json:"tender_id"`
	Items    []ChecklistItem `json:"items"`
}

// QAResult is an answer with the segments that support it.
type QAResult struct {
	TenderID int64                `json:"tender_id"`
	Answer   string               `json:"answer"`
	Evidence []pipeline.SearchHit `json:"evidence"`
}

// summaryMarkers are the headings worth summarizing around. Both
// accent forms of SESSÃO appear because the substring scan is literal.
var summaryMarkers = []string{"OBJETO", "VALOR", "DATA", "SESSÃO", "SESSAO", "CRIT", "MODALIDADE"}

// Summary builds bullet points for one tender: strict field extraction
// first, looser heuristics when that produced letterhead, first lines
// as the last resort.
func (s *Service) Summary(ctx context.Context, tenderID int64, limit int) (SummaryResult, error) {
	limit = clampLimit(limit, 3, 20, 8)

	texts, err := s.summaryCorpus(ctx, tenderID, limit)
	if err != nil {
		return SummaryResult{}, err
	}

	joined := strings.Join(firstN(texts, 6), "\n\n")
	fields := ExtractFields(joined)

	bullets := bulletsFromFields(fields)
	if len(bullets) > 0 && !summaryLooksUseful(bullets) {
		bullets = nil
	}
	if len(bullets) == 0 {
		bullets = heuristicSummary(joined)
	}
	if len(bullets) == 0 {
		for _, text := range texts {
			if line := firstLineShort(text, 220); line != "" {
				bullets = append(bullets, line)
			}
		}
	}
	if bullets == nil {
		bullets = []string{}
	}

	stats, err := s.docs.Stats(ctx, tenderID)
	if err != nil {
		return SummaryResult{}, err
	}
	return SummaryResult{
		TenderID:   tenderID,
		Bullets:    bullets,
		Confidence: Confidence(fields, stats),
		Quality:    stats,
	}, nil
}

// Extract returns the structured fields without the summary dressing.
func (s *Service) Extract(ctx context.Context, tenderID int64, limit int) (ExtractResult, error) {
	limit = clampLimit(limit, 3, 20, 8)

	hits, err := s.markerSegments(ctx, tenderID, limit)
	if err != nil {
		return ExtractResult{}, err
	}
	texts := make([]string, 0, len(hits))
	for _, h := range hits {
		texts = append(texts, h.Content)
	}
	fields := ExtractFields(strings.Join(texts, "\n\n"))

	stats, err := s.docs.Stats(ctx, tenderID)
	if err != nil {
		return ExtractResult{}, err
	}
	return ExtractResult{
		TenderID:   tenderID,
		Fields:     fields,
		Confidence: Confidence(fields, stats),
		Quality:    stats,
	}, nil
}

// Checklist returns the standard submission checklist. The items are
// fixed until extraction is reliable enough to tailor them.
func (s *Service) Checklist(tenderID int64) ChecklistResult {
	return ChecklistResult{
		TenderID: tenderID,
		Items: []ChecklistItem{
			{Title: "Proposta comercial", Priority: "alta"},
			{Title: "Habilitação jurídica", Priority: "alta"},
			{Title: "Regularidade fiscal", Priority: "alta"},
			{Title: "Qualificação técnica", Priority: "media"},
			{Title: "Qualificação econômico-financeira", Priority: "media"},
			{Title: "Declarações obrigatórias", Priority: "media"},
		},
	}
}

// summaryCorpus gathers segment texts for the summary: marker-matching
// segments, then semantic neighbors of a generic summary query, then
// simply the first segments.
func (s *Service) summaryCorpus(ctx context.Context, tenderID int64, limit int) ([]string, error) {
	hits, err := s.markerSegments(ctx, tenderID, limit)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		hits = s.semanticEvidence(ctx, tenderID, "resumo do edital", limit)
	}
	if len(hits) > 0 {
		texts := make([]string, 0, len(hits))
		for _, h := range hits {
			texts = append(texts, h.Content)
		}
		return texts, nil
	}

	segs, err := s.segments.ByTender(ctx, tenderID, limit)
	if err != nil {
		return nil, err
	}
	texts := make([]string, 0, len(segs))
	for _, seg := range segs {
		texts = append(texts, seg.Content)
	}
	return texts, nil
}

// markerSegments collects segments containing any summary heading,
// deduped and in storage order.
func (s *Service) markerSegments(ctx context.Context, tenderID int64, limit int) ([]pipeline.SearchHit, error) {
	seen := make(map[int64]bool)
	var hits []pipeline.SearchHit
	for _, marker := range summaryMarkers {
		part, err := s.segments.LikeTender(ctx, tenderID, marker, limit)
		if err != nil {
			return nil, err
		}
		for _, h := range part {
			if seen[h.SegmentID] {
				continue
			}
			seen[h.SegmentID] = true
			hits = append(hits, h)
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].SegmentID < hits[j].SegmentID })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// semanticEvidence embeds the query and pulls the nearest segments.
// Any failure along the way degrades to no evidence.
func (s *Service) semanticEvidence(ctx context.Context, tenderID int64, query string, limit int) []pipeline.SearchHit {
	if s.oracle == nil {
		return nil
	}
	vec, err := s.oracle.Embed(ctx, query)
	if err != nil {
		s.logger.Debug("embed query failed", zap.Error(err))
		return nil
	}
	hits, err := s.segments.SemanticTender(ctx, tenderID, vec, limit)
	if err != nil {
		s.logger.Debug("semantic lookup failed", zap.Error(err))
		return nil
	}
	return hits
}

func clampLimit(v, lo, hi, def int) int {
	if v <= 0 {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func firstN(vals []string, n int) []string {
	if len(vals) > n {
		return vals[:n]
	}
	return vals
}
