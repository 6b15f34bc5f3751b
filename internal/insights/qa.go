package insights

import (
	"context"
	"regexp"
	"strings"

	"github.com/opentenders/tender-radar/internal/pipeline"
)

const (
	noEvidenceAnswer = "Não encontrei trechos relevantes."
	genericAnswer    = "Encontrei trechos relacionados. Revise os destaques abaixo."
)

var (
	qaObjetoRe    = regexp.MustCompile(`(?i)OBJETO\s*[:\-]?\s*(.{20,400})`)
	qaObjetoAltRe = regexp.MustCompile(`(?i)objeto da presente licita[çc][ãa]o [ée] (.{20,400})`)
)

// QA answers a question about one tender. Evidence retrieval is routed
// by question keywords before falling back to full-text rank; the
// answer itself comes from the regex heuristics over that evidence.
func (s *Service) QA(ctx context.Context, tenderID int64, question string, limit int) (QAResult, error) {
	limit = clampLimit(limit, 1, 10, 5)
	ql := strings.ToLower(question)

	evidence, err := s.routedEvidence(ctx, tenderID, ql, limit)
	if err != nil {
		return QAResult{}, err
	}
	evidence = append(evidence, s.semanticEvidence(ctx, tenderID, question, limit)...)

	if len(evidence) == 0 {
		evidence, err = s.segments.SearchTender(ctx, tenderID, question, limit)
		if err != nil {
			return QAResult{}, err
		}
	}
	evidence = dedupeByID(evidence)

	if len(evidence) == 0 {
		return QAResult{TenderID: tenderID, Answer: noEvidenceAnswer, Evidence: []pipeline.SearchHit{}}, nil
	}
	answer := heuristicAnswer(ql, evidence)
	if answer == "" {
		answer = genericAnswer
	}
	return QAResult{TenderID: tenderID, Answer: answer, Evidence: evidence}, nil
}

// routedEvidence picks a substring scan for the question shapes the
// heuristic answerer knows how to handle. The "%" in the value needle
// passes through as an ILIKE wildcard.
func (s *Service) routedEvidence(ctx context.Context, tenderID int64, ql string, limit int) ([]pipeline.SearchHit, error) {
	switch {
	case strings.Contains(ql, "sess") && strings.Contains(ql, "data"):
		return s.segments.LikeTender(ctx, tenderID, "DATA DA SESS", limit)
	case strings.Contains(ql, "valor"):
		return s.segments.LikeTender(ctx, tenderID, "VALOR%ESTIMADO", limit)
	case strings.Contains(ql, "objeto"):
		return s.segments.LikeTender(ctx, tenderID, "OBJETO", limit)
	}
	return nil, nil
}

// heuristicAnswer extracts a direct answer from the evidence for the
// question shapes with a known field behind them.
func heuristicAnswer(ql string, evidence []pipeline.SearchHit) string {
	texts := make([]string, 0, 5)
	for _, ev := range firstHits(evidence, 5) {
		texts = append(texts, ev.Content)
	}
	joined := strings.Join(strings.Fields(strings.Join(texts, " ")), " ")
	if joined == "" {
		return ""
	}

	if strings.Contains(ql, "sess") && strings.Contains(ql, "data") {
		if m := sessaoRe.FindStringSubmatch(joined); m != nil {
			return "Data da sessao publica: " + cutAtTokens(m[1], "CRIT", "MODO", "PREFER") + "."
		}
	}
	if strings.Contains(ql, "valor") {
		if m := valorEstimadoRe.FindStringSubmatch(joined); m != nil {
			return "Valor estimado: " + strings.TrimSpace(m[1]) + "."
		}
	}
	if strings.Contains(ql, "objeto") {
		if m := qaObjetoRe.FindStringSubmatch(joined); m != nil {
			val := cleanObjectText(m[1])
			if len([]rune(val)) < 60 {
				if alt := qaObjetoAltRe.FindStringSubmatch(joined); alt != nil {
					val = cleanObjectText(alt[1])
				}
			}
			if val != "" {
				return "Objeto: " + clip(val, 220) + "."
			}
		}
	}
	return ""
}

func dedupeByID(hits []pipeline.SearchHit) []pipeline.SearchHit {
	seen := make(map[int64]bool, len(hits))
	out := hits[:0]
	for _, h := range hits {
		if seen[h.SegmentID] {
			continue
		}
		seen[h.SegmentID] = true
		out = append(out, h)
	}
	return out
}

func firstHits(hits []pipeline.SearchHit, n int) []pipeline.SearchHit {
	if len(hits) > n {
		return hits[:n]
	}
	return hits
}
