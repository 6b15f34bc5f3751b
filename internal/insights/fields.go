// Package insights derives structured answers from parsed tender
// documents: regex field extraction, summary bullets, a submission
// checklist and evidence-backed question answering. Everything here is
// heuristic; the only external call is the optional embedding lookup
// for semantic evidence retrieval.
package insights

import (
	"math"
	"regexp"
	"strings"

	"github.com/opentenders/tender-radar/internal/pipeline"
)

// Fields is the structured extraction result. Valor holds the
// preferred value among the three pattern variants.
type Fields struct {
	Objeto        string `json:"objeto,omitempty"`
	ValorGlobal   string `json:"valor_global,omitempty"`
	ValorTotal    string `json:"valor_total,omitempty"`
	ValorEstimado string `json:"valor_estimado,omitempty"`
	Valor         string `json:"valor,omitempty"`
	Sessao        string `json:"sessao,omitempty"`
	PrazoProposta string `json:"prazo_proposta,omitempty"`
	Modalidade    string `json:"modalidade,omitempty"`
	Orgao         string `json:"orgao,omitempty"`
}

const extractWindow = 20000

var (
	objetoRe        = regexp.MustCompile(`(?i)OBJETO\s*[:\-]?\s*(.{20,1000}?)\s*(?:VALOR|DATA|CRIT[ÉE]RIO|MODALIDADE|$)`)
	objetoAltRe     = regexp.MustCompile(`(?i)(Contrata[^.]{60,220})`)
	valorGlobalRe   = regexp.MustCompile(`(?i)VALOR\s+GLOBAL\s*(R\$\s*[0-9.]+,[0-9]{2}[^\n]{0,80})`)
	valorTotalRe    = regexp.MustCompile(`(?i)VALOR\s+TOTAL\s*(?:ESTIMADO\s+DA\s+CONTRATA[ÇC][AÃ]O\s*)?(R\$\s*[0-9.]+,[0-9]{2}[^\n]{0,80})`)
	valorEstimadoRe = regexp.MustCompile(`(?i)VALOR\s+(?:TOTAL\s+)?ESTIMADO.*?(R\$\s*[0-9.]+,[0-9]{2}[^\n]{0,80})`)
	sessaoRe        = regexp.MustCompile(`(?i)DATA\s+DA\s+SESS[ÃA]O\s+P[ÚU]BLICA\s*[:\-]?\s*([0-9]{2}/[0-9]{2}/[0-9]{4}[^\n]{0,40})`)
	prazoRe         = regexp.MustCompile(`(?i)PRAZO\s+FINAL\s+PARA\s+PROPOSTA\S*\s*[:\-]?\s*([0-9]{2}/[0-9]{2}/[0-9]{4}[^\n]{0,40})`)
	modalidadeRe    = regexp.MustCompile(`(?i)MODALIDADE\s*[:\-]?\s*([A-ZÇÃÕ\s]{4,80})`)
	criterioRe      = regexp.MustCompile(`(?i)CRIT[ÉE]RIO\s+DE\s+JULGAMENTO\s*[:\-]?\s*([A-ZÇÃÕ\s]{4,60})`)
	orgaoRe         = regexp.MustCompile(`(?i)\b((?:MINIST[ÉE]RIO|SECRETARIA|DEPARTAMENTO|PREFEITURA|TRIBUNAL|FUNDA[ÇC][ÃA]O|AG[ÊE]NCIA|INSTITUTO|UNIVERSIDADE)\s+[^\n]{8,120})`)

	emailNoiseRe = regexp.MustCompile(`(?i)E-mail\s*:\s*\S+`)
	urlNoiseRe   = regexp.MustCompile(`(?i)http\S+`)
	cepNoiseRe   = regexp.MustCompile(`(?i)CEP\s*:\s*\S+`)
)

// ExtractFields pulls the standard edital headings out of raw text.
// The input is whitespace-squashed and windowed first; editais repeat
// their headings, so first match wins.
func ExtractFields(text string) Fields {
	if strings.TrimSpace(text) == "" {
		return Fields{}
	}
	norm := squashWindow(text, extractWindow)
	var f Fields

	if m := objetoRe.FindStringSubmatch(norm); m != nil {
		obj := cleanObjectText(m[1])
		if len([]rune(obj)) < 60 {
			if alt := objetoAltRe.FindStringSubmatch(norm); alt != nil {
				obj = cleanObjectText(alt[1])
			}
		}
		f.Objeto = clip(obj, 400)
	}

	if m := valorGlobalRe.FindStringSubmatch(norm); m != nil {
		f.ValorGlobal = clip(strings.TrimSpace(m[1]), 120)
	}
	if m := valorTotalRe.FindStringSubmatch(norm); m != nil {
		f.ValorTotal = clip(strings.TrimSpace(m[1]), 120)
	}
	if m := valorEstimadoRe.FindStringSubmatch(norm); m != nil {
		f.ValorEstimado = clip(strings.TrimSpace(m[1]), 120)
	}
	f.Valor = firstNonEmpty(f.ValorGlobal, f.ValorTotal, f.ValorEstimado)

	if m := sessaoRe.FindStringSubmatch(norm); m != nil {
		f.Sessao = clip(cutAtTokens(m[1], "CRIT", "MODO", "PREFER"), 80)
	}
	if m := prazoRe.FindStringSubmatch(norm); m != nil {
		f.PrazoProposta = clip(strings.TrimSpace(m[1]), 80)
	}
	if m := modalidadeRe.FindStringSubmatch(norm); m != nil {
		f.Modalidade = clip(cutAtTokens(m[1], "CRIT"), 80)
	}
	if m := orgaoRe.FindStringSubmatch(norm); m != nil {
		f.Orgao = clip(cutAtTokens(m[1], "EDITAL", "PREG", "OBJETO"), 140)
	}
	return f
}

// Hits counts the populated confidence fields.
func (f Fields) Hits() int {
	n := 0
	for _, v := range []string{f.Objeto, f.Valor, f.Sessao, f.PrazoProposta, f.Modalidade, f.Orgao} {
		if v != "" {
			n++
		}
	}
	return n
}

// Empty reports whether nothing was extracted.
func (f Fields) Empty() bool {
	return f.Hits() == 0
}

// Confidence blends field coverage with document quality:
// half from how many of the six headline fields matched, the rest from
// average text quality and how much text there was to work with.
func Confidence(f Fields, stats pipeline.DocStats) float64 {
	fieldScore := math.Min(1, float64(f.Hits())/6)
	chars := math.Min(1, float64(stats.MaxChars)/20000)
	score := 0.5*fieldScore + 0.3*stats.AvgQuality + 0.2*chars
	score = math.Max(0, math.Min(1, score))
	return math.Round(score*1000) / 1000
}

// cleanObjectText strips contact-block noise that PDF extractors mix
// into the object paragraph, then anchors at the contracting verb when
// one is present.
func cleanObjectText(val string) string {
	if val == "" {
		return ""
	}
	for _, token := range []string{"http", "E-mail", "CEP:"} {
		if i := strings.Index(val, token); i >= 0 {
			val = val[:i]
		}
	}
	val = emailNoiseRe.ReplaceAllString(val, "")
	val = urlNoiseRe.ReplaceAllString(val, "")
	val = cepNoiseRe.ReplaceAllString(val, "")
	if i := strings.LastIndex(val, "OBJETO"); i >= 0 {
		val = val[i+len("OBJETO"):]
	}
	if i := strings.Index(val, "Contrata"); i >= 0 {
		val = val[i:]
	}
	return strings.Join(strings.Fields(val), " ")
}

func squashWindow(text string, max int) string {
	runes := []rune(text)
	if len(runes) > max {
		text = string(runes[:max])
	}
	return strings.Join(strings.Fields(text), " ")
}

func cutAtTokens(val string, tokens ...string) string {
	for _, token := range tokens {
		if i := strings.Index(val, token); i >= 0 {
			val = val[:i]
		}
	}
	return strings.TrimSpace(val)
}

func clip(s string, max int) string {
	runes := []rune(s)
	if len(runes) > max {
		return string(runes[:max])
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
