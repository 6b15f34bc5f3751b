package notify

import (
	"regexp"
	"strings"

	"github.com/opentenders/tender-radar/internal/normalize"
	"github.com/opentenders/tender-radar/internal/pipeline"
)

// Matches reports whether a tender satisfies a subscription's filters.
// Every populated dimension must match; an empty dimension matches
// everything. List values and the tender's fields are accent-folded
// before comparison so "São Paulo" and "sao paulo" agree.
func Matches(b pipeline.TenderBrief, f pipeline.Filters) bool {
	if !matchList(b.UF, f.UF) {
		return false
	}
	if !matchList(b.Municipio, f.Municipio) {
		return false
	}
	if !matchList(b.Modalidade, f.Modalidade) {
		return false
	}

	objeto := normalize.Fold(b.Objeto)
	if !matchKeywords(objeto, f.Keywords) {
		return false
	}
	if !matchKeywords(objeto, f.Categoria) {
		return false
	}

	labelAllowed := f.Materia
	if len(labelAllowed) == 0 {
		labelAllowed = f.Categoria
	}
	label := b.Materia
	if label == "" {
		label = b.Categoria
	}
	if !matchList(label, labelAllowed) {
		return false
	}

	switch strings.ToLower(f.Republication) {
	case "new_only", "new":
		if b.Republication {
			return false
		}
	}
	return true
}

// matchList is folded membership with an "all" wildcard. An empty
// allowlist matches anything; a populated one rejects empty values.
func matchList(value string, allowed []string) bool {
	folded := make([]string, 0, len(allowed))
	for _, a := range allowed {
		if v := normalize.Fold(a); v != "" {
			folded = append(folded, v)
		}
	}
	if len(folded) == 0 {
		return true
	}
	for _, a := range folded {
		if a == "all" {
			return true
		}
	}
	v := normalize.Fold(value)
	if v == "" {
		return false
	}
	for _, a := range folded {
		if v == a {
			return true
		}
	}
	return false
}

// matchKeywords reports whether any keyword appears in the folded text
// on a word boundary. "uniforme" does not match "uniformemente".
func matchKeywords(foldedText string, keywords []string) bool {
	live := 0
	for _, kw := range keywords {
		k := normalize.Fold(kw)
		if k == "" {
			continue
		}
		live++
		re := regexp.MustCompile(`\b` + regexp.QuoteMeta(k) + `\b`)
		if re.MatchString(foldedText) {
			return true
		}
	}
	return live == 0
}
