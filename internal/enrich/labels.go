package enrich

import (
	"strconv"
	"strings"

	"github.com/opentenders/tender-radar/internal/normalize"
	"github.com/opentenders/tender-radar/internal/pipeline"
)

// MateriaAllowed is the closed vocabulary for materia and categoria.
// Values outside it are nulled rather than stored.
var MateriaAllowed = []string{
	"saude",
	"educacao",
	"limpeza",
	"ti",
	"obras",
	"servicos",
	"materiais",
	"vigilancia",
	"manutencao",
	"alimentacao",
	"transporte",
	"seguranca",
	"administrativo",
	"outros",
}

var materiaSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(MateriaAllowed))
	for _, v := range MateriaAllowed {
		m[v] = struct{}{}
	}
	return m
}()

// NormalizeLabels folds a loose oracle object into Labels. Key
// aliasing follows the oracle's habits: materia falls back to
// category/categoria, confidence to conf.
func NormalizeLabels(raw map[string]any) pipeline.Labels {
	var out pipeline.Labels

	out.Materia = cleanLabel(firstString(raw, "materia", "category", "categoria"))
	out.Categoria = cleanLabel(firstString(raw, "categoria", "category"))
	out.Confidence = floatOrNil(firstValue(raw, "confidence", "conf"))
	out.Tags = cleanTags(raw["tags"])
	return out
}

// Empty reports whether the labels carry nothing worth persisting.
func Empty(l pipeline.Labels) bool {
	return l.Materia == "" && l.Categoria == "" && len(l.Tags) == 0
}

// cleanLabel folds the first line to lowercase and nulls anything
// overlong or outside the allowlist.
func cleanLabel(v string) string {
	v = normalize.Fold(strings.ToLower(strings.TrimSpace(v)))
	if i := strings.IndexAny(v, "\r\n"); i >= 0 {
		v = strings.TrimSpace(v[:i])
	}
	if len(v) > 80 {
		return ""
	}
	if _, ok := materiaSet[v]; !ok {
		return ""
	}
	return v
}

func cleanTags(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			continue
		}
		s = normalize.Fold(strings.ToLower(strings.TrimSpace(s)))
		if s == "" || len(s) > 40 {
			continue
		}
		out = append(out, s)
		if len(out) == 10 {
			break
		}
	}
	return out
}

func firstString(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := raw[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func firstValue(raw map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func floatOrNil(v any) *float64 {
	switch n := v.(type) {
	case float64:
		return &n
	case int:
		f := float64(n)
		return &f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return nil
		}
		return &f
	default:
		return nil
	}
}
