// Package enrich calls the classification oracle and applies its
// labels to tenders. Oracle replies arrive as model output, so the
// parser tolerates fenced code blocks, unquoted keys and Python-style
// literals before giving up.
package enrich

import (
	"encoding/json"
	"regexp"
	"strings"
)

var unquotedKeyRe = regexp.MustCompile(`([,{]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)

// ParseLooseJSON extracts a JSON object from raw model output. The
// ladder: the raw string, each fenced block, the largest {...}
// substring; each candidate is tried verbatim, with unquoted keys
// repaired, and finally with Python literals mapped to JSON.
func ParseLooseJSON(raw string) (map[string]any, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}

	for _, cand := range candidates(raw) {
		if obj, ok := tryObject(cand); ok {
			return obj, true
		}
		fixed := repairKeys(cand)
		if obj, ok := tryObject(fixed); ok {
			return obj, true
		}
		if obj, ok := tryObject(pythonToJSON(fixed)); ok {
			return obj, true
		}
	}
	return nil, false
}

func candidates(raw string) []string {
	out := []string{raw}

	if strings.Contains(raw, "```") {
		for _, part := range strings.Split(raw, "```") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			part = strings.TrimSpace(strings.TrimPrefix(part, "json"))
			if part != "" {
				out = append(out, part)
			}
		}
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start != -1 && end > start {
		out = append(out, raw[start:end+1])
	}
	return out
}

func tryObject(cand string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(cand), &obj); err != nil {
		return nil, false
	}
	return obj, obj != nil
}

// repairKeys quotes bare object keys: {materia:"x"} -> {"materia":"x"}.
func repairKeys(s string) string {
	return unquotedKeyRe.ReplaceAllString(s, `$1"$2":`)
}

var pythonLiterals = strings.NewReplacer(
	"None", "null",
	"True", "true",
	"False", "false",
	"'", `"`,
)

// pythonToJSON maps Python dict literals onto JSON. Naive on purpose:
// it runs last and only has to rescue near-miss outputs.
func pythonToJSON(s string) string {
	return pythonLiterals.Replace(s)
}
