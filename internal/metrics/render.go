package metrics

import (
	"sort"
	"strconv"
	"strings"
)

type bucket struct {
	le    string
	count int64
}

type histogram struct {
	buckets []bucket
	sum     float64
	count   int64
}

type snapshot struct {
	counters   map[string]int64
	labeled    map[string]map[string]int64
	gauges     map[string]float64
	histograms map[string]*histogram
}

func newSnapshot() *snapshot {
	return &snapshot{
		counters:   map[string]int64{},
		labeled:    map[string]map[string]int64{},
		gauges:     map[string]float64{},
		histograms: map[string]*histogram{},
	}
}

func (s *snapshot) addLabeled(name, combo string, v int64) {
	m, ok := s.labeled[name]
	if !ok {
		m = map[string]int64{}
		s.labeled[name] = m
	}
	m[combo] = v
}

// renderText writes a snapshot in the Prometheus text exposition format.
// Metric and label names are sanitized to the character set Prometheus
// accepts; label values are escaped instead.
func renderText(s *snapshot) string {
	var b strings.Builder

	for _, name := range sortedKeys(s.counters) {
		pn := promName(name)
		b.WriteString("# TYPE " + pn + " counter\n")
		b.WriteString(pn + " " + strconv.FormatInt(s.counters[name], 10) + "\n")
	}

	labeledNames := make([]string, 0, len(s.labeled))
	for name := range s.labeled {
		labeledNames = append(labeledNames, name)
	}
	sort.Strings(labeledNames)
	for _, name := range labeledNames {
		pn := promName(name)
		b.WriteString("# TYPE " + pn + " counter\n")
		for _, combo := range sortedKeys(s.labeled[name]) {
			b.WriteString(pn + "{" + promLabels(combo) + "} " + strconv.FormatInt(s.labeled[name][combo], 10) + "\n")
		}
	}

	for _, name := range sortedKeys(s.gauges) {
		pn := promName(name)
		b.WriteString("# TYPE " + pn + " gauge\n")
		b.WriteString(pn + " " + strconv.FormatFloat(s.gauges[name], 'g', -1, 64) + "\n")
	}

	histNames := make([]string, 0, len(s.histograms))
	for name := range s.histograms {
		histNames = append(histNames, name)
	}
	sort.Strings(histNames)
	for _, name := range histNames {
		h := s.histograms[name]
		pn := promName(name)
		b.WriteString("# TYPE " + pn + " histogram\n")
		for _, bk := range h.buckets {
			b.WriteString(pn + `_bucket{le="` + bk.le + `"} ` + strconv.FormatInt(bk.count, 10) + "\n")
		}
		b.WriteString(pn + "_sum " + strconv.FormatFloat(h.sum, 'g', -1, 64) + "\n")
		b.WriteString(pn + "_count " + strconv.FormatInt(h.count, 10) + "\n")
	}

	return b.String()
}

// promName maps an internal metric name onto the Prometheus grammar.
// Dots in names like "worker.triage.dead_total" become underscores.
func promName(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == ':':
			b.WriteRune(r)
		case r >= '0' && r <= '9' && i > 0:
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// promLabels renders a stored "k=v,k2=v2" combination as Prometheus
// label pairs. Values keep their raw content, escaped.
func promLabels(combo string) string {
	if combo == "" {
		return ""
	}
	pairs := strings.Split(combo, ",")
	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		out = append(out, promName(k)+`="`+escapeLabelValue(v)+`"`)
	}
	return strings.Join(out, ",")
}

func escapeLabelValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	v = strings.ReplaceAll(v, "\n", `\n`)
	return v
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
