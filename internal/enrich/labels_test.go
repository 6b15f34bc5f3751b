package enrich

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeLabelsFoldsAndValidates(t *testing.T) {
	t.Parallel()

	labels := NormalizeLabels(map[string]any{
		"materia":    "  Saúde ",
		"categoria":  "LIMPEZA",
		"confidence": 0.85,
		"tags":       []any{" Hospital ", "UTI", ""},
	})

	assert.Equal(t, "saude", labels.Materia)
	assert.Equal(t, "limpeza", labels.Categoria)
	require.NotNil(t, labels.Confidence)
	assert.Equal(t, 0.85, *labels.Confidence)
	assert.Equal(t, []string{"hospital", "uti"}, labels.Tags)
}

func TestNormalizeLabelsNullsOutsideAllowlist(t *testing.T) {
	t.Parallel()

	labels := NormalizeLabels(map[string]any{
		"materia":   "astrologia",
		"categoria": "obras",
	})
	assert.Empty(t, labels.Materia)
	assert.Equal(t, "obras", labels.Categoria)
}

func TestNormalizeLabelsKeyAliases(t *testing.T) {
	t.Parallel()

	labels := NormalizeLabels(map[string]any{
		"category": "educacao",
		"conf":     "0.6",
	})
	assert.Equal(t, "educacao", labels.Materia)
	assert.Equal(t, "educacao", labels.Categoria)
	require.NotNil(t, labels.Confidence)
	assert.Equal(t, 0.6, *labels.Confidence)
}

func TestNormalizeLabelsMultilineKeepsFirstLine(t *testing.T) {
	t.Parallel()

	labels := NormalizeLabels(map[string]any{"materia": "obras\njustificativa: reforma"})
	assert.Equal(t, "obras", labels.Materia)
}

func TestNormalizeLabelsTagLimits(t *testing.T) {
	t.Parallel()

	tags := make([]any, 0, 15)
	for i := 0; i < 15; i++ {
		tags = append(tags, "tag")
	}
	tags[3] = "uma tag exageradamente longa que passa muito dos quarenta caracteres permitidos"

	labels := NormalizeLabels(map[string]any{"tags": tags})
	assert.Len(t, labels.Tags, 10)
	for _, tag := range labels.Tags {
		assert.LessOrEqual(t, len(tag), 40)
	}
}

func TestNormalizeLabelsBadConfidence(t *testing.T) {
	t.Parallel()

	labels := NormalizeLabels(map[string]any{"materia": "ti", "confidence": "alta"})
	assert.Nil(t, labels.Confidence)
}

func TestEmpty(t *testing.T) {
	t.Parallel()

	assert.True(t, Empty(NormalizeLabels(map[string]any{"materia": "astrologia"})))
	assert.False(t, Empty(NormalizeLabels(map[string]any{"materia": "ti"})))
	assert.False(t, Empty(NormalizeLabels(map[string]any{"tags": []any{"rede"}})))
}
