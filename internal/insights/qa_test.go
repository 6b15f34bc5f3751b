package insights

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opentenders/tender-radar/internal/pipeline"
)

func TestQAAnswersValorQuestion(t *testing.T) {
	t.Parallel()

	segs := &stubSegments{likeByNeedle: map[string][]pipeline.SearchHit{
		"VALOR%ESTIMADO": {hit(2, "O VALOR TOTAL ESTIMADO DA CONTRATAÇÃO R$ 1.234.567,89 conforme planilha anexa")},
	}}
	svc := NewService(segs, &stubDocs{}, nil, zap.NewNop())

	res, err := svc.QA(context.Background(), 9, "Qual o valor estimado?", 5)
	require.NoError(t, err)

	assert.Equal(t, []string{"VALOR%ESTIMADO"}, segs.likeCalls)
	assert.True(t, len(res.Answer) > 0)
	assert.Contains(t, res.Answer, "Valor estimado: R$ 1.234.567,89")
	require.Len(t, res.Evidence, 1)
	assert.Equal(t, int64(2), res.Evidence[0].SegmentID)
}

func TestQAAnswersSessaoQuestion(t *testing.T) {
	t.Parallel()

	segs := &stubSegments{likeByNeedle: map[string][]pipeline.SearchHit{
		"DATA DA SESS": {hit(3, "DATA DA SESSÃO PÚBLICA: 12/09/2025 às 09:00h CRITÉRIO DE JULGAMENTO")},
	}}
	svc := NewService(segs, &stubDocs{}, nil, zap.NewNop())

	res, err := svc.QA(context.Background(), 9, "qual a data da sessão?", 5)
	require.NoError(t, err)

	assert.Equal(t, []string{"DATA DA SESS"}, segs.likeCalls)
	assert.Equal(t, "Data da sessao publica: 12/09/2025 às 09:00h.", res.Answer)
}

func TestQAAnswersObjetoQuestion(t *testing.T) {
	t.Parallel()

	segs := &stubSegments{likeByNeedle: map[string][]pipeline.SearchHit{
		"OBJETO": {hit(4, "OBJETO: Contratação de empresa especializada em manutenção preventiva de elevadores para o prédio sede.")},
	}}
	svc := NewService(segs, &stubDocs{}, nil, zap.NewNop())

	res, err := svc.QA(context.Background(), 9, "qual o objeto da licitação?", 5)
	require.NoError(t, err)

	assert.Contains(t, res.Answer, "Objeto: Contratação de empresa especializada")
	assert.Contains(t, res.Answer, "manutenção preventiva de elevadores")
}

func TestQAUnroutedFallsBackToRank(t *testing.T) {
	t.Parallel()

	segs := &stubSegments{
		likeByNeedle: map[string][]pipeline.SearchHit{},
		searchHits:   []pipeline.SearchHit{hit(6, "prazo de entrega de trinta dias corridos")},
	}
	svc := NewService(segs, &stubDocs{}, nil, zap.NewNop())

	res, err := svc.QA(context.Background(), 9, "qual o prazo de entrega?", 5)
	require.NoError(t, err)

	assert.Empty(t, segs.likeCalls)
	assert.Equal(t, genericAnswer, res.Answer)
	require.Len(t, res.Evidence, 1)
	assert.Equal(t, int64(6), res.Evidence[0].SegmentID)
}

func TestQANoEvidence(t *testing.T) {
	t.Parallel()

	segs := &stubSegments{likeByNeedle: map[string][]pipeline.SearchHit{}}
	svc := NewService(segs, &stubDocs{}, nil, zap.NewNop())

	res, err := svc.QA(context.Background(), 9, "existe exigência de visita técnica?", 5)
	require.NoError(t, err)

	assert.Equal(t, noEvidenceAnswer, res.Answer)
	assert.NotNil(t, res.Evidence)
	assert.Empty(t, res.Evidence)
}

func TestQADedupesRoutedAndSemanticEvidence(t *testing.T) {
	t.Parallel()

	segs := &stubSegments{
		likeByNeedle: map[string][]pipeline.SearchHit{
			"VALOR%ESTIMADO": {hit(7, "tabela de precos sem o padrao esperado")},
		},
		semanticHits: []pipeline.SearchHit{
			hit(7, "tabela de precos sem o padrao esperado"),
			hit(8, "planilha complementar de custos"),
		},
	}
	oracle := &embedOracle{vec: []float32{0.3, 0.1}}
	svc := NewService(segs, &stubDocs{}, oracle, zap.NewNop())

	res, err := svc.QA(context.Background(), 9, "qual o valor?", 5)
	require.NoError(t, err)

	require.Len(t, res.Evidence, 2)
	assert.Equal(t, int64(7), res.Evidence[0].SegmentID)
	assert.Equal(t, int64(8), res.Evidence[1].SegmentID)
	assert.Equal(t, genericAnswer, res.Answer)
}

func TestQAEmbedFailureDegradesQuietly(t *testing.T) {
	t.Parallel()

	segs := &stubSegments{likeByNeedle: map[string][]pipeline.SearchHit{
		"OBJETO": {hit(4, "OBJETO: Contratação de empresa especializada em manutenção preventiva de elevadores para o prédio sede.")},
	}}
	oracle := &embedOracle{err: errors.New("oracle offline")}
	svc := NewService(segs, &stubDocs{}, oracle, zap.NewNop())

	res, err := svc.QA(context.Background(), 9, "qual o objeto?", 5)
	require.NoError(t, err)
	assert.Contains(t, res.Answer, "Objeto: ")
}

func TestQAStoreErrorPropagates(t *testing.T) {
	t.Parallel()

	segs := &stubSegments{likeErr: errors.New("db down")}
	svc := NewService(segs, &stubDocs{}, nil, zap.NewNop())

	_, err := svc.QA(context.Background(), 9, "qual o valor?", 5)
	require.Error(t, err)
}

func TestHeuristicAnswerEmptyEvidence(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", heuristicAnswer("qual o valor?", nil))
}

func TestDedupeByID(t *testing.T) {
	t.Parallel()

	in := []pipeline.SearchHit{hit(1, "a"), hit(2, "b"), hit(1, "a"), hit(3, "c")}
	out := dedupeByID(in)
	require.Len(t, out, 3)
	assert.Equal(t, int64(1), out[0].SegmentID)
	assert.Equal(t, int64(2), out[1].SegmentID)
	assert.Equal(t, int64(3), out[2].SegmentID)
}
