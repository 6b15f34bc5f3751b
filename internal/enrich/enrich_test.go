package enrich

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opentenders/tender-radar/internal/config"
	"github.com/opentenders/tender-radar/internal/metrics"
	"github.com/opentenders/tender-radar/internal/pipeline"
)

type stubOracle struct {
	labels pipeline.Labels
	err    error
	calls  int
}

func (o *stubOracle) Classify(context.Context, pipeline.ClassifyInput) (pipeline.Labels, error) {
	o.calls++
	return o.labels, o.err
}

func (o *stubOracle) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("not used")
}

type labelStore struct {
	pipeline.TenderStore
	applied map[int64]pipeline.Labels
	err     error
}

func (s *labelStore) SetLabels(_ context.Context, id int64, labels pipeline.Labels) error {
	if s.err != nil {
		return s.err
	}
	if s.applied == nil {
		s.applied = map[int64]pipeline.Labels{}
	}
	s.applied[id] = labels
	return nil
}

func enrichCfg() config.EnrichConfig {
	return config.EnrichConfig{Enabled: true, MinTextLen: 10, MaxTextLen: 4000}
}

func longText() string {
	return "contratação de serviços contínuos de limpeza hospitalar"
}

func TestEnrichPersistsLabels(t *testing.T) {
	t.Parallel()

	conf := 0.9
	oracle := &stubOracle{labels: pipeline.Labels{Materia: "limpeza", Confidence: &conf}}
	store := &labelStore{}
	sink := metrics.NewMemorySink()

	e := NewEnricher(oracle, store, sink, enrichCfg(), zap.NewNop())
	e.Enrich(context.Background(), pipeline.Tender{ID: 42}, longText())

	require.Contains(t, store.applied, int64(42))
	assert.Equal(t, "limpeza", store.applied[42].Materia)

	n, err := sink.Counter(context.Background(), "agent.enrich.ok_total")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEnrichDisabledDoesNothing(t *testing.T) {
	t.Parallel()

	oracle := &stubOracle{labels: pipeline.Labels{Materia: "ti"}}
	store := &labelStore{}

	cfg := enrichCfg()
	cfg.Enabled = false
	e := NewEnricher(oracle, store, metrics.NewMemorySink(), cfg, zap.NewNop())
	e.Enrich(context.Background(), pipeline.Tender{ID: 1}, longText())

	assert.Zero(t, oracle.calls)
	assert.Empty(t, store.applied)
}

func TestEnrichSkipsShortText(t *testing.T) {
	t.Parallel()

	oracle := &stubOracle{labels: pipeline.Labels{Materia: "ti"}}
	sink := metrics.NewMemorySink()

	e := NewEnricher(oracle, &labelStore{}, sink, enrichCfg(), zap.NewNop())
	e.Enrich(context.Background(), pipeline.Tender{ID: 1}, "curto")

	assert.Zero(t, oracle.calls)
	n, err := sink.Counter(context.Background(), "agent.enrich.skip_total")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEnrichSkipsAlreadyLabeledUnlessForced(t *testing.T) {
	t.Parallel()

	oracle := &stubOracle{labels: pipeline.Labels{Materia: "obras"}}
	store := &labelStore{}

	e := NewEnricher(oracle, store, metrics.NewMemorySink(), enrichCfg(), zap.NewNop())
	e.Enrich(context.Background(), pipeline.Tender{ID: 7, Materia: "saude"}, longText())
	assert.Zero(t, oracle.calls)

	cfg := enrichCfg()
	cfg.Force = true
	forced := NewEnricher(oracle, store, metrics.NewMemorySink(), cfg, zap.NewNop())
	forced.Enrich(context.Background(), pipeline.Tender{ID: 7, Materia: "saude"}, longText())
	assert.Equal(t, 1, oracle.calls)
	assert.Contains(t, store.applied, int64(7))
}

func TestEnrichOracleErrorCounts(t *testing.T) {
	t.Parallel()

	oracle := &stubOracle{err: errors.New("timeout")}
	store := &labelStore{}
	sink := metrics.NewMemorySink()

	e := NewEnricher(oracle, store, sink, enrichCfg(), zap.NewNop())
	e.Enrich(context.Background(), pipeline.Tender{ID: 9}, longText())

	assert.Empty(t, store.applied)
	n, err := sink.Counter(context.Background(), "agent.enrich.error_total")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEnrichEmptyLabelsCountAsError(t *testing.T) {
	t.Parallel()

	oracle := &stubOracle{}
	sink := metrics.NewMemorySink()

	e := NewEnricher(oracle, &labelStore{}, sink, enrichCfg(), zap.NewNop())
	e.Enrich(context.Background(), pipeline.Tender{ID: 3}, longText())

	n, err := sink.Counter(context.Background(), "agent.enrich.error_total")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
