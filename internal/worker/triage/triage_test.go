package triage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentenders/tender-radar/internal/config"
	"github.com/opentenders/tender-radar/internal/metrics"
	"github.com/opentenders/tender-radar/internal/pipeline"
	"github.com/opentenders/tender-radar/internal/queue/memory"
)

type stubTenders struct {
	pipeline.TenderStore
	rows   map[int64]pipeline.Tender
	byPNCP map[string]pipeline.Tender
	getErr error
}

func (s *stubTenders) Get(_ context.Context, id int64) (pipeline.Tender, error) {
	if s.getErr != nil {
		return pipeline.Tender{}, s.getErr
	}
	row, ok := s.rows[id]
	if !ok {
		return pipeline.Tender{}, pipeline.ErrNotFound
	}
	return row, nil
}

func (s *stubTenders) GetByIDPNCP(_ context.Context, idPNCP string) (pipeline.Tender, error) {
	row, ok := s.byPNCP[idPNCP]
	if !ok {
		return pipeline.Tender{}, pipeline.ErrNotFound
	}
	return row, nil
}

func (s *stubTenders) GetBySource(_ context.Context, _, _ string) (pipeline.Tender, error) {
	return pipeline.Tender{}, pipeline.ErrNotFound
}

type captureNotifier struct {
	mu     sync.Mutex
	stages []string
	briefs []pipeline.TenderBrief
}

func (n *captureNotifier) Fanout(_ context.Context, stage string, b pipeline.TenderBrief) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stages = append(n.stages, stage)
	n.briefs = append(n.briefs, b)
}

type recordSink struct {
	mu     sync.Mutex
	events []pipeline.Event
}

func (s *recordSink) Emit(_ context.Context, ev pipeline.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordSink) statuses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Status
	}
	return out
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type env struct {
	tenders  *stubTenders
	queue    *memory.Queue
	notifier *captureNotifier
	sink     *recordSink
	worker   *Worker
}

func newEnv(t *testing.T, cfg config.TriageConfig) *env {
	t.Helper()
	e := &env{
		tenders:  &stubTenders{rows: map[int64]pipeline.Tender{}, byPNCP: map[string]pipeline.Tender{}},
		queue:    memory.NewQueue(1000),
		notifier: &captureNotifier{},
		sink:     &recordSink{},
	}
	e.worker = New(e.tenders, e.queue, e.notifier, metrics.NewMemorySink(), e.sink,
		fixedClock{t: time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)}, cfg, nil)
	return e
}

func mustBody(t *testing.T, msg any) []byte {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	return raw
}

func popFetch(t *testing.T, q *memory.Queue) (pipeline.FetchMessage, bool) {
	t.Helper()
	_, body, err := q.Pop(context.Background(), []string{pipeline.QueueFetch}, 10*time.Millisecond)
	require.NoError(t, err)
	if body == nil {
		return pipeline.FetchMessage{}, false
	}
	var msg pipeline.FetchMessage
	require.NoError(t, json.Unmarshal(body, &msg))
	return msg, true
}

func TestScorerKeywordsAndUF(t *testing.T) {
	t.Parallel()

	s := NewScorer(nil, nil)

	score, reasons := s.Score(pipeline.TenderBrief{
		Objeto: "Contratação de serviços de limpeza e vigilância patrimonial",
		UF:     "sp",
	})
	assert.Equal(t, 6, score)
	assert.Equal(t, []string{"kw:limpeza+3", "kw:vigilância+2", "uf:SP+1"}, reasons)
}

func TestScorerWordBoundary(t *testing.T) {
	t.Parallel()

	s := NewScorer(nil, nil)

	// "informatização" must not match the "ti" or "informática" rules.
	score, reasons := s.Score(pipeline.TenderBrief{Objeto: "informatização do acervo, multirão"})
	assert.Zero(t, score)
	assert.Empty(t, reasons)

	score, reasons = s.Score(pipeline.TenderBrief{Objeto: "equipamentos de informática para TI"})
	assert.Equal(t, 4, score)
	assert.Equal(t, []string{"kw:informática+2", "kw:ti+2"}, reasons)
}

func TestScorerPregaoBonus(t *testing.T) {
	t.Parallel()

	s := NewScorer(nil, nil)

	score, reasons := s.Score(pipeline.TenderBrief{Modalidade: "Pregão Eletrônico"})
	assert.Equal(t, 1, score)
	assert.Equal(t, []string{"modalidade:pregao+1"}, reasons)

	score, _ = s.Score(pipeline.TenderBrief{Modalidade: "Concorrência"})
	assert.Zero(t, score)
}

func TestScorerCustomTables(t *testing.T) {
	t.Parallel()

	s := NewScorer(map[string]int{"Merenda": 5, " ": 9}, map[string]int{"ba": 2})

	score, reasons := s.Score(pipeline.TenderBrief{Objeto: "aquisição de merenda escolar", UF: "BA"})
	assert.Equal(t, 7, score)
	assert.Equal(t, []string{"kw:merenda+5", "uf:BA+2"}, reasons)
}

func TestHandleEnqueuesFetchAboveMinScore(t *testing.T) {
	t.Parallel()

	e := newEnv(t, config.TriageConfig{MinScore: 1})
	body := mustBody(t, pipeline.TriageMessage{Tender: &pipeline.TenderInput{
		IDPNCP: "00000000000191-1-000001/2025",
		Objeto: "serviços de limpeza predial",
		UF:     "SP",
		URLs:   map[string]string{"url": "https://portal.example/ed", "pncp": "https://pncp.gov.br/app/contratacoes/x"},
	}})
	require.NoError(t, e.worker.Handle(context.Background(), pipeline.QueueTriage, body))

	msg, ok := popFetch(t, e.queue)
	require.True(t, ok)
	assert.Equal(t, "00000000000191-1-000001/2025", msg.IDPNCP)
	assert.Equal(t, 4, msg.Score)
	assert.Contains(t, msg.Reasons, "kw:limpeza+3")
	assert.Equal(t, "https://pncp.gov.br/app/contratacoes/x", msg.URL, "pncp URL wins the ladder")
	assert.Equal(t, "2025-09-01T08:00:00Z", msg.QueuedAt)

	require.Len(t, e.notifier.stages, 1)
	assert.Equal(t, pipeline.StageTriage, e.notifier.stages[0])
	assert.Equal(t, 4, e.notifier.briefs[0].Score)
	assert.Contains(t, e.sink.statuses(), "enqueued_fetch")
}

func TestHandleBelowMinScoreStops(t *testing.T) {
	t.Parallel()

	e := newEnv(t, config.TriageConfig{MinScore: 3})
	body := mustBody(t, pipeline.TriageMessage{Tender: &pipeline.TenderInput{
		IDPNCP: "x", Objeto: "aquisição de pneus", Modalidade: "pregão",
	}})
	require.NoError(t, e.worker.Handle(context.Background(), pipeline.QueueTriage, body))

	_, ok := popFetch(t, e.queue)
	assert.False(t, ok, "score 1 < min 3 must not enqueue")
	require.Len(t, e.notifier.stages, 1, "fan-out happens before the score gate")
}

func TestHandleForceFetchBypassesScore(t *testing.T) {
	t.Parallel()

	e := newEnv(t, config.TriageConfig{MinScore: 99})
	body := mustBody(t, pipeline.TriageMessage{
		ForceFetch: true,
		Tender:     &pipeline.TenderInput{IDPNCP: "x", Objeto: "sem palavras-chave", URLs: map[string]string{"url": "http://u"}},
	})
	require.NoError(t, e.worker.Handle(context.Background(), pipeline.QueueTriage, body))

	msg, ok := popFetch(t, e.queue)
	require.True(t, ok)
	assert.True(t, bool(msg.ForceFetch))
}

func TestHandleUFAllowlistDrops(t *testing.T) {
	t.Parallel()

	e := newEnv(t, config.TriageConfig{MinScore: 0, UFAllow: []string{"sp", "RJ"}})

	body := mustBody(t, pipeline.TriageMessage{Tender: &pipeline.TenderInput{
		IDPNCP: "x", Objeto: "limpeza", UF: "MG",
	}})
	require.NoError(t, e.worker.Handle(context.Background(), pipeline.QueueTriage, body))
	_, ok := popFetch(t, e.queue)
	assert.False(t, ok)
	assert.Contains(t, e.sink.statuses(), "drop_uf_allowlist")

	// An empty UF also fails a configured allowlist.
	body = mustBody(t, pipeline.TriageMessage{Tender: &pipeline.TenderInput{IDPNCP: "y", Objeto: "limpeza"}})
	require.NoError(t, e.worker.Handle(context.Background(), pipeline.QueueTriage, body))
	_, ok = popFetch(t, e.queue)
	assert.False(t, ok)

	body = mustBody(t, pipeline.TriageMessage{Tender: &pipeline.TenderInput{IDPNCP: "z", Objeto: "limpeza", UF: "sp"}})
	require.NoError(t, e.worker.Handle(context.Background(), pipeline.QueueTriage, body))
	_, ok = popFetch(t, e.queue)
	assert.True(t, ok, "case-insensitive allowlist hit")
}

func TestHandleMunicipioAllowlistFolds(t *testing.T) {
	t.Parallel()

	e := newEnv(t, config.TriageConfig{MinScore: 0, MunicipioAllow: []string{"São Paulo"}})

	body := mustBody(t, pipeline.TriageMessage{Tender: &pipeline.TenderInput{
		IDPNCP: "a", Objeto: "limpeza", Municipio: "SAO PAULO",
	}})
	require.NoError(t, e.worker.Handle(context.Background(), pipeline.QueueTriage, body))
	_, ok := popFetch(t, e.queue)
	assert.True(t, ok, "accent-folded match")

	body = mustBody(t, pipeline.TriageMessage{Tender: &pipeline.TenderInput{
		IDPNCP: "b", Objeto: "limpeza", Municipio: "Campinas",
	}})
	require.NoError(t, e.worker.Handle(context.Background(), pipeline.QueueTriage, body))
	_, ok = popFetch(t, e.queue)
	assert.False(t, ok)
	assert.Contains(t, e.sink.statuses(), "drop_municipio_allowlist")

	// A tender with no município passes.
	body = mustBody(t, pipeline.TriageMessage{Tender: &pipeline.TenderInput{IDPNCP: "c", Objeto: "limpeza"}})
	require.NoError(t, e.worker.Handle(context.Background(), pipeline.QueueTriage, body))
	_, ok = popFetch(t, e.queue)
	assert.True(t, ok)
}

func TestHandleForceFetchBypassesAllowlists(t *testing.T) {
	t.Parallel()

	e := newEnv(t, config.TriageConfig{MinScore: 0, UFAllow: []string{"SP"}})
	body := mustBody(t, pipeline.TriageMessage{
		ForceFetch: true,
		Tender:     &pipeline.TenderInput{IDPNCP: "x", Objeto: "limpeza", UF: "MG", URLs: map[string]string{"url": "http://u"}},
	})
	require.NoError(t, e.worker.Handle(context.Background(), pipeline.QueueTriage, body))
	_, ok := popFetch(t, e.queue)
	assert.True(t, ok)
}

func TestHandleResolvesStoredTender(t *testing.T) {
	t.Parallel()

	e := newEnv(t, config.TriageConfig{MinScore: 1})
	e.tenders.rows[31] = pipeline.Tender{
		ID: 31, IDPNCP: "pncp-31", UF: "SP",
		Objeto: "manutenção de elevadores", Modalidade: "Pregão Eletrônico",
		URLs: map[string]string{"pncp": "https://pncp.gov.br/app/contratacoes/31"},
	}

	// The stored row replaces the thin message payload wholesale.
	body := mustBody(t, pipeline.TriageMessage{TenderID: 31})
	require.NoError(t, e.worker.Handle(context.Background(), pipeline.QueueTriage, body))

	msg, ok := popFetch(t, e.queue)
	require.True(t, ok)
	assert.Equal(t, int64(31), msg.TenderID)
	assert.Equal(t, "pncp-31", msg.IDPNCP)
	assert.Equal(t, 4, msg.Score)
	assert.Equal(t, "https://pncp.gov.br/app/contratacoes/31", msg.URL)
}

func TestHandleLookupErrorFallsBackToPayload(t *testing.T) {
	t.Parallel()

	e := newEnv(t, config.TriageConfig{MinScore: 1})
	e.tenders.getErr = errors.New("conn refused")

	body := mustBody(t, pipeline.TriageMessage{
		TenderID: 9,
		Tender:   &pipeline.TenderInput{IDPNCP: "p9", Objeto: "vigilância armada", URLs: map[string]string{"url": "http://u"}},
	})
	require.NoError(t, e.worker.Handle(context.Background(), pipeline.QueueTriage, body))

	msg, ok := popFetch(t, e.queue)
	require.True(t, ok, "db outage degrades to payload scoring")
	assert.Equal(t, int64(9), msg.TenderID)
	assert.Equal(t, 2, msg.Score)
}

func TestHandleDecodeFailureDead(t *testing.T) {
	t.Parallel()

	e := newEnv(t, config.TriageConfig{})
	err := e.worker.Handle(context.Background(), pipeline.QueueTriage, []byte("{broken"))
	var dead *pipeline.DeadLetterError
	require.ErrorAs(t, err, &dead)
	assert.Equal(t, "decode_failed", dead.Reason)
	assert.False(t, dead.Retry)
}

func TestHandleFlatPayloadSpelling(t *testing.T) {
	t.Parallel()

	e := newEnv(t, config.TriageConfig{MinScore: 1})
	body := []byte(`{"id_pncp":"flat-1","objeto":"serviços de limpeza","uf":"SP"}`)
	require.NoError(t, e.worker.Handle(context.Background(), pipeline.QueueTriage, body))

	msg, ok := popFetch(t, e.queue)
	require.True(t, ok)
	assert.Equal(t, "flat-1", msg.IDPNCP)
}

func TestHandleCarriesRepublicationFlag(t *testing.T) {
	t.Parallel()

	e := newEnv(t, config.TriageConfig{MinScore: 1})
	body := mustBody(t, pipeline.TriageMessage{Tender: &pipeline.TenderInput{
		IDPNCP:        "00000000000191-1-000002/2025",
		Objeto:        "serviços de limpeza",
		UF:            "SP",
		SourcePayload: map[string]any{"republicacao": "sim"},
	}})
	require.NoError(t, e.worker.Handle(context.Background(), pipeline.QueueTriage, body))

	require.Len(t, e.notifier.briefs, 1)
	assert.True(t, e.notifier.briefs[0].Republication)
}

func TestRepublicationFlagShapes(t *testing.T) {
	t.Parallel()

	assert.True(t, republicationFlag(map[string]any{"republicacao": "Sim"}))
	assert.True(t, republicationFlag(map[string]any{"republicacao": "1"}))
	assert.True(t, republicationFlag(map[string]any{"is_republication": true}))
	assert.False(t, republicationFlag(map[string]any{"republicacao": "não"}))
	assert.False(t, republicationFlag(map[string]any{"republicacao": false}))
	assert.False(t, republicationFlag(nil))
}
