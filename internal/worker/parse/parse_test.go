package parse

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentenders/tender-radar/internal/config"
	"github.com/opentenders/tender-radar/internal/metrics"
	"github.com/opentenders/tender-radar/internal/pipeline"
)

type setTextCall struct {
	id         int64
	text       string
	quality    float64
	ocrUsed    bool
	dropBody   bool
	archiveURI string
}

type stubDocs struct {
	pipeline.DocumentStore
	doc      pipeline.Document
	getErr   error
	setCalls []setTextCall
}

func (s *stubDocs) Get(_ context.Context, id int64) (pipeline.Document, error) {
	if s.getErr != nil {
		return pipeline.Document{}, s.getErr
	}
	if id != s.doc.ID {
		return pipeline.Document{}, pipeline.ErrNotFound
	}
	return s.doc, nil
}

func (s *stubDocs) SetText(_ context.Context, id int64, text string, quality float64, ocrUsed, dropBody bool, archiveURI string) error {
	s.setCalls = append(s.setCalls, setTextCall{id, text, quality, ocrUsed, dropBody, archiveURI})
	return nil
}

type stubTenders struct {
	pipeline.TenderStore
	row    pipeline.Tender
	getErr error
}

func (s *stubTenders) Get(_ context.Context, id int64) (pipeline.Tender, error) {
	if s.getErr != nil {
		return pipeline.Tender{}, s.getErr
	}
	if id != s.row.ID {
		return pipeline.Tender{}, pipeline.ErrNotFound
	}
	return s.row, nil
}

type stubSegments struct {
	pipeline.SegmentStore
	replaced [][]pipeline.Segment
}

func (s *stubSegments) Replace(_ context.Context, _, _ int64, segs []pipeline.Segment) error {
	s.replaced = append(s.replaced, segs)
	return nil
}

type stubArtifacts struct {
	pipeline.ArtifactStore
	inserted []pipeline.Artifact
}

func (s *stubArtifacts) Insert(_ context.Context, a pipeline.Artifact) error {
	s.inserted = append(s.inserted, a)
	return nil
}

type stubBlob struct {
	paths []string
}

func (s *stubBlob) PutObject(_ context.Context, path, _ string, _ []byte) (string, error) {
	s.paths = append(s.paths, path)
	return "blob://" + path, nil
}

type stubOracle struct {
	pipeline.Oracle
	vec   []float32
	err   error
	calls int
}

func (s *stubOracle) Embed(_ context.Context, _ string) ([]float32, error) {
	s.calls++
	return s.vec, s.err
}

type stubEnricher struct {
	mu    sync.Mutex
	calls []int64
}

func (s *stubEnricher) Enrich(_ context.Context, tender pipeline.Tender, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, tender.ID)
}

type stubNotifier struct {
	mu     sync.Mutex
	stages []string
	briefs []pipeline.TenderBrief
}

func (s *stubNotifier) Fanout(_ context.Context, stage string, b pipeline.TenderBrief) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages = append(s.stages, stage)
	s.briefs = append(s.briefs, b)
}

type stubOCR struct {
	text  string
	err   error
	calls int
}

func (s *stubOCR) Available() bool { return true }

func (s *stubOCR) ExtractText(_ context.Context, _ []byte) (string, error) {
	s.calls++
	return s.text, s.err
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

type env struct {
	docs      *stubDocs
	tenders   *stubTenders
	segments  *stubSegments
	artifacts *stubArtifacts
	blob      *stubBlob
	oracle    *stubOracle
	enricher  *stubEnricher
	notifier  *stubNotifier
	ocr       *stubOCR
	sink      *metrics.MemorySink
	events    *recordSink
	worker    *Worker
}

func newEnv(t *testing.T, cfg config.ParseConfig, allow config.TriageConfig) *env {
	t.Helper()
	e := &env{
		docs:      &stubDocs{},
		tenders:   &stubTenders{},
		segments:  &stubSegments{},
		artifacts: &stubArtifacts{},
		blob:      &stubBlob{},
		oracle:    &stubOracle{},
		enricher:  &stubEnricher{},
		notifier:  &stubNotifier{},
		ocr:       &stubOCR{},
		sink:      metrics.NewMemorySink(),
		events:    &recordSink{},
	}
	if cfg.MaxTextChars == 0 {
		cfg.MaxTextChars = 5000
	}
	if cfg.SegmentSize == 0 {
		cfg.SegmentSize = 800
	}
	if cfg.SegmentOverlap == 0 {
		cfg.SegmentOverlap = 100
	}
	if cfg.OCRMinTextLen == 0 {
		cfg.OCRMinTextLen = 200
	}
	if cfg.OCRMinQuality == 0 {
		cfg.OCRMinQuality = 0.25
	}
	e.worker = New(Deps{
		Docs:      e.docs,
		Tenders:   e.tenders,
		Segments:  e.segments,
		Artifacts: e.artifacts,
		Archive:   e.blob,
		Oracle:    e.oracle,
		Enricher:  e.enricher,
		Notifier:  e.notifier,
		OCR:       e.ocr,
		Metrics:   e.sink,
		Events:    e.events,
	}, cfg, allow)
	return e
}

func mustBody(t *testing.T, msg pipeline.ParseMessage) []byte {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	return raw
}

func counter(t *testing.T, sink *metrics.MemorySink, name string) int64 {
	t.Helper()
	n, err := sink.Counter(context.Background(), name)
	require.NoError(t, err)
	return n
}

func TestHandleExtractsSegmentsAndStores(t *testing.T) {
	t.Parallel()

	e := newEnv(t, config.ParseConfig{DropBody: true}, config.TriageConfig{})
	e.docs.doc = pipeline.Document{
		ID:          1,
		TenderID:    7,
		ContentType: "text/html",
		Body: []byte(`<html><body><h1>Edital</h1><p>Pregão eletrônico para aquisição de ` +
			`material escolar.</p><script>var x=1;</script></body></html>`),
	}
	e.tenders.row = pipeline.Tender{ID: 7, UF: "SP", Objeto: "material escolar"}

	err := e.worker.Handle(context.Background(), pipeline.QueueParse, mustBody(t, pipeline.ParseMessage{DocumentID: 1, TenderID: 7}))
	require.NoError(t, err)

	require.Len(t, e.docs.setCalls, 1)
	call := e.docs.setCalls[0]
	assert.Contains(t, call.text, "Pregão eletrônico")
	assert.NotContains(t, call.text, "<h1>")
	assert.NotContains(t, call.text, "var x=1")
	assert.True(t, call.dropBody)
	assert.False(t, call.ocrUsed)
	assert.Greater(t, call.quality, 0.5)
	assert.Equal(t, "blob://tenders/7/doc-1.html", call.archiveURI)

	require.Len(t, e.segments.replaced, 1)
	segs := e.segments.replaced[0]
	require.Len(t, segs, 1)
	assert.Equal(t, int64(1), segs[0].DocumentID)
	assert.Equal(t, int64(7), segs[0].TenderID)
	assert.Equal(t, 0, segs[0].Seq)
	assert.Contains(t, segs[0].Content, "material escolar")

	assert.Equal(t, []int64{7}, e.enricher.calls)
	assert.Equal(t, []string{pipeline.StageParse}, e.notifier.stages)
	assert.Equal(t, int64(1), counter(t, e.sink, "worker.parse.ok_total"))
	assert.Contains(t, e.events.statuses(), "ok")
}

func TestHandleSmokeModeSkipsExtras(t *testing.T) {
	t.Parallel()

	e := newEnv(t, config.ParseConfig{
		SmokeMaxTextChars: 1000,
		DropBody:          false,
		EmbedEnabled:      true,
		EmbedDim:          3,
	}, config.TriageConfig{})
	e.oracle.vec = []float32{1, 2, 3}
	e.docs.doc = pipeline.Document{
		ID:          2,
		TenderID:    8,
		ContentType: "text/plain",
		Body:        []byte(strings.Repeat("edital de licitação ", 200)),
	}

	err := e.worker.Handle(context.Background(), pipeline.QueueParseSmoke, mustBody(t, pipeline.ParseMessage{DocumentID: 2}))
	require.NoError(t, err)

	require.Len(t, e.docs.setCalls, 1)
	call := e.docs.setCalls[0]
	assert.Len(t, []rune(call.text), 1000, "smoke cap applies")
	assert.True(t, call.dropBody, "smoke forces the body drop")

	assert.Empty(t, e.enricher.calls, "smoke skips enrichment")
	assert.Empty(t, e.notifier.stages, "smoke skips notification")
	assert.Empty(t, e.artifacts.inserted, "smoke skips artifacts")
	assert.Zero(t, e.oracle.calls, "smoke skips embeddings")
	require.NotEmpty(t, e.segments.replaced, "smoke still rebuilds segments")
	for _, seg := range e.segments.replaced[0] {
		assert.Nil(t, seg.Embedding)
	}
}

func TestHandleReusesStoredText(t *testing.T) {
	t.Parallel()

	e := newEnv(t, config.ParseConfig{DropBody: true}, config.TriageConfig{})
	e.docs.doc = pipeline.Document{
		ID:          3,
		TenderID:    9,
		ContentType: "application/pdf",
		Body:        nil,
		TextContent: "Objeto: contratação de serviços de manutenção predial para o campus.",
	}
	e.tenders.row = pipeline.Tender{ID: 9}

	err := e.worker.Handle(context.Background(), pipeline.QueueParse, mustBody(t, pipeline.ParseMessage{DocumentID: 3}))
	require.NoError(t, err)

	assert.Empty(t, e.docs.setCalls, "nothing to rewrite without a body")
	assert.Empty(t, e.blob.paths)
	require.Len(t, e.segments.replaced, 1)
	assert.Equal(t, e.docs.doc.TextContent, e.segments.replaced[0][0].Content)

	// doc_convert falls back to the kept text.
	require.NotEmpty(t, e.artifacts.inserted)
	last := e.artifacts.inserted[len(e.artifacts.inserted)-1]
	assert.Equal(t, "doc_convert", last.Kind)
	assert.Equal(t, e.docs.doc.TextContent, last.Payload["markdown"])
}

func TestHandleOCRRescuesScannedPDF(t *testing.T) {
	t.Parallel()

	e := newEnv(t, config.ParseConfig{DropBody: true}, config.TriageConfig{})
	e.ocr.text = strings.Repeat("PREFEITURA MUNICIPAL EDITAL DE PREGÃO 123/2025 objeto manutenção ", 6)
	e.docs.doc = pipeline.Document{
		ID:          4,
		TenderID:    10,
		ContentType: "application/pdf",
		Body:        []byte("%PDF-1.4\n\x00\x01\x02 scanned-only"),
	}
	e.tenders.row = pipeline.Tender{ID: 10}

	err := e.worker.Handle(context.Background(), pipeline.QueueParse, mustBody(t, pipeline.ParseMessage{DocumentID: 4}))
	require.NoError(t, err)

	assert.Equal(t, 1, e.ocr.calls)
	require.Len(t, e.docs.setCalls, 1)
	call := e.docs.setCalls[0]
	assert.True(t, call.ocrUsed)
	assert.Contains(t, call.text, "EDITAL DE PREGÃO")
}

func TestHandleOCRFailureKeepsExtractedText(t *testing.T) {
	t.Parallel()

	e := newEnv(t, config.ParseConfig{DropBody: true}, config.TriageConfig{})
	e.ocr.err = errors.New("tesseract exploded")
	e.docs.doc = pipeline.Document{
		ID:          5,
		TenderID:    11,
		ContentType: "application/pdf",
		Body:        []byte("%PDF-1.4\n\x00 short"),
	}
	e.tenders.row = pipeline.Tender{ID: 11}

	err := e.worker.Handle(context.Background(), pipeline.QueueParse, mustBody(t, pipeline.ParseMessage{DocumentID: 5}))
	require.NoError(t, err, "ocr failure must not fail the document")

	require.Len(t, e.docs.setCalls, 1)
	assert.False(t, e.docs.setCalls[0].ocrUsed)
}

func TestHandleGateDropsUnrelatedText(t *testing.T) {
	t.Parallel()

	e := newEnv(t, config.ParseConfig{
		DropBody:     true,
		GateKeywords: []string{"edital", "licitação"},
	}, config.TriageConfig{})
	e.docs.doc = pipeline.Document{
		ID:          6,
		TenderID:    12,
		ContentType: "text/plain",
		Body:        []byte("relatório interno sem relação com compras públicas"),
	}

	err := e.worker.Handle(context.Background(), pipeline.QueueParse, mustBody(t, pipeline.ParseMessage{DocumentID: 6}))
	require.NoError(t, err)

	require.Len(t, e.docs.setCalls, 1, "text persists before the gate")
	assert.Empty(t, e.segments.replaced, "gated documents are not segmented")
	assert.Empty(t, e.enricher.calls)
	assert.Contains(t, e.events.statuses(), "drop_post_ocr_gate")
	assert.Zero(t, counter(t, e.sink, "worker.parse.ok_total"))
}

func TestHandleGateRegexPasses(t *testing.T) {
	t.Parallel()

	e := newEnv(t, config.ParseConfig{
		DropBody:  true,
		GateRegex: `preg[ãa]o (eletrônico|presencial)`,
	}, config.TriageConfig{})
	e.docs.doc = pipeline.Document{
		ID:          7,
		TenderID:    13,
		ContentType: "text/plain",
		Body:        []byte("Aviso de PREGÃO ELETRÔNICO nº 90/2025."),
	}
	e.tenders.row = pipeline.Tender{ID: 13}

	err := e.worker.Handle(context.Background(), pipeline.QueueParse, mustBody(t, pipeline.ParseMessage{DocumentID: 7}))
	require.NoError(t, err)
	assert.NotEmpty(t, e.segments.replaced)
}

func TestHandleMissingDocumentIDDiscards(t *testing.T) {
	t.Parallel()

	e := newEnv(t, config.ParseConfig{}, config.TriageConfig{})
	err := e.worker.Handle(context.Background(), pipeline.QueueParse, []byte(`{"tender_id":5}`))
	require.NoError(t, err, "a job without document_id is discarded, not retried")
	assert.Equal(t, int64(1), counter(t, e.sink, "worker.parse.error_total"))
	assert.Contains(t, e.events.statuses(), "error_missing_document_id")
}

func TestHandleDocumentNotFoundDiscards(t *testing.T) {
	t.Parallel()

	e := newEnv(t, config.ParseConfig{}, config.TriageConfig{})
	e.docs.doc = pipeline.Document{ID: 999}
	err := e.worker.Handle(context.Background(), pipeline.QueueParse, mustBody(t, pipeline.ParseMessage{DocumentID: 1}))
	require.NoError(t, err)
	assert.Empty(t, e.docs.setCalls)
}

func TestHandleDocumentLoadErrorRetries(t *testing.T) {
	t.Parallel()

	e := newEnv(t, config.ParseConfig{}, config.TriageConfig{})
	e.docs.getErr = errors.New("conn refused")
	err := e.worker.Handle(context.Background(), pipeline.QueueParse, mustBody(t, pipeline.ParseMessage{DocumentID: 1}))
	require.Error(t, err)
	var dead *pipeline.DeadLetterError
	assert.False(t, errors.As(err, &dead), "infrastructure errors take the default retry path")
}

func TestHandleDecodeFailureDead(t *testing.T) {
	t.Parallel()

	e := newEnv(t, config.ParseConfig{}, config.TriageConfig{})
	err := e.worker.Handle(context.Background(), pipeline.QueueParse, []byte("{broken"))
	var dead *pipeline.DeadLetterError
	require.ErrorAs(t, err, &dead)
	assert.Equal(t, "decode_failed", dead.Reason)
}

func TestHandleEmbedsSegments(t *testing.T) {
	t.Parallel()

	e := newEnv(t, config.ParseConfig{
		DropBody:     true,
		EmbedEnabled: true,
		EmbedDim:     3,
	}, config.TriageConfig{})
	e.oracle.vec = []float32{0.1, 0.2, 0.3}
	e.docs.doc = pipeline.Document{
		ID:          8,
		TenderID:    14,
		ContentType: "text/plain",
		Body:        []byte("edital de pregão para aquisição de insumos hospitalares"),
	}
	e.tenders.row = pipeline.Tender{ID: 14}

	err := e.worker.Handle(context.Background(), pipeline.QueueParse, mustBody(t, pipeline.ParseMessage{DocumentID: 8}))
	require.NoError(t, err)

	require.Len(t, e.segments.replaced, 1)
	require.Len(t, e.segments.replaced[0], 1)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, e.segments.replaced[0][0].Embedding)
}

func TestHandleDropsWrongDimensionEmbedding(t *testing.T) {
	t.Parallel()

	e := newEnv(t, config.ParseConfig{
		DropBody:     true,
		EmbedEnabled: true,
		EmbedDim:     768,
	}, config.TriageConfig{})
	e.oracle.vec = []float32{1, 2}
	e.docs.doc = pipeline.Document{
		ID:          9,
		TenderID:    15,
		ContentType: "text/plain",
		Body:        []byte("edital de concorrência para obras de pavimentação"),
	}
	e.tenders.row = pipeline.Tender{ID: 15}

	err := e.worker.Handle(context.Background(), pipeline.QueueParse, mustBody(t, pipeline.ParseMessage{DocumentID: 9}))
	require.NoError(t, err)

	require.Len(t, e.segments.replaced, 1)
	assert.Nil(t, e.segments.replaced[0][0].Embedding, "mismatched dimension is dropped")
}

func TestHandleNotifyRespectsAllowlists(t *testing.T) {
	t.Parallel()

	e := newEnv(t, config.ParseConfig{DropBody: true}, config.TriageConfig{UFAllow: []string{"SP"}})
	e.docs.doc = pipeline.Document{
		ID:          10,
		TenderID:    16,
		ContentType: "text/plain",
		Body:        []byte("edital de pregão em outro estado"),
	}
	e.tenders.row = pipeline.Tender{ID: 16, UF: "MG"}

	err := e.worker.Handle(context.Background(), pipeline.QueueParse, mustBody(t, pipeline.ParseMessage{DocumentID: 10}))
	require.NoError(t, err)

	assert.Equal(t, []int64{16}, e.enricher.calls, "enrichment ignores the notify allowlist")
	assert.Empty(t, e.notifier.stages, "UF outside the allowlist is not notified")
}

func TestOptionsSmokeOverrides(t *testing.T) {
	t.Parallel()

	w := New(Deps{OCR: &stubOCR{}, Oracle: &stubOracle{}}, config.ParseConfig{
		MaxTextChars:      200000,
		SmokeMaxTextChars: 20000,
		DropBody:          false,
		EmbedEnabled:      true,
	}, config.TriageConfig{})

	normal := w.options(pipeline.QueueParse)
	assert.True(t, normal.ocr)
	assert.True(t, normal.embed)
	assert.False(t, normal.dropBody)
	assert.Equal(t, 200000, normal.maxChars)

	smoke := w.options(pipeline.QueueParseSmoke)
	assert.True(t, smoke.smoke)
	assert.False(t, smoke.ocr)
	assert.False(t, smoke.embed)
	assert.True(t, smoke.dropBody)
	assert.Equal(t, 20000, smoke.maxChars)
}
