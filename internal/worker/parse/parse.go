// Package parse turns fetched document bodies into searchable text:
// extraction by content kind, an OCR fallback for scanned PDFs, tender
// enrichment, artifacts and the segment index.
package parse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opentenders/tender-radar/internal/config"
	"github.com/opentenders/tender-radar/internal/extract"
	"github.com/opentenders/tender-radar/internal/normalize"
	"github.com/opentenders/tender-radar/internal/pipeline"
)

// ocrMaxBytes caps what is handed to the OCR toolchain.
const ocrMaxBytes = 20 << 20

// Notifier fans a tender out to matching subscriptions.
type Notifier interface {
	Fanout(ctx context.Context, stage string, b pipeline.TenderBrief)
}

// Enricher classifies a tender from its document text.
type Enricher interface {
	Enrich(ctx context.Context, tender pipeline.Tender, text string)
}

// OCRRunner recognizes text in a scanned PDF.
type OCRRunner interface {
	Available() bool
	ExtractText(ctx context.Context, pdfBytes []byte) (string, error)
}

// Deps collects the parse worker collaborators. Archive, Oracle,
// Enricher, Notifier, OCR, Artifacts and Events may be nil; each nil
// disables its step.
type Deps struct {
	Docs      pipeline.DocumentStore
	Tenders   pipeline.TenderStore
	Segments  pipeline.SegmentStore
	Artifacts pipeline.ArtifactStore
	Archive   pipeline.BlobStore
	Oracle    pipeline.Oracle
	Enricher  Enricher
	Notifier  Notifier
	OCR       OCRRunner
	Metrics   pipeline.Metrics
	Events    pipeline.EventSink
	Logger    *zap.Logger
}

// Worker is the parse stage handler. It serves both the main queue and
// the smoke queue; the source queue decides which mode applies.
type Worker struct {
	deps   Deps
	cfg    config.ParseConfig
	allow  config.TriageConfig
	gateRe *regexp.Regexp
	logger *zap.Logger
}

// New constructs the parse handler. The allow config carries the UF
// and município allowlists re-checked before parse-stage notification.
func New(deps Deps, cfg config.ParseConfig, allow config.TriageConfig) *Worker {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("stage", pipeline.StageParse))

	var gateRe *regexp.Regexp
	if cfg.GateRegex != "" {
		re, err := regexp.Compile("(?im)" + cfg.GateRegex)
		if err != nil {
			logger.Warn("invalid gate regex ignored", zap.String("regex", cfg.GateRegex), zap.Error(err))
		} else {
			gateRe = re
		}
	}
	return &Worker{deps: deps, cfg: cfg, allow: allow, gateRe: gateRe, logger: logger}
}

// Stage implements worker.Handler.
func (w *Worker) Stage() string { return pipeline.StageParse }

// Queues implements worker.Handler. The smoke queue comes first so
// smoke runs cut the line.
func (w *Worker) Queues() []string {
	return []string{pipeline.QueueParseSmoke, pipeline.QueueParse}
}

// DeadQueue implements worker.Handler.
func (w *Worker) DeadQueue() string { return pipeline.QueueDeadParse }

// options is the per-message mode derived from the source queue.
type options struct {
	smoke    bool
	ocr      bool
	embed    bool
	dropBody bool
	maxChars int
}

func (w *Worker) options(queue string) options {
	opts := options{
		ocr:      w.deps.OCR != nil,
		embed:    w.cfg.EmbedEnabled && w.deps.Oracle != nil,
		dropBody: w.cfg.DropBody,
		maxChars: w.cfg.MaxTextChars,
	}
	if queue == pipeline.QueueParseSmoke {
		opts.smoke = true
		opts.ocr = false
		opts.embed = false
		opts.dropBody = true
		if w.cfg.SmokeMaxTextChars > 0 && w.cfg.SmokeMaxTextChars < opts.maxChars {
			opts.maxChars = w.cfg.SmokeMaxTextChars
		}
	}
	return opts
}

// Handle parses one document end to end.
func (w *Worker) Handle(ctx context.Context, queue string, body []byte) error {
	w.deps.Metrics.Incr(ctx, "worker.parse.consumed_total", 1)
	opts := w.options(queue)

	var msg pipeline.ParseMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return pipeline.Dead("decode_failed", fmt.Errorf("decode parse message: %w", err))
	}
	w.emit(ctx, 0, msg.DocumentID, "consumed", map[string]any{"queue": queue})

	if msg.DocumentID == 0 {
		w.deps.Metrics.Incr(ctx, "worker.parse.error_total", 1)
		w.emit(ctx, 0, 0, "error_missing_document_id", map[string]any{"queue": queue})
		w.logger.Warn("message lacks document_id")
		return nil
	}

	doc, err := w.deps.Docs.Get(ctx, msg.DocumentID)
	if errors.Is(err, pipeline.ErrNotFound) {
		w.logger.Warn("document not found", zap.Int64("document_id", msg.DocumentID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}

	kind := extract.Detect(doc.ContentType, doc.Body)
	hadBody := len(doc.Body) > 0

	var text string
	ocrUsed := false
	switch {
	case !hadBody && doc.TextContent != "":
		// Body already dropped on a previous pass; re-segment what we
		// kept.
		text = doc.TextContent
	default:
		text = extract.Text(ctx, kind, doc.ContentType, doc.Body, opts.maxChars)
		if opts.ocr && w.shouldOCR(kind, text) {
			if ocrText := w.runOCR(ctx, kind, doc.Body, opts.maxChars); ocrText != "" {
				text = ocrText
				ocrUsed = true
			}
		}
	}

	quality := extract.Quality(text)
	if hadBody {
		archiveURI := w.archiveBody(ctx, doc, opts)
		if err := w.deps.Docs.SetText(ctx, doc.ID, text, quality, ocrUsed, opts.dropBody, archiveURI); err != nil {
			return fmt.Errorf("store text: %w", err)
		}
	}

	if !w.passesGate(text) {
		w.emit(ctx, doc.TenderID, doc.ID, "drop_post_ocr_gate", map[string]any{"reason": "post_ocr_gate"})
		w.logger.Info("document dropped by content gate",
			zap.Int64("document_id", doc.ID), zap.Int64("tender_id", doc.TenderID))
		return nil
	}

	if !opts.smoke && text != "" {
		w.enrichAndNotify(ctx, doc, text)
	}
	if !opts.smoke {
		w.storeArtifacts(ctx, doc, kind, text)
	}

	if segs := extract.Segment(text, w.cfg.SegmentSize, w.cfg.SegmentOverlap); len(segs) > 0 {
		rows := make([]pipeline.Segment, len(segs))
		for i, content := range segs {
			rows[i] = pipeline.Segment{
				DocumentID: doc.ID,
				TenderID:   doc.TenderID,
				Seq:        i,
				Content:    content,
			}
		}
		if opts.embed {
			w.embedSegments(ctx, rows)
		}
		if err := w.deps.Segments.Replace(ctx, doc.ID, doc.TenderID, rows); err != nil {
			return fmt.Errorf("replace segments: %w", err)
		}
	}

	chars := utf8.RuneCountInString(text)
	w.deps.Metrics.Incr(ctx, "worker.parse.ok_total", 1)
	w.emit(ctx, doc.TenderID, doc.ID, "ok", map[string]any{"chars": chars})
	w.logger.Info("document parsed",
		zap.Int64("document_id", doc.ID),
		zap.Int64("tender_id", doc.TenderID),
		zap.Int("chars", chars),
		zap.Float64("quality", quality),
		zap.Bool("ocr_used", ocrUsed))
	return nil
}

// shouldOCR fires for PDFs and archives whose extracted text is too
// short or too noisy to trust.
func (w *Worker) shouldOCR(kind extract.Kind, text string) bool {
	if kind != extract.KindPDF && kind != extract.KindZIP {
		return false
	}
	if utf8.RuneCountInString(text) < w.cfg.OCRMinTextLen {
		return true
	}
	return extract.Quality(text) < w.cfg.OCRMinQuality
}

func (w *Worker) runOCR(ctx context.Context, kind extract.Kind, body []byte, maxChars int) string {
	pdfBytes := body
	if kind == extract.KindZIP {
		inner, name, ok := extract.FirstInnerPDF(body)
		if !ok {
			return ""
		}
		w.logger.Debug("ocr uses inner archive member", zap.String("member", name))
		pdfBytes = inner
	}
	if len(pdfBytes) == 0 || len(pdfBytes) > ocrMaxBytes {
		return ""
	}
	if !w.deps.OCR.Available() {
		w.logger.Warn("ocr binaries unavailable, skipping")
		return ""
	}
	text, err := w.deps.OCR.ExtractText(ctx, pdfBytes)
	if err != nil {
		w.logger.Warn("ocr failed", zap.Error(err))
		return ""
	}
	return extract.Truncate(strings.TrimSpace(text), maxChars)
}

// archiveBody copies the raw body to the blob store before drop_body
// nulls it. Archive failures lose the copy, not the document.
func (w *Worker) archiveBody(ctx context.Context, doc pipeline.Document, opts options) string {
	if !opts.dropBody || w.deps.Archive == nil {
		return ""
	}
	path := fmt.Sprintf("tenders/%d/doc-%d%s", doc.TenderID, doc.ID, kindExt(extract.Detect(doc.ContentType, doc.Body)))
	uri, err := w.deps.Archive.PutObject(ctx, path, doc.ContentType, doc.Body)
	if err != nil {
		w.logger.Warn("body archive failed", zap.Int64("document_id", doc.ID), zap.Error(err))
		return ""
	}
	return uri
}

func kindExt(kind extract.Kind) string {
	switch kind {
	case extract.KindPDF:
		return ".pdf"
	case extract.KindZIP:
		return ".zip"
	case extract.KindHTML:
		return ".html"
	case extract.KindJSON:
		return ".json"
	case extract.KindText:
		return ".txt"
	default:
		return ".bin"
	}
}

// passesGate applies the optional post-OCR content gate: with keywords
// or a regex configured, the text must hit at least one of them.
func (w *Worker) passesGate(text string) bool {
	if len(w.cfg.GateKeywords) == 0 && w.gateRe == nil {
		return true
	}
	if text == "" {
		return false
	}
	lowered := strings.ToLower(text)
	for _, kw := range w.cfg.GateKeywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(lowered, kw) {
			return true
		}
	}
	return w.gateRe != nil && w.gateRe.MatchString(text)
}

// enrichAndNotify loads the tender row, runs classification and fans
// out the parse-stage notification. All of it is best-effort.
func (w *Worker) enrichAndNotify(ctx context.Context, doc pipeline.Document, text string) {
	row, err := w.deps.Tenders.Get(ctx, doc.TenderID)
	if err != nil {
		if !errors.Is(err, pipeline.ErrNotFound) {
			w.logger.Warn("tender load failed", zap.Int64("tender_id", doc.TenderID), zap.Error(err))
		}
		return
	}
	if w.deps.Enricher != nil {
		w.deps.Enricher.Enrich(ctx, row, text)
	}
	if w.deps.Notifier != nil && w.allowNotify(row) {
		w.deps.Notifier.Fanout(ctx, pipeline.StageParse, row.Brief())
	}
}

// allowNotify re-applies the triage allowlists before the parse-stage
// fan-out. Force-fetched tenders reach parse regardless of UF, but the
// notification policy still holds.
func (w *Worker) allowNotify(row pipeline.Tender) bool {
	if len(w.allow.UFAllow) > 0 {
		uf := strings.ToUpper(strings.TrimSpace(row.UF))
		ok := false
		for _, allowed := range w.allow.UFAllow {
			if strings.ToUpper(strings.TrimSpace(allowed)) == uf {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(w.allow.MunicipioAllow) > 0 {
		mun := normalize.Fold(row.Municipio)
		if mun != "" {
			ok := false
			for _, allowed := range w.allow.MunicipioAllow {
				if normalize.Fold(allowed) == mun {
					ok = true
					break
				}
			}
			if !ok {
				return false
			}
		}
	}
	return true
}

// storeArtifacts upserts the tables and doc_convert by-products.
func (w *Worker) storeArtifacts(ctx context.Context, doc pipeline.Document, kind extract.Kind, text string) {
	if w.deps.Artifacts == nil {
		return
	}
	if kind == extract.KindPDF && text != "" {
		if tables := extract.Tables(text, 10); len(tables) > 0 {
			w.putArtifact(ctx, doc.ID, "tables", map[string]any{"tables": tables})
		}
	}
	payload := map[string]any{}
	if md, meta, ok := extract.Markdown(doc.Body, doc.ContentType); ok {
		payload["markdown"] = md
		if len(meta) > 0 {
			payload["meta"] = meta
		}
	} else if text != "" {
		payload["markdown"] = text
	}
	if len(payload) > 0 {
		w.putArtifact(ctx, doc.ID, "doc_convert", payload)
	}
}

func (w *Worker) putArtifact(ctx context.Context, docID int64, kind string, payload map[string]any) {
	err := w.deps.Artifacts.Insert(ctx, pipeline.Artifact{DocumentID: docID, Kind: kind, Payload: payload})
	if err != nil {
		w.logger.Warn("artifact store failed",
			zap.Int64("document_id", docID), zap.String("kind", kind), zap.Error(err))
	}
}

// embedSegments fills embeddings through a bounded batch. A failed or
// wrong-dimension embedding drops that segment's vector only.
func (w *Worker) embedSegments(ctx context.Context, rows []pipeline.Segment) {
	g := new(errgroup.Group)
	g.SetLimit(2)
	for i := range rows {
		g.Go(func() error {
			vec, err := w.deps.Oracle.Embed(ctx, rows[i].Content)
			if err != nil {
				w.logger.Debug("segment embedding failed",
					zap.Int64("document_id", rows[i].DocumentID), zap.Int("seq", rows[i].Seq), zap.Error(err))
				return nil
			}
			if w.cfg.EmbedDim > 0 && len(vec) != w.cfg.EmbedDim {
				return nil
			}
			rows[i].Embedding = vec
			return nil
		})
	}
	_ = g.Wait()
}

func (w *Worker) emit(ctx context.Context, tenderID, documentID int64, status string, payload map[string]any) {
	if w.deps.Events == nil {
		return
	}
	ev := pipeline.Event{Stage: pipeline.StageParse, Status: status, Payload: payload}
	if tenderID != 0 {
		ev.TenderID = &tenderID
	}
	if documentID != 0 {
		ev.DocumentID = &documentID
	}
	w.deps.Events.Emit(ctx, ev)
}
