// Package fetchdocs downloads tender documents: it resolves the tender
// row (lazily upserting from the embedded payload when needed),
// enumerates PNCP attachments for detail-page URLs, streams bodies
// under a size cap and hands each stored document to parse.
package fetchdocs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opentenders/tender-radar/internal/config"
	"github.com/opentenders/tender-radar/internal/ingest"
	"github.com/opentenders/tender-radar/internal/pipeline"
)

const fetchChunk = 64 * 1024

// pncpIDRe matches PNCP control numbers: CNPJ-modality-sequence/year.
var pncpIDRe = regexp.MustCompile(`^(\d{14})-\d+-(\d+)/(\d{4})$`)

// ParsePNCPID splits a control number into the enumeration path parts.
// The sequence loses its zero padding, matching the API path format.
func ParsePNCPID(id string) (cnpj, ano, seq string, ok bool) {
	m := pncpIDRe.FindStringSubmatch(strings.TrimSpace(id))
	if m == nil {
		return "", "", "", false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return "", "", "", false
	}
	return m[1], m[3], strconv.Itoa(n), true
}

// CacheInvalidator drops cached read responses under path prefixes.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, pathPrefixes ...string) int64
}

// Result is one downloaded URL, truncated at the configured cap.
type Result struct {
	Status      int
	Headers     map[string]string
	ContentType string
	Body        []byte
	Truncated   bool
}

// Worker is the fetch_docs stage handler.
type Worker struct {
	tenders pipeline.TenderStore
	docs    pipeline.DocumentStore
	queue   pipeline.Queue
	cache   CacheInvalidator
	hasher  pipeline.Hasher
	metrics pipeline.Metrics
	events  pipeline.EventSink
	clock   pipeline.Clock
	client  *http.Client
	cfg     config.FetchConfig
	logger  *zap.Logger
}

// New constructs the fetch handler. Cache and event sink may be nil.
func New(
	tenders pipeline.TenderStore,
	docs pipeline.DocumentStore,
	queue pipeline.Queue,
	cache CacheInvalidator,
	hasher pipeline.Hasher,
	m pipeline.Metrics,
	events pipeline.EventSink,
	clock pipeline.Clock,
	cfg config.FetchConfig,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		tenders: tenders,
		docs:    docs,
		queue:   queue,
		cache:   cache,
		hasher:  hasher,
		metrics: m,
		events:  events,
		clock:   clock,
		client:  &http.Client{Timeout: cfg.Timeout()},
		cfg:     cfg,
		logger:  logger,
	}
}

// Stage implements worker.Handler.
func (w *Worker) Stage() string { return pipeline.StageFetch }

// Queues implements worker.Handler.
func (w *Worker) Queues() []string { return []string{pipeline.QueueFetch} }

// DeadQueue implements worker.Handler.
func (w *Worker) DeadQueue() string { return pipeline.QueueDeadFetch }

// Handle processes one fetch message end to end.
func (w *Worker) Handle(ctx context.Context, _ string, body []byte) error {
	w.metrics.Incr(ctx, "worker.fetch_docs.consumed_total", 1)

	msg, err := pipeline.DecodeFetchMessage(body)
	if err != nil {
		return pipeline.Dead("decode_failed", err)
	}
	url := w.pickURL(msg)
	w.emit(ctx, 0, 0, "consumed", map[string]any{
		"queue": pipeline.QueueFetch, "id_pncp": msg.IDPNCP, "source": msg.Source,
	})

	tenderID, err := w.resolveTender(ctx, msg)
	if err != nil {
		return pipeline.DeadAfterRetries("db_unavailable", err)
	}
	if tenderID == 0 || url == "" {
		w.logger.Warn("message lacks a resolvable tender or url",
			zap.Int64("tender_id", msg.TenderID), zap.String("id_pncp", msg.IDPNCP), zap.String("url", url))
		return pipeline.Dead("missing_tender_or_url", nil)
	}

	if w.cfg.EnumeratePNCP && strings.Contains(url, "pncp.gov.br/app/contratacoes") {
		enumerated, err := w.enumeratePNCP(ctx, tenderID, msg.IDPNCP)
		if err != nil {
			return err
		}
		if enumerated {
			return nil
		}
	}

	res, err := w.download(ctx, url)
	if err != nil {
		return pipeline.DeadAfterRetries("fetch_failed", err)
	}

	sha, err := w.hasher.Hash(res.Body)
	if err != nil {
		return fmt.Errorf("hash body: %w", err)
	}
	if _, exists, err := w.docs.FindBySHA(ctx, tenderID, sha); err == nil && exists {
		w.metrics.Incr(ctx, "worker.fetch_docs.duplicate_total", 1)
		w.emit(ctx, tenderID, 0, "duplicate_skip", map[string]any{"sha256": sha, "url": url})
		w.logger.Info("duplicate document skipped",
			zap.Int64("tender_id", tenderID), zap.String("sha256", sha))
		return nil
	}

	source := msg.Source
	if source == "" {
		source = pipeline.SourceUnknown
	}
	docID, err := w.docs.Insert(ctx, pipeline.Document{
		TenderID:    tenderID,
		URL:         url,
		Source:      source,
		HTTPStatus:  res.Status,
		ContentType: res.ContentType,
		SHA256:      sha,
		SizeBytes:   int64(len(res.Body)),
		Truncated:   res.Truncated,
		Headers:     res.Headers,
		Body:        res.Body,
		FetchedAt:   w.clock.Now(),
	})
	if err != nil {
		return pipeline.DeadAfterRetries("db_unavailable", fmt.Errorf("insert document: %w", err))
	}

	w.metrics.Incr(ctx, "worker.fetch_docs.ok_total", 1)
	w.emit(ctx, tenderID, docID, "ok", map[string]any{
		"http_status": res.Status, "size_bytes": len(res.Body), "truncated": res.Truncated,
	})
	w.logger.Info("document fetched",
		zap.Int64("tender_id", tenderID),
		zap.Int64("document_id", docID),
		zap.Int("http_status", res.Status),
		zap.Int("size_bytes", len(res.Body)),
		zap.Bool("truncated", res.Truncated))

	if w.cache != nil {
		w.cache.Invalidate(ctx, fmt.Sprintf("/v1/documents/list?tender_id=%d", tenderID))
	}

	parse := pipeline.ParseMessage{
		DocumentID: docID,
		TenderID:   tenderID,
		IDPNCP:     msg.IDPNCP,
		URL:        url,
		SHA256:     sha,
		QueuedAt:   w.clock.Now().Format(time.RFC3339),
	}
	if err := w.queue.Push(ctx, pipeline.QueueParse, parse); err != nil {
		return fmt.Errorf("enqueue parse: %w", err)
	}
	return nil
}

// resolveTender walks the identifier ladder: numeric id, external id,
// (source, source_id), then a lazy upsert from the embedded payload.
// Only infrastructure errors propagate; an unresolvable message
// returns id 0.
func (w *Worker) resolveTender(ctx context.Context, msg pipeline.FetchMessage) (int64, error) {
	if msg.TenderID != 0 {
		row, err := w.tenders.Get(ctx, msg.TenderID)
		if err == nil {
			return row.ID, nil
		}
		if !errors.Is(err, pipeline.ErrNotFound) {
			return 0, fmt.Errorf("tender by id: %w", err)
		}
	}

	idPNCP := strings.TrimSpace(msg.IDPNCP)
	if idPNCP != "" {
		row, err := w.tenders.GetByIDPNCP(ctx, idPNCP)
		if err == nil {
			return row.ID, nil
		}
		if !errors.Is(err, pipeline.ErrNotFound) {
			return 0, fmt.Errorf("tender by id_pncp: %w", err)
		}
	}

	if msg.Source != "" && msg.SourceID != "" {
		row, err := w.tenders.GetBySource(ctx, msg.Source, msg.SourceID)
		if err == nil {
			return row.ID, nil
		}
		if !errors.Is(err, pipeline.ErrNotFound) {
			return 0, fmt.Errorf("tender by source: %w", err)
		}
	}

	if idPNCP == "" {
		return 0, nil
	}

	input := pipeline.TenderInput{IDPNCP: idPNCP, Source: msg.Source, SourceID: msg.SourceID}
	if msg.Tender != nil {
		input = *msg.Tender
		input.IDPNCP = idPNCP
		if input.Source == "" {
			input.Source = msg.Source
		}
		if input.SourceID == "" {
			input.SourceID = msg.SourceID
		}
	}
	if len(input.URLs) == 0 {
		input.URLs = msg.URLs
	}
	rec, err := ingest.Prepare(input)
	if err != nil {
		w.logger.Warn("lazy tender upsert rejected payload", zap.String("id_pncp", idPNCP), zap.Error(err))
		return 0, nil
	}
	res, err := w.tenders.Upsert(ctx, rec, input.SourcePayload)
	if err != nil {
		return 0, fmt.Errorf("lazy tender upsert: %w", err)
	}
	w.logger.Info("tender lazily upserted",
		zap.Int64("tender_id", res.ID), zap.String("id_pncp", idPNCP), zap.Bool("created", res.Created))
	return res.ID, nil
}

// enumeratePNCP lists the attachments of a PNCP detail page and
// re-enqueues one fetch per file. Returns false when the control
// number does not parse or the listing is empty, in which case the
// caller fetches the page itself.
func (w *Worker) enumeratePNCP(ctx context.Context, tenderID int64, idPNCP string) (bool, error) {
	cnpj, ano, seq, ok := ParsePNCPID(idPNCP)
	if !ok {
		return false, nil
	}
	urls := w.listPNCPDocs(ctx, cnpj, ano, seq)
	if len(urls) == 0 {
		return false, nil
	}
	for _, docURL := range urls {
		msg := pipeline.FetchMessage{
			TenderID: tenderID,
			IDPNCP:   idPNCP,
			URL:      docURL,
			URLs:     map[string]string{"pncp_doc": docURL},
			QueuedAt: w.clock.Now().Format(time.RFC3339),
		}
		if err := w.queue.Push(ctx, pipeline.QueueFetch, msg); err != nil {
			return false, fmt.Errorf("enqueue enumerated doc: %w", err)
		}
	}
	w.metrics.Incr(ctx, "worker.fetch_docs.enumerated_total", int64(len(urls)))
	w.emit(ctx, tenderID, 0, "pncp_docs_enumerated", map[string]any{"total": len(urls)})
	w.logger.Info("pncp documents enumerated",
		zap.Int64("tender_id", tenderID), zap.Int("total", len(urls)))
	return true, nil
}

// listPNCPDocs calls the public attachment listing. Any failure means
// no enumeration; the caller falls back to the detail page.
func (w *Worker) listPNCPDocs(ctx context.Context, cnpj, ano, seq string) []string {
	endpoint := fmt.Sprintf("%s/v1/orgaos/%s/compras/%s/%s/arquivos",
		strings.TrimRight(w.cfg.PNCPBaseURL, "/"), cnpj, ano, seq)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("Accept", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Debug("pncp listing failed", zap.String("endpoint", endpoint), zap.Error(err))
		return nil
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, w.cfg.MaxBytes))
	if err != nil || resp.StatusCode != http.StatusOK {
		w.logger.Debug("pncp listing unusable",
			zap.String("endpoint", endpoint), zap.Int("status", resp.StatusCode), zap.Error(err))
		return nil
	}

	type entry struct {
		URL string `json:"url"`
	}
	var docs []entry
	if err := json.Unmarshal(raw, &docs); err != nil {
		var wrapped struct {
			Documentos  []entry `json:"documentos"`
			DocumentosU []entry `json:"Documentos"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil
		}
		docs = wrapped.Documentos
		if len(docs) == 0 {
			docs = wrapped.DocumentosU
		}
	}
	urls := make([]string, 0, len(docs))
	for _, d := range docs {
		if d.URL != "" {
			urls = append(urls, d.URL)
		}
	}
	return urls
}

// download streams the URL in fixed chunks, cutting the body at the
// configured cap and flagging the truncation.
func (w *Worker) download(ctx context.Context, url string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", w.cfg.UserAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := w.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	headers := make(map[string]string, len(resp.Header))
	for name := range resp.Header {
		headers[name] = resp.Header.Get(name)
	}

	body := make([]byte, 0, fetchChunk)
	truncated := false
	chunk := make([]byte, fetchChunk)
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			if int64(len(body)+n) > w.cfg.MaxBytes {
				remaining := w.cfg.MaxBytes - int64(len(body))
				if remaining > 0 {
					body = append(body, chunk[:remaining]...)
				}
				truncated = true
				break
			}
			body = append(body, chunk[:n]...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("read %s: %w", url, err)
		}
	}

	return Result{
		Status:      resp.StatusCode,
		Headers:     headers,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		Truncated:   truncated,
	}, nil
}

func (w *Worker) pickURL(msg pipeline.FetchMessage) string {
	if u := strings.TrimSpace(msg.URL); u != "" {
		return u
	}
	for _, key := range []string{"pncp", "url", "pncp_doc"} {
		if u := strings.TrimSpace(msg.URLs[key]); u != "" {
			return u
		}
	}
	return ""
}

func (w *Worker) emit(ctx context.Context, tenderID, documentID int64, status string, payload map[string]any) {
	if w.events == nil {
		return
	}
	ev := pipeline.Event{Stage: pipeline.StageFetch, Status: status, Payload: payload}
	if tenderID != 0 {
		ev.TenderID = &tenderID
	}
	if documentID != 0 {
		ev.DocumentID = &documentID
	}
	w.events.Emit(ctx, ev)
}
