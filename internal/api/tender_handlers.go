package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/opentenders/tender-radar/internal/ingest"
	"github.com/opentenders/tender-radar/internal/pipeline"
)

// ingestTender upserts the tender and enqueues it for triage. A full
// triage queue is surfaced as backpressure, not an error.
func (s *Server) ingestTender(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read_body_failed")
		return
	}
	var in pipeline.TenderInput
	if err := json.Unmarshal(body, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	rec, res, errCode := s.saveTender(r.Context(), in, body)
	if errCode != "" {
		writeError(w, statusFor(errCode), errCode)
		return
	}

	msg := pipeline.TriageMessage{
		TenderID:   res.ID,
		IDPNCP:     rec.IDPNCP,
		Tender:     &in,
		ForceFetch: in.ForceFetch,
		QueuedAt:   s.clock.Now().Format(time.RFC3339),
	}
	if err := s.queue.Push(r.Context(), pipeline.QueueTriage, msg); err != nil {
		if errors.Is(err, pipeline.ErrQueueFull) {
			s.count(r.Context(), "api.ingest.queue_full_total")
			writeError(w, http.StatusTooManyRequests, "queue_full")
			return
		}
		s.count(r.Context(), "api.ingest.error_total")
		s.logger.Error("triage enqueue failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "enqueue_failed")
		return
	}

	s.count(r.Context(), "api.ingest.queued_total")
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"queued":      pipeline.QueueTriage,
		"tender":      savedTender(rec, res),
		"force_fetch": bool(in.ForceFetch),
	})
}

// upsertTender persists a tender without queueing anything.
func (s *Server) upsertTender(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read_body_failed")
		return
	}
	var in pipeline.TenderInput
	if err := json.Unmarshal(body, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	rec, res, errCode := s.saveTender(r.Context(), in, body)
	if errCode != "" {
		writeError(w, statusFor(errCode), errCode)
		return
	}
	writeJSON(w, http.StatusOK, savedTender(rec, res))
}

// saveTender normalizes, validates and upserts one payload. A non-empty
// return code names the failure for the HTTP response.
func (s *Server) saveTender(ctx context.Context, in pipeline.TenderInput, raw []byte) (pipeline.TenderRecord, pipeline.UpsertResult, string) {
	rec, err := ingest.Prepare(in)
	if err != nil {
		return rec, pipeline.UpsertResult{}, "invalid_id_pncp"
	}
	if utf8.RuneCountInString(rec.IDPNCP) < 3 {
		return rec, pipeline.UpsertResult{}, "invalid_id_pncp"
	}
	res, err := s.tenders.Upsert(ctx, rec, sourcePayload(in, raw))
	if err != nil {
		s.logger.Error("tender upsert failed", zap.String("id_pncp", rec.IDPNCP), zap.Error(err))
		return rec, res, "upsert_failed"
	}
	return rec, res, ""
}

func statusFor(code string) int {
	if code == "upsert_failed" {
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

// sourcePayload picks the raw per-source payload to archive. Absent an
// explicit one, the whole request body stands in.
func sourcePayload(in pipeline.TenderInput, raw []byte) map[string]any {
	if len(in.SourcePayload) > 0 {
		return in.SourcePayload
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// savedTender flattens what the upsert persisted for the response.
func savedTender(rec pipeline.TenderRecord, res pipeline.UpsertResult) map[string]any {
	out := map[string]any{
		"id":             res.ID,
		"id_pncp":        rec.IDPNCP,
		"source":         rec.Source,
		"source_id":      rec.SourceID,
		"hash_metadados": rec.HashMetadados,
		"created":        res.Created,
		"changed":        res.Changed,
	}
	if res.CanonicalID != nil {
		out["canonical_tender_id"] = *res.CanonicalID
	}
	return out
}

func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	tenderID, err := strconv.ParseInt(r.URL.Query().Get("tender_id"), 10, 64)
	if err != nil || tenderID < 1 {
		writeError(w, http.StatusBadRequest, "invalid_tender_id")
		return
	}
	limit := queryLimit(r, 20, 1, 100)

	docs, err := s.documents.ListByTender(r.Context(), tenderID, limit)
	if err != nil {
		s.logger.Error("document list failed", zap.Int64("tender_id", tenderID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list_failed")
		return
	}
	if docs == nil {
		docs = []pipeline.Document{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tender_id": tenderID, "items": docs})
}

// listEvents answers with a bare array, newest first.
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	f := pipeline.EventFilter{Limit: queryLimit(r, 50, 1, 500)}

	tenderID, err := queryID(r, "tender_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.TenderID = tenderID
	documentID, err := queryID(r, "document_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.DocumentID = documentID
	f.Stage = strings.TrimSpace(r.URL.Query().Get("stage"))

	items, err := s.events.List(r.Context(), f)
	if err != nil {
		s.logger.Error("event list failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list_failed")
		return
	}
	if items == nil {
		items = []pipeline.Event{}
	}
	writeJSON(w, http.StatusOK, items)
}

type segmentSearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func (s *Server) searchSegments(w http.ResponseWriter, r *http.Request) {
	var req segmentSearchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	query := strings.TrimSpace(req.Query)
	if utf8.RuneCountInString(query) < 2 {
		writeError(w, http.StatusBadRequest, "invalid_query")
		return
	}
	limit := clampLimit(req.Limit, 1, 50, 5)

	hits, err := s.segments.Search(r.Context(), query, limit)
	if err != nil {
		s.logger.Error("segment search failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "search_failed")
		return
	}
	if hits == nil {
		hits = []pipeline.SearchHit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": hits})
}
