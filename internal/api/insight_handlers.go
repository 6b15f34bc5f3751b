package api

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

type insightRequest struct {
	TenderID int64 `json:"tender_id"`
	Limit    int   `json:"limit"`
}

type insightQARequest struct {
	TenderID int64  `json:"tender_id"`
	Question string `json:"question"`
	Limit    int    `json:"limit"`
}

func (s *Server) insightSummary(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeInsight(w, r)
	if !ok {
		return
	}
	res, err := s.insights.Summary(r.Context(), req.TenderID, req.Limit)
	if err != nil {
		s.logger.Error("summary failed", zap.Int64("tender_id", req.TenderID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "summary_failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) insightExtract(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeInsight(w, r)
	if !ok {
		return
	}
	res, err := s.insights.Extract(r.Context(), req.TenderID, req.Limit)
	if err != nil {
		s.logger.Error("extract failed", zap.Int64("tender_id", req.TenderID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "extract_failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) insightChecklist(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeInsight(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.insights.Checklist(req.TenderID))
}

func (s *Server) insightQA(w http.ResponseWriter, r *http.Request) {
	if s.insights == nil {
		writeError(w, http.StatusServiceUnavailable, "insights_unavailable")
		return
	}
	var req insightQARequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.TenderID < 1 {
		writeError(w, http.StatusBadRequest, "invalid_tender_id")
		return
	}
	question := strings.TrimSpace(req.Question)
	if utf8.RuneCountInString(question) < 3 {
		writeError(w, http.StatusBadRequest, "invalid_question")
		return
	}

	res, err := s.insights.QA(r.Context(), req.TenderID, question, req.Limit)
	if err != nil {
		s.logger.Error("qa failed", zap.Int64("tender_id", req.TenderID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "qa_failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) decodeInsight(w http.ResponseWriter, r *http.Request) (insightRequest, bool) {
	var req insightRequest
	if s.insights == nil {
		writeError(w, http.StatusServiceUnavailable, "insights_unavailable")
		return req, false
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return req, false
	}
	if req.TenderID < 1 {
		writeError(w, http.StatusBadRequest, "invalid_tender_id")
		return req, false
	}
	return req, true
}
