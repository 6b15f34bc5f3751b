package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/opentenders/tender-radar/internal/pipeline"
)

type userUpsertRequest struct {
	TelegramUserID int64  `json:"telegram_user_id"`
	Username       string `json:"username"`
	FirstName      string `json:"first_name"`
}

type followRequest struct {
	TelegramUserID int64 `json:"telegram_user_id"`
	TenderID       int64 `json:"tender_id"`
}

func (s *Server) upsertUser(w http.ResponseWriter, r *http.Request) {
	var req userUpsertRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.TelegramUserID < 1 {
		writeError(w, http.StatusBadRequest, "invalid_telegram_user_id")
		return
	}

	id, err := s.users.Upsert(r.Context(), pipeline.User{
		TelegramUserID: req.TelegramUserID,
		Username:       req.Username,
		FirstName:      req.FirstName,
	})
	if err != nil {
		s.logger.Error("user upsert failed", zap.Int64("telegram_user_id", req.TelegramUserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "upsert_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":               id,
		"telegram_user_id": req.TelegramUserID,
		"username":         req.Username,
		"first_name":       req.FirstName,
	})
}

func (s *Server) followTender(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeFollow(w, r)
	if !ok {
		return
	}
	err := s.users.Follow(r.Context(), req.TelegramUserID, req.TenderID)
	if errors.Is(err, pipeline.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user_not_found")
		return
	}
	if err != nil {
		s.logger.Error("follow failed", zap.Int64("tender_id", req.TenderID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "follow_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) unfollowTender(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeFollow(w, r)
	if !ok {
		return
	}
	if err := s.users.Unfollow(r.Context(), req.TelegramUserID, req.TenderID); err != nil {
		s.logger.Error("unfollow failed", zap.Int64("tender_id", req.TenderID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "unfollow_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) decodeFollow(w http.ResponseWriter, r *http.Request) (followRequest, bool) {
	var req followRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return req, false
	}
	if req.TelegramUserID < 1 {
		writeError(w, http.StatusBadRequest, "invalid_telegram_user_id")
		return req, false
	}
	if req.TenderID < 1 {
		writeError(w, http.StatusBadRequest, "invalid_tender_id")
		return req, false
	}
	return req, true
}
