package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/opentenders/tender-radar/internal/pipeline"
)

type subscriptionCreateRequest struct {
	TelegramUserID int64              `json:"telegram_user_id"`
	Name           string             `json:"name"`
	Filters        pipeline.Filters   `json:"filters"`
	Delivery       *pipeline.Delivery `json:"delivery"`
	Frequency      string             `json:"frequency"`
}

type subscriptionUpdateRequest struct {
	ID        int64              `json:"id"`
	Name      *string            `json:"name"`
	Filters   *pipeline.Filters  `json:"filters"`
	Delivery  *pipeline.Delivery `json:"delivery"`
	Frequency *string            `json:"frequency"`
	Active    *bool              `json:"active"`
}

type subscriptionToggleRequest struct {
	TelegramUserID int64 `json:"telegram_user_id"`
	Active         *bool `json:"active"`
}

type subscriptionFrequencyRequest struct {
	TelegramUserID int64  `json:"telegram_user_id"`
	Frequency      string `json:"frequency"`
}

func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	telegramUserID, err := strconv.ParseInt(r.URL.Query().Get("telegram_user_id"), 10, 64)
	if err != nil || telegramUserID < 1 {
		writeError(w, http.StatusBadRequest, "invalid_telegram_user_id")
		return
	}

	subs, err := s.subscriptions.ListByTelegramUser(r.Context(), telegramUserID)
	if err != nil {
		s.logger.Error("subscription list failed", zap.Int64("telegram_user_id", telegramUserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list_failed")
		return
	}
	if subs == nil {
		subs = []pipeline.Subscription{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": subs})
}

func (s *Server) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionCreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.TelegramUserID < 1 {
		writeError(w, http.StatusBadRequest, "invalid_telegram_user_id")
		return
	}

	sub := pipeline.Subscription{
		Name:      req.Name,
		Filters:   req.Filters,
		Delivery:  pipeline.Delivery{PV: true, Channel: true},
		Frequency: req.Frequency,
		Active:    true,
	}
	if req.Delivery != nil {
		sub.Delivery = *req.Delivery
	}
	if sub.Frequency == "" {
		sub.Frequency = "realtime"
	}

	id, err := s.subscriptions.Create(r.Context(), req.TelegramUserID, sub)
	if errors.Is(err, pipeline.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user_not_found")
		return
	}
	if err != nil {
		s.logger.Error("subscription create failed", zap.Int64("telegram_user_id", req.TelegramUserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "create_failed")
		return
	}
	sub.ID = id
	sub.CreatedAt = s.clock.Now().UTC()

	s.invalidateSubscriptionLists(r.Context(), req.TelegramUserID)
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) updateSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.ID < 1 {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return
	}

	patch := pipeline.SubscriptionPatch{
		Name:      req.Name,
		Filters:   req.Filters,
		Delivery:  req.Delivery,
		Frequency: req.Frequency,
		Active:    req.Active,
	}
	err := s.subscriptions.Update(r.Context(), req.ID, patch)
	if errors.Is(err, pipeline.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if err != nil {
		s.logger.Error("subscription update failed", zap.Int64("id", req.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "update_failed")
		return
	}

	// The patch body carries no user id, so every cached list goes.
	s.invalidateSubscriptionLists(r.Context(), 0)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": req.ID})
}

// toggleSubscriptions flips all of a user's subscriptions. Without an
// explicit flag the request reactivates them.
func (s *Server) toggleSubscriptions(w http.ResponseWriter, r *http.Request) {
	var req subscriptionToggleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.TelegramUserID < 1 {
		writeError(w, http.StatusBadRequest, "invalid_telegram_user_id")
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	n, err := s.subscriptions.SetActiveAll(r.Context(), req.TelegramUserID, active)
	if errors.Is(err, pipeline.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user_not_found")
		return
	}
	if err != nil {
		s.logger.Error("subscription toggle failed", zap.Int64("telegram_user_id", req.TelegramUserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "update_failed")
		return
	}

	s.invalidateSubscriptionLists(r.Context(), req.TelegramUserID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "active": active, "updated": n})
}

func (s *Server) setSubscriptionFrequency(w http.ResponseWriter, r *http.Request) {
	var req subscriptionFrequencyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.TelegramUserID < 1 {
		writeError(w, http.StatusBadRequest, "invalid_telegram_user_id")
		return
	}
	if req.Frequency != "realtime" && req.Frequency != "daily" {
		writeError(w, http.StatusBadRequest, "invalid_frequency")
		return
	}

	n, err := s.subscriptions.SetFrequency(r.Context(), req.TelegramUserID, req.Frequency)
	if errors.Is(err, pipeline.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user_not_found")
		return
	}
	if err != nil {
		s.logger.Error("subscription frequency change failed", zap.Int64("telegram_user_id", req.TelegramUserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "update_failed")
		return
	}

	s.invalidateSubscriptionLists(r.Context(), req.TelegramUserID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "frequency": req.Frequency, "updated": n})
}

// invalidateSubscriptionLists drops cached list responses after a
// write. Zero means every user's list.
func (s *Server) invalidateSubscriptionLists(ctx context.Context, telegramUserID int64) {
	if s.cache == nil {
		return
	}
	prefix := "/v1/subscriptions/list?"
	if telegramUserID > 0 {
		prefix += "telegram_user_id=" + strconv.FormatInt(telegramUserID, 10)
	}
	s.cache.Invalidate(ctx, prefix)
}
