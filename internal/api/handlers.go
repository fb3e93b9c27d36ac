// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nishisan-dev/n-route/internal/channel"
	"github.com/nishisan-dev/n-route/internal/engine"
)

// maxTestPayload limita o corpo de POST /api/channels/{id}/test.
const maxTestPayload = 1 << 20

// allowedPayloadTypes é o whitelist (case-insensitive) do endpoint de teste.
var allowedPayloadTypes = map[string]struct{}{
	"hl7": {}, "fhir": {}, "json": {}, "xml": {}, "text": {}, "raw": {},
}

func (s *Server) handleDeployChannel(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTestPayload)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "", "invalid request body")
		return
	}
	if len(req.Channel) == 0 {
		writeError(w, http.StatusBadRequest, "", "channel is required")
		return
	}

	ch, err := channel.Parse(req.Channel)
	if err != nil {
		s.logger.Warn("channel validation failed", "error", err)
		writeError(w, http.StatusBadRequest, "", err.Error())
		return
	}

	if err := s.opts.Manager.StartChannel(r.Context(), ch, req.FrontendSchema); err != nil {
		errorID := newErrorID()
		s.logger.Error("channel deploy failed", "error_id", errorID, "channel", ch.Name, "error", err)
		writeError(w, http.StatusInternalServerError, errorID, "failed to deploy channel")
		return
	}

	writeJSON(w, http.StatusOK, deployResponse{
		Status:  "deployed",
		ID:      ch.ID.String(),
		Message: "Channel deployed successfully",
	})
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	stored, err := s.opts.Channels.List(r.Context())
	if err != nil {
		errorID := newErrorID()
		s.logger.Error("listing channels failed", "error_id", errorID, "error", err)
		writeError(w, http.StatusInternalServerError, errorID, "failed to list channels")
		return
	}

	out := make([]storedChannelResponse, 0, len(stored))
	for _, sc := range stored {
		out = append(out, storedChannelResponse{
			ID:             sc.ID,
			Name:           sc.Name,
			Config:         sc.Config,
			FrontendSchema: sc.FrontendSchema,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleChannelStatuses(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.opts.Manager.ChannelStatuses(r.Context())
	if err != nil {
		errorID := newErrorID()
		s.logger.Error("listing channel statuses failed", "error_id", errorID, "error", err)
		writeError(w, http.StatusInternalServerError, errorID, "failed to list channel statuses")
		return
	}
	if statuses == nil {
		statuses = []engine.ChannelStatus{}
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleStartChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.channelID(w, r)
	if !ok {
		return
	}

	stored, err := s.opts.Channels.List(r.Context())
	if err != nil {
		errorID := newErrorID()
		s.logger.Error("loading channel failed", "error_id", errorID, "error", err)
		writeError(w, http.StatusInternalServerError, errorID, "failed to load channel")
		return
	}
	for _, sc := range stored {
		if sc.ID != id.String() {
			continue
		}
		ch, err := channel.Parse(sc.Config)
		if err != nil {
			errorID := newErrorID()
			s.logger.Error("stored channel invalid", "error_id", errorID, "channel_id", sc.ID, "error", err)
			writeError(w, http.StatusInternalServerError, errorID, "stored channel configuration is invalid")
			return
		}
		if err := s.opts.Manager.StartChannel(r.Context(), ch, sc.FrontendSchema); err != nil {
			errorID := newErrorID()
			s.logger.Error("channel start failed", "error_id", errorID, "channel_id", sc.ID, "error", err)
			writeError(w, http.StatusInternalServerError, errorID, "failed to start channel")
			return
		}
		writeJSON(w, http.StatusOK, statusResponse{Status: "success", Message: "Channel started"})
		return
	}
	writeError(w, http.StatusNotFound, "", "channel not found")
}

func (s *Server) handleStopChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.channelID(w, r)
	if !ok {
		return
	}
	if err := s.opts.Manager.StopChannel(id); err != nil {
		if errors.Is(err, engine.ErrChannelNotRunning) {
			writeError(w, http.StatusNotFound, "", "channel not found or not running")
			return
		}
		errorID := newErrorID()
		s.logger.Error("channel stop failed", "error_id", errorID, "channel_id", id.String(), "error", err)
		writeError(w, http.StatusInternalServerError, errorID, "failed to stop channel")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "success", Message: "Channel stopped"})
}

func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.channelID(w, r)
	if !ok {
		return
	}
	if err := s.opts.Manager.DeleteChannel(r.Context(), id); err != nil {
		errorID := newErrorID()
		s.logger.Error("channel delete failed", "error_id", errorID, "channel_id", id.String(), "error", err)
		writeError(w, http.StatusInternalServerError, errorID, "failed to delete channel")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "success", Message: "Channel deleted"})
}

func (s *Server) handleTestChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.channelID(w, r)
	if !ok {
		return
	}

	var req testRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTestPayload+4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "", "invalid request body")
		return
	}

	if _, ok := allowedPayloadTypes[strings.ToLower(req.PayloadType)]; !ok {
		writeError(w, http.StatusBadRequest, "", "payload_type must be one of hl7, fhir, json, xml, text, raw")
		return
	}
	if req.Payload == "" {
		writeError(w, http.StatusBadRequest, "", "payload must not be empty")
		return
	}
	if len(req.Payload) > maxTestPayload {
		writeError(w, http.StatusBadRequest, "", "payload exceeds 1MB limit")
		return
	}

	text, err := s.opts.Manager.InjectMessage(r.Context(), id, req.Payload)
	if err != nil {
		if errors.Is(err, engine.ErrChannelNotRunning) {
			writeError(w, http.StatusNotFound, "", "channel not found or not running")
			return
		}
		errorID := newErrorID()
		s.logger.Error("test message failed", "error_id", errorID, "channel_id", id.String(), "error", err)
		writeError(w, http.StatusInternalServerError, errorID, "test message failed")
		return
	}
	writeJSON(w, http.StatusOK, testResponse{Success: true, Response: text})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	channelID := r.URL.Query().Get("channel_id")
	status := r.URL.Query().Get("status")

	rows, err := s.opts.Messages.List(r.Context(), channelID, status, limit)
	if err != nil {
		errorID := newErrorID()
		s.logger.Error("listing messages failed", "error_id", errorID, "error", err)
		writeError(w, http.StatusInternalServerError, errorID, "failed to list messages")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleRetryMessage(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "id")
	if _, err := uuid.Parse(messageID); err != nil {
		writeError(w, http.StatusBadRequest, "", "invalid message id")
		return
	}

	if err := s.opts.Manager.RetryMessage(r.Context(), messageID); err != nil {
		switch {
		case errors.Is(err, engine.ErrMessageNotFound):
			writeError(w, http.StatusNotFound, "", "message not found")
		case errors.Is(err, engine.ErrChannelNotRunning):
			writeError(w, http.StatusConflict, "", "channel not found or not running")
		default:
			errorID := newErrorID()
			s.logger.Error("message retry failed", "error_id", errorID, "message_id", messageID, "error", err)
			writeError(w, http.StatusInternalServerError, errorID, "failed to retry message")
		}
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "success", Message: "Message queued for retry"})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Manager.Logs())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var system any
	if s.opts.Monitor != nil {
		system = s.opts.Monitor.Stats()
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		Version:        s.opts.Version,
		UptimeSeconds:  int64(time.Since(s.startedAt).Seconds()),
		ChannelsActive: len(s.opts.Manager.ActiveChannelIDs()),
		System:         system,
	})
}

// channelID extrai e valida o path param {id}.
func (s *Server) channelID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "", "invalid channel id")
		return uuid.Nil, false
	}
	return id, true
}
