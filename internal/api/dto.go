// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// deployRequest é o corpo de POST /api/channels.
type deployRequest struct {
	Channel        json.RawMessage `json:"channel"`
	FrontendSchema json.RawMessage `json:"frontend_schema,omitempty"`
}

// deployResponse confirma um deploy bem-sucedido.
type deployResponse struct {
	Status  string `json:"status"`
	ID      string `json:"id"`
	Message string `json:"message"`
}

// storedChannelResponse é um item de GET /api/channels.
type storedChannelResponse struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Config         json.RawMessage `json:"config"`
	FrontendSchema json.RawMessage `json:"frontend_schema,omitempty"`
}

// testRequest é o corpo de POST /api/channels/{id}/test.
type testRequest struct {
	PayloadType string `json:"payload_type"`
	Payload     string `json:"payload"`
}

// testResponse é a resposta de um teste bem-sucedido.
type testResponse struct {
	Success  bool   `json:"success"`
	Response string `json:"response"`
}

// statusResponse é a resposta simples de operações de controle.
type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// healthResponse é a resposta de GET /api/health.
type healthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	ChannelsActive int    `json:"channels_active"`
	System         any    `json:"system"`
}

// errorResponse carrega erros sanitizados: a mensagem nunca expõe detalhes
// internos; o error_id correlaciona com a linha de log completa.
type errorResponse struct {
	Status  string `json:"status"`
	ErrorID string `json:"error_id,omitempty"`
	Message string `json:"message"`
}

// newErrorID gera o id curto de correlação usado nas respostas 500.
func newErrorID() string {
	return uuid.NewString()[:8]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errorID, message string) {
	writeJSON(w, status, errorResponse{Status: "error", ErrorID: errorID, Message: message})
}
