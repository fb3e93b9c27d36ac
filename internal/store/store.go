// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package store define os contratos de persistência do engine (mensagens,
// deduplicação e canais) e a implementação SQLite de referência. O runtime
// opera degradado quando um store falha: loga e segue, nunca derruba o canal.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Status de uma mensagem persistida. PENDING → PROCESSING → (SENT | FILTERED
// | ERROR); ERROR volta a PROCESSING via retry; SENT e FILTERED são terminais.
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusSent       = "SENT"
	StatusFiltered   = "FILTERED"
	StatusError      = "ERROR"
)

// DedupTTL é a janela em que um hash de conteúdo repetido é tratado como
// duplicata.
const DedupTTL = 24 * time.Hour

// PersistedMessage é a linha de messages. Content captura o conteúdo de
// ingresso; o conteúdo final transformado não é persistido.
type PersistedMessage struct {
	ID           string     `db:"id" json:"id"`
	ChannelID    string     `db:"channel_id" json:"channel_id"`
	Content      string     `db:"content" json:"content"`
	Status       string     `db:"status" json:"status"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	RetryCount   int        `db:"retry_count" json:"retry_count"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// StoredChannel é a linha de channels; config e frontend_schema são JSON
// opacos para o store.
type StoredChannel struct {
	ID             string          `db:"id" json:"id"`
	Name           string          `db:"name" json:"name"`
	Config         json.RawMessage `db:"config" json:"config"`
	FrontendSchema json.RawMessage `db:"frontend_schema" json:"frontend_schema,omitempty"`
}

// MessageStore persiste mensagens e suas transições de status.
type MessageStore interface {
	// Save grava o conteúdo com status PENDING e retorna o id gerado.
	Save(ctx context.Context, channelID, content string) (string, error)
	// UpdateStatus grava o status e a mensagem de erro ("" limpa).
	UpdateStatus(ctx context.Context, id, status, errMsg string) error
	// IncrementRetry soma 1 ao retry_count.
	IncrementRetry(ctx context.Context, id string) error
	// GetPending retorna mensagens em PENDING ou PROCESSING, mais antigas primeiro.
	GetPending(ctx context.Context) ([]PersistedMessage, error)
	// Get retorna a mensagem ou nil quando não existe.
	Get(ctx context.Context, id string) (*PersistedMessage, error)
	// List retorna mensagens mais novas primeiro; channelID e status vazios
	// não filtram; limit <= 0 usa 100.
	List(ctx context.Context, channelID, status string, limit int) ([]PersistedMessage, error)
	// Prune remove mensagens mais antigas que o corte e retorna o total.
	Prune(ctx context.Context, olderThanDays int) (int64, error)
}

// DedupStore controla a janela de deduplicação por canal.
type DedupStore interface {
	IsDuplicate(ctx context.Context, channelID, content string) (bool, error)
	MarkProcessed(ctx context.Context, channelID, content string) error
	ClearChannel(ctx context.Context, channelID string) error
	CleanupExpired(ctx context.Context) (int64, error)
}

// ChannelStore persiste configurações de canal.
type ChannelStore interface {
	Save(ctx context.Context, id, name string, config, frontendSchema []byte) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]StoredChannel, error)
}
