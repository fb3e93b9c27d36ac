// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultRingCapacity é o tamanho do ring exposto pela API.
const DefaultRingCapacity = 100

// suppressWindow é a janela em que mensagens idênticas do mesmo canal são
// descartadas do ring. Não afeta o sink principal (stdout/arquivo).
const suppressWindow = time.Second

// Entry é um registro do ring, no formato servido por GET /api/logs.
type Entry struct {
	Timestamp time.Time  `json:"timestamp"`
	Level     string     `json:"level"`
	Message   string     `json:"message"`
	ChannelID *uuid.UUID `json:"channel_id,omitempty"`
}

type lastEmit struct {
	message string
	at      time.Time
}

// Ring guarda os últimos registros de log em memória, descartando os mais
// antigos quando cheio. Seguro para uso concorrente.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	cap     int
	window  time.Duration
	last    map[string]lastEmit
	now     func() time.Time
}

// NewRing cria um ring com a capacidade dada (0 usa o default).
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Ring{
		entries: make([]Entry, 0, capacity),
		cap:     capacity,
		window:  suppressWindow,
		last:    make(map[string]lastEmit),
		now:     time.Now,
	}
}

// Push adiciona um registro, aplicando a supressão de duplicatas por canal.
func (r *Ring) Push(level, message string, channelID *uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	key := "global"
	if channelID != nil {
		key = channelID.String()
	}
	if prev, ok := r.last[key]; ok && prev.message == message && now.Sub(prev.at) < r.window {
		return
	}
	r.last[key] = lastEmit{message: message, at: now}

	if len(r.entries) >= r.cap {
		copy(r.entries, r.entries[1:])
		r.entries = r.entries[:len(r.entries)-1]
	}
	r.entries = append(r.entries, Entry{
		Timestamp: now,
		Level:     level,
		Message:   message,
		ChannelID: channelID,
	})
}

// Snapshot retorna uma cópia dos registros, do mais recente para o mais antigo.
func (r *Ring) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, len(r.entries))
	for i, e := range r.entries {
		out[len(r.entries)-1-i] = e
	}
	return out
}

// Len retorna o número de registros retidos.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// ringHandler encaminha registros ao handler interno e espelha INFO+ no ring.
type ringHandler struct {
	inner     slog.Handler
	ring      *Ring
	channelID *uuid.UUID
}

func newRingHandler(inner slog.Handler, ring *Ring) slog.Handler {
	return &ringHandler{inner: inner, ring: ring}
}

func (h *ringHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *ringHandler) Handle(ctx context.Context, rec slog.Record) error {
	if rec.Level >= slog.LevelInfo {
		cid := h.channelID
		rec.Attrs(func(a slog.Attr) bool {
			if a.Key == "channel_id" {
				if parsed, err := uuid.Parse(a.Value.String()); err == nil {
					cid = &parsed
				}
				return false
			}
			return true
		})
		h.ring.Push(levelLabel(rec.Level), rec.Message, cid)
	}
	return h.inner.Handle(ctx, rec)
}

func (h *ringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := &ringHandler{inner: h.inner.WithAttrs(attrs), ring: h.ring, channelID: h.channelID}
	for _, a := range attrs {
		if a.Key == "channel_id" {
			if parsed, err := uuid.Parse(a.Value.String()); err == nil {
				nh.channelID = &parsed
			}
		}
	}
	return nh
}

func (h *ringHandler) WithGroup(name string) slog.Handler {
	return &ringHandler{inner: h.inner.WithGroup(name), ring: h.ring, channelID: h.channelID}
}

func levelLabel(l slog.Level) string {
	switch {
	case l >= LevelCritical:
		return "CRITICAL"
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARN"
	default:
		return "INFO"
	}
}
