// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Erros do ciclo de reply.
var (
	ErrReplyTimeout = errors.New("channel: reply timed out")
	ErrReplyDropped = errors.New("channel: reply handle dropped")
)

// Message é o envelope de uma mensagem em trânsito. O ID nunca muda depois da
// primeira persistência; processors reescrevem apenas Content.
type Message struct {
	ID        uuid.UUID
	ChannelID uuid.UUID
	Content   string
	Origin    string
	Timestamp time.Time
	Reply     *Reply
}

// NewMessage cria um envelope com id novo e timestamp atual.
func NewMessage(channelID uuid.UUID, content, origin string) Message {
	return Message{
		ID:        uuid.New(),
		ChannelID: channelID,
		Content:   content,
		Origin:    origin,
		Timestamp: time.Now().UTC(),
	}
}

// Outcome é o resultado terminal entregue ao chamador síncrono.
type Outcome struct {
	OK   bool
	Text string
}

// Reply é o token one-shot que liga o ingress síncrono ao pipeline.
// Resolve é idempotente: apenas a primeira resolução é entregue; o pipeline
// resolve exatamente uma vez em cada caminho terminal.
type Reply struct {
	once sync.Once
	ch   chan Outcome
}

// NewReply cria um reply handle pronto para Await.
func NewReply() *Reply {
	return &Reply{ch: make(chan Outcome, 1)}
}

// Resolve entrega o resultado ao chamador. Seguro sobre receiver nil, para que
// o pipeline não precise distinguir mensagens com e sem chamador síncrono.
func (r *Reply) Resolve(ok bool, text string) {
	if r == nil {
		return
	}
	r.once.Do(func() {
		r.ch <- Outcome{OK: ok, Text: text}
		close(r.ch)
	})
}

// Drop fecha o handle sem resultado; Await passa a devolver ErrReplyDropped.
// Usado quando o pipeline é abortado antes de alcançar um caminho terminal.
func (r *Reply) Drop() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		close(r.ch)
	})
}

// Await bloqueia até a resolução, o timeout ou o cancelamento do contexto.
func (r *Reply) Await(ctx context.Context, timeout time.Duration) (Outcome, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out, open := <-r.ch:
		if !open {
			return Outcome{}, ErrReplyDropped
		}
		return out, nil
	case <-timer.C:
		return Outcome{}, ErrReplyTimeout
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
