// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package source implementa os listeners de ingresso de um canal: HTTP(+TLS),
// TCP MLLP(+TLS), poller de banco, poller de arquivos e o source de teste.
// Todo source persiste o conteúdo bruto antes de enfileirar (quando há
// MessageStore) e adota o id retornado; é essa ordem que torna a recuperação
// pós-crash correta.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nishisan-dev/n-route/internal/channel"
	"github.com/nishisan-dev/n-route/internal/store"
)

// Source produz mensagens na fila do canal. Run bloqueia até o cancelamento
// do contexto; um erro de bind irrecuperável encerra o listener e o
// supervisor colapsa o canal.
type Source interface {
	Run(ctx context.Context) error
}

// Deps são as dependências compartilhadas entregues pelo manager a cada
// source no deploy do canal.
type Deps struct {
	ChannelID   uuid.UUID
	Queue       chan<- channel.Message
	Messages    store.MessageStore // nil opera sem persistência (sem recovery)
	Logger      *slog.Logger
	BindAddress string   // bind dos listeners de rede (LISTENER_BIND_ADDRESS)
	Development bool     // CORS permissivo no HTTP source
	CORSOrigins []string // allow-list de produção
}

// New constrói o source da variante configurada. Erros aqui são de
// configuração e falham o deploy do canal.
func New(cfg channel.SourceConfig, deps Deps) (Source, error) {
	switch cfg.Type {
	case channel.SourceHTTP:
		return newHTTPSource(cfg, deps)
	case channel.SourceTCP:
		return newTCPSource(cfg, deps)
	case channel.SourceDatabase:
		return newDatabaseSource(cfg, deps)
	case channel.SourceFile:
		return newFileSource(cfg, deps)
	case channel.SourceTest:
		return testSource{}, nil
	default:
		return nil, fmt.Errorf("source: unknown type %q", cfg.Type)
	}
}

// testSource não escuta nada; a injeção acontece por Manager.InjectMessage.
type testSource struct{}

func (testSource) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// persistAndBuild grava o conteúdo (status PENDING) e monta o envelope com o
// id persistido. Sem MessageStore, ou quando a gravação falha, o envelope sai
// com id novo e a mensagem não é recuperável após restart.
func persistAndBuild(ctx context.Context, deps Deps, content, origin string) (channel.Message, error) {
	msg := channel.NewMessage(deps.ChannelID, content, origin)
	if deps.Messages == nil {
		return msg, nil
	}
	id, err := deps.Messages.Save(ctx, deps.ChannelID.String(), content)
	if err != nil {
		return msg, err
	}
	if parsed, perr := uuid.Parse(id); perr == nil {
		msg.ID = parsed
	}
	return msg, nil
}

// enqueue respeita a backpressure da fila (cap 100) e o cancelamento.
func enqueue(ctx context.Context, queue chan<- channel.Message, msg channel.Message) error {
	select {
	case queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func decodeConfig(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
