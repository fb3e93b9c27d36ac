// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package engine orquestra o runtime dos canais: o pipeline de processamento,
// o supervisor de goroutines por canal, o manager com o registro de canais
// ativos, os workers periódicos de retry e limpeza e o bootstrap.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nishisan-dev/n-route/internal/channel"
	"github.com/nishisan-dev/n-route/internal/destination"
	"github.com/nishisan-dev/n-route/internal/processor"
	"github.com/nishisan-dev/n-route/internal/store"
)

// Textos de resolução entregues aos chamadores síncronos.
const (
	replyProcessed = "Processed"
	replyFiltered  = "Message Filtered"
	replyDuplicate = "Message skipped: Duplicate detected. Change payload content to process again."
)

// pipeline consome a fila de um canal e conduz cada mensagem por dedup,
// cadeia de processors e destinations, persistindo as transições de status.
// Uma goroutine por canal; processors e destinations rodam em sequência.
type pipeline struct {
	channelID    uuid.UUID
	chain        []processor.Processor
	destinations []destination.Destination
	// errorDestination recebe o payload original quando a cadeia falha; nil
	// desabilita o desvio.
	errorDestination destination.Destination
	messages         store.MessageStore
	dedup            store.DedupStore
	metrics          *MetricsBus
	logger           *slog.Logger
}

// run consome a fila até o cancelamento do contexto.
func (p *pipeline) run(ctx context.Context, queue <-chan channel.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-queue:
			if !ok {
				return
			}
			p.handle(ctx, msg)
		}
	}
}

// handle conduz uma mensagem até um status terminal. Todo caminho de saída
// resolve o reply exatamente uma vez; falhas de store são logadas e o fluxo
// segue.
func (p *pipeline) handle(ctx context.Context, msg channel.Message) {
	start := time.Now()
	logger := p.logger.With("message_id", msg.ID.String())

	if p.dedup != nil {
		dup, err := p.dedup.IsDuplicate(ctx, msg.ChannelID.String(), msg.Content)
		if err != nil {
			logger.Error("dedup lookup failed", "error", err)
		}
		if dup {
			p.setStatus(ctx, msg.ID, store.StatusFiltered, "Duplicate message")
			msg.Reply.Resolve(true, replyDuplicate)
			logger.Info("duplicate message skipped", "origin", msg.Origin)
			return
		}
		if err := p.dedup.MarkProcessed(ctx, msg.ChannelID.String(), msg.Content); err != nil {
			logger.Error("dedup mark failed", "error", err)
		}
	}

	p.setStatus(ctx, msg.ID, store.StatusProcessing, "")

	// working é a cópia que a cadeia transforma; msg preserva o payload
	// original para o desvio de erro.
	working := msg
	for _, proc := range p.chain {
		result, err := proc.Process(ctx, &working)
		if err != nil {
			p.setStatus(ctx, msg.ID, store.StatusError, err.Error())
			msg.Reply.Resolve(false, err.Error())
			logger.Error("processor failed", "processor", proc.Name(), "error", err)
			p.dispatchError(ctx, msg)
			p.logElapsed(logger, msg, start, store.StatusError)
			return
		}
		if result == processor.Filtered {
			p.setStatus(ctx, msg.ID, store.StatusFiltered, "")
			msg.Reply.Resolve(false, replyFiltered)
			logger.Info("message filtered", "processor", proc.Name())
			p.logElapsed(logger, msg, start, store.StatusFiltered)
			return
		}
	}

	for _, dest := range p.destinations {
		if err := dest.Send(ctx, &working); err != nil {
			logger.Error("destination failed",
				"destination", dest.Name(),
				"channel_id", p.channelID.String(),
				"error", err)
		}
	}

	p.setStatus(ctx, msg.ID, store.StatusSent, "")
	msg.Reply.Resolve(true, replyProcessed)
	p.logElapsed(logger, msg, start, store.StatusSent)
}

// dispatchError entrega o payload original ao destination de erro, quando
// configurado. Falhas aqui são apenas logadas; não existe DLQ do DLQ.
func (p *pipeline) dispatchError(ctx context.Context, msg channel.Message) {
	if p.errorDestination == nil {
		return
	}
	if err := p.errorDestination.Send(ctx, &msg); err != nil {
		p.logger.Error("error destination failed",
			"destination", p.errorDestination.Name(),
			"message_id", msg.ID.String(),
			"error", err)
	}
}

// setStatus persiste a transição e publica a métrica correspondente.
func (p *pipeline) setStatus(ctx context.Context, id uuid.UUID, status, errMsg string) {
	if p.messages != nil {
		if err := p.messages.UpdateStatus(ctx, id.String(), status, errMsg); err != nil {
			p.logger.Error("failed to update message status",
				"message_id", id.String(), "status", status, "error", err)
		}
	}
	p.metrics.Publish(MetricUpdate{
		ChannelID: p.channelID.String(),
		MessageID: id.String(),
		Status:    status,
		Timestamp: time.Now().UTC(),
	})
}

func (p *pipeline) logElapsed(logger *slog.Logger, msg channel.Message, start time.Time, status string) {
	logger.Info("message completed",
		"status", status,
		"origin", msg.Origin,
		"duration", time.Since(start).String())
}
