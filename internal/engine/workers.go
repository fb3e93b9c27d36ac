// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/n-route/internal/channel"
	"github.com/nishisan-dev/n-route/internal/store"
)

// Agenda dos workers periódicos.
const (
	retrySchedule   = "@every 1m"
	cleanupSchedule = "@every 1h"
)

// retryBatchLimit limita quantas linhas ERROR um passe examina.
const retryBatchLimit = 100

// WorkersOptions são as dependências dos workers periódicos.
type WorkersOptions struct {
	Manager  *Manager
	Messages store.MessageStore
	Dedup    store.DedupStore
	Channels store.ChannelStore
	Logger   *slog.Logger

	// Archiver arquiva antes do prune; nil desabilita o arquivamento.
	Archiver *store.Archiver
	// PruneAfterDays 0 desabilita a retenção.
	PruneAfterDays int
}

// Workers agrupa o retry worker e o cleanup worker sob um cron. Cada job tem
// seu próprio guard de reentrância: um passe longo faz o próximo tick ser
// pulado, nunca enfileirado.
type Workers struct {
	opts   WorkersOptions
	cron   *cron.Cron
	logger *slog.Logger

	retryMu        sync.Mutex
	retryRunning   bool
	cleanupMu      sync.Mutex
	cleanupRunning bool

	now func() time.Time
}

// NewWorkers monta o cron com os dois jobs registrados.
func NewWorkers(opts WorkersOptions) (*Workers, error) {
	w := &Workers{
		opts:   opts,
		logger: opts.Logger.With("component", "workers"),
		now:    time.Now,
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(
		slog.NewLogLogger(opts.Logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(retrySchedule, w.runRetry); err != nil {
		return nil, err
	}
	if _, err := c.AddFunc(cleanupSchedule, w.runCleanup); err != nil {
		return nil, err
	}
	w.cron = c
	return w, nil
}

// Start inicia o cron.
func (w *Workers) Start() {
	w.logger.Info("workers started", "retry", retrySchedule, "cleanup", cleanupSchedule)
	w.cron.Start()
}

// Stop para o cron e aguarda jobs em andamento até o contexto expirar.
func (w *Workers) Stop(ctx context.Context) {
	w.logger.Info("workers stopping")
	stopCtx := w.cron.Stop()

	select {
	case <-stopCtx.Done():
		w.logger.Info("workers stopped gracefully")
	case <-ctx.Done():
		w.logger.Warn("workers stop timed out")
	}
}

func (w *Workers) runRetry() {
	w.retryMu.Lock()
	if w.retryRunning {
		w.retryMu.Unlock()
		w.logger.Warn("retry pass already running, skipping tick")
		return
	}
	w.retryRunning = true
	w.retryMu.Unlock()

	defer func() {
		w.retryMu.Lock()
		w.retryRunning = false
		w.retryMu.Unlock()
	}()

	w.retryPass(context.Background())
}

// retryPass reenfileira mensagens ERROR cujo backoff exponencial venceu:
// due quando updated_at + 2^retry_count minutos <= agora. Mensagens no teto
// de tentativas do canal ficam em ERROR terminal.
func (w *Workers) retryPass(ctx context.Context) {
	if w.opts.Messages == nil {
		return
	}
	rows, err := w.opts.Messages.List(ctx, "", store.StatusError, retryBatchLimit)
	if err != nil {
		w.logger.Error("retry pass: listing error messages", "error", err)
		return
	}
	if len(rows) == 0 {
		return
	}

	now := w.now()
	retried := 0
	for _, row := range rows {
		channelID, err := uuid.Parse(row.ChannelID)
		if err != nil {
			continue
		}
		cfg := w.opts.Manager.runningConfig(channelID)
		if cfg == nil {
			continue
		}
		if row.RetryCount >= cfg.EffectiveMaxRetries() {
			continue
		}
		backoff := time.Duration(1<<uint(row.RetryCount)) * time.Minute
		if row.UpdatedAt.Add(backoff).After(now) {
			continue
		}

		if err := w.opts.Messages.IncrementRetry(ctx, row.ID); err != nil {
			w.logger.Error("retry pass: incrementing retry", "message_id", row.ID, "error", err)
			continue
		}
		if err := w.opts.Messages.UpdateStatus(ctx, row.ID, store.StatusProcessing, ""); err != nil {
			w.logger.Error("retry pass: updating status", "message_id", row.ID, "error", err)
			continue
		}

		msg := channel.Message{
			ID:        uuid.MustParse(row.ID),
			ChannelID: channelID,
			Content:   row.Content,
			Origin:    "retry_worker",
			Timestamp: w.now().UTC(),
		}
		if err := w.opts.Manager.enqueueTo(ctx, channelID, msg); err != nil {
			w.logger.Warn("retry pass: enqueue failed", "message_id", row.ID, "error", err)
			continue
		}
		retried++
	}
	if retried > 0 {
		w.logger.Info("retry pass requeued messages", "count", retried)
	}
}

func (w *Workers) runCleanup() {
	w.cleanupMu.Lock()
	if w.cleanupRunning {
		w.cleanupMu.Unlock()
		w.logger.Warn("cleanup pass already running, skipping tick")
		return
	}
	w.cleanupRunning = true
	w.cleanupMu.Unlock()

	defer func() {
		w.cleanupMu.Lock()
		w.cleanupRunning = false
		w.cleanupMu.Unlock()
	}()

	w.cleanupPass(context.Background())
}

// cleanupPass expira a janela de dedup e aplica a retenção de mensagens.
// Com arquivamento habilitado, uma falha de arquivo aborta o prune: nada é
// apagado sem ter sido arquivado.
func (w *Workers) cleanupPass(ctx context.Context) {
	if w.opts.Dedup != nil {
		n, err := w.opts.Dedup.CleanupExpired(ctx)
		if err != nil {
			w.logger.Error("cleanup pass: expiring dedup entries", "error", err)
		} else if n > 0 {
			w.logger.Info("cleanup pass expired dedup entries", "count", n)
		}
	}

	if w.opts.PruneAfterDays <= 0 || w.opts.Messages == nil {
		return
	}

	if w.opts.Archiver != nil {
		path, count, err := w.opts.Archiver.Archive(ctx, w.opts.PruneAfterDays)
		if err != nil {
			w.logger.Error("cleanup pass: archive failed, skipping prune", "error", err)
			return
		}
		if count > 0 {
			w.logger.Info("archived messages before prune", "count", count, "file", path)
		}
	}

	pruned, err := w.opts.Messages.Prune(ctx, w.opts.PruneAfterDays)
	if err != nil {
		w.logger.Error("cleanup pass: pruning messages", "error", err)
		return
	}
	if pruned > 0 {
		w.logger.Info("pruned old messages", "count", pruned, "older_than_days", w.opts.PruneAfterDays)
	}
}
