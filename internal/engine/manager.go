// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nishisan-dev/n-route/internal/channel"
	"github.com/nishisan-dev/n-route/internal/destination"
	"github.com/nishisan-dev/n-route/internal/logging"
	"github.com/nishisan-dev/n-route/internal/processor"
	"github.com/nishisan-dev/n-route/internal/script"
	"github.com/nishisan-dev/n-route/internal/source"
	"github.com/nishisan-dev/n-route/internal/store"
)

// Limites do manager.
const (
	queueCapacity   = 100
	injectTimeout   = 30 * time.Second
	joinTimeout     = 3 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Erros do manager.
var (
	ErrChannelNotRunning = errors.New("engine: channel not found or not running")
	ErrMessageNotFound   = errors.New("engine: message not found")
)

// runningChannel é o handle que o manager guarda de um canal implantado.
// A fila e o supervisor pertencem ao runtime; o manager só faz lookup.
type runningChannel struct {
	cfg   *channel.Channel
	queue chan channel.Message
	sup   *supervisor
}

// ManagerOptions são as dependências do manager, montadas no main.
type ManagerOptions struct {
	Messages store.MessageStore
	Dedup    store.DedupStore
	Channels store.ChannelStore
	Metrics  *MetricsBus
	Ring     *logging.Ring
	Logger   *slog.Logger

	// BindAddress é o bind dos listeners de canal (LISTENER_BIND_ADDRESS).
	BindAddress string
	Development bool
	CORSOrigins []string
}

// Manager implanta, para e consulta canais, e é o ponto de injeção e
// recuperação de mensagens. Seguro para uso concorrente; o mutex cobre
// apenas o registro, nunca operações bloqueantes.
type Manager struct {
	opts   ManagerOptions
	logger *slog.Logger

	mu      sync.Mutex
	running map[uuid.UUID]*runningChannel

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// NewManager cria um manager vazio pronto para implantar canais.
func NewManager(opts ManagerOptions) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:       opts,
		logger:     opts.Logger.With("component", "channel_manager"),
		running:    make(map[uuid.UUID]*runningChannel),
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

// StartChannel valida, persiste e implanta um canal. Um runtime anterior com
// o mesmo id é abortado antes; a janela de dedup do canal é limpa a cada
// (re)deploy. Erros de configuração ou de construção falham o deploy.
func (m *Manager) StartChannel(ctx context.Context, ch *channel.Channel, frontendSchema []byte) error {
	if err := ch.Validate(); err != nil {
		return err
	}

	if m.opts.Channels != nil {
		raw, err := json.Marshal(ch)
		if err != nil {
			return fmt.Errorf("engine: encoding channel config: %w", err)
		}
		if err := m.opts.Channels.Save(ctx, ch.ID.String(), ch.Name, raw, frontendSchema); err != nil {
			m.logger.Error("failed to persist channel config", "channel_id", ch.ID.String(), "error", err)
		}
	}

	m.abortExisting(ch.ID)

	if m.opts.Dedup != nil {
		if err := m.opts.Dedup.ClearChannel(ctx, ch.ID.String()); err != nil {
			m.logger.Error("failed to clear dedup window", "channel_id", ch.ID.String(), "error", err)
		}
	}

	logger := m.opts.Logger.With("channel_id", ch.ID.String(), "channel", ch.Name)
	env := &script.Env{Logger: logger}

	chain, err := processor.Chain(ch.Processors, env)
	if err != nil {
		return fmt.Errorf("engine: building processors for %q: %w", ch.Name, err)
	}
	dests, err := destination.Build(ch.Destinations, env, logger)
	if err != nil {
		return fmt.Errorf("engine: building destinations for %q: %w", ch.Name, err)
	}
	var errDest destination.Destination
	if ch.ErrorDestination != nil {
		errDest, err = destination.New(*ch.ErrorDestination, env, logger)
		if err != nil {
			return fmt.Errorf("engine: building error destination for %q: %w", ch.Name, err)
		}
	}

	queue := make(chan channel.Message, queueCapacity)
	src, err := source.New(ch.Source, source.Deps{
		ChannelID:   ch.ID,
		Queue:       queue,
		Messages:    m.opts.Messages,
		Logger:      logger,
		BindAddress: m.opts.BindAddress,
		Development: m.opts.Development,
		CORSOrigins: m.opts.CORSOrigins,
	})
	if err != nil {
		return fmt.Errorf("engine: building source for %q: %w", ch.Name, err)
	}

	pipe := &pipeline{
		channelID:        ch.ID,
		chain:            chain,
		destinations:     dests,
		errorDestination: errDest,
		messages:         m.opts.Messages,
		dedup:            m.opts.Dedup,
		metrics:          m.opts.Metrics,
		logger:           logger,
	}

	sup := newSupervisor(src, pipe, queue, logger)
	sup.start(m.rootCtx)

	m.mu.Lock()
	m.running[ch.ID] = &runningChannel{cfg: ch, queue: queue, sup: sup}
	m.mu.Unlock()

	m.logger.Info("channel deployed", "channel_id", ch.ID.String(), "channel", ch.Name,
		"source", ch.Source.Type, "processors", len(ch.Processors), "destinations", len(ch.Destinations))
	return nil
}

// abortExisting remove e derruba um runtime anterior do canal, esperando o
// join fora do lock.
func (m *Manager) abortExisting(id uuid.UUID) {
	m.mu.Lock()
	prev := m.running[id]
	delete(m.running, id)
	m.mu.Unlock()

	if prev == nil {
		return
	}
	prev.sup.abort()
	select {
	case <-prev.sup.Done():
	case <-time.After(joinTimeout):
		m.logger.Warn("previous channel runtime did not stop in time", "channel_id", id.String())
	}
}

// StopChannel derruba o runtime do canal. O canal continua persistido e pode
// ser reimplantado.
func (m *Manager) StopChannel(id uuid.UUID) error {
	m.mu.Lock()
	rc := m.running[id]
	delete(m.running, id)
	m.mu.Unlock()

	if rc == nil {
		return fmt.Errorf("%w: %s", ErrChannelNotRunning, id)
	}
	rc.sup.abort()
	select {
	case <-rc.sup.Done():
	case <-time.After(joinTimeout):
		m.logger.Warn("channel runtime did not stop in time", "channel_id", id.String())
	}
	m.logger.Info("channel stopped", "channel_id", id.String(), "channel", rc.cfg.Name)
	return nil
}

// DeleteChannel para o canal (se estiver rodando) e remove sua configuração.
func (m *Manager) DeleteChannel(ctx context.Context, id uuid.UUID) error {
	if err := m.StopChannel(id); err != nil && !errors.Is(err, ErrChannelNotRunning) {
		return err
	}
	if m.opts.Channels == nil {
		return nil
	}
	if err := m.opts.Channels.Delete(ctx, id.String()); err != nil {
		return fmt.Errorf("engine: deleting channel %s: %w", id, err)
	}
	m.logger.Info("channel deleted", "channel_id", id.String())
	return nil
}

// InjectMessage entrega um payload diretamente à fila do canal e aguarda o
// desfecho síncrono, como um chamador HTTP faria.
func (m *Manager) InjectMessage(ctx context.Context, id uuid.UUID, payload string) (string, error) {
	rc := m.get(id)
	if rc == nil {
		return "", fmt.Errorf("%w: %s", ErrChannelNotRunning, id)
	}

	msg := channel.NewMessage(id, payload, "Manual Injection")
	msg.Reply = channel.NewReply()
	if m.opts.Messages != nil {
		if pid, err := m.opts.Messages.Save(ctx, id.String(), payload); err != nil {
			m.logger.Error("failed to persist injected message", "channel_id", id.String(), "error", err)
		} else if parsed, perr := uuid.Parse(pid); perr == nil {
			msg.ID = parsed
		}
	}

	select {
	case rc.queue <- msg:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	out, err := msg.Reply.Await(ctx, injectTimeout)
	if err != nil {
		return "", err
	}
	if !out.OK {
		return "", errors.New(out.Text)
	}
	return out.Text, nil
}

// RetryMessage reenfileira uma mensagem persistida preservando o id, com
// retry_count incrementado e status PENDING até o pipeline retomá-la.
func (m *Manager) RetryMessage(ctx context.Context, messageID string) error {
	if m.opts.Messages == nil {
		return ErrMessageNotFound
	}
	row, err := m.opts.Messages.Get(ctx, messageID)
	if err != nil {
		return fmt.Errorf("engine: loading message %s: %w", messageID, err)
	}
	if row == nil {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}

	channelID, err := uuid.Parse(row.ChannelID)
	if err != nil {
		return fmt.Errorf("engine: message %s has invalid channel id %q", messageID, row.ChannelID)
	}
	rc := m.get(channelID)
	if rc == nil {
		return fmt.Errorf("%w: %s", ErrChannelNotRunning, channelID)
	}

	if err := m.opts.Messages.IncrementRetry(ctx, messageID); err != nil {
		return fmt.Errorf("engine: incrementing retry for %s: %w", messageID, err)
	}
	if err := m.opts.Messages.UpdateStatus(ctx, messageID, store.StatusPending, ""); err != nil {
		return fmt.Errorf("engine: resetting status for %s: %w", messageID, err)
	}

	msg := channel.Message{
		ID:        uuid.MustParse(row.ID),
		ChannelID: channelID,
		Content:   row.Content,
		Origin:    "RETRY_API",
		Timestamp: time.Now().UTC(),
	}
	select {
	case rc.queue <- msg:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.logger.Info("message requeued", "message_id", messageID, "channel_id", channelID.String())
	return nil
}

// RecoverPendingMessages reenfileira mensagens PENDING/PROCESSING de canais
// que estão rodando, preservando o id original. Chamada uma vez no boot,
// depois do deploy dos canais.
func (m *Manager) RecoverPendingMessages(ctx context.Context) error {
	if m.opts.Messages == nil {
		return nil
	}
	rows, err := m.opts.Messages.GetPending(ctx)
	if err != nil {
		return fmt.Errorf("engine: loading pending messages: %w", err)
	}

	recovered := 0
	for _, row := range rows {
		channelID, err := uuid.Parse(row.ChannelID)
		if err != nil {
			continue
		}
		rc := m.get(channelID)
		if rc == nil {
			continue
		}
		id, err := uuid.Parse(row.ID)
		if err != nil {
			continue
		}
		msg := channel.Message{
			ID:        id,
			ChannelID: channelID,
			Content:   row.Content,
			Origin:    "RECOVERY",
			Timestamp: time.Now().UTC(),
		}
		select {
		case rc.queue <- msg:
			recovered++
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if recovered > 0 {
		m.logger.Info("recovered pending messages", "count", recovered)
	}
	return nil
}

// ShutdownAll derruba todos os canais e espera os joins dentro do teto global.
func (m *Manager) ShutdownAll() {
	m.mu.Lock()
	running := m.running
	m.running = make(map[uuid.UUID]*runningChannel)
	m.mu.Unlock()

	m.rootCancel()

	overall := time.NewTimer(shutdownTimeout)
	defer overall.Stop()
	for id, rc := range running {
		select {
		case <-rc.sup.Done():
		case <-time.After(joinTimeout):
			m.logger.Warn("channel did not stop within join timeout", "channel_id", id.String())
		case <-overall.C:
			m.logger.Warn("shutdown timeout reached; abandoning remaining joins")
			return
		}
	}
	m.logger.Info("all channels stopped")
}

// ChannelStatus é a visão combinada de um canal para a API administrativa.
type ChannelStatus struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Running bool   `json:"running"`
	Enabled bool   `json:"enabled"`
}

// ActiveChannelIDs retorna os ids dos canais rodando.
func (m *Manager) ActiveChannelIDs() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uuid.UUID, 0, len(m.running))
	for id := range m.running {
		out = append(out, id)
	}
	return out
}

// ChannelStatuses combina os canais persistidos com o registro de runtimes.
func (m *Manager) ChannelStatuses(ctx context.Context) ([]ChannelStatus, error) {
	if m.opts.Channels == nil {
		return nil, nil
	}
	stored, err := m.opts.Channels.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: listing channels: %w", err)
	}

	out := make([]ChannelStatus, 0, len(stored))
	for _, sc := range stored {
		status := ChannelStatus{ID: sc.ID, Name: sc.Name}
		if ch, err := channel.Parse(sc.Config); err == nil {
			status.Enabled = ch.Enabled
		}
		if id, err := uuid.Parse(sc.ID); err == nil {
			status.Running = m.get(id) != nil
		}
		out = append(out, status)
	}
	return out, nil
}

// Logs retorna o ring de logs, do mais recente para o mais antigo.
func (m *Manager) Logs() []logging.Entry {
	if m.opts.Ring == nil {
		return nil
	}
	return m.opts.Ring.Snapshot()
}

// SubscribeMetrics registra um assinante do stream de métricas.
func (m *Manager) SubscribeMetrics() chan MetricUpdate {
	if m.opts.Metrics == nil {
		return nil
	}
	return m.opts.Metrics.Subscribe()
}

// UnsubscribeMetrics remove o assinante.
func (m *Manager) UnsubscribeMetrics(ch chan MetricUpdate) {
	if m.opts.Metrics == nil || ch == nil {
		return
	}
	m.opts.Metrics.Unsubscribe(ch)
}

// runningConfig retorna a configuração do canal rodando, ou nil.
func (m *Manager) runningConfig(id uuid.UUID) *channel.Channel {
	rc := m.get(id)
	if rc == nil {
		return nil
	}
	return rc.cfg
}

func (m *Manager) get(id uuid.UUID) *runningChannel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running[id]
}

// enqueueTo entrega uma mensagem à fila do canal, respeitando backpressure e
// cancelamento. Usado pelos workers.
func (m *Manager) enqueueTo(ctx context.Context, id uuid.UUID, msg channel.Message) error {
	rc := m.get(id)
	if rc == nil {
		return fmt.Errorf("%w: %s", ErrChannelNotRunning, id)
	}
	select {
	case rc.queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
