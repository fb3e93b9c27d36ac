// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/nishisan-dev/n-route/internal/channel"
	"github.com/nishisan-dev/n-route/internal/source"
)

// drainTimeout é quanto o processor ganha para esvaziar a fila em um shutdown
// ordenado, depois que o listener já parou de produzir.
const drainTimeout = 5 * time.Second

// supervisor é o dono das goroutines de um canal: listener (source) e
// processor (pipeline). Qualquer uma das três condições (shutdown, saída do
// listener, saída do processor) derruba as duas pontas em ordem.
type supervisor struct {
	src    source.Source
	pipe   *pipeline
	queue  chan channel.Message
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func newSupervisor(src source.Source, pipe *pipeline, queue chan channel.Message, logger *slog.Logger) *supervisor {
	return &supervisor{
		src:    src,
		pipe:   pipe,
		queue:  queue,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// start dispara o runtime do canal sob o contexto do manager.
func (s *supervisor) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	go s.run(ctx)
}

// abort pede o teardown; o chamador acompanha por Done.
func (s *supervisor) abort() { s.cancel() }

// Done fecha quando listener e processor já retornaram.
func (s *supervisor) Done() <-chan struct{} { return s.done }

func (s *supervisor) run(ctx context.Context) {
	defer close(s.done)

	listenerCtx, cancelListener := context.WithCancel(ctx)
	defer cancelListener()

	// O processor vive fora da árvore do supervisor para que o drain possa
	// estendê-lo além do cancelamento do canal.
	processorCtx, cancelProcessor := context.WithCancel(context.Background())
	defer cancelProcessor()

	listenerDone := make(chan error, 1)
	go func() { listenerDone <- s.src.Run(listenerCtx) }()

	processorDone := make(chan struct{})
	go func() {
		defer close(processorDone)
		s.pipe.run(processorCtx, s.queue)
	}()

	select {
	case <-ctx.Done():
		// Shutdown ordenado: listener para de produzir, processor drena.
		cancelListener()
		<-listenerDone
		s.drain(processorDone, cancelProcessor)

	case err := <-listenerDone:
		// Listener colapsou (erro de bind, por exemplo). Mensagens em voo
		// ficam PROCESSING e voltam pela recuperação do próximo boot.
		if err != nil {
			s.logger.Error("listener exited with error", "error", err)
		} else {
			s.logger.Warn("listener exited unexpectedly")
		}
		cancelProcessor()
		<-processorDone

	case <-processorDone:
		s.logger.Error("processor exited unexpectedly")
		cancelListener()
		<-listenerDone
	}

	s.logger.Info("channel runtime stopped")
}

// drain espera a fila esvaziar ou o teto de drenagem, então cancela o
// processor e aguarda seu retorno.
func (s *supervisor) drain(processorDone chan struct{}, cancelProcessor context.CancelFunc) {
	deadline := time.NewTimer(drainTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-processorDone:
			return
		case <-deadline.C:
			s.logger.Warn("drain timeout; aborting processor", "queued", len(s.queue))
			cancelProcessor()
			<-processorDone
			return
		case <-tick.C:
			if len(s.queue) == 0 {
				cancelProcessor()
				<-processorDone
				return
			}
		}
	}
}
