// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package source

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/nishisan-dev/n-route/internal/channel"
	"github.com/nishisan-dev/n-route/internal/logging"
	"github.com/nishisan-dev/n-route/internal/mllp"
	"github.com/nishisan-dev/n-route/internal/pki"
)

// Timeouts do TCP source.
const (
	tcpReadTimeout = 30 * time.Second
	tcpReadBuffer  = 4096
)

type tcpSourceConfig struct {
	Port    int    `json:"port"`
	TLSCert string `json:"tls_cert"`
	TLSKey  string `json:"tls_key"`
}

// tcpSource escuta MLLP: cada conexão aceita tem seu próprio acumulador e
// goroutine. Por frame completo: persiste, responde o ACK e enfileira.
type tcpSource struct {
	deps    Deps
	addr    string
	port    int
	tlsCert string
	tlsKey  string
}

func newTCPSource(cfg channel.SourceConfig, deps Deps) (*tcpSource, error) {
	var tc tcpSourceConfig
	if err := decodeConfig(cfg.Config, &tc); err != nil {
		return nil, fmt.Errorf("source: decoding tcp config: %w", err)
	}
	if tc.Port <= 0 || tc.Port > 65535 {
		return nil, fmt.Errorf("source: invalid tcp port %d", tc.Port)
	}
	if (tc.TLSCert == "") != (tc.TLSKey == "") {
		return nil, fmt.Errorf("source: tls_cert and tls_key must be set together")
	}
	return &tcpSource{
		deps:    deps,
		addr:    net.JoinHostPort(deps.BindAddress, strconv.Itoa(tc.Port)),
		port:    tc.Port,
		tlsCert: tc.TLSCert,
		tlsKey:  tc.TLSKey,
	}, nil
}

func (s *tcpSource) Run(ctx context.Context) error {
	var (
		ln  net.Listener
		err error
	)
	if s.tlsCert != "" {
		var tlsCfg *tls.Config
		tlsCfg, err = pki.NewServerTLSConfig(s.tlsCert, s.tlsKey)
		if err != nil {
			return fmt.Errorf("source: configuring TLS: %w", err)
		}
		ln, err = tls.Listen("tcp", s.addr, tlsCfg)
	} else {
		ln, err = net.Listen("tcp", s.addr)
	}
	if err != nil {
		return fmt.Errorf("source: listening on %s: %w", s.addr, err)
	}
	return s.runWithListener(ctx, ln)
}

// runWithListener roda o accept loop com um listener já criado (hook de teste).
func (s *tcpSource) runWithListener(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	s.deps.Logger.Info("tcp source listening", "address", ln.Addr().String())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.deps.Logger.Error("accepting connection", "error", err)
				continue
			}
		}
		go s.handleConnection(ctx, conn)
	}
}

// handleConnection consome o stream da conexão com deadlines deslizantes.
// Timeout de leitura ou do acumulador encerra a conexão; o peer reenvia.
func (s *tcpSource) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remote := remoteHost(conn.RemoteAddr().String())
	origin := fmt.Sprintf("TCP :%d from %s", s.port, remote)
	logger := s.deps.Logger.With("channel_id", s.deps.ChannelID.String(), "remote", remote)

	acc := mllp.NewAccumulator(tcpReadTimeout)
	buf := make([]byte, tcpReadBuffer)

	for {
		if ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(tcpReadTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			for _, frame := range acc.Feed(buf[:n]) {
				s.ingestFrame(ctx, conn, frame, origin, logger)
			}
		}
		if err != nil {
			if acc.State() != mllp.WaitingStart {
				logger.Warn("connection closed mid-frame", "state", acc.State().String())
			}
			return
		}
		if acc.CheckTimeout() {
			logger.Warn("mllp accumulator timed out", "reason", acc.ErrorReason())
			return
		}
	}
}

// ingestFrame persiste, responde o ACK e enfileira. Falha de persistência é
// CRITICAL mas o ACK sai mesmo assim: reenvio duplicado pelo peer custa mais
// que a perda de durabilidade desta mensagem (tradeoff documentado).
func (s *tcpSource) ingestFrame(ctx context.Context, conn net.Conn, frame, origin string, logger *slog.Logger) {
	msg, err := persistAndBuild(ctx, s.deps, frame, origin)
	if err != nil {
		logger.Log(ctx, logging.LevelCritical, "failed to persist inbound frame; ACKing anyway", "error", err)
	}

	if _, err := conn.Write([]byte(mllp.BuildACK(frame))); err != nil {
		logger.Error("failed to write ACK", "error", err)
	}

	if err := enqueue(ctx, s.deps.Queue, msg); err != nil {
		logger.Warn("channel shutting down before enqueue", "message_id", msg.ID.String())
	}
}
