// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package destination

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/nishisan-dev/n-route/internal/channel"
	"github.com/nishisan-dev/n-route/internal/mllp"
)

// Timeouts do TCP destination.
const (
	tcpConnectTimeout = 5 * time.Second
	tcpAckTimeout     = 10 * time.Second
)

// Erros do TCP destination.
var (
	ErrNoHost = errors.New("destination: tcp host is required")
	ErrNoACK  = errors.New("destination: no valid ACK received")
	ErrNACK   = errors.New("destination: peer returned NACK")
)

type tcpConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// tcpDestination envia o conteúdo emoldurado em MLLP e espera o ACK do peer.
// ACK positivo (AA/CA) é sucesso; negativo (AE/CE/AR/CR) vira erro com o
// texto do NACK; ausência de ACK válido é erro.
type tcpDestination struct {
	name string
	addr string
}

func newTCPDestination(cfg channel.DestinationConfig) (*tcpDestination, error) {
	var tc tcpConfig
	if err := decodeConfig(cfg.Config, &tc); err != nil {
		return nil, fmt.Errorf("destination: decoding tcp config: %w", err)
	}
	if tc.Host == "" {
		return nil, ErrNoHost
	}
	if tc.Port <= 0 || tc.Port > 65535 {
		return nil, fmt.Errorf("destination: invalid tcp port %d", tc.Port)
	}
	return &tcpDestination{
		name: cfg.Name,
		addr: net.JoinHostPort(tc.Host, strconv.Itoa(tc.Port)),
	}, nil
}

func (d *tcpDestination) Name() string { return d.name }

func (d *tcpDestination) Send(ctx context.Context, msg *channel.Message) error {
	dialer := &net.Dialer{Timeout: tcpConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return fmt.Errorf("destination: connecting to %s: %w", d.addr, err)
	}
	defer conn.Close()

	if _, err := conn.Write(mllp.Wrap(msg.Content)); err != nil {
		return fmt.Errorf("destination: writing frame: %w", err)
	}

	frame, err := readACKFrame(conn)
	if err != nil {
		return err
	}

	switch mllp.Classify(frame) {
	case mllp.AckPositive:
		return nil
	case mllp.AckNegative:
		return fmt.Errorf("%w: %q", ErrNACK, frame)
	default:
		return fmt.Errorf("%w: %q", ErrNoACK, frame)
	}
}

// readACKFrame lê a resposta do peer com as mesmas regras de framing do
// ingresso, até completar um frame ou estourar o timeout de ACK.
func readACKFrame(conn net.Conn) (string, error) {
	acc := mllp.NewAccumulator(tcpAckTimeout)
	deadline := time.Now().Add(tcpAckTimeout)
	buf := make([]byte, 1024)

	for {
		conn.SetReadDeadline(deadline)
		n, err := conn.Read(buf)
		if n > 0 {
			if frames := acc.Feed(buf[:n]); len(frames) > 0 {
				return frames[0], nil
			}
		}
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrNoACK, err)
		}
	}
}
