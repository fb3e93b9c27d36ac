// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package destination implementa os sinks de um canal: arquivo (sandboxed),
// HTTP (com guarda anti-SSRF), TCP MLLP com ACK, banco de dados e script Lua.
// Falhas de um destination são logadas e não interrompem os demais.
package destination

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nishisan-dev/n-route/internal/channel"
	"github.com/nishisan-dev/n-route/internal/script"
)

// Destination entrega a mensagem a um sink externo. Send nunca altera a
// mensagem; o erro retornado é tipado e fica restrito ao escopo da mensagem.
type Destination interface {
	Send(ctx context.Context, msg *channel.Message) error
	Name() string
}

// New constrói o destination da variante configurada. Erros aqui são de
// configuração e falham o deploy do canal.
func New(cfg channel.DestinationConfig, env *script.Env, logger *slog.Logger) (Destination, error) {
	switch cfg.Type {
	case channel.DestinationFile:
		return newFileDestination(cfg)
	case channel.DestinationHTTP:
		return newHTTPDestination(cfg)
	case channel.DestinationTCP:
		return newTCPDestination(cfg)
	case channel.DestinationDatabase:
		return newDatabaseDestination(cfg)
	case channel.DestinationLua:
		return newScriptDestination(cfg, env)
	default:
		return nil, fmt.Errorf("destination: unknown type %q", cfg.Type)
	}
}

// Build constrói todos os destinations na ordem configurada.
func Build(cfgs []channel.DestinationConfig, env *script.Env, logger *slog.Logger) ([]Destination, error) {
	out := make([]Destination, 0, len(cfgs))
	for _, cfg := range cfgs {
		d, err := New(cfg, env, logger)
		if err != nil {
			return nil, fmt.Errorf("destination %q: %w", cfg.Name, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func decodeConfig(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
