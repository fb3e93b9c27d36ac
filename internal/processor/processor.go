// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package processor implementa as transformações puras da cadeia de um canal:
// script Lua, mapeamento de campos JSON, filtro booleano e achatamento HL7.
// Cada processor recebe a mensagem corrente e reescreve apenas o Content.
package processor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nishisan-dev/n-route/internal/channel"
	"github.com/nishisan-dev/n-route/internal/script"
)

// Result indica o desfecho de um processor sobre a mensagem.
type Result int

const (
	// Continue segue para o próximo processor (ou destinations).
	Continue Result = iota
	// Filtered encerra a mensagem como FILTERED; destinations não rodam.
	Filtered
)

// Processor é uma etapa da cadeia. Process muta msg.Content; erros são
// sempre retornados tipados, nunca panics.
type Processor interface {
	Process(ctx context.Context, msg *channel.Message) (Result, error)
	Name() string
}

// New constrói o processor da variante configurada. Erros aqui são de
// configuração e falham o deploy do canal.
func New(cfg channel.ProcessorConfig, env *script.Env) (Processor, error) {
	switch cfg.Type {
	case channel.ProcessorLua:
		return newScriptProcessor(cfg, env)
	case channel.ProcessorMapper:
		return newMapperProcessor(cfg)
	case channel.ProcessorFilter:
		return newFilterProcessor(cfg, env)
	case channel.ProcessorHL7:
		return &hl7Processor{name: cfg.Name}, nil
	default:
		return nil, fmt.Errorf("processor: unknown type %q", cfg.Type)
	}
}

// Chain constrói a cadeia completa na ordem configurada.
func Chain(cfgs []channel.ProcessorConfig, env *script.Env) ([]Processor, error) {
	out := make([]Processor, 0, len(cfgs))
	for _, cfg := range cfgs {
		p, err := New(cfg, env)
		if err != nil {
			return nil, fmt.Errorf("processor %q: %w", cfg.Name, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// decodeConfig decodifica o payload da variante, tolerando config ausente.
func decodeConfig(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
