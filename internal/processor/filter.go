// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nishisan-dev/n-route/internal/channel"
	"github.com/nishisan-dev/n-route/internal/script"
)

// ErrNoCondition indica configuração de filtro sem condição.
var ErrNoCondition = errors.New("processor: filter condition is required")

type filterConfig struct {
	Condition string `json:"condition"`
}

// filterProcessor avalia a condição Lua como booleano: true passa, false
// filtra. Retornos não booleanos passam com WARN, para que um filtro mal
// escrito nunca descarte mensagens em silêncio.
type filterProcessor struct {
	name   string
	script *script.Script
	logger *slog.Logger
}

func newFilterProcessor(cfg channel.ProcessorConfig, env *script.Env) (*filterProcessor, error) {
	var fc filterConfig
	if err := decodeConfig(cfg.Config, &fc); err != nil {
		return nil, fmt.Errorf("processor: decoding filter config: %w", err)
	}
	if fc.Condition == "" {
		return nil, ErrNoCondition
	}
	compiled, err := env.Compile(fc.Condition)
	if err != nil {
		return nil, err
	}
	return &filterProcessor{name: cfg.Name, script: compiled, logger: env.Logger}, nil
}

func (p *filterProcessor) Name() string { return p.name }

func (p *filterProcessor) Process(ctx context.Context, msg *channel.Message) (Result, error) {
	pass, isBool, err := p.script.RunBool(ctx, script.Msg{
		ID:      msg.ID.String(),
		Content: msg.Content,
		Origin:  msg.Origin,
	})
	if err != nil {
		return Continue, err
	}
	if !isBool {
		p.logger.Warn("Filter returned non-boolean value. Treating as true (Pass).",
			"processor", p.name, "channel_id", msg.ChannelID.String())
		return Continue, nil
	}
	if !pass {
		return Filtered, nil
	}
	return Continue, nil
}
