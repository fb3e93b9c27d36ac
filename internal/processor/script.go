// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/nishisan-dev/n-route/internal/channel"
	"github.com/nishisan-dev/n-route/internal/script"
)

// ErrNoCode indica configuração de script sem código.
var ErrNoCode = errors.New("processor: script code is required")

type scriptConfig struct {
	Code string `json:"code"`
}

// scriptProcessor executa código Lua de usuário; a string retornada pelo
// script substitui o Content da mensagem.
type scriptProcessor struct {
	name   string
	script *script.Script
}

func newScriptProcessor(cfg channel.ProcessorConfig, env *script.Env) (*scriptProcessor, error) {
	var sc scriptConfig
	if err := decodeConfig(cfg.Config, &sc); err != nil {
		return nil, fmt.Errorf("processor: decoding script config: %w", err)
	}
	if sc.Code == "" {
		return nil, ErrNoCode
	}
	compiled, err := env.Compile(sc.Code)
	if err != nil {
		return nil, err
	}
	return &scriptProcessor{name: cfg.Name, script: compiled}, nil
}

func (p *scriptProcessor) Name() string { return p.name }

func (p *scriptProcessor) Process(ctx context.Context, msg *channel.Message) (Result, error) {
	out, err := p.script.RunString(ctx, script.Msg{
		ID:      msg.ID.String(),
		Content: msg.Content,
		Origin:  msg.Origin,
	})
	if err != nil {
		return Continue, err
	}
	msg.Content = out
	return Continue, nil
}
