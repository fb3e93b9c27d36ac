// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package destination

import (
	"context"
	"fmt"

	"github.com/nishisan-dev/n-route/internal/channel"
	"github.com/nishisan-dev/n-route/internal/script"
)

type scriptDestConfig struct {
	Code string `json:"code"`
}

// scriptDestination executa código Lua apenas pelos efeitos colaterais
// (ex.: log estruturado); o valor de retorno é ignorado.
type scriptDestination struct {
	name   string
	script *script.Script
}

func newScriptDestination(cfg channel.DestinationConfig, env *script.Env) (*scriptDestination, error) {
	var sc scriptDestConfig
	if err := decodeConfig(cfg.Config, &sc); err != nil {
		return nil, fmt.Errorf("destination: decoding script config: %w", err)
	}
	if sc.Code == "" {
		return nil, fmt.Errorf("destination: script code is required")
	}
	compiled, err := env.Compile(sc.Code)
	if err != nil {
		return nil, err
	}
	return &scriptDestination{name: cfg.Name, script: compiled}, nil
}

func (d *scriptDestination) Name() string { return d.name }

func (d *scriptDestination) Send(ctx context.Context, msg *channel.Message) error {
	return d.script.RunVoid(ctx, script.Msg{
		ID:      msg.ID.String(),
		Content: msg.Content,
		Origin:  msg.Origin,
	})
}
