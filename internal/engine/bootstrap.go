// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/nishisan-dev/n-route/internal/channel"
	"github.com/nishisan-dev/n-route/internal/store"
)

// DefaultChannelID é o id fixo do canal de exemplo criado no primeiro boot.
const DefaultChannelID = "00000000-0000-0000-0000-000000000001"

// defaultChannel é o "Hello World Channel": HTTP :8090 → uppercase Lua →
// arquivo em ./output.
func defaultChannel() *channel.Channel {
	return &channel.Channel{
		ID:      uuid.MustParse(DefaultChannelID),
		Name:    "Hello World Channel",
		Enabled: true,
		Source: channel.SourceConfig{
			Type:   channel.SourceHTTP,
			Config: json.RawMessage(`{"port": 8090}`),
		},
		Processors: []channel.ProcessorConfig{{
			ID:     "uppercase",
			Name:   "Uppercase",
			Type:   channel.ProcessorLua,
			Config: json.RawMessage(`{"code": "return msg.content:upper()"}`),
		}},
		Destinations: []channel.DestinationConfig{{
			ID:     "output",
			Name:   "Output Directory",
			Type:   channel.DestinationFile,
			Config: json.RawMessage(`{"path": "./output"}`),
		}},
		MaxRetries: channel.DefaultMaxRetries,
	}
}

// Bootstrap prepara o runtime no boot: garante o canal default, implanta os
// canais persistidos habilitados e os definições JSON de channelDir, e por
// fim reenfileira mensagens pendentes. Idempotente entre boots; um canal com
// erro não impede os demais.
func Bootstrap(ctx context.Context, m *Manager, channels store.ChannelStore, channelDir string) error {
	logger := m.logger.With("component", "bootstrap")

	if channels != nil {
		if err := ensureDefaultChannel(ctx, channels); err != nil {
			return fmt.Errorf("engine: ensuring default channel: %w", err)
		}

		stored, err := channels.List(ctx)
		if err != nil {
			return fmt.Errorf("engine: listing stored channels: %w", err)
		}
		for _, sc := range stored {
			ch, err := channel.Parse(sc.Config)
			if err != nil {
				logger.Error("skipping invalid stored channel", "channel_id", sc.ID, "error", err)
				continue
			}
			if !ch.Enabled {
				continue
			}
			if err := m.StartChannel(ctx, ch, sc.FrontendSchema); err != nil {
				logger.Error("failed to deploy stored channel", "channel_id", sc.ID, "error", err)
			}
		}
	}

	if channelDir != "" {
		deployChannelDir(ctx, m, channelDir, logger)
	}

	if err := m.RecoverPendingMessages(ctx); err != nil {
		logger.Error("boot recovery failed", "error", err)
	}
	return nil
}

// ensureDefaultChannel grava o canal default quando ausente.
func ensureDefaultChannel(ctx context.Context, channels store.ChannelStore) error {
	stored, err := channels.List(ctx)
	if err != nil {
		return err
	}
	for _, sc := range stored {
		if sc.ID == DefaultChannelID {
			return nil
		}
	}

	ch := defaultChannel()
	raw, err := json.Marshal(ch)
	if err != nil {
		return err
	}
	return channels.Save(ctx, ch.ID.String(), ch.Name, raw, nil)
}

// deployChannelDir implanta cada arquivo *.json do diretório como um canal.
// Canais aqui são efêmeros por definição: vivem da configuração em disco,
// mas o deploy os persiste como qualquer outro.
func deployChannelDir(ctx context.Context, m *Manager, dir string, logger *slog.Logger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Error("channel directory unavailable", "dir", dir, "error", err)
		return
	}

	deployed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Error("failed to read channel file", "file", path, "error", err)
			continue
		}
		ch, err := channel.Parse(data)
		if err != nil {
			logger.Error("invalid channel file", "file", path, "error", err)
			continue
		}
		if !ch.Enabled {
			continue
		}
		if err := m.StartChannel(ctx, ch, nil); err != nil {
			logger.Error("failed to deploy channel file", "file", path, "error", err)
			continue
		}
		deployed++
	}
	if deployed > 0 {
		logger.Info("deployed channels from directory", "dir", dir, "count", deployed)
	}
}
