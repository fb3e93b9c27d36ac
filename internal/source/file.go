// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nishisan-dev/n-route/internal/channel"
)

// processedSuffix marca arquivos já ingeridos; o rename acontece só depois
// do enqueue, para que uma falha deixe o arquivo elegível na próxima volta.
const processedSuffix = ".processed"

// filePollInterval é o tick do poller de arquivos.
const filePollInterval = time.Second

// ErrNoWatchPath indica configuração de file source sem diretório.
var ErrNoWatchPath = errors.New("source: file path is required")

type fileSourceConfig struct {
	Path    string `json:"path"`
	Pattern string `json:"pattern"`
}

// fileSource varre <path>/<pattern> a cada segundo, lê cada arquivo ainda não
// processado, enfileira e o renomeia com o sufixo .processed.
type fileSource struct {
	deps    Deps
	dir     string
	pattern string
	// warnedMissing evita logar o diretório ausente a cada tick.
	warnedMissing bool
}

func newFileSource(cfg channel.SourceConfig, deps Deps) (*fileSource, error) {
	var fc fileSourceConfig
	if err := decodeConfig(cfg.Config, &fc); err != nil {
		return nil, fmt.Errorf("source: decoding file config: %w", err)
	}
	if fc.Path == "" {
		return nil, ErrNoWatchPath
	}
	if fc.Pattern == "" {
		fc.Pattern = "*"
	}
	if _, err := filepath.Match(fc.Pattern, "probe"); err != nil {
		return nil, fmt.Errorf("source: invalid glob pattern %q: %w", fc.Pattern, err)
	}
	return &fileSource{deps: deps, dir: fc.Path, pattern: fc.Pattern}, nil
}

func (s *fileSource) Run(ctx context.Context) error {
	s.deps.Logger.Info("file poller started", "dir", s.dir, "pattern", s.pattern)

	ticker := time.NewTicker(filePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

func (s *fileSource) pollOnce(ctx context.Context) {
	if _, err := os.Stat(s.dir); err != nil {
		if !s.warnedMissing {
			s.deps.Logger.Warn("watch directory unavailable", "dir", s.dir, "error", err)
			s.warnedMissing = true
		}
		return
	}
	s.warnedMissing = false

	matches, err := filepath.Glob(filepath.Join(s.dir, s.pattern))
	if err != nil {
		s.deps.Logger.Error("glob failed", "error", err)
		return
	}

	for _, path := range matches {
		if ctx.Err() != nil {
			return
		}
		if strings.HasSuffix(path, processedSuffix) {
			continue
		}
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			continue
		}
		s.ingestFile(ctx, path)
	}
}

func (s *fileSource) ingestFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		s.deps.Logger.Error("failed to read file", "file", path, "error", err)
		return
	}

	origin := "File: " + filepath.Base(path)
	msg, err := persistAndBuild(ctx, s.deps, string(data), origin)
	if err != nil {
		s.deps.Logger.Error("failed to persist file content", "file", path, "error", err)
	}

	if err := enqueue(ctx, s.deps.Queue, msg); err != nil {
		// Sem rename: o arquivo volta a ser candidato quando o canal subir.
		return
	}

	if err := os.Rename(path, path+processedSuffix); err != nil {
		s.deps.Logger.Error("failed to mark file processed", "file", path, "error", err)
	}
}
