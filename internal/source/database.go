// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nishisan-dev/n-route/internal/channel"
	"github.com/nishisan-dev/n-route/internal/destination"
)

// Erros do database poller.
var (
	ErrNoPollerURL   = errors.New("source: database url is required")
	ErrNoPollerQuery = errors.New("source: database query is required")
)

type databaseSourceConfig struct {
	URL        string `json:"url"`
	Query      string `json:"query"`
	IntervalMs int    `json:"interval_ms"`
}

// databaseSource executa a query a cada tick e enfileira uma mensagem por
// linha, serializada como objeto JSON de coluna → representação em string.
// Ticks perdidos durante uma execução longa são pulados, não acumulados.
type databaseSource struct {
	deps     Deps
	driver   string
	dsn      string
	query    string
	interval time.Duration
}

func newDatabaseSource(cfg channel.SourceConfig, deps Deps) (*databaseSource, error) {
	var dc databaseSourceConfig
	if err := decodeConfig(cfg.Config, &dc); err != nil {
		return nil, fmt.Errorf("source: decoding database config: %w", err)
	}
	if dc.URL == "" {
		return nil, ErrNoPollerURL
	}
	if dc.Query == "" {
		return nil, ErrNoPollerQuery
	}
	if dc.IntervalMs <= 0 {
		dc.IntervalMs = 5000
	}
	driver, dsn := destination.DriverForURL(dc.URL)
	return &databaseSource{
		deps:     deps,
		driver:   driver,
		dsn:      dsn,
		query:    dc.Query,
		interval: time.Duration(dc.IntervalMs) * time.Millisecond,
	}, nil
}

func (s *databaseSource) Run(ctx context.Context) error {
	db, err := sqlx.Open(s.driver, s.dsn)
	if err != nil {
		return fmt.Errorf("source: opening database: %w", err)
	}
	defer db.Close()

	s.deps.Logger.Info("database poller started", "interval", s.interval.String())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			// Erros de query não derrubam o poller; a próxima iteração tenta
			// de novo.
			if err := s.poll(ctx, db); err != nil {
				s.deps.Logger.Error("database poll failed", "error", err,
					"channel_id", s.deps.ChannelID.String())
			}
		}
	}
}

func (s *databaseSource) poll(ctx context.Context, db *sqlx.DB) error {
	rows, err := db.QueryxContext(ctx, s.query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		row := map[string]any{}
		if err := rows.MapScan(row); err != nil {
			return err
		}

		flat := make(map[string]string, len(row))
		for col, v := range row {
			flat[col] = columnString(v)
		}
		content, err := json.Marshal(flat)
		if err != nil {
			return err
		}

		msg, err := persistAndBuild(ctx, s.deps, string(content), "Database Poller")
		if err != nil {
			s.deps.Logger.Error("failed to persist polled row", "error", err)
		}
		if err := enqueue(ctx, s.deps.Queue, msg); err != nil {
			return err
		}
	}
	return rows.Err()
}

// columnString achata o valor da coluna para string, como o poller publica.
func columnString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(val)
	case string:
		return val
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", val)
	}
}
