// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package destination

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nishisan-dev/n-route/internal/channel"
)

// Erros do database destination.
var (
	ErrNoDatabaseURL = errors.New("destination: database url is required")
	ErrNoQueryOrMode = errors.New("destination: either query or mode=INSERT with table is required")
)

// tableNamePattern valida nomes de tabela usados na query gerada.
var tableNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.]+$`)

type databaseConfig struct {
	URL   string `json:"url"`
	Query string `json:"query"`
	Mode  string `json:"mode"`
	Table string `json:"table"`
}

// databaseDestination executa uma query com (content, origin) como binds, ou
// o INSERT padrão quando mode=INSERT e table são configurados.
type databaseDestination struct {
	name   string
	driver string
	dsn    string
	query  string
	db     *sqlx.DB
}

func newDatabaseDestination(cfg channel.DestinationConfig) (*databaseDestination, error) {
	var dc databaseConfig
	if err := decodeConfig(cfg.Config, &dc); err != nil {
		return nil, fmt.Errorf("destination: decoding database config: %w", err)
	}
	if dc.URL == "" {
		return nil, ErrNoDatabaseURL
	}

	driver, dsn := DriverForURL(dc.URL)

	query := dc.Query
	if query == "" {
		if !strings.EqualFold(dc.Mode, "INSERT") || dc.Table == "" {
			return nil, ErrNoQueryOrMode
		}
		if !tableNamePattern.MatchString(dc.Table) {
			return nil, fmt.Errorf("destination: invalid table name %q", dc.Table)
		}
		query = fmt.Sprintf("INSERT INTO %s (content, origin, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)", dc.Table)
	}

	return &databaseDestination{name: cfg.Name, driver: driver, dsn: dsn, query: query}, nil
}

func (d *databaseDestination) Name() string { return d.name }

func (d *databaseDestination) Send(ctx context.Context, msg *channel.Message) error {
	// Conexão preguiçosa: o banco alvo pode não existir no deploy do canal.
	if d.db == nil {
		db, err := sqlx.Open(d.driver, d.dsn)
		if err != nil {
			return fmt.Errorf("destination: opening database: %w", err)
		}
		d.db = db
	}

	query := d.db.Rebind(d.query)
	if _, err := d.db.ExecContext(ctx, query, msg.Content, msg.Origin); err != nil {
		return fmt.Errorf("destination: executing query: %w", err)
	}
	return nil
}

// Close libera o pool; chamado quando o canal é descartado.
func (d *databaseDestination) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// DriverForURL mapeia o scheme do URL para o driver registrado: postgres para
// postgres:// e postgresql://, sqlite3 para o restante (arquivos locais e os
// prefixos sqlite:/file:).
func DriverForURL(url string) (driver, dsn string) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return "postgres", url
	case strings.HasPrefix(url, "sqlite://"):
		return "sqlite3", strings.TrimPrefix(url, "sqlite://")
	case strings.HasPrefix(url, "sqlite:"):
		return "sqlite3", strings.TrimPrefix(url, "sqlite:")
	case strings.HasPrefix(url, "file:"):
		return "sqlite3", strings.TrimPrefix(url, "file:")
	default:
		return "sqlite3", url
	}
}
