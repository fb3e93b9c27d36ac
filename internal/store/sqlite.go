// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// defaultListLimit limita List quando o chamador não informa limit.
const defaultListLimit = 100

// schema é aplicado em toda abertura; idempotente.
const schema = `
CREATE TABLE IF NOT EXISTS channels (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	config          TEXT NOT NULL,
	frontend_schema TEXT
);

CREATE TABLE IF NOT EXISTS messages (
	id            TEXT PRIMARY KEY,
	channel_id    TEXT NOT NULL,
	content       TEXT NOT NULL,
	status        TEXT NOT NULL,
	error_message TEXT,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_channel_status ON messages(channel_id, status);

CREATE TABLE IF NOT EXISTS processed_ids (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_id   TEXT NOT NULL,
	message_hash TEXT NOT NULL,
	expires_at   TIMESTAMP NOT NULL,
	created_at   TIMESTAMP NOT NULL,
	UNIQUE(channel_id, message_hash)
);
CREATE INDEX IF NOT EXISTS idx_processed_ids_expires ON processed_ids(expires_at);
`

// SQLiteStore implementa MessageStore, DedupStore e ChannelStore sobre um
// único arquivo SQLite (WAL, busy_timeout, pool de uma conexão).
type SQLiteStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// OpenSQLite abre (criando se preciso) o banco no caminho dado e aplica o
// schema. Aceita os prefixos "sqlite:", "sqlite://" e "file:" no URL.
func OpenSQLite(url string) (*SQLiteStore, error) {
	path := sqlitePath(url)
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening sqlite %q: %w", path, err)
	}
	// SQLite grava melhor com uma conexão; o pool serializa os writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: applying schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func sqlitePath(url string) string {
	for _, prefix := range []string{"sqlite://", "sqlite:", "file:"} {
		if strings.HasPrefix(url, prefix) {
			return strings.TrimPrefix(url, prefix)
		}
	}
	return url
}

// Close fecha o pool.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// --- MessageStore ---

// Save grava o conteúdo de ingresso com status PENDING e retorna o id gerado.
func (s *SQLiteStore) Save(ctx context.Context, channelID, content string) (string, error) {
	id := uuid.NewString()
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, channel_id, content, status, retry_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?)`,
		id, channelID, content, StatusPending, now, now)
	if err != nil {
		return "", fmt.Errorf("store: saving message: %w", err)
	}
	return id, nil
}

// UpdateStatus grava status e mensagem de erro (vazia limpa a coluna).
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id, status, errMsg string) error {
	var errVal any
	if errMsg != "" {
		errVal = errMsg
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		status, errVal, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: updating status: %w", err)
	}
	return nil
}

// IncrementRetry soma 1 ao retry_count.
func (s *SQLiteStore) IncrementRetry(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET retry_count = retry_count + 1, updated_at = ? WHERE id = ?`,
		s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: incrementing retry: %w", err)
	}
	return nil
}

// GetPending retorna mensagens PENDING ou PROCESSING, mais antigas primeiro.
func (s *SQLiteStore) GetPending(ctx context.Context) ([]PersistedMessage, error) {
	var out []PersistedMessage
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM messages WHERE status IN (?, ?) ORDER BY created_at ASC`,
		StatusPending, StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("store: listing pending: %w", err)
	}
	return out, nil
}

// Get retorna a mensagem ou nil quando não existe.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*PersistedMessage, error) {
	var m PersistedMessage
	err := s.db.GetContext(ctx, &m, `SELECT * FROM messages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: getting message: %w", err)
	}
	return &m, nil
}

// List retorna mensagens mais novas primeiro, com filtros opcionais.
func (s *SQLiteStore) List(ctx context.Context, channelID, status string, limit int) ([]PersistedMessage, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `SELECT * FROM messages WHERE 1=1`
	var args []any
	if channelID != "" {
		query += ` AND channel_id = ?`
		args = append(args, channelID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	var out []PersistedMessage
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("store: listing messages: %w", err)
	}
	return out, nil
}

// Prune remove mensagens mais antigas que o corte e retorna o total removido.
func (s *SQLiteStore) Prune(ctx context.Context, olderThanDays int) (int64, error) {
	cutoff := s.now().UTC().AddDate(0, 0, -olderThanDays)
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: pruning messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// listOlderThan retorna as linhas que o próximo Prune removeria; usado pelo
// Archiver para gravar antes de apagar.
func (s *SQLiteStore) listOlderThan(ctx context.Context, olderThanDays int) ([]PersistedMessage, error) {
	cutoff := s.now().UTC().AddDate(0, 0, -olderThanDays)
	var out []PersistedMessage
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM messages WHERE created_at < ? ORDER BY created_at ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: listing prunable: %w", err)
	}
	return out, nil
}

// --- DedupStore ---

// ContentHash é o hash estável não criptográfico usado pela deduplicação.
func ContentHash(content string) string {
	return strconv.FormatUint(xxhash.Sum64String(content), 16)
}

// IsDuplicate verifica se o hash do conteúdo já foi processado pelo canal
// dentro da janela de TTL.
func (s *SQLiteStore) IsDuplicate(ctx context.Context, channelID, content string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM processed_ids WHERE channel_id = ? AND message_hash = ? AND expires_at > ?`,
		channelID, ContentHash(content), s.now().UTC())
	if err != nil {
		return false, fmt.Errorf("store: checking duplicate: %w", err)
	}
	return count > 0, nil
}

// MarkProcessed registra o hash com TTL; conflito em (channel_id, hash) é
// ignorado (a linha existente vale).
func (s *SQLiteStore) MarkProcessed(ctx context.Context, channelID, content string) error {
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_ids (channel_id, message_hash, expires_at, created_at)
		 VALUES (?, ?, ?, ?)`,
		channelID, ContentHash(content), now.Add(DedupTTL), now)
	if err != nil {
		return fmt.Errorf("store: marking processed: %w", err)
	}
	return nil
}

// ClearChannel remove a janela de dedup de um canal; chamado no (re)deploy
// para que replays de teste não sejam suprimidos.
func (s *SQLiteStore) ClearChannel(ctx context.Context, channelID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM processed_ids WHERE channel_id = ?`, channelID)
	if err != nil {
		return fmt.Errorf("store: clearing dedup: %w", err)
	}
	return nil
}

// CleanupExpired remove entradas expiradas e retorna o total.
func (s *SQLiteStore) CleanupExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM processed_ids WHERE expires_at <= ?`, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("store: cleaning dedup: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- ChannelStore ---

// SaveChannel faz upsert da configuração do canal.
func (s *SQLiteStore) SaveChannel(ctx context.Context, id, name string, config, frontendSchema []byte) error {
	var schemaVal any
	if len(frontendSchema) > 0 {
		schemaVal = string(frontendSchema)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (id, name, config, frontend_schema) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, config = excluded.config,
		 frontend_schema = excluded.frontend_schema`,
		id, name, string(config), schemaVal)
	if err != nil {
		return fmt.Errorf("store: saving channel: %w", err)
	}
	return nil
}

// DeleteChannel remove a configuração persistida.
func (s *SQLiteStore) DeleteChannel(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: deleting channel: %w", err)
	}
	return nil
}

// ListChannels retorna todas as configurações persistidas.
func (s *SQLiteStore) ListChannels(ctx context.Context) ([]StoredChannel, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT id, name, config, frontend_schema FROM channels ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: listing channels: %w", err)
	}
	defer rows.Close()

	var out []StoredChannel
	for rows.Next() {
		var (
			sc     StoredChannel
			config string
			fs     sql.NullString
		)
		if err := rows.Scan(&sc.ID, &sc.Name, &config, &fs); err != nil {
			return nil, fmt.Errorf("store: scanning channel: %w", err)
		}
		sc.Config = []byte(config)
		if fs.Valid {
			sc.FrontendSchema = []byte(fs.String)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// Channels adapta o SQLiteStore à interface ChannelStore (nomes de método
// distintos para não colidir com MessageStore.Save).
func (s *SQLiteStore) Channels() ChannelStore { return channelStoreAdapter{s} }

type channelStoreAdapter struct{ s *SQLiteStore }

func (a channelStoreAdapter) Save(ctx context.Context, id, name string, config, frontendSchema []byte) error {
	return a.s.SaveChannel(ctx, id, name, config, frontendSchema)
}

func (a channelStoreAdapter) Delete(ctx context.Context, id string) error {
	return a.s.DeleteChannel(ctx, id)
}

func (a channelStoreAdapter) List(ctx context.Context) ([]StoredChannel, error) {
	return a.s.ListChannels(ctx)
}
