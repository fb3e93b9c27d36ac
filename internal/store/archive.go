// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// Modos de compactação do arquivamento.
const (
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
)

// Archiver grava em JSONL compactado as mensagens que o prune de retenção
// removeria. O arquivamento precede o prune: se a gravação falha, nada é
// apagado.
type Archiver struct {
	store       *SQLiteStore
	dir         string
	compression string
	now         func() time.Time
}

// NewArchiver cria um Archiver gravando em dir com o modo dado
// (gzip default; zstd suportado).
func NewArchiver(store *SQLiteStore, dir, compression string) *Archiver {
	if compression == "" {
		compression = CompressionGzip
	}
	return &Archiver{store: store, dir: dir, compression: compression, now: time.Now}
}

// Archive grava as mensagens mais antigas que o corte em um arquivo
// messages-YYYYMMDD-HHMMSS.jsonl.(gz|zst) e retorna o caminho e o total de
// linhas. Sem linhas a arquivar, retorna ("", 0, nil) sem criar arquivo.
func (a *Archiver) Archive(ctx context.Context, olderThanDays int) (string, int, error) {
	rows, err := a.store.listOlderThan(ctx, olderThanDays)
	if err != nil {
		return "", 0, err
	}
	if len(rows) == 0 {
		return "", 0, nil
	}

	if err := os.MkdirAll(a.dir, 0755); err != nil {
		return "", 0, fmt.Errorf("store: creating archive dir: %w", err)
	}

	ext := ".jsonl.gz"
	if a.compression == CompressionZstd {
		ext = ".jsonl.zst"
	}
	path := filepath.Join(a.dir, "messages-"+a.now().UTC().Format("20060102-150405")+ext)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return "", 0, fmt.Errorf("store: creating archive file: %w", err)
	}

	count, err := a.write(f, rows)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return "", 0, fmt.Errorf("store: writing archive: %w", err)
	}
	return path, count, nil
}

func (a *Archiver) write(f io.Writer, rows []PersistedMessage) (int, error) {
	bw := bufio.NewWriterSize(f, 256*1024)

	var compressor io.WriteCloser
	switch a.compression {
	case CompressionZstd:
		zw, err := zstd.NewWriter(bw)
		if err != nil {
			return 0, err
		}
		compressor = zw
	default:
		compressor = pgzip.NewWriter(bw)
	}

	enc := json.NewEncoder(compressor)
	for i, row := range rows {
		if err := enc.Encode(row); err != nil {
			compressor.Close()
			return i, err
		}
	}
	if err := compressor.Close(); err != nil {
		return len(rows), err
	}
	return len(rows), bw.Flush()
}
