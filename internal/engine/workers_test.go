// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nishisan-dev/n-route/internal/store"
)

func newTestWorkers(t *testing.T, m *Manager, st *store.SQLiteStore) *Workers {
	t.Helper()
	w, err := NewWorkers(WorkersOptions{
		Manager:  m,
		Messages: st,
		Dedup:    st,
		Channels: st.Channels(),
		Logger:   discardLogger(),
	})
	if err != nil {
		t.Fatalf("building workers: %v", err)
	}
	return w
}

func TestWorkers_RetryPassRequeuesDueMessages(t *testing.T) {
	st := openStore(t)
	m := newTestManager(t, st)
	id := uuid.New()

	if err := m.StartChannel(context.Background(), testChannel(id, t.TempDir()), nil); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}

	msgID, err := st.Save(context.Background(), id.String(), "failed once")
	if err != nil {
		t.Fatalf("saving message: %v", err)
	}
	if err := st.UpdateStatus(context.Background(), msgID, store.StatusError, "boom"); err != nil {
		t.Fatalf("updating status: %v", err)
	}

	w := newTestWorkers(t, m, st)
	// retry_count 0 → backoff de 1 minuto; o relógio avançado torna a
	// mensagem elegível sem esperar de verdade.
	w.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	w.retryPass(context.Background())
	waitStatus(t, st, msgID, store.StatusSent)

	row, _ := st.Get(context.Background(), msgID)
	if row.RetryCount != 1 {
		t.Errorf("expected retry_count 1, got %d", row.RetryCount)
	}
}

func TestWorkers_RetryPassHonorsBackoff(t *testing.T) {
	st := openStore(t)
	m := newTestManager(t, st)
	id := uuid.New()

	if err := m.StartChannel(context.Background(), testChannel(id, t.TempDir()), nil); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}

	msgID, err := st.Save(context.Background(), id.String(), "too soon")
	if err != nil {
		t.Fatalf("saving message: %v", err)
	}
	if err := st.UpdateStatus(context.Background(), msgID, store.StatusError, "boom"); err != nil {
		t.Fatalf("updating status: %v", err)
	}

	w := newTestWorkers(t, m, st)
	w.retryPass(context.Background())

	// O backoff de 1 minuto ainda não venceu: a linha permanece em ERROR.
	row, _ := st.Get(context.Background(), msgID)
	if row.Status != store.StatusError {
		t.Errorf("expected ERROR before backoff elapses, got %s", row.Status)
	}
	if row.RetryCount != 0 {
		t.Errorf("expected retry_count 0, got %d", row.RetryCount)
	}
}

func TestWorkers_RetryPassEnforcesMaxRetries(t *testing.T) {
	st := openStore(t)
	m := newTestManager(t, st)
	id := uuid.New()

	if err := m.StartChannel(context.Background(), testChannel(id, t.TempDir()), nil); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}

	msgID, err := st.Save(context.Background(), id.String(), "exhausted")
	if err != nil {
		t.Fatalf("saving message: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := st.IncrementRetry(context.Background(), msgID); err != nil {
			t.Fatalf("incrementing retry: %v", err)
		}
	}
	if err := st.UpdateStatus(context.Background(), msgID, store.StatusError, "still failing"); err != nil {
		t.Fatalf("updating status: %v", err)
	}

	w := newTestWorkers(t, m, st)
	w.now = func() time.Time { return time.Now().Add(24 * time.Hour) }

	w.retryPass(context.Background())

	// retry_count 3 == max default: ERROR terminal, nada reenfileirado.
	row, _ := st.Get(context.Background(), msgID)
	if row.Status != store.StatusError {
		t.Errorf("expected terminal ERROR, got %s", row.Status)
	}
	if row.RetryCount != 3 {
		t.Errorf("expected retry_count 3, got %d", row.RetryCount)
	}
}

func TestWorkers_RetryPassSkipsStoppedChannels(t *testing.T) {
	st := openStore(t)
	m := newTestManager(t, st)
	id := uuid.New()

	msgID, err := st.Save(context.Background(), id.String(), "no runtime")
	if err != nil {
		t.Fatalf("saving message: %v", err)
	}
	if err := st.UpdateStatus(context.Background(), msgID, store.StatusError, "boom"); err != nil {
		t.Fatalf("updating status: %v", err)
	}

	w := newTestWorkers(t, m, st)
	w.now = func() time.Time { return time.Now().Add(time.Hour) }
	w.retryPass(context.Background())

	row, _ := st.Get(context.Background(), msgID)
	if row.Status != store.StatusError {
		t.Errorf("message of stopped channel must stay ERROR, got %s", row.Status)
	}
}

func TestWorkers_CleanupPassWithoutRetention(t *testing.T) {
	st := openStore(t)
	m := newTestManager(t, st)

	channelID := uuid.NewString()
	if err := st.MarkProcessed(context.Background(), channelID, "content"); err != nil {
		t.Fatalf("marking processed: %v", err)
	}

	w := newTestWorkers(t, m, st)
	w.cleanupPass(context.Background())

	// A entrada não expirou: continua bloqueando duplicatas.
	dup, err := st.IsDuplicate(context.Background(), channelID, "content")
	if err != nil {
		t.Fatalf("dedup lookup: %v", err)
	}
	if !dup {
		t.Error("cleanup must not remove unexpired dedup entries")
	}
}

func TestWorkers_CleanupPassArchivesBeforePrune(t *testing.T) {
	st := openStore(t)
	m := newTestManager(t, st)

	archiveDir := t.TempDir()
	w, err := NewWorkers(WorkersOptions{
		Manager:        m,
		Messages:       st,
		Dedup:          st,
		Channels:       st.Channels(),
		Logger:         discardLogger(),
		Archiver:       store.NewArchiver(st, archiveDir, "gzip"),
		PruneAfterDays: 30,
	})
	if err != nil {
		t.Fatalf("building workers: %v", err)
	}

	// Sem linhas antigas: o passe roda sem arquivo e sem prune.
	w.cleanupPass(context.Background())
	entries := dirFiles(t, archiveDir)
	if len(entries) != 0 {
		t.Errorf("expected no archive file for empty batch, got %v", entries)
	}
}
