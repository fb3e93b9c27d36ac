// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nishisan-dev/n-route/internal/channel"
	"github.com/nishisan-dev/n-route/internal/store"
)

func newTestManager(t *testing.T, st *store.SQLiteStore) *Manager {
	t.Helper()
	m := NewManager(ManagerOptions{
		Messages:    st,
		Dedup:       st,
		Channels:    st.Channels(),
		Metrics:     NewMetricsBus(),
		Logger:      discardLogger(),
		BindAddress: "127.0.0.1",
		Development: true,
	})
	t.Cleanup(m.ShutdownAll)
	return m
}

// testChannel monta um canal com source de teste, uppercase Lua e destino de
// arquivo no diretório dado.
func testChannel(id uuid.UUID, outputDir string) *channel.Channel {
	destCfg, _ := json.Marshal(map[string]string{"path": outputDir})
	procCfg, _ := json.Marshal(map[string]string{"code": "return msg.content:upper()"})
	return &channel.Channel{
		ID:      id,
		Name:    "Test Channel",
		Enabled: true,
		Source:  channel.SourceConfig{Type: channel.SourceTest},
		Processors: []channel.ProcessorConfig{{
			ID: "upper", Name: "Uppercase", Type: channel.ProcessorLua, Config: procCfg,
		}},
		Destinations: []channel.DestinationConfig{{
			ID: "out", Name: "Output", Type: channel.DestinationFile, Config: destCfg,
		}},
	}
}

func waitStatus(t *testing.T, st *store.SQLiteStore, id, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		row, err := st.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("loading message: %v", err)
		}
		if row != nil && row.Status == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	row, _ := st.Get(context.Background(), id)
	t.Fatalf("message %s never reached %s (last: %+v)", id, want, row)
}

func TestManager_InjectEndToEnd(t *testing.T) {
	st := openStore(t)
	m := newTestManager(t, st)
	dir := t.TempDir()
	id := uuid.New()

	if err := m.StartChannel(context.Background(), testChannel(id, dir), nil); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}

	text, err := m.InjectMessage(context.Background(), id, "hello")
	if err != nil {
		t.Fatalf("inject failed: %v", err)
	}
	if text != "Processed" {
		t.Errorf("expected Processed, got %q", text)
	}

	files := dirFiles(t, dir)
	if len(files) != 1 {
		t.Fatalf("expected 1 output file, got %d", len(files))
	}
	data, _ := os.ReadFile(filepath.Join(dir, files[0]))
	if string(data) != "HELLO\n" {
		t.Errorf("unexpected output %q", data)
	}

	rows, err := st.List(context.Background(), id.String(), store.StatusSent, 10)
	if err != nil {
		t.Fatalf("listing messages: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("expected 1 SENT row, got %d", len(rows))
	}
}

func TestManager_DedupAcrossInjectsAndRedeploy(t *testing.T) {
	st := openStore(t)
	m := newTestManager(t, st)
	dir := t.TempDir()
	id := uuid.New()
	ch := testChannel(id, dir)

	if err := m.StartChannel(context.Background(), ch, nil); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}

	if _, err := m.InjectMessage(context.Background(), id, "payload"); err != nil {
		t.Fatalf("first inject failed: %v", err)
	}
	text, err := m.InjectMessage(context.Background(), id, "payload")
	if err != nil {
		t.Fatalf("second inject failed: %v", err)
	}
	if !strings.Contains(text, "Duplicate detected") {
		t.Errorf("expected duplicate skip, got %q", text)
	}

	// O redeploy limpa a janela de dedup: o mesmo payload volta a processar.
	if err := m.StartChannel(context.Background(), ch, nil); err != nil {
		t.Fatalf("redeploy failed: %v", err)
	}
	text, err = m.InjectMessage(context.Background(), id, "payload")
	if err != nil {
		t.Fatalf("post-redeploy inject failed: %v", err)
	}
	if text != "Processed" {
		t.Errorf("expected Processed after redeploy, got %q", text)
	}
}

func TestManager_DoubleDeploySingleRuntime(t *testing.T) {
	st := openStore(t)
	m := newTestManager(t, st)
	id := uuid.New()

	ch := testChannel(id, t.TempDir())
	if err := m.StartChannel(context.Background(), ch, nil); err != nil {
		t.Fatalf("first deploy failed: %v", err)
	}
	if err := m.StartChannel(context.Background(), ch, nil); err != nil {
		t.Fatalf("second deploy failed: %v", err)
	}

	if ids := m.ActiveChannelIDs(); len(ids) != 1 || ids[0] != id {
		t.Errorf("expected single runtime for %s, got %v", id, ids)
	}
}

func TestManager_StopUnknownChannel(t *testing.T) {
	st := openStore(t)
	m := newTestManager(t, st)

	if err := m.StopChannel(uuid.New()); !errors.Is(err, ErrChannelNotRunning) {
		t.Errorf("expected ErrChannelNotRunning, got %v", err)
	}
}

func TestManager_DeleteChannel(t *testing.T) {
	st := openStore(t)
	m := newTestManager(t, st)
	id := uuid.New()

	if err := m.StartChannel(context.Background(), testChannel(id, t.TempDir()), nil); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if err := m.DeleteChannel(context.Background(), id); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if _, err := m.InjectMessage(context.Background(), id, "x"); !errors.Is(err, ErrChannelNotRunning) {
		t.Errorf("expected ErrChannelNotRunning after delete, got %v", err)
	}
	stored, err := st.Channels().List(context.Background())
	if err != nil {
		t.Fatalf("listing channels: %v", err)
	}
	for _, sc := range stored {
		if sc.ID == id.String() {
			t.Error("channel config must be removed after delete")
		}
	}
}

func TestManager_RetryMessage(t *testing.T) {
	st := openStore(t)
	m := newTestManager(t, st)
	id := uuid.New()

	if err := m.StartChannel(context.Background(), testChannel(id, t.TempDir()), nil); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}

	msgID, err := st.Save(context.Background(), id.String(), "retry me")
	if err != nil {
		t.Fatalf("saving message: %v", err)
	}
	if err := st.UpdateStatus(context.Background(), msgID, store.StatusError, "first attempt failed"); err != nil {
		t.Fatalf("updating status: %v", err)
	}

	if err := m.RetryMessage(context.Background(), msgID); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	waitStatus(t, st, msgID, store.StatusSent)

	row, _ := st.Get(context.Background(), msgID)
	if row.RetryCount != 1 {
		t.Errorf("expected retry_count 1, got %d", row.RetryCount)
	}
}

func TestManager_RetryUnknownMessage(t *testing.T) {
	st := openStore(t)
	m := newTestManager(t, st)

	if err := m.RetryMessage(context.Background(), uuid.NewString()); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestManager_RecoverPendingMessages(t *testing.T) {
	st := openStore(t)
	m := newTestManager(t, st)
	id := uuid.New()

	// Linha que ficou em PROCESSING por um crash anterior.
	msgID, err := st.Save(context.Background(), id.String(), "interrupted")
	if err != nil {
		t.Fatalf("saving message: %v", err)
	}
	if err := st.UpdateStatus(context.Background(), msgID, store.StatusProcessing, ""); err != nil {
		t.Fatalf("updating status: %v", err)
	}
	// Linha de um canal que não está rodando: deve ficar como está.
	otherID, err := st.Save(context.Background(), uuid.NewString(), "stranded")
	if err != nil {
		t.Fatalf("saving message: %v", err)
	}

	if err := m.StartChannel(context.Background(), testChannel(id, t.TempDir()), nil); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if err := m.RecoverPendingMessages(context.Background()); err != nil {
		t.Fatalf("recovery failed: %v", err)
	}

	waitStatus(t, st, msgID, store.StatusSent)
	if row, _ := st.Get(context.Background(), otherID); row.Status != store.StatusPending {
		t.Errorf("stranded message must stay PENDING, got %s", row.Status)
	}
}

func TestManager_ChannelStatuses(t *testing.T) {
	st := openStore(t)
	m := newTestManager(t, st)
	id := uuid.New()

	if err := m.StartChannel(context.Background(), testChannel(id, t.TempDir()), nil); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if err := m.StopChannel(id); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	statuses, err := m.ChannelStatuses(context.Background())
	if err != nil {
		t.Fatalf("listing statuses: %v", err)
	}
	if len(statuses) != 1 {
		t.Fatalf("expected 1 status entry, got %d", len(statuses))
	}
	s := statuses[0]
	if s.ID != id.String() || s.Running || !s.Enabled {
		t.Errorf("unexpected status %+v", s)
	}
}

func TestManager_InjectIntoStoppedChannel(t *testing.T) {
	st := openStore(t)
	m := newTestManager(t, st)
	id := uuid.New()

	if err := m.StartChannel(context.Background(), testChannel(id, t.TempDir()), nil); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if err := m.StopChannel(id); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := m.InjectMessage(ctx, id, "x"); !errors.Is(err, ErrChannelNotRunning) {
		t.Errorf("expected ErrChannelNotRunning for stopped channel, got %v", err)
	}
}
