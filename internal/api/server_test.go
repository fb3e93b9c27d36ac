// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/nishisan-dev/n-route/internal/config"
	"github.com/nishisan-dev/n-route/internal/engine"
	"github.com/nishisan-dev/n-route/internal/store"
)

const testAPIKey = "test-api-key-0123456789abcdef0123"

type testServer struct {
	srv   *Server
	ts    *httptest.Server
	st    *store.SQLiteStore
	mgr   *engine.Manager
	token string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := engine.NewManager(engine.ManagerOptions{
		Messages:    st,
		Dedup:       st,
		Channels:    st.Channels(),
		Metrics:     engine.NewMetricsBus(),
		Logger:      logger,
		BindAddress: "127.0.0.1",
		Development: true,
	})
	t.Cleanup(mgr.ShutdownAll)

	cfg := &config.Config{}
	cfg.Server.APIKey = testAPIKey
	cfg.Server.Environment = config.EnvDevelopment

	srv := NewServer(Options{
		Config:   cfg,
		Manager:  mgr,
		Messages: st,
		Channels: st.Channels(),
		Logger:   logger,
		Version:  "test",
	})

	ts := httptest.NewServer(srv.router())
	t.Cleanup(ts.Close)

	return &testServer{srv: srv, ts: ts, st: st, mgr: mgr, token: testAPIKey}
}

func (ts *testServer) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.ts.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

// testChannelBody monta o corpo de deploy de um canal com source de teste.
func testChannelBody(id uuid.UUID, outputDir string) map[string]any {
	return map[string]any{
		"channel": map[string]any{
			"id":      id.String(),
			"name":    "API Test Channel",
			"enabled": true,
			"source":  map[string]any{"type": "test"},
			"processors": []map[string]any{{
				"id": "upper", "name": "Uppercase", "type": "lua_script",
				"config": map[string]any{"code": "return msg.content:upper()"},
			}},
			"destinations": []map[string]any{{
				"id": "out", "name": "Output", "type": "file_writer",
				"config": map[string]any{"path": outputDir},
			}},
		},
	}
}

func TestAPI_AuthRequired(t *testing.T) {
	s := newTestServer(t)

	resp := s.request(t, http.MethodGet, "/api/channels", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", resp.StatusCode)
	}

	resp = s.request(t, http.MethodGet, "/api/channels", "wrong-key", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong token, got %d", resp.StatusCode)
	}

	resp = s.request(t, http.MethodGet, "/api/health", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health must not require auth, got %d", resp.StatusCode)
	}
}

func TestAPI_TokenQueryParam(t *testing.T) {
	s := newTestServer(t)

	resp := s.request(t, http.MethodGet, "/api/logs?token="+s.token, "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with query token, got %d", resp.StatusCode)
	}
}

func TestAPI_DeployAndListChannels(t *testing.T) {
	s := newTestServer(t)
	id := uuid.New()

	resp := s.request(t, http.MethodPost, "/api/channels", s.token, testChannelBody(id, t.TempDir()))
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("deploy failed: %d %s", resp.StatusCode, body)
	}
	var deployed deployResponse
	decodeBody(t, resp, &deployed)
	if deployed.Status != "deployed" || deployed.ID != id.String() {
		t.Errorf("unexpected deploy response %+v", deployed)
	}

	resp = s.request(t, http.MethodGet, "/api/channels", s.token, nil)
	var channels []storedChannelResponse
	decodeBody(t, resp, &channels)
	if len(channels) != 1 || channels[0].ID != id.String() {
		t.Errorf("expected deployed channel listed, got %v", channels)
	}

	resp = s.request(t, http.MethodGet, "/api/channels/status", s.token, nil)
	var statuses []engine.ChannelStatus
	decodeBody(t, resp, &statuses)
	if len(statuses) != 1 || !statuses[0].Running {
		t.Errorf("expected running status, got %v", statuses)
	}
}

func TestAPI_DeployInvalidChannel(t *testing.T) {
	s := newTestServer(t)

	body := map[string]any{"channel": map[string]any{
		"name":   "Broken",
		"source": map[string]any{"type": "carrier_pigeon"},
	}}
	resp := s.request(t, http.MethodPost, "/api/channels", s.token, body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown source type, got %d", resp.StatusCode)
	}

	resp = s.request(t, http.MethodPost, "/api/channels", s.token, map[string]any{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for missing channel, got %d", resp.StatusCode)
	}
}

func TestAPI_TestChannel(t *testing.T) {
	s := newTestServer(t)
	id := uuid.New()

	resp := s.request(t, http.MethodPost, "/api/channels", s.token, testChannelBody(id, t.TempDir()))
	resp.Body.Close()

	path := fmt.Sprintf("/api/channels/%s/test", id)
	resp = s.request(t, http.MethodPost, path, s.token, map[string]any{
		"payload_type": "HL7", "payload": "MSH|^~\\&|A",
	})
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("test failed: %d %s", resp.StatusCode, body)
	}
	var result testResponse
	decodeBody(t, resp, &result)
	if !result.Success || result.Response != "Processed" {
		t.Errorf("unexpected test response %+v", result)
	}

	// Validações do corpo.
	for _, bad := range []map[string]any{
		{"payload_type": "edi", "payload": "x"},
		{"payload_type": "hl7", "payload": ""},
	} {
		resp = s.request(t, http.MethodPost, path, s.token, bad)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected 400 for %v, got %d", bad, resp.StatusCode)
		}
	}

	// Canal inexistente.
	resp = s.request(t, http.MethodPost, fmt.Sprintf("/api/channels/%s/test", uuid.New()), s.token,
		map[string]any{"payload_type": "text", "payload": "x"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown channel, got %d", resp.StatusCode)
	}
}

func TestAPI_StopStartDelete(t *testing.T) {
	s := newTestServer(t)
	id := uuid.New()

	resp := s.request(t, http.MethodPost, "/api/channels", s.token, testChannelBody(id, t.TempDir()))
	resp.Body.Close()

	stopPath := fmt.Sprintf("/api/channels/%s/stop", id)
	resp = s.request(t, http.MethodPost, stopPath, s.token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop failed: %d", resp.StatusCode)
	}
	resp = s.request(t, http.MethodPost, stopPath, s.token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 stopping a stopped channel, got %d", resp.StatusCode)
	}

	resp = s.request(t, http.MethodPost, fmt.Sprintf("/api/channels/%s/start", id), s.token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start failed: %d", resp.StatusCode)
	}

	resp = s.request(t, http.MethodDelete, "/api/channels/"+id.String(), s.token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete failed: %d", resp.StatusCode)
	}
	resp = s.request(t, http.MethodGet, "/api/channels", s.token, nil)
	var channels []storedChannelResponse
	decodeBody(t, resp, &channels)
	if len(channels) != 0 {
		t.Errorf("expected no channels after delete, got %v", channels)
	}
}

func TestAPI_MessagesListAndRetry(t *testing.T) {
	s := newTestServer(t)
	id := uuid.New()

	msgID, err := s.st.Save(context.Background(), id.String(), "payload")
	if err != nil {
		t.Fatalf("saving message: %v", err)
	}

	resp := s.request(t, http.MethodGet, "/api/messages?channel_id="+id.String(), s.token, nil)
	var rows []store.PersistedMessage
	decodeBody(t, resp, &rows)
	if len(rows) != 1 || rows[0].ID != msgID {
		t.Errorf("expected saved message listed, got %v", rows)
	}

	// Retry exige canal rodando.
	resp = s.request(t, http.MethodPost, "/api/messages/"+msgID+"/retry", s.token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 for stopped channel, got %d", resp.StatusCode)
	}

	resp = s.request(t, http.MethodPost, "/api/messages/"+uuid.NewString()+"/retry", s.token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown message, got %d", resp.StatusCode)
	}

	resp = s.request(t, http.MethodPost, "/api/messages/not-a-uuid/retry", s.token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed id, got %d", resp.StatusCode)
	}
}

func TestAPI_Health(t *testing.T) {
	s := newTestServer(t)

	resp := s.request(t, http.MethodGet, "/api/health", "", nil)
	var health healthResponse
	decodeBody(t, resp, &health)
	if health.Status != "ok" || health.Version != "test" {
		t.Errorf("unexpected health response %+v", health)
	}
}

func TestAPI_ErrorsAreSanitized(t *testing.T) {
	s := newTestServer(t)
	id := uuid.New()

	// Source TCP sem porta: o deploy falha na construção, depois da validação.
	body := map[string]any{"channel": map[string]any{
		"id":      id.String(),
		"name":    "Bad Build",
		"enabled": true,
		"source":  map[string]any{"type": "tcp_listener"},
	}}
	resp := s.request(t, http.MethodPost, "/api/channels", s.token, body)
	var errResp errorResponse
	decodeBody(t, resp, &errResp)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if len(errResp.ErrorID) != 8 {
		t.Errorf("expected 8-char error id, got %q", errResp.ErrorID)
	}
	if strings.Contains(errResp.Message, "port") {
		t.Errorf("internal detail leaked to client: %q", errResp.Message)
	}
}
