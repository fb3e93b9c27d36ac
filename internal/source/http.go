// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package source

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/cors"

	"github.com/nishisan-dev/n-route/internal/channel"
	"github.com/nishisan-dev/n-route/internal/pki"
)

// Limites do HTTP source.
const (
	maxBodyBytes     = 1 << 20 // 1 MB
	httpReplyTimeout = 30 * time.Second
)

type httpSourceConfig struct {
	Port    int    `json:"port"`
	Path    string `json:"path"`
	TLSCert string `json:"tls_cert"`
	TLSKey  string `json:"tls_key"`
}

// httpSource aceita POSTs no path configurado, persiste, enfileira e espera
// o desfecho do pipeline pelo reply handle para responder ao chamador.
type httpSource struct {
	deps    Deps
	addr    string
	path    string
	tlsCert string
	tlsKey  string
}

func newHTTPSource(cfg channel.SourceConfig, deps Deps) (*httpSource, error) {
	var hc httpSourceConfig
	if err := decodeConfig(cfg.Config, &hc); err != nil {
		return nil, fmt.Errorf("source: decoding http config: %w", err)
	}
	if hc.Port <= 0 || hc.Port > 65535 {
		return nil, fmt.Errorf("source: invalid http port %d", hc.Port)
	}
	if hc.Path == "" {
		hc.Path = "/"
	}
	if (hc.TLSCert == "") != (hc.TLSKey == "") {
		return nil, fmt.Errorf("source: tls_cert and tls_key must be set together")
	}
	return &httpSource{
		deps:    deps,
		addr:    net.JoinHostPort(deps.BindAddress, strconv.Itoa(hc.Port)),
		path:    hc.Path,
		tlsCert: hc.TLSCert,
		tlsKey:  hc.TLSKey,
	}, nil
}

func (s *httpSource) Run(ctx context.Context) error {
	var (
		ln  net.Listener
		err error
	)
	if s.tlsCert != "" {
		var tlsCfg *tls.Config
		tlsCfg, err = pki.NewServerTLSConfig(s.tlsCert, s.tlsKey)
		if err != nil {
			return fmt.Errorf("source: configuring TLS: %w", err)
		}
		ln, err = tls.Listen("tcp", s.addr, tlsCfg)
	} else {
		ln, err = net.Listen("tcp", s.addr)
	}
	if err != nil {
		return fmt.Errorf("source: listening on %s: %w", s.addr, err)
	}
	return s.runWithListener(ctx, ln)
}

// runWithListener serve com um listener já criado (hook de teste).
func (s *httpSource) runWithListener(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+s.path, s.handleIngest(ctx))

	srv := &http.Server{
		Handler:           s.corsMiddleware().Handler(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	s.deps.Logger.Info("http source listening", "address", ln.Addr().String(), "path", s.path)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("source: http serve: %w", err)
	}
}

// corsMiddleware escolhe a política: desenvolvimento é permissivo; produção
// honra só a allow-list configurada (lista vazia nega cross-origin).
func (s *httpSource) corsMiddleware() *cors.Cors {
	if s.deps.Development {
		return cors.New(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"*"},
		})
	}
	return cors.New(cors.Options{
		AllowedOrigins: s.deps.CORSOrigins,
		AllowedMethods: []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
}

func (s *httpSource) handleIngest(runCtx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, "payload exceeds 1MB", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		origin := fmt.Sprintf("HTTP %s%s from %s", s.addr, s.path, remoteHost(r.RemoteAddr))

		msg, err := persistAndBuild(r.Context(), s.deps, string(body), origin)
		if err != nil {
			// Sem persistência não há recovery; o chamador precisa saber que
			// a mensagem não foi aceita.
			s.deps.Logger.Error("failed to persist inbound message", "error", err,
				"channel_id", s.deps.ChannelID.String())
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		msg.Reply = channel.NewReply()

		if err := enqueue(runCtx, s.deps.Queue, msg); err != nil {
			http.Error(w, "channel shutting down", http.StatusServiceUnavailable)
			return
		}

		out, err := msg.Reply.Await(r.Context(), httpReplyTimeout)
		switch {
		case errors.Is(err, channel.ErrReplyTimeout):
			http.Error(w, "processing timed out", http.StatusGatewayTimeout)
		case errors.Is(err, channel.ErrReplyDropped):
			http.Error(w, "internal error", http.StatusInternalServerError)
		case err != nil:
			http.Error(w, "request cancelled", http.StatusInternalServerError)
		case out.OK:
			w.WriteHeader(http.StatusOK)
			io.WriteString(w, out.Text)
		default:
			// Erro de processor ou filtro: o texto vai verbatim ao chamador.
			http.Error(w, out.Text, http.StatusBadRequest)
		}
	}
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
