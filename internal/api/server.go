// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package api implementa a API administrativa do nroute-server: CRUD e
// controle de canais, consulta de mensagens e logs, health e o stream de
// métricas por WebSocket. Toda rota exceto /api/health exige Bearer token.
package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/nishisan-dev/n-route/internal/config"
	"github.com/nishisan-dev/n-route/internal/engine"
	"github.com/nishisan-dev/n-route/internal/monitor"
	"github.com/nishisan-dev/n-route/internal/pki"
	"github.com/nishisan-dev/n-route/internal/store"
)

// readHeaderTimeout limita o tempo de leitura dos headers de cada request.
const readHeaderTimeout = 10 * time.Second

// Options são as dependências do servidor administrativo.
type Options struct {
	Config   *config.Config
	Manager  *engine.Manager
	Monitor  *monitor.SystemMonitor
	Messages store.MessageStore
	Channels store.ChannelStore
	Logger   *slog.Logger
	Version  string
}

// Server é o servidor HTTP administrativo.
type Server struct {
	opts      Options
	logger    *slog.Logger
	startedAt time.Time
	httpSrv   *http.Server
}

// NewServer monta o servidor com as rotas registradas.
func NewServer(opts Options) *Server {
	s := &Server{
		opts:      opts,
		logger:    opts.Logger.With("component", "admin_api"),
		startedAt: time.Now(),
	}
	s.httpSrv = &http.Server{
		Addr:              opts.Config.AdminAddr(),
		Handler:           s.router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(s.corsOptions()))

	r.Get("/api/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Route("/api/channels", func(r chi.Router) {
			r.Post("/", s.handleDeployChannel)
			r.Get("/", s.handleListChannels)
			r.Get("/status", s.handleChannelStatuses)
			r.Post("/{id}/start", s.handleStartChannel)
			r.Post("/{id}/stop", s.handleStopChannel)
			r.Post("/{id}/test", s.handleTestChannel)
			r.Delete("/{id}", s.handleDeleteChannel)
		})

		r.Get("/api/messages", s.handleListMessages)
		r.Post("/api/messages/{id}/retry", s.handleRetryMessage)
		r.Get("/api/logs", s.handleLogs)
		r.Get("/api/ws/metrics", s.handleMetricsWS)
	})

	return r
}

func (s *Server) corsOptions() cors.Options {
	if s.opts.Config.IsProduction() {
		return cors.Options{
			AllowedOrigins:   s.opts.Config.Server.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: false,
		}
	}
	return cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}
}

// requireAuth valida o Bearer token; o WebSocket também aceita ?token=, já
// que browsers não enviam headers custom no handshake.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.Config.Server.APIKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "", "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// Start escuta e serve, com TLS quando configurado. Bloqueia até Shutdown.
func (s *Server) Start() error {
	cfg := s.opts.Config.Server
	if cfg.TLSCert != "" {
		tlsCfg, err := pki.NewServerTLSConfig(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return err
		}
		s.httpSrv.TLSConfig = tlsCfg
		s.logger.Info("admin api listening", "address", s.httpSrv.Addr, "tls", true)
		return s.httpSrv.ListenAndServeTLS("", "")
	}
	s.logger.Info("admin api listening", "address", s.httpSrv.Addr, "tls", false)
	return s.httpSrv.ListenAndServe()
}

// Shutdown encerra o servidor ordenadamente.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
