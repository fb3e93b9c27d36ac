// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config carrega a configuração do nroute-server: arquivo YAML
// opcional com overrides por variável de ambiente. Os defaults são aplicados
// em validate(), no estilo de toda configuração Nishisan.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DevAPIKey é o fallback de desenvolvimento. Em produção API_KEY é
// obrigatória e precisa de pelo menos MinAPIKeyLength caracteres.
const (
	DevAPIKey       = "dev-key-change-in-production-32chars"
	MinAPIKeyLength = 32
)

// Ambientes reconhecidos.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config representa a configuração completa do nroute-server.
type Config struct {
	Server    ServerInfo    `yaml:"server"`
	Database  DatabaseInfo  `yaml:"database"`
	Listeners ListenersInfo `yaml:"listeners"`
	Logging   LoggingInfo   `yaml:"logging"`
	Retention RetentionInfo `yaml:"retention"`

	// ChannelDir aponta para um diretório de arquivos JSON de canal
	// implantados no boot, além dos canais persistidos na store.
	ChannelDir string `yaml:"channel_dir"`
}

// ServerInfo configura o listener HTTP administrativo.
type ServerInfo struct {
	BindAddress string   `yaml:"bind_address"` // default: 127.0.0.1
	Port        int      `yaml:"port"`         // default: 3001
	APIKey      string   `yaml:"api_key"`
	Environment string   `yaml:"environment"` // development|production
	TLSCert     string   `yaml:"tls_cert"`
	TLSKey      string   `yaml:"tls_key"`
	CORSOrigins []string `yaml:"cors_origins"` // produção: allow-list; vazio = restritivo
}

// DatabaseInfo configura a store de persistência.
type DatabaseInfo struct {
	URL string `yaml:"url"` // default: nroute.db (SQLite local)
}

// ListenersInfo configura o bind dos listeners de canal (HTTP/TCP sources).
type ListenersInfo struct {
	BindAddress string `yaml:"bind_address"` // default: 0.0.0.0
}

// LoggingInfo configura nível, formato e arquivo de log.
type LoggingInfo struct {
	Level  string `yaml:"level"`  // default: info
	Format string `yaml:"format"` // default: json
	File   string `yaml:"file"`
}

// RetentionInfo configura a remoção de mensagens antigas e o arquivamento
// prévio em JSONL compactado.
type RetentionInfo struct {
	PruneAfterDays int         `yaml:"prune_after_days"` // 0 desliga a retenção
	Archive        ArchiveInfo `yaml:"archive"`
}

// ArchiveInfo configura o arquivamento anterior ao prune.
type ArchiveInfo struct {
	Enabled     bool   `yaml:"enabled"`
	Dir         string `yaml:"dir"`         // default: ./archive
	Compression string `yaml:"compression"` // gzip|zstd (default: gzip)
}

// IsProduction indica se o server roda em modo produção.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == EnvProduction
}

// AdminAddr retorna o endereço de escuta da API administrativa.
func (c *Config) AdminAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// Load lê o arquivo YAML (path vazio pula a leitura), aplica as variáveis de
// ambiente por cima e valida com defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// applyEnv sobrepõe valores vindos do ambiente. Variáveis vazias não alteram
// o que veio do YAML.
func (c *Config) applyEnv() {
	if v := os.Getenv("BIND_ADDRESS"); v != "" {
		c.Server.BindAddress = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("API_KEY"); v != "" {
		c.Server.APIKey = v
	}
	if v := os.Getenv("APP_ENV"); v != "" {
		c.Server.Environment = v
	}
	if v := os.Getenv("TLS_CERT_PATH"); v != "" {
		c.Server.TLSCert = v
	}
	if v := os.Getenv("TLS_KEY_PATH"); v != "" {
		c.Server.TLSKey = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("LISTENER_BIND_ADDRESS"); v != "" {
		c.Listeners.BindAddress = v
	}
}

func (c *Config) validate() error {
	if c.Server.BindAddress == "" {
		c.Server.BindAddress = "127.0.0.1"
	}
	if c.Server.Port <= 0 {
		c.Server.Port = 3001
	}
	if c.Server.Environment == "" {
		c.Server.Environment = EnvDevelopment
	}
	c.Server.Environment = strings.ToLower(strings.TrimSpace(c.Server.Environment))
	if c.Server.Environment != EnvDevelopment && c.Server.Environment != EnvProduction {
		return fmt.Errorf("server.environment must be development or production, got %q", c.Server.Environment)
	}

	if c.Server.Environment == EnvProduction {
		if c.Server.APIKey == "" {
			return fmt.Errorf("API_KEY is required in production")
		}
		if len(c.Server.APIKey) < MinAPIKeyLength {
			return fmt.Errorf("API_KEY must be at least %d characters in production", MinAPIKeyLength)
		}
	} else if c.Server.APIKey == "" {
		c.Server.APIKey = DevAPIKey
	}

	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("tls_cert and tls_key must be set together")
	}

	if c.Database.URL == "" {
		c.Database.URL = "nroute.db"
	}
	if c.Listeners.BindAddress == "" {
		c.Listeners.BindAddress = "0.0.0.0"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Retention.PruneAfterDays < 0 {
		return fmt.Errorf("retention.prune_after_days must be >= 0")
	}
	if c.Retention.Archive.Enabled {
		if c.Retention.Archive.Dir == "" {
			c.Retention.Archive.Dir = "./archive"
		}
		if c.Retention.Archive.Compression == "" {
			c.Retention.Archive.Compression = "gzip"
		}
		c.Retention.Archive.Compression = strings.ToLower(strings.TrimSpace(c.Retention.Archive.Compression))
		if c.Retention.Archive.Compression != "gzip" && c.Retention.Archive.Compression != "zstd" {
			return fmt.Errorf("retention.archive.compression must be gzip or zstd, got %q", c.Retention.Archive.Compression)
		}
	}

	return nil
}
