// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package channel define o modelo de configuração de um canal de integração
// (source → processors → destinations) e o envelope de mensagem que circula
// entre eles.
package channel

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Tipos de source suportados (campo "type" do JSON de configuração).
const (
	SourceHTTP     = "http_listener"
	SourceTCP      = "tcp_listener"
	SourceDatabase = "database_poller"
	SourceFile     = "file_reader"
	SourceTest     = "test"
)

// Tipos de processor suportados.
const (
	ProcessorLua    = "lua_script"
	ProcessorMapper = "mapper"
	ProcessorFilter = "filter"
	ProcessorHL7    = "hl7_parser"
)

// Tipos de destination suportados.
const (
	DestinationHTTP     = "http_sender"
	DestinationFile     = "file_writer"
	DestinationTCP      = "tcp_sender"
	DestinationDatabase = "database_writer"
	DestinationLua      = "lua_script"
)

// DefaultMaxRetries é aplicado quando o canal não define max_retries.
const DefaultMaxRetries = 3

// Erros de validação de configuração.
var (
	ErrNoSource    = errors.New("channel: source is required")
	ErrEmptyName   = errors.New("channel: name is required")
	ErrUnknownType = errors.New("channel: unknown component type")
)

// SourceConfig é a variante etiquetada de source: {"type": "...", "config": {...}}.
// O payload específico de cada variante é decodificado pela factory de sources.
type SourceConfig struct {
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// ProcessorConfig descreve um processor na cadeia, na ordem do array.
type ProcessorConfig struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// DestinationConfig descreve um destination, na ordem do array.
type DestinationConfig struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Channel é a unidade implantável: configuração completa de uma integração.
// Persistido como JSON na ChannelStore; o id é estável entre redeploys.
type Channel struct {
	ID               uuid.UUID           `json:"id"`
	Name             string              `json:"name"`
	Enabled          bool                `json:"enabled"`
	Source           SourceConfig        `json:"source"`
	Processors       []ProcessorConfig   `json:"processors"`
	Destinations     []DestinationConfig `json:"destinations"`
	ErrorDestination *DestinationConfig  `json:"error_destination,omitempty"`
	MaxRetries       int                 `json:"max_retries,omitempty"`
}

// EffectiveMaxRetries retorna max_retries com o default aplicado.
func (c *Channel) EffectiveMaxRetries() int {
	if c.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return c.MaxRetries
}

// Validate verifica os campos obrigatórios e os tipos das variantes.
// Canais sem id recebem um novo UUID (deploys vindos da API podem omiti-lo).
func (c *Channel) Validate() error {
	if c.Name == "" {
		return ErrEmptyName
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	switch c.Source.Type {
	case SourceHTTP, SourceTCP, SourceDatabase, SourceFile, SourceTest:
	case "":
		return ErrNoSource
	default:
		return fmt.Errorf("%w: source %q", ErrUnknownType, c.Source.Type)
	}
	for _, p := range c.Processors {
		switch p.Type {
		case ProcessorLua, ProcessorMapper, ProcessorFilter, ProcessorHL7:
		default:
			return fmt.Errorf("%w: processor %q", ErrUnknownType, p.Type)
		}
	}
	for _, d := range c.Destinations {
		if err := validateDestinationType(d.Type); err != nil {
			return err
		}
	}
	if c.ErrorDestination != nil {
		if err := validateDestinationType(c.ErrorDestination.Type); err != nil {
			return err
		}
	}
	return nil
}

func validateDestinationType(t string) error {
	switch t {
	case DestinationHTTP, DestinationFile, DestinationTCP, DestinationDatabase, DestinationLua:
		return nil
	default:
		return fmt.Errorf("%w: destination %q", ErrUnknownType, t)
	}
}

// Parse decodifica e valida um canal a partir do JSON persistido ou recebido
// pela API.
func Parse(data []byte) (*Channel, error) {
	var c Channel
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("channel: decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
