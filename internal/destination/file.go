// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package destination

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nishisan-dev/n-route/internal/channel"
)

// Encodings do file destination.
const (
	encodingUTF8   = "utf8"
	encodingBase64 = "base64"
)

// ErrNoPath indica configuração de file destination sem diretório base.
var ErrNoPath = errors.New("destination: file path is required")

type fileConfig struct {
	Path     string `json:"path"`
	Filename string `json:"filename"`
	Append   *bool  `json:"append"`
	Encoding string `json:"encoding"`
}

// fileDestination grava o conteúdo em arquivos sob um diretório base.
// O padrão de nome aceita os tokens ${timestamp}, ${id}, ${date} e ${channel};
// nomes e caminhos resolvidos passam pela sanitização de filename.go.
type fileDestination struct {
	name     string
	baseDir  string
	pattern  string
	append   bool
	encoding string
	now      func() time.Time
}

func newFileDestination(cfg channel.DestinationConfig) (*fileDestination, error) {
	var fc fileConfig
	if err := decodeConfig(cfg.Config, &fc); err != nil {
		return nil, fmt.Errorf("destination: decoding file config: %w", err)
	}
	if fc.Path == "" {
		return nil, ErrNoPath
	}
	if fc.Filename == "" {
		fc.Filename = "msg_${timestamp}.txt"
	}
	appendMode := true
	if fc.Append != nil {
		appendMode = *fc.Append
	}
	encoding := strings.ToLower(fc.Encoding)
	switch encoding {
	case "":
		encoding = encodingUTF8
	case encodingUTF8, encodingBase64:
	default:
		return nil, fmt.Errorf("destination: unsupported encoding %q", fc.Encoding)
	}
	return &fileDestination{
		name:     cfg.Name,
		baseDir:  fc.Path,
		pattern:  fc.Filename,
		append:   appendMode,
		encoding: encoding,
		now:      time.Now,
	}, nil
}

func (d *fileDestination) Name() string { return d.name }

// buildFilename expande os tokens do padrão para esta mensagem.
func (d *fileDestination) buildFilename(msg *channel.Message) string {
	now := d.now().UTC()
	r := strings.NewReplacer(
		"${timestamp}", strconv.FormatInt(now.UnixNano(), 10),
		"${id}", msg.ID.String(),
		"${date}", now.Format("20060102"),
		"${channel}", msg.ChannelID.String(),
	)
	return sanitizeFilename(r.Replace(d.pattern))
}

func (d *fileDestination) Send(ctx context.Context, msg *channel.Message) error {
	path, err := resolvePath(d.baseDir, d.buildFilename(msg))
	if err != nil {
		return err
	}

	if err := os.MkdirAll(d.baseDir, 0755); err != nil {
		return fmt.Errorf("destination: creating output dir: %w", err)
	}

	var data []byte
	switch d.encoding {
	case encodingBase64:
		decoded, err := base64.StdEncoding.DecodeString(msg.Content)
		if err != nil {
			return fmt.Errorf("destination: decoding base64 content: %w", err)
		}
		data = decoded
	default:
		data = append([]byte(msg.Content), '\n')
	}

	flags := os.O_CREATE | os.O_WRONLY
	if d.append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return fmt.Errorf("destination: opening %q: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("destination: writing %q: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("destination: closing %q: %w", path, err)
	}
	return nil
}
