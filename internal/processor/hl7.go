// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nishisan-dev/n-route/internal/channel"
)

// Limites do parser HL7.
const (
	maxSegments = 1000
	maxFields   = 100
)

// hl7Processor achata uma mensagem HL7 v2 em um objeto JSON chaveado pelo
// nome do segmento, com a sequência de campos como valor. Segmentos repetidos
// (OBX, NTE) sobrescrevem o anterior; limitação conhecida do formato achatado.
type hl7Processor struct {
	name string
}

func (p *hl7Processor) Name() string { return p.name }

func (p *hl7Processor) Process(ctx context.Context, msg *channel.Message) (Result, error) {
	sep := "\r"
	if !strings.Contains(msg.Content, "\r") {
		sep = "\n"
	}

	segments := strings.Split(msg.Content, sep)
	if len(segments) > maxSegments {
		segments = segments[:maxSegments]
	}

	parsed := make(map[string][]string, len(segments))
	for _, segment := range segments {
		segment = strings.TrimRight(segment, "\r\n")
		if strings.TrimSpace(segment) == "" {
			continue
		}
		fields := strings.Split(segment, "|")
		if len(fields) > maxFields {
			fields = fields[:maxFields]
		}
		parsed[fields[0]] = fields
	}

	out, err := json.Marshal(parsed)
	if err != nil {
		return Continue, fmt.Errorf("processor: serializing hl7 object: %w", err)
	}
	msg.Content = string(out)
	return Continue, nil
}
