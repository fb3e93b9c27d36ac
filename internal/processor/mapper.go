// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nishisan-dev/n-route/internal/channel"
)

// Erros do mapper.
var (
	ErrNotJSON    = errors.New("processor: mapper requires JSON object input")
	ErrNoMappings = errors.New("processor: mapper requires at least one mapping")
)

// Mapping copia o valor de um caminho de origem para um caminho de destino
// dentro do mesmo objeto JSON. Caminhos usam chaves pontilhadas com índices
// opcionais: "patient.identifiers[0].value".
type Mapping struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

type mapperConfig struct {
	Mappings []Mapping `json:"mappings"`
}

type mapperProcessor struct {
	name     string
	mappings []Mapping
}

func newMapperProcessor(cfg channel.ProcessorConfig) (*mapperProcessor, error) {
	var mc mapperConfig
	if err := decodeConfig(cfg.Config, &mc); err != nil {
		return nil, fmt.Errorf("processor: decoding mapper config: %w", err)
	}
	if len(mc.Mappings) == 0 {
		return nil, ErrNoMappings
	}
	for _, m := range mc.Mappings {
		if m.Source == "" || m.Target == "" {
			return nil, fmt.Errorf("processor: mapping needs source and target (got %q -> %q)", m.Source, m.Target)
		}
	}
	return &mapperProcessor{name: cfg.Name, mappings: mc.Mappings}, nil
}

func (p *mapperProcessor) Name() string { return p.name }

// Process aplica cada mapping em ordem. Origem ausente é pulada, não é erro;
// conteúdo não-JSON é erro de processor.
func (p *mapperProcessor) Process(ctx context.Context, msg *channel.Message) (Result, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(msg.Content), &doc); err != nil {
		return Continue, fmt.Errorf("%w: %v", ErrNotJSON, err)
	}

	for _, m := range p.mappings {
		value, found := readPath(doc, m.Source)
		if !found {
			continue
		}
		if err := writePath(doc, m.Target, value); err != nil {
			return Continue, fmt.Errorf("processor: mapping %q -> %q: %w", m.Source, m.Target, err)
		}
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return Continue, fmt.Errorf("processor: serializing mapped object: %w", err)
	}
	msg.Content = string(out)
	return Continue, nil
}

// pathToken é um passo do caminho: chave de objeto ou índice de array.
type pathToken struct {
	key     string
	index   int
	isIndex bool
}

// parsePath quebra "a.b[2].c" em tokens. Índices só aparecem após uma chave.
func parsePath(path string) ([]pathToken, error) {
	var tokens []pathToken
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return nil, fmt.Errorf("empty path segment in %q", path)
		}
		key := part
		var suffix string
		if i := strings.IndexByte(part, '['); i >= 0 {
			key = part[:i]
			suffix = part[i:]
		}
		if key != "" {
			tokens = append(tokens, pathToken{key: key})
		}
		for suffix != "" {
			end := strings.IndexByte(suffix, ']')
			if !strings.HasPrefix(suffix, "[") || end < 0 {
				return nil, fmt.Errorf("malformed index in path %q", path)
			}
			idx, err := strconv.Atoi(suffix[1:end])
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("invalid index %q in path %q", suffix[1:end], path)
			}
			tokens = append(tokens, pathToken{index: idx, isIndex: true})
			suffix = suffix[end+1:]
		}
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty path %q", path)
	}
	return tokens, nil
}

// readPath resolve o valor no caminho; found=false quando qualquer passo não
// existe ou o caminho é malformado.
func readPath(doc map[string]any, path string) (any, bool) {
	tokens, err := parsePath(path)
	if err != nil {
		return nil, false
	}
	var cur any = doc
	for _, tok := range tokens {
		if tok.isIndex {
			arr, ok := cur.([]any)
			if !ok || tok.index >= len(arr) {
				return nil, false
			}
			cur = arr[tok.index]
			continue
		}
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[tok.key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// writePath grava o valor no caminho, criando objetos intermediários para
// chaves ausentes. Índices exigem um array existente com a posição válida.
func writePath(doc map[string]any, path string, value any) error {
	tokens, err := parsePath(path)
	if err != nil {
		return err
	}

	var cur any = doc
	for i, tok := range tokens {
		last := i == len(tokens)-1

		if tok.isIndex {
			arr, ok := cur.([]any)
			if !ok {
				return fmt.Errorf("index into non-array at %q", path)
			}
			if tok.index >= len(arr) {
				return fmt.Errorf("index %d out of range at %q", tok.index, path)
			}
			if last {
				arr[tok.index] = value
				return nil
			}
			if next, ok := arr[tok.index].(map[string]any); ok {
				cur = next
				continue
			}
			if next, ok := arr[tok.index].([]any); ok {
				cur = next
				continue
			}
			next := make(map[string]any)
			arr[tok.index] = next
			cur = next
			continue
		}

		obj, ok := cur.(map[string]any)
		if !ok {
			return fmt.Errorf("key into non-object at %q", path)
		}
		if last {
			obj[tok.key] = value
			return nil
		}
		switch next := obj[tok.key].(type) {
		case map[string]any:
			cur = next
		case []any:
			cur = next
		default:
			created := make(map[string]any)
			obj[tok.key] = created
			cur = created
		}
	}
	return nil
}
