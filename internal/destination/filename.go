// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package destination

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Limites de sanitização de caminhos do file destination.
const (
	maxFilenameLength = 255
	maxPathLength     = 4096
)

// ErrPathTraversal indica um caminho que tentaria escapar do diretório base.
var ErrPathTraversal = errors.New("destination: path traversal detected")

// sanitizeFilename remove separadores de caminho, NUL e caracteres de
// controle de um nome de arquivo e o limita a 255 caracteres. Nunca retorna
// algo com "/", "\" ou byte de controle.
func sanitizeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if r == '/' || r == '\\' || r == 0 || r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if len(out) > maxFilenameLength {
		out = out[:maxFilenameLength]
	}
	return out
}

// resolvePath monta o caminho final base+nome, normalizando e removendo
// componentes "." e "..". Qualquer ".." residual ou caminho excessivo aborta
// com erro de validação; defesa em profundidade contra path traversal.
func resolvePath(baseDir, filename string) (string, error) {
	clean := sanitizeFilename(filename)
	if clean == "" || clean == "." || strings.Trim(clean, ".") == "" {
		return "", fmt.Errorf("destination: filename %q sanitizes to nothing usable", filename)
	}

	resolved := filepath.Join(baseDir, clean)
	resolved = filepath.Clean(resolved)

	if len(resolved) > maxPathLength {
		return "", fmt.Errorf("destination: resolved path exceeds %d chars", maxPathLength)
	}
	if strings.Contains(resolved, "..") {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, resolved)
	}

	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("destination: resolving base dir: %w", err)
	}
	absResolved, err := filepath.Abs(resolved)
	if err != nil {
		return "", fmt.Errorf("destination: resolving target path: %w", err)
	}
	rel, err := filepath.Rel(absBase, absResolved)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: %q escapes %q", ErrPathTraversal, resolved, baseDir)
	}

	return resolved, nil
}
