// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package pki fornece a configuração TLS dos listeners do n-route: a API
// administrativa e os sources HTTP/TCP de canal.
package pki

import (
	"crypto/tls"
	"fmt"
)

// NewServerTLSConfig cria uma configuração TLS de servidor a partir de um
// par cert/key em PEM. Peers de integração (engines HL7, browsers) não
// apresentam certificado de cliente; o mínimo aceito é TLS 1.2.
func NewServerTLSConfig(certPath, keyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}, nil
}
