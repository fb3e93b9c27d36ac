// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package destination

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nishisan-dev/n-route/internal/channel"
)

// Limites do HTTP destination.
const (
	httpTimeout  = 30 * time.Second
	maxRedirects = 5
)

// Erros de validação de URL (anti-SSRF).
var (
	ErrNoURL          = errors.New("destination: http url is required")
	ErrBadScheme      = errors.New("destination: url scheme must be http or https")
	ErrBlockedHost    = errors.New("destination: host is blocked")
	ErrBlockedAddress = errors.New("destination: resolved address is internal")
)

// blockedHostnames cobre loopback por nome e os endpoints de metadata das
// clouds. A validação por IP acontece no dial, depois da resolução DNS.
var blockedHostnames = map[string]bool{
	"localhost":                true,
	"169.254.169.254":          true,
	"metadata.google.internal": true,
	"metadata.azure.com":       true,
	"100.100.100.200":          true,
}

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

type httpConfig struct {
	URL    string `json:"url"`
	Method string `json:"method"`
}

// httpDestination envia o conteúdo como corpo de uma requisição HTTP.
// A URL é validada a cada envio e cada endereço resolvido é checado no
// momento do dial; isso fecha a janela de DNS rebinding entre validação e
// conexão.
type httpDestination struct {
	name   string
	url    string
	method string
	client *http.Client
}

func newHTTPDestination(cfg channel.DestinationConfig) (*httpDestination, error) {
	var hc httpConfig
	if err := decodeConfig(cfg.Config, &hc); err != nil {
		return nil, fmt.Errorf("destination: decoding http config: %w", err)
	}
	if hc.URL == "" {
		return nil, ErrNoURL
	}
	method := strings.ToUpper(hc.Method)
	if method == "" {
		method = http.MethodPost
	}
	if !allowedMethods[method] {
		return nil, fmt.Errorf("destination: method %q not allowed", hc.Method)
	}
	if err := validateURL(hc.URL); err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			for _, ip := range ips {
				if isInternalIP(ip.IP) {
					return nil, fmt.Errorf("%w: %s", ErrBlockedAddress, ip.IP)
				}
			}
			return dialer.DialContext(ctx, network, addr)
		},
	}

	client := &http.Client{
		Timeout:   httpTimeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("destination: more than %d redirects", maxRedirects)
			}
			return validateURL(req.URL.String())
		},
	}

	return &httpDestination{name: cfg.Name, url: hc.URL, method: method, client: client}, nil
}

func (d *httpDestination) Name() string { return d.name }

func (d *httpDestination) Send(ctx context.Context, msg *channel.Message) error {
	// Revalida a cada envio; a configuração pode apontar para um nome cujo
	// registro mudou desde o deploy.
	if err := validateURL(d.url); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, d.method, d.url, strings.NewReader(msg.Content))
	if err != nil {
		return fmt.Errorf("destination: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("destination: http send: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("destination: http status %d from %s", resp.StatusCode, d.url)
	}
	return nil
}

// validateURL aplica as regras estáticas: scheme http/https e hostname fora
// da lista de bloqueio. IPs literais internos são rejeitados aqui mesmo.
func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("destination: parsing url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: %q", ErrBadScheme, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrBlockedHost)
	}
	if blockedHostnames[host] || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("%w: %q", ErrBlockedHost, host)
	}
	if ip := net.ParseIP(host); ip != nil && isInternalIP(ip) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, ip)
	}
	return nil
}

// isInternalIP rejeita loopback, privados, link-local, broadcast e
// não especificados.
func isInternalIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		ip.Equal(net.IPv4bcast)
}
