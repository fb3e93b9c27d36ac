// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package engine

import (
	"sync"
	"time"
)

// metricsBuffer é o buffer de cada assinante; assinantes lentos perdem
// atualizações em vez de atrasar o pipeline.
const metricsBuffer = 32

// MetricUpdate é o evento emitido a cada transição de status de mensagem,
// no formato servido pelo WebSocket de métricas.
type MetricUpdate struct {
	ChannelID string    `json:"channel_id"`
	MessageID string    `json:"message_id,omitempty"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// MetricsBus distribui MetricUpdates para os assinantes registrados. A entrega
// é lossy: o publish nunca bloqueia o caminho quente do pipeline.
type MetricsBus struct {
	mu   sync.Mutex
	subs map[chan MetricUpdate]struct{}
}

// NewMetricsBus cria um bus sem assinantes.
func NewMetricsBus() *MetricsBus {
	return &MetricsBus{subs: make(map[chan MetricUpdate]struct{})}
}

// Subscribe registra um novo assinante e retorna seu canal de entrega.
func (b *MetricsBus) Subscribe() chan MetricUpdate {
	ch := make(chan MetricUpdate, metricsBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe remove o assinante e fecha seu canal.
func (b *MetricsBus) Unsubscribe(ch chan MetricUpdate) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish entrega a atualização a cada assinante sem bloquear; buffers cheios
// descartam. Seguro sobre receiver nil.
func (b *MetricsBus) Publish(u MetricUpdate) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- u:
		default:
		}
	}
}
