// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package mllp implementa o framing MLLP (Minimal Lower Layer Protocol) usado
// no transporte de HL7 v2 sobre TCP: o acumulador de frames byte a byte e a
// geração e classificação de ACKs.
package mllp

import "time"

// Bytes de delimitação MLLP.
const (
	SB byte = 0x0B // start block
	EB byte = 0x1C // end block
	CR byte = 0x0D // carriage return (fecha o frame)
)

// State é o estado do acumulador.
type State int

const (
	WaitingStart State = iota // descartando bytes até um SB
	Accumulating              // dentro de um frame
	Complete                  // EB visto, aguardando CR
	Errored                   // timeout; SB reinicia
)

func (s State) String() string {
	switch s {
	case WaitingStart:
		return "WAITING_START"
	case Accumulating:
		return "ACCUMULATING"
	case Complete:
		return "COMPLETE"
	case Errored:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Accumulator reconstrói frames MLLP a partir de um stream de bytes que pode
// chegar fragmentado em qualquer ponto. Não é seguro para uso concorrente;
// cada conexão possui o seu.
type Accumulator struct {
	state    State
	buf      []byte
	lastFeed time.Time
	timeout  time.Duration
	reason   string
}

// NewAccumulator cria um acumulador com o timeout de inatividade dado.
func NewAccumulator(timeout time.Duration) *Accumulator {
	return &Accumulator{
		state:    WaitingStart,
		buf:      make([]byte, 0, 4096),
		lastFeed: time.Now(),
		timeout:  timeout,
	}
}

// State retorna o estado corrente.
func (a *Accumulator) State() State { return a.state }

// ErrorReason retorna o motivo quando o estado é Errored.
func (a *Accumulator) ErrorReason() string { return a.reason }

// Reset devolve o acumulador ao estado inicial.
func (a *Accumulator) Reset() {
	a.state = WaitingStart
	a.buf = a.buf[:0]
	a.reason = ""
	a.lastFeed = time.Now()
}

// Feed consome um chunk de bytes e retorna os frames completados por ele,
// na ordem de chegada. Um SB no meio de um frame reinicia a acumulação
// (trailer perdido pelo peer); após CR ausente o buffer é descartado.
func (a *Accumulator) Feed(data []byte) []string {
	a.lastFeed = time.Now()
	var frames []string

	for _, b := range data {
		switch a.state {
		case WaitingStart:
			if b == SB {
				a.state = Accumulating
				a.buf = a.buf[:0]
			}
		case Accumulating:
			switch b {
			case SB:
				a.buf = a.buf[:0]
			case EB:
				a.state = Complete
			default:
				a.buf = append(a.buf, b)
			}
		case Complete:
			if b == CR {
				frames = append(frames, string(a.buf))
				a.state = WaitingStart
				a.buf = a.buf[:0]
				continue
			}
			// Trailer malformado: descarta o frame acumulado.
			a.state = WaitingStart
			a.buf = a.buf[:0]
			if b == SB {
				a.state = Accumulating
			}
		case Errored:
			if b == SB {
				a.state = Accumulating
				a.buf = a.buf[:0]
				a.reason = ""
			}
		}
	}
	return frames
}

// CheckTimeout transiciona para Errored quando há frame parcial parado além
// do timeout. Retorna true na transição; o chamador encerra a conexão.
func (a *Accumulator) CheckTimeout() bool {
	if a.state != WaitingStart && time.Since(a.lastFeed) > a.timeout {
		a.state = Errored
		a.reason = "Timeout"
		a.buf = a.buf[:0]
		return true
	}
	return false
}
