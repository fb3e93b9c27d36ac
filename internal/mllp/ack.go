// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package mllp

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const ackTimestampLayout = "20060102150405"

// AckStatus classifica a resposta de um peer MLLP.
type AckStatus int

const (
	AckPositive AckStatus = iota // AA/CA, ou MSA presente sem código conhecido
	AckNegative                  // AE/CE/AR/CR
	AckInvalid                   // sem segmento MSA reconhecível
)

// Wrap envolve o conteúdo nos delimitadores MLLP (SB…EB CR) para escrita.
func Wrap(content string) []byte {
	out := make([]byte, 0, len(content)+3)
	out = append(out, SB)
	out = append(out, content...)
	out = append(out, EB, CR)
	return out
}

// BuildACK monta o ACK HL7 de um frame recebido: troca aplicação/facility de
// origem e destino (MSH-3..MSH-6), insere timestamp UTC e um control id novo,
// e responde MSA|AA com o MSH-10 original. MSH ausente ou truncado produz um
// MSA mínimo com control id "Unknown". O retorno já vem emoldurado SB…EB CR.
func BuildACK(frame string) string {
	now := time.Now().UTC().Format(ackTimestampLayout)

	segments := strings.Split(frame, "\r")
	msh := strings.Split(segments[0], "|")
	if len(msh) < 10 {
		return fmt.Sprintf("\x0bMSA|AA|Unknown|%s\x1c\x0d", now)
	}

	sendingApp := msh[2]
	sendingFac := msh[3]
	receivingApp := msh[4]
	receivingFac := msh[5]
	controlID := msh[9]

	ackMSH := fmt.Sprintf("MSH|^~\\&|%s|%s|%s|%s|%s||ACK|%s|P|2.3",
		receivingApp, receivingFac, sendingApp, sendingFac, now, uuid.NewString())
	ackMSA := fmt.Sprintf("MSA|AA|%s", controlID)

	return fmt.Sprintf("\x0b%s\r%s\x1c\x0d", ackMSH, ackMSA)
}

// Classify interpreta a resposta de um peer após envio MLLP. Códigos AA/CA
// são positivos e AE/CE/AR/CR negativos; uma resposta com "MSA|" mas sem
// código reconhecível é tratada como positiva (limitação conhecida: pode
// mascarar NACKs não padrão), e sem MSA é inválida.
func Classify(resp string) AckStatus {
	switch {
	case strings.Contains(resp, "|AA|") || strings.Contains(resp, "|CA|"):
		return AckPositive
	case strings.Contains(resp, "|AE|") || strings.Contains(resp, "|CE|") ||
		strings.Contains(resp, "|AR|") || strings.Contains(resp, "|CR|"):
		return AckNegative
	case strings.Contains(resp, "MSA|"):
		return AckPositive
	default:
		return AckInvalid
	}
}
