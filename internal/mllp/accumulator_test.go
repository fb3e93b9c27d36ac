// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package mllp

import (
	"bytes"
	"testing"
	"time"
)

func TestFeed_PerfectFrame(t *testing.T) {
	acc := NewAccumulator(time.Second)
	msg := "MSH|^~\\&|APP|FAC|...\rPID|1|..."
	input := "\x0b" + msg + "\x1c\x0d"

	frames := acc.Feed([]byte(input))
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0] != msg {
		t.Errorf("expected %q, got %q", msg, frames[0])
	}
	if acc.State() != WaitingStart {
		t.Errorf("expected WaitingStart after complete frame, got %v", acc.State())
	}
}

func TestFeed_FragmentedFrame(t *testing.T) {
	acc := NewAccumulator(time.Second)
	msg := "MSH|^~\\&|APP|FAC|...\rPID|1|..."

	frames := acc.Feed([]byte("\x0b" + msg[:10]))
	if len(frames) != 0 {
		t.Fatalf("expected no frame on partial input, got %d", len(frames))
	}
	if acc.State() != Accumulating {
		t.Errorf("expected Accumulating, got %v", acc.State())
	}

	frames = acc.Feed([]byte(msg[10:] + "\x1c\x0d"))
	if len(frames) != 1 || frames[0] != msg {
		t.Errorf("expected completed frame %q, got %v", msg, frames)
	}
}

func TestFeed_MultipleMessagesInOneChunk(t *testing.T) {
	acc := NewAccumulator(time.Second)
	input := "\x0bMSG1\x1c\x0d\x0bMSG2\x1c\x0d"

	frames := acc.Feed([]byte(input))
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[0] != "MSG1" || frames[1] != "MSG2" {
		t.Errorf("unexpected frames: %v", frames)
	}
}

// Dois frames concatenados devem decodificar igual para qualquer ponto de
// corte do stream.
func TestFeed_AnySplitPoint(t *testing.T) {
	m1 := "MSH|^~\\&|A|B|C|D|20240101||ADT^A01|1|P|2.3\rPID|1"
	m2 := "MSH|^~\\&|X|Y|Z|W|20240101||ORU^R01|2|P|2.3"
	stream := append(Wrap(m1), Wrap(m2)...)

	for cut := 0; cut <= len(stream); cut++ {
		acc := NewAccumulator(time.Second)
		frames := acc.Feed(stream[:cut])
		frames = append(frames, acc.Feed(stream[cut:])...)
		if len(frames) != 2 || frames[0] != m1 || frames[1] != m2 {
			t.Fatalf("cut=%d: expected [%q %q], got %v", cut, m1, m2, frames)
		}
	}
}

func TestFeed_NoiseBeforeStartIsDropped(t *testing.T) {
	acc := NewAccumulator(time.Second)
	frames := acc.Feed([]byte("garbage\r\n\x0bOK\x1c\x0d"))
	if len(frames) != 1 || frames[0] != "OK" {
		t.Errorf("expected [\"OK\"], got %v", frames)
	}
}

func TestFeed_RestartOnStartByteMidFrame(t *testing.T) {
	acc := NewAccumulator(time.Second)
	frames := acc.Feed([]byte("\x0blost trailer\x0bfresh\x1c\x0d"))
	if len(frames) != 1 || frames[0] != "fresh" {
		t.Errorf("expected restarted frame [\"fresh\"], got %v", frames)
	}
}

func TestFeed_MalformedTrailerDropsBuffer(t *testing.T) {
	acc := NewAccumulator(time.Second)
	frames := acc.Feed([]byte("\x0babc\x1cX"))
	if len(frames) != 0 {
		t.Fatalf("expected no frame, got %v", frames)
	}
	if acc.State() != WaitingStart {
		t.Errorf("expected WaitingStart after malformed trailer, got %v", acc.State())
	}

	// Um SB na posição do CR deve abrir um frame novo imediatamente.
	acc.Reset()
	frames = acc.Feed([]byte("\x0babc\x1c\x0bnew\x1c\x0d"))
	if len(frames) != 1 || frames[0] != "new" {
		t.Errorf("expected [\"new\"], got %v", frames)
	}
}

func TestCheckTimeout(t *testing.T) {
	acc := NewAccumulator(10 * time.Millisecond)
	acc.Feed([]byte("\x0bPartial"))

	time.Sleep(25 * time.Millisecond)

	if !acc.CheckTimeout() {
		t.Fatalf("expected timeout transition")
	}
	if acc.State() != Errored || acc.ErrorReason() != "Timeout" {
		t.Errorf("expected Errored/Timeout, got %v/%q", acc.State(), acc.ErrorReason())
	}

	// SB recupera o acumulador.
	frames := acc.Feed([]byte("\x0bafter\x1c\x0d"))
	if len(frames) != 1 || frames[0] != "after" {
		t.Errorf("expected recovery after SB, got %v", frames)
	}
}

func TestCheckTimeout_IdleWithoutFrameIsFine(t *testing.T) {
	acc := NewAccumulator(time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	if acc.CheckTimeout() {
		t.Errorf("WaitingStart must never time out")
	}
}

func TestWrap_RoundTrip(t *testing.T) {
	msg := "MSH|^~\\&|A|B|C|D|20240101||ADT^A01|42|P|2.3"
	wrapped := Wrap(msg)

	if !bytes.HasPrefix(wrapped, []byte{SB}) || !bytes.HasSuffix(wrapped, []byte{EB, CR}) {
		t.Fatalf("wrap missing delimiters: %q", wrapped)
	}

	acc := NewAccumulator(time.Second)
	frames := acc.Feed(wrapped)
	if len(frames) != 1 || frames[0] != msg {
		t.Errorf("round trip failed: %v", frames)
	}
}
