// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package mllp

import (
	"strings"
	"testing"
)

func TestBuildACK_SwapsApplicationAndFacility(t *testing.T) {
	in := "MSH|^~\\&|HIS|Hospital|Mirth|System|20231010120000||ADT^A01|MSG12345|P|2.3\rPID|..."
	ack := BuildACK(in)

	if !strings.HasPrefix(ack, "\x0bMSH") {
		t.Errorf("ACK must start with SB+MSH, got %q", ack[:8])
	}
	if !strings.Contains(ack, "|Mirth|System|HIS|Hospital|") {
		t.Errorf("sender/receiver not swapped: %q", ack)
	}
	if !strings.Contains(ack, "|ACK|") {
		t.Errorf("message type must be ACK: %q", ack)
	}
	if !strings.Contains(ack, "MSA|AA|MSG12345") {
		t.Errorf("MSA must echo original control id: %q", ack)
	}
	if !strings.HasSuffix(ack, "\x1c\x0d") {
		t.Errorf("ACK must end with EB+CR: %q", ack)
	}
}

func TestBuildACK_FreshControlID(t *testing.T) {
	in := "MSH|^~\\&|A|B|C|D|20231010120000||ADT^A01|CTL1|P|2.3"
	a1 := BuildACK(in)
	a2 := BuildACK(in)
	if a1 == a2 {
		t.Errorf("expected distinct control ids across ACKs")
	}
}

func TestBuildACK_TruncatedMSHFallsBack(t *testing.T) {
	cases := []string{
		"",
		"MSH|^~\\&|OnlyThree",
		"PID|1|no msh at all",
	}
	for _, in := range cases {
		ack := BuildACK(in)
		if !strings.HasPrefix(ack, "\x0bMSA|AA|Unknown|") || !strings.HasSuffix(ack, "\x1c\x0d") {
			t.Errorf("input %q: expected minimal MSA fallback, got %q", in, ack)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		resp string
		want AckStatus
	}{
		{"MSH|^~\\&|A|B|C|D|ts||ACK|1|P|2.3\rMSA|AA|MSG1", AckPositive},
		{"MSA|CA|MSG1", AckPositive},
		{"MSA|AE|MSG1|Application Error", AckNegative},
		{"MSA|CE|MSG1", AckNegative},
		{"MSA|AR|MSG1", AckNegative},
		{"MSA|CR|MSG1", AckNegative},
		{"MSA|ZZ|weird code", AckPositive}, // MSA presente conta como positivo
		{"HTTP/1.1 200 OK", AckInvalid},
		{"", AckInvalid},
	}
	for _, tc := range cases {
		if got := Classify(tc.resp); got != tc.want {
			t.Errorf("Classify(%q) = %v, want %v", tc.resp, got, tc.want)
		}
	}
}
