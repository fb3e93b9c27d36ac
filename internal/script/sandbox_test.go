// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package script

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func testEnv() *Env {
	return &Env{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestCompile_RejectsOversizedCode(t *testing.T) {
	env := testEnv()
	env.MaxCodeSize = 16
	_, err := env.Compile("return msg.content .. msg.content")
	if !errors.Is(err, ErrCodeTooLarge) {
		t.Errorf("expected ErrCodeTooLarge, got %v", err)
	}
}

func TestCompile_DenyList(t *testing.T) {
	cases := []string{
		`require("io")`,
		`dofile("/etc/passwd")`,
		`local f = loadstring("return 1")`,
		`io.open("/tmp/x")`,
		`os.execute("rm -rf /")`,
		`os.getenv("HOME")`,
		`debug.getinfo(1)`,
		`rawset(_G, "x", 1)`,
		`setmetatable({}, {})`,
		`collectgarbage("count")`,
	}
	env := testEnv()
	for _, code := range cases {
		if _, err := env.Compile(code); !errors.Is(err, ErrForbiddenPattern) {
			t.Errorf("expected ErrForbiddenPattern for %q, got %v", code, err)
		}
	}
}

func TestRunString_Uppercase(t *testing.T) {
	env := testEnv()
	s, err := env.Compile("return msg.content:upper()")
	if err != nil {
		t.Fatalf("Compile returned error: %v", err)
	}
	out, err := s.RunString(context.Background(), Msg{ID: "1", Content: "hello", Origin: "test"})
	if err != nil {
		t.Fatalf("RunString returned error: %v", err)
	}
	if out != "HELLO" {
		t.Errorf("expected %q, got %q", "HELLO", out)
	}
}

func TestRunString_MessageFieldsVisible(t *testing.T) {
	env := testEnv()
	s, err := env.Compile(`return msg.id .. "/" .. msg.origin`)
	if err != nil {
		t.Fatalf("Compile returned error: %v", err)
	}
	out, err := s.RunString(context.Background(), Msg{ID: "abc", Content: "x", Origin: "Manual Injection"})
	if err != nil {
		t.Fatalf("RunString returned error: %v", err)
	}
	if out != "abc/Manual Injection" {
		t.Errorf("unexpected output %q", out)
	}
}

func TestRunString_NonStringReturnIsError(t *testing.T) {
	env := testEnv()
	s, _ := env.Compile("return 42")
	if _, err := s.RunString(context.Background(), Msg{}); !errors.Is(err, ErrNotString) {
		t.Errorf("expected ErrNotString, got %v", err)
	}
}

func TestRunString_RuntimeErrorPropagates(t *testing.T) {
	env := testEnv()
	s, _ := env.Compile(`error("boom")`)
	_, err := s.RunString(context.Background(), Msg{})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("expected script error carrying message, got %v", err)
	}
}

func TestRunBool_FilterCondition(t *testing.T) {
	env := testEnv()
	s, err := env.Compile(`return msg.content ~= "DROP"`)
	if err != nil {
		t.Fatalf("Compile returned error: %v", err)
	}

	pass, isBool, err := s.RunBool(context.Background(), Msg{Content: "keep me"})
	if err != nil || !isBool || !pass {
		t.Errorf("expected pass=true isBool=true, got pass=%v isBool=%v err=%v", pass, isBool, err)
	}

	pass, isBool, err = s.RunBool(context.Background(), Msg{Content: "DROP"})
	if err != nil || !isBool || pass {
		t.Errorf("expected pass=false isBool=true, got pass=%v isBool=%v err=%v", pass, isBool, err)
	}
}

func TestRunBool_NonBooleanReturn(t *testing.T) {
	env := testEnv()
	cases := []string{`return "yes"`, `return 1`, `return nil`, `return`}
	for _, code := range cases {
		s, err := env.Compile(code)
		if err != nil {
			t.Fatalf("Compile(%q) returned error: %v", code, err)
		}
		_, isBool, err := s.RunBool(context.Background(), Msg{})
		if err != nil {
			t.Errorf("RunBool(%q) returned error: %v", code, err)
		}
		if isBool {
			t.Errorf("RunBool(%q): expected isBool=false", code)
		}
	}
}

func TestRun_ContextCancelStopsBusyLoop(t *testing.T) {
	env := testEnv()
	s, _ := env.Compile("while true do end")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := s.RunVoid(ctx, Msg{}); err == nil {
		t.Errorf("expected cancellation error from busy loop")
	}
}

func TestSandbox_DynamicLoadersAreNil(t *testing.T) {
	env := testEnv()
	s, _ := env.Compile("return tostring(load)")
	out, err := s.RunString(context.Background(), Msg{})
	if err != nil {
		t.Fatalf("RunString returned error: %v", err)
	}
	if out != "nil" {
		t.Errorf("expected load to be nil in sandbox, got %q", out)
	}
}

func TestSandbox_RestrictedOsKeepsDate(t *testing.T) {
	env := testEnv()
	s, _ := env.Compile(`return os.date("%Y") .. "/" .. tostring(os.execute)`)
	out, err := s.RunString(context.Background(), Msg{})
	if err != nil {
		t.Fatalf("RunString returned error: %v", err)
	}
	parts := strings.Split(out, "/")
	if len(parts) != 2 {
		t.Fatalf("unexpected output %q", out)
	}
	if len(parts[0]) != 4 {
		t.Errorf("expected 4-digit year from os.date, got %q", parts[0])
	}
	if parts[1] != "nil" {
		t.Errorf("expected os.execute scrubbed, got %q", parts[1])
	}
}

func TestJSONHelper_RoundTrip(t *testing.T) {
	env := testEnv()
	s, err := env.Compile(`
local obj = json.decode(msg.content)
obj.patient.age = obj.patient.age + 1
return json.encode(obj.patient.age)`)
	if err != nil {
		t.Fatalf("Compile returned error: %v", err)
	}
	out, err := s.RunString(context.Background(), Msg{Content: `{"patient": {"age": 41}}`})
	if err != nil {
		t.Fatalf("RunString returned error: %v", err)
	}
	if out != "42" {
		t.Errorf("expected %q, got %q", "42", out)
	}
}

func TestHL7Helper_Parse(t *testing.T) {
	env := testEnv()
	s, err := env.Compile(`
local parsed = hl7.parse(msg.content)
return parsed["PID"][4]`)
	if err != nil {
		t.Fatalf("Compile returned error: %v", err)
	}
	content := "MSH|^~\\&|APP|FAC\rPID|1|12345|DOE^JOHN"
	out, err := s.RunString(context.Background(), Msg{Content: content})
	if err != nil {
		t.Fatalf("RunString returned error: %v", err)
	}
	if out != "DOE^JOHN" {
		t.Errorf("expected %q, got %q", "DOE^JOHN", out)
	}
}

func TestHL7Helper_ToJSON(t *testing.T) {
	env := testEnv()
	s, err := env.Compile(`return hl7.to_json(msg.content)`)
	if err != nil {
		t.Fatalf("Compile returned error: %v", err)
	}
	out, err := s.RunString(context.Background(), Msg{Content: "MSH|^~\\&|APP\rPID|1"})
	if err != nil {
		t.Fatalf("RunString returned error: %v", err)
	}
	if !strings.Contains(out, `"MSH"`) || !strings.Contains(out, `"PID"`) {
		t.Errorf("expected JSON with MSH and PID keys, got %q", out)
	}
}

func TestLogHelper_WritesWithPrefix(t *testing.T) {
	var buf bytes.Buffer
	env := &Env{Logger: slog.New(slog.NewTextHandler(&buf, nil))}

	s, err := env.Compile(`
log("called directly")
log.warn("warned")`)
	if err != nil {
		t.Fatalf("Compile returned error: %v", err)
	}
	if err := s.RunVoid(context.Background(), Msg{}); err != nil {
		t.Fatalf("RunVoid returned error: %v", err)
	}

	logged := buf.String()
	if !strings.Contains(logged, "[LUA] called directly") {
		t.Errorf("expected __call to log as info, got %q", logged)
	}
	if !strings.Contains(logged, "[LUA] warned") || !strings.Contains(logged, "WARN") {
		t.Errorf("expected warn entry, got %q", logged)
	}
}
