// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package script executa código Lua de usuário em um sandbox: sem filesystem,
// sem processos, sem carregamento dinâmico, com teto de memória e de tamanho
// de código. As únicas capacidades ambientes são log, json, hl7 e um subconjunto
// temporal de os (date, time, difftime, clock).
package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"golang.org/x/time/rate"
)

// Limites default do sandbox.
const (
	DefaultMemoryLimitMB = 10
	DefaultMaxCodeSize   = 64 * 1024
)

// Erros do sandbox.
var (
	ErrCodeTooLarge     = errors.New("script: code exceeds size limit")
	ErrForbiddenPattern = errors.New("script: forbidden pattern in code")
	ErrNotString        = errors.New("script: code did not return a string")
)

// forbiddenPatterns é a deny-list aplicada por varredura textual antes do
// parse: carregadores dinâmicos, APIs de arquivo/processo, acessores raw/debug
// e truques com a tabela global.
var forbiddenPatterns = []string{
	"require", "dofile", "loadfile", "loadstring", "load(",
	"io.", "os.execute", "os.remove", "os.rename", "os.exit",
	"os.getenv", "os.tmpname", "popen", "package",
	"debug", "rawget", "rawset", "rawequal", "string.dump",
	"_G", "getfenv", "setfenv", "getmetatable", "setmetatable",
	"collectgarbage", "coroutine",
}

// Msg é a visão da mensagem exposta ao script como tabela global `msg`.
type Msg struct {
	ID      string
	Content string
	Origin  string
}

// Env carrega as dependências e limites compartilhados pelos scripts de um canal.
type Env struct {
	Logger        *slog.Logger
	MemoryLimitMB int
	MaxCodeSize   int
}

// Script é um código de usuário validado, pronto para execução.
// Cada execução roda em um estado Lua novo; nada sobrevive entre mensagens.
type Script struct {
	env        *Env
	code       string
	logLimiter *rate.Limiter
}

// Compile valida tamanho e deny-list e retorna o script pronto.
func (e *Env) Compile(code string) (*Script, error) {
	maxSize := e.MaxCodeSize
	if maxSize <= 0 {
		maxSize = DefaultMaxCodeSize
	}
	if len(code) > maxSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrCodeTooLarge, len(code), maxSize)
	}
	for _, p := range forbiddenPatterns {
		if strings.Contains(code, p) {
			return nil, fmt.Errorf("%w: %q", ErrForbiddenPattern, p)
		}
	}
	return &Script{
		env:        e,
		code:       code,
		logLimiter: rate.NewLimiter(rate.Limit(10), 20),
	}, nil
}

// RunString executa o script e espera uma string de retorno (novo content).
func (s *Script) RunString(ctx context.Context, msg Msg) (string, error) {
	v, err := s.run(ctx, msg)
	if err != nil {
		return "", err
	}
	str, ok := v.(lua.LString)
	if !ok {
		return "", ErrNotString
	}
	return string(str), nil
}

// RunBool executa o script e interpreta o retorno como booleano.
// isBool indica se o valor retornado era de fato um boolean Lua.
func (s *Script) RunBool(ctx context.Context, msg Msg) (result bool, isBool bool, err error) {
	v, err := s.run(ctx, msg)
	if err != nil {
		return false, false, err
	}
	if b, ok := v.(lua.LBool); ok {
		return bool(b), true, nil
	}
	return false, false, nil
}

// RunVoid executa o script apenas pelos efeitos colaterais.
func (s *Script) RunVoid(ctx context.Context, msg Msg) error {
	_, err := s.run(ctx, msg)
	return err
}

func (s *Script) run(ctx context.Context, msg Msg) (lua.LValue, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()

	limit := s.env.MemoryLimitMB
	if limit <= 0 {
		limit = DefaultMemoryLimitMB
	}
	L.SetMx(limit)
	L.SetContext(ctx)

	s.openSandboxedLibs(L)
	registerLogHelper(L, s.env.Logger, s.logLimiter)
	registerJSONHelper(L)
	registerHL7Helper(L)

	msgTable := L.NewTable()
	L.SetField(msgTable, "id", lua.LString(msg.ID))
	L.SetField(msgTable, "content", lua.LString(msg.Content))
	L.SetField(msgTable, "origin", lua.LString(msg.Origin))
	L.SetGlobal("msg", msgTable)

	// O wrapper permite que o código use `return` no nível do script.
	wrapped := fmt.Sprintf("local function run(msg)\n%s\nend\nreturn run(msg)", s.code)
	if err := L.DoString(wrapped); err != nil {
		return nil, fmt.Errorf("script: %w", err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	return ret, nil
}

// openSandboxedLibs abre apenas base, table, string, math e um os reduzido,
// removendo da base todo acesso a carga dinâmica e introspecção.
func (s *Script) openSandboxedLibs(L *lua.LState) {
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.OsLibName, lua.OpenOs},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	for _, g := range []string{
		"dofile", "loadfile", "load", "loadstring", "require", "module",
		"getfenv", "setfenv", "rawget", "rawset", "rawequal",
		"getmetatable", "setmetatable", "collectgarbage", "_G", "package",
	} {
		L.SetGlobal(g, lua.LNil)
	}

	if osTable, ok := L.GetGlobal(lua.OsLibName).(*lua.LTable); ok {
		for _, fn := range []string{
			"execute", "exit", "getenv", "remove", "rename", "setenv",
			"setlocale", "tmpname",
		} {
			L.SetField(osTable, fn, lua.LNil)
		}
	}
}
