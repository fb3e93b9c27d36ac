// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package script

import (
	"encoding/json"
	"log/slog"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"golang.org/x/time/rate"
)

// registerLogHelper expõe a tabela global `log` (info/warn/error/debug).
// `log("x")` equivale a `log.info("x")`. O limiter segura scripts que logam
// em loop; excedentes são descartados em silêncio.
func registerLogHelper(L *lua.LState, logger *slog.Logger, limiter *rate.Limiter) {
	emit := func(level slog.Level) lua.LGFunction {
		return func(L *lua.LState) int {
			text := L.CheckString(1)
			if limiter.Allow() {
				logger.Log(L.Context(), level, "[LUA] "+text)
			}
			return 0
		}
	}

	logTable := L.NewTable()
	L.SetField(logTable, "info", L.NewFunction(emit(slog.LevelInfo)))
	L.SetField(logTable, "warn", L.NewFunction(emit(slog.LevelWarn)))
	L.SetField(logTable, "error", L.NewFunction(emit(slog.LevelError)))
	L.SetField(logTable, "debug", L.NewFunction(emit(slog.LevelDebug)))

	mt := L.NewTable()
	L.SetField(mt, "__call", L.NewFunction(func(L *lua.LState) int {
		L.CheckTable(1)
		text := L.CheckString(2)
		if limiter.Allow() {
			logger.Log(L.Context(), slog.LevelInfo, "[LUA] "+text)
		}
		return 0
	}))
	L.SetMetatable(logTable, mt)

	L.SetGlobal("log", logTable)
}

// registerJSONHelper expõe json.encode(valor) e json.decode(texto).
func registerJSONHelper(L *lua.LState) {
	jsonTable := L.NewTable()

	L.SetField(jsonTable, "encode", L.NewFunction(func(L *lua.LState) int {
		data, err := json.Marshal(luaToGo(L.CheckAny(1)))
		if err != nil {
			L.RaiseError("json encode: %v", err)
			return 0
		}
		L.Push(lua.LString(data))
		return 1
	}))

	L.SetField(jsonTable, "decode", L.NewFunction(func(L *lua.LState) int {
		var v any
		if err := json.Unmarshal([]byte(L.CheckString(1)), &v); err != nil {
			L.RaiseError("json decode: %v", err)
			return 0
		}
		L.Push(goToLua(L, v))
		return 1
	}))

	L.SetGlobal("json", jsonTable)
}

// registerHL7Helper expõe hl7.parse(texto) e hl7.to_json(texto).
// parse retorna tabela[segmento] = {campos 1-based, campo 1 = nome do
// segmento}; segmentos repetidos são sobrescritos (último vence).
func registerHL7Helper(L *lua.LState) {
	hl7Table := L.NewTable()

	L.SetField(hl7Table, "parse", L.NewFunction(func(L *lua.LState) int {
		content := L.CheckString(1)
		parsed := L.NewTable()
		for _, segment := range strings.Split(content, "\r") {
			if strings.TrimSpace(segment) == "" {
				continue
			}
			fields := strings.Split(segment, "|")
			segTable := L.NewTable()
			for i, f := range fields {
				segTable.RawSetInt(i+1, lua.LString(f))
			}
			parsed.RawSetString(fields[0], segTable)
		}
		L.Push(parsed)
		return 1
	}))

	L.SetField(hl7Table, "to_json", L.NewFunction(func(L *lua.LState) int {
		content := L.CheckString(1)
		m := make(map[string][]string)
		for _, segment := range strings.Split(content, "\r") {
			if strings.TrimSpace(segment) == "" {
				continue
			}
			fields := strings.Split(segment, "|")
			m[fields[0]] = fields
		}
		data, err := json.Marshal(m)
		if err != nil {
			L.Push(lua.LString("{}"))
			return 1
		}
		L.Push(lua.LString(data))
		return 1
	}))

	L.SetGlobal("hl7", hl7Table)
}

// luaToGo converte valores Lua para o modelo do encoding/json. Tabelas com
// parte array não vazia viram slices; as demais viram mapas. Funções e
// userdata não têm representação e viram nil.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		if n := val.Len(); n > 0 {
			arr := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				arr = append(arr, luaToGo(val.RawGetInt(i)))
			}
			return arr
		}
		m := make(map[string]any)
		val.ForEach(func(k, item lua.LValue) {
			m[k.String()] = luaToGo(item)
		})
		return m
	default:
		return nil
	}
}

// goToLua converte o modelo do encoding/json para valores Lua.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			tbl.RawSetInt(i+1, goToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			tbl.RawSetString(k, goToLua(L, item))
		}
		return tbl
	default:
		return lua.LNil
	}
}
