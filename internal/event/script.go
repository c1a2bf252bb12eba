// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Leyline Contributors

package event

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"
)

// SubscribeScript registers a Lua chunk as an event handler. The chunk must
// define a global on_event(event) function; it runs in a fresh Lua state per
// delivery. on_event may return a list of {type=..., data=...} tables, which
// are published as follow-up events from source "script:<name>".
//
// An emitted event whose type matches the script's own pattern is dropped:
// a script feeding itself would recurse without bound.
func (b *Bus) SubscribeScript(name, pattern, source string, opts ...SubscribeOption) (ulid.ULID, error) {
	if name == "" {
		return ulid.ULID{}, oops.In("events").Code("SCRIPT_INVALID").New("script name cannot be empty")
	}

	// Validate the chunk up front in a throwaway state.
	L := lua.NewState()
	defer L.Close()
	if err := L.DoString(source); err != nil {
		return ulid.ULID{}, oops.In("events").Code("SCRIPT_INVALID").With("script", name).Hint("chunk failed to load").Wrap(err)
	}
	if L.GetGlobal("on_event").Type() != lua.LTFunction {
		return ulid.ULID{}, oops.In("events").Code("SCRIPT_INVALID").With("script", name).New("script does not define on_event")
	}

	var selfMatch func(string) bool
	if IsWildcard(pattern) {
		g, err := compileWildcard(pattern)
		if err != nil {
			return ulid.ULID{}, err
		}
		selfMatch = g.Match
	} else {
		selfMatch = func(t string) bool { return t == pattern }
	}

	handler := func(ctx context.Context, evt Event) error {
		emits, err := b.runScript(ctx, name, source, evt)
		if err != nil {
			return err
		}
		for _, em := range emits {
			if selfMatch(em.eventType) {
				b.logger.Warn("script emit dropped: would re-trigger the emitting script",
					"script", name,
					"event_type", em.eventType)
				continue
			}
			if _, pubErr := b.Publish(ctx, em.eventType, em.data, FromSource("script:"+name)); pubErr != nil {
				b.logger.Warn("script emit publish failed",
					"script", name,
					"event_type", em.eventType,
					"error", pubErr)
			}
		}
		return nil
	}

	return b.Subscribe(pattern, handler, opts...)
}

type scriptEmit struct {
	eventType string
	data      map[string]any
}

// runScript executes the chunk and calls on_event with the event table.
func (b *Bus) runScript(ctx context.Context, name, source string, evt Event) ([]scriptEmit, error) {
	L := lua.NewState()
	defer L.Close()
	L.SetContext(ctx)

	if err := L.DoString(source); err != nil {
		return nil, oops.In("events").Code("SCRIPT_INVALID").With("script", name).Hint("chunk failed to load").Wrap(err)
	}

	onEvent := L.GetGlobal("on_event")
	if onEvent.Type() != lua.LTFunction {
		return nil, oops.In("events").Code("SCRIPT_INVALID").With("script", name).New("script does not define on_event")
	}

	if err := L.CallByParam(lua.P{
		Fn:      onEvent,
		NRet:    1,
		Protect: true,
	}, buildEventTable(L, evt)); err != nil {
		return nil, oops.In("events").Code("SCRIPT_FAILED").With("script", name).With("event_type", evt.Type).Wrap(err)
	}

	ret := L.Get(-1)
	L.Pop(1)

	emits, validationErrs := parseScriptEmits(ret)
	if len(validationErrs) > 0 {
		b.logger.Warn("script emit validation errors",
			"script", name,
			"error_count", len(validationErrs),
			"errors", validationErrs)
	}
	return emits, nil
}

// buildEventTable converts an event to the Lua table handed to on_event.
func buildEventTable(L *lua.LState, evt Event) *lua.LTable {
	t := L.NewTable()
	L.SetField(t, "id", lua.LString(evt.ID.String()))
	L.SetField(t, "type", lua.LString(evt.Type))
	L.SetField(t, "source", lua.LString(evt.Source))
	L.SetField(t, "priority", lua.LNumber(evt.Priority))
	L.SetField(t, "timestamp", lua.LNumber(evt.Timestamp.Unix()))
	L.SetField(t, "data", luaValue(L, evt.Data))
	return t
}

// luaValue converts a JSON-shaped Go value into a Lua value.
func luaValue(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, item := range val {
			L.SetField(t, k, luaValue(L, item))
		}
		return t
	case []any:
		t := L.NewTable()
		for _, item := range val {
			t.Append(luaValue(L, item))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// goValue converts a Lua value back into a JSON-shaped Go value.
func goValue(v lua.LValue) any {
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
		// A table with sequential numeric keys is a list.
		if n := val.MaxN(); n > 0 {
			list := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				list = append(list, goValue(val.RawGetInt(i)))
			}
			return list
		}
		m := make(map[string]any)
		val.ForEach(func(k, item lua.LValue) {
			m[k.String()] = goValue(item)
		})
		return m
	default:
		return v.String()
	}
}

// parseScriptEmits validates the on_event return value. Invalid entries are
// skipped and reported; valid entries still go through.
func parseScriptEmits(ret lua.LValue) (emits []scriptEmit, validationErrs []string) {
	if ret.Type() == lua.LTNil {
		return nil, nil
	}

	table, ok := ret.(*lua.LTable)
	if !ok {
		return nil, []string{"returned non-table value: " + ret.Type().String()}
	}

	index := 0
	table.ForEach(func(_, v lua.LValue) {
		index++

		entry, ok := v.(*lua.LTable)
		if !ok {
			validationErrs = append(validationErrs,
				fmt.Sprintf("entry[%d]: expected table, got %s", index, v.Type().String()))
			return
		}

		eventType := entry.RawGetString("type")
		if eventType.Type() != lua.LTString || eventType.String() == "" {
			validationErrs = append(validationErrs,
				fmt.Sprintf("entry[%d]: missing required 'type' field", index))
			return
		}

		var data map[string]any
		if raw := entry.RawGetString("data"); raw.Type() != lua.LTNil {
			converted, isMap := goValue(raw).(map[string]any)
			if !isMap {
				validationErrs = append(validationErrs,
					fmt.Sprintf("entry[%d]: 'data' must be a table (type=%s)", index, eventType.String()))
				return
			}
			data = converted
		}

		emits = append(emits, scriptEmit{eventType: eventType.String(), data: data})
	})

	return emits, validationErrs
}
