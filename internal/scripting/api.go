package scripting

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/l1jgo/scriptbridge/internal/bridge"
	"github.com/l1jgo/scriptbridge/internal/bridge/marshal"
	"github.com/l1jgo/scriptbridge/internal/core/ecs"
)

// install exposes the bridge module as the global `bridge` and to require.
func (st *state) install() {
	mod := st.L.SetFuncs(st.L.NewTable(), map[string]lua.LGFunction{
		"call":              st.apiCall,
		"construct":         st.apiConstruct,
		"build_resource":    st.apiBuildResource,
		"insert_serialized": st.apiInsertSerialized,
		"serialize":         st.apiSerialize,
		"spawn":             st.apiSpawn,
		"despawn":           st.apiDespawn,
		"update":            st.apiUpdate,
		"remove":            st.apiRemove,
		"insert_resource":   st.apiInsertResource,
		"resource":          st.apiResource,
		"query":             st.apiQuery,
		"query_removed":     st.apiQueryRemoved,
		"read_events":       st.apiReadEvents,
		"write_event":       st.apiWriteEvent,
		"register_system":   st.apiRegisterSystem,
		"task":              st.apiTask,
		"stop":              st.apiStop,
		"instance_id":       st.apiInstanceID,
		"frame":             st.apiFrame,
		"log":               st.apiLog,
	})
	st.L.SetGlobal("bridge", mod)
	st.L.PreloadModule("bridge", func(L *lua.LState) int {
		L.Push(mod)
		return 1
	})
}

// fail returns nil, message, kind: the script-side shape of every failure.
func fail(L *lua.LState, err error) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(err.Error()))
	L.Push(lua.LString(bridge.ErrorKind(err)))
	return 3
}

func ok(L *lua.LState) int {
	L.Push(lua.LTrue)
	return 1
}

// optEntity reads an optional entity argument; nil means none.
func optEntity(L *lua.LState, n int) (ecs.EntityID, error) {
	v := L.Get(n)
	if v == lua.LNil {
		return 0, nil
	}
	id, isEntity := marshal.EntityFromValue(v)
	if !isEntity {
		return 0, fmt.Errorf("argument #%d: expected Entity, got %s", n, v.Type())
	}
	return id, nil
}

func entityArg(L *lua.LState, n int) (ecs.EntityID, error) {
	id, err := optEntity(L, n)
	if err == nil && id.IsZero() {
		err = fmt.Errorf("argument #%d: expected Entity, got nil", n)
	}
	return id, err
}

// bridge.call(type, method, target, args)
func (st *state) apiCall(L *lua.LState) int {
	typeName, method := L.CheckString(1), L.CheckString(2)
	target, err := optEntity(L, 3)
	if err != nil {
		return fail(L, err)
	}
	res, err := st.e.b.CallMethod(st.caller(), typeName, method, target, L.Get(4))
	if err != nil {
		return fail(L, err)
	}
	L.Push(res)
	return 1
}

// bridge.construct(type, target, data)
func (st *state) apiConstruct(L *lua.LState) int {
	typeName := L.CheckString(1)
	target, err := optEntity(L, 2)
	if err != nil {
		return fail(L, err)
	}
	res, err := st.e.b.Construct(st.caller(), typeName, target, L.Get(3))
	if err != nil {
		return fail(L, err)
	}
	L.Push(res)
	return 1
}

// bridge.build_resource(type, data)
func (st *state) apiBuildResource(L *lua.LState) int {
	if err := st.e.b.BuildResource(st.caller(), L.CheckString(1), L.Get(2)); err != nil {
		return fail(L, err)
	}
	return ok(L)
}

// bridge.insert_serialized(type, target, text)
func (st *state) apiInsertSerialized(L *lua.LState) int {
	typeName := L.CheckString(1)
	target, err := optEntity(L, 2)
	if err != nil {
		return fail(L, err)
	}
	if err := st.e.b.InsertSerialized(st.caller(), typeName, target, []byte(L.CheckString(3))); err != nil {
		return fail(L, err)
	}
	return ok(L)
}

// bridge.serialize(type, target) -> text
func (st *state) apiSerialize(L *lua.LState) int {
	typeName := L.CheckString(1)
	target, err := optEntity(L, 2)
	if err != nil {
		return fail(L, err)
	}
	raw, err := st.e.b.Serialize(st.caller(), typeName, target)
	if err != nil {
		return fail(L, err)
	}
	L.Push(lua.LString(raw))
	return 1
}

// bridge.spawn(components) -> Entity
func (st *state) apiSpawn(L *lua.LState) int {
	id, err := st.e.b.Spawn(st.caller(), L.OptTable(1, nil))
	if err != nil {
		return fail(L, err)
	}
	L.Push(marshal.EntityValue(L, id))
	return 1
}

// bridge.despawn(entity)
func (st *state) apiDespawn(L *lua.LState) int {
	id, err := entityArg(L, 1)
	if err == nil {
		err = st.e.b.Despawn(st.caller(), id)
	}
	if err != nil {
		return fail(L, err)
	}
	return ok(L)
}

// bridge.update(entity, name, value)
func (st *state) apiUpdate(L *lua.LState) int {
	id, err := entityArg(L, 1)
	if err == nil {
		err = st.e.b.UpdateComponent(st.caller(), id, L.CheckString(2), L.Get(3))
	}
	if err != nil {
		return fail(L, err)
	}
	return ok(L)
}

// bridge.remove(entity, name)
func (st *state) apiRemove(L *lua.LState) int {
	id, err := entityArg(L, 1)
	if err == nil {
		err = st.e.b.RemoveComponent(st.caller(), id, L.CheckString(2))
	}
	if err != nil {
		return fail(L, err)
	}
	return ok(L)
}

// bridge.insert_resource(name, value)
func (st *state) apiInsertResource(L *lua.LState) int {
	if err := st.e.b.InsertResource(st.caller(), L.CheckString(1), L.Get(2)); err != nil {
		return fail(L, err)
	}
	return ok(L)
}

// bridge.resource(name) -> value or nil
func (st *state) apiResource(L *lua.LState) int {
	v, err := st.e.b.Resource(st.caller(), L.CheckString(1))
	if err != nil {
		return fail(L, err)
	}
	L.Push(v)
	return 1
}

// bridge.query({names...}) or bridge.query(name, ...) -> rows
func (st *state) apiQuery(L *lua.LState) int {
	var names []string
	if tbl, isTable := L.Get(1).(*lua.LTable); isTable {
		for i := 1; i <= tbl.Len(); i++ {
			name, isString := tbl.RawGetInt(i).(lua.LString)
			if !isString {
				return fail(L, &marshal.Error{
					Phase:      marshal.PhaseDecode,
					Kind:       marshal.KindTypeMismatch,
					Path:       []string{fmt.Sprintf("[%d]", i)},
					HostType:   "string",
					ScriptType: tbl.RawGetInt(i).Type().String(),
				})
			}
			names = append(names, string(name))
		}
	} else {
		for i := 1; i <= L.GetTop(); i++ {
			names = append(names, L.CheckString(i))
		}
	}
	res, err := st.e.b.Query(names)
	if err != nil {
		return fail(L, err)
	}
	rows, err := st.e.b.EncodeQuery(L, res)
	if err != nil {
		return fail(L, err)
	}
	L.Push(rows)
	return 1
}

// bridge.query_removed(name) -> { Entity... }
func (st *state) apiQueryRemoved(L *lua.LState) int {
	ids := st.e.b.QueryRemoved(L.CheckString(1))
	out := L.CreateTable(len(ids), 0)
	for i, id := range ids {
		out.RawSetInt(i+1, marshal.EntityValue(L, id))
	}
	L.Push(out)
	return 1
}

// bridge.read_events(type) -> { {id, frame, value}... }
func (st *state) apiReadEvents(L *lua.LState) int {
	envs := st.e.b.ReadEvents(st.caller(), L.CheckString(1))
	out, err := st.e.b.EncodeEvents(L, envs)
	if err != nil {
		return fail(L, err)
	}
	L.Push(out)
	return 1
}

// bridge.write_event(type, value)
func (st *state) apiWriteEvent(L *lua.LState) int {
	if err := st.e.b.WriteEvent(st.caller(), L.CheckString(1), L.Get(2)); err != nil {
		return fail(L, err)
	}
	return ok(L)
}

// bridge.register_system(name, fn)
func (st *state) apiRegisterSystem(L *lua.LState) int {
	name, fn := L.CheckString(1), L.CheckFunction(2)
	if err := st.e.b.RegisterSystem(st.id, name, st.system(name, fn)); err != nil {
		return fail(L, err)
	}
	return ok(L)
}

// bridge.task(fn): run fn as a coroutine; coroutine.yield(n) waits n frames,
// coroutine.yield(pred) waits until pred() is true.
func (st *state) apiTask(L *lua.LState) int {
	if err := st.startTask(L.CheckFunction(1), st.e.b.Frame()); err != nil {
		return fail(L, err)
	}
	return ok(L)
}

// bridge.stop(): stop this instance after the current call.
func (st *state) apiStop(L *lua.LState) int {
	L.Push(lua.LBool(st.e.b.StopInstance(st.id)))
	return 1
}

func (st *state) apiInstanceID(L *lua.LState) int {
	L.Push(lua.LNumber(st.id))
	return 1
}

func (st *state) apiFrame(L *lua.LState) int {
	L.Push(lua.LNumber(st.e.b.Frame()))
	return 1
}

// bridge.log(level, message)
func (st *state) apiLog(L *lua.LState) int {
	level, msg := L.CheckString(1), L.CheckString(2)
	fields := []zap.Field{zap.Uint64("instance", st.id), zap.String("path", st.path)}
	switch level {
	case "debug":
		st.e.log.Debug(msg, fields...)
	case "warn":
		st.e.log.Warn(msg, fields...)
	case "error":
		st.e.log.Error(msg, fields...)
	default:
		st.e.log.Info(msg, fields...)
	}
	return 0
}
