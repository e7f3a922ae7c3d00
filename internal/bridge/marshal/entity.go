package marshal

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/l1jgo/scriptbridge/internal/core/ecs"
)

// EntityTypeName is the metatable name of entity userdata.
const EntityTypeName = "Entity"

// RegisterEntityType installs the Entity metatable into L. Must run once per
// state before entities are encoded into it.
func RegisterEntityType(L *lua.LState) {
	mt := L.NewTypeMetatable(EntityTypeName)
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"id": func(L *lua.LState) int {
			L.Push(lua.LString(checkEntity(L, 1).String()))
			return 1
		},
		"index": func(L *lua.LState) int {
			L.Push(lua.LNumber(checkEntity(L, 1).Index()))
			return 1
		},
		"generation": func(L *lua.LState) int {
			L.Push(lua.LNumber(checkEntity(L, 1).Generation()))
			return 1
		},
	}))
	L.SetField(mt, "__tostring", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString("Entity(" + checkEntity(L, 1).String() + ")"))
		return 1
	}))
	L.SetField(mt, "__eq", L.NewFunction(func(L *lua.LState) int {
		a, aok := EntityFromValue(L.Get(1))
		b, bok := EntityFromValue(L.Get(2))
		L.Push(lua.LBool(aok && bok && a == b))
		return 1
	}))
}

// EntityValue wraps id as Entity userdata.
func EntityValue(L *lua.LState, id ecs.EntityID) lua.LValue {
	ud := L.NewUserData()
	ud.Value = id
	L.SetMetatable(ud, L.GetTypeMetatable(EntityTypeName))
	return ud
}

// EntityFromValue unwraps Entity userdata.
func EntityFromValue(v lua.LValue) (ecs.EntityID, bool) {
	ud, ok := v.(*lua.LUserData)
	if !ok {
		return 0, false
	}
	id, ok := ud.Value.(ecs.EntityID)
	return id, ok
}

func checkEntity(L *lua.LState, n int) ecs.EntityID {
	id, ok := EntityFromValue(L.Get(n))
	if !ok {
		L.ArgError(n, "Entity expected")
	}
	return id
}
