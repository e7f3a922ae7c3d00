package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/l1jgo/scriptbridge/internal/bridge/marshal"
	"github.com/l1jgo/scriptbridge/internal/core/ecs"
)

type counter struct {
	Value int
}

type addArgs struct {
	By int
}

type bank struct {
	Gold  int    `yaml:"gold"`
	Owner string `yaml:"owner"`
}

type clock struct {
	Frame uint64
}

func setup(t *testing.T) (*Registry, *ecs.World, CallContext) {
	t.Helper()
	L := lua.NewState()
	t.Cleanup(L.Close)
	w := ecs.NewWorld()
	ecs.RegisterComponent[counter](w, "Counter")
	r := New(marshal.New(), zap.NewNop())
	return r, w, CallContext{Ctx: context.Background(), L: L, World: w}
}

func addMethod1(self *counter, a addArgs) (int, error) {
	self.Value += a.By
	return self.Value, nil
}

func args(L *lua.LState, by int) lua.LValue {
	tbl := L.NewTable()
	tbl.RawSetString("by", lua.LNumber(by))
	return tbl
}

func TestComponentMethodDispatch(t *testing.T) {
	r, w, cc := setup(t)
	require.NoError(t, ComponentMethod(r, "Counter", "add", addMethod1))

	e := w.CreateEntity()
	require.NoError(t, w.InsertComponent(e, "Counter", counter{Value: 1}))
	cc.Target = e

	res, err := r.Call(cc, "Counter", "add", args(cc.L, 4))
	require.NoError(t, err)
	require.Equal(t, lua.LNumber(5), res)

	v, _ := w.Component(e, "Counter")
	require.Equal(t, 5, v.(*counter).Value, "handler mutates the stored value in place")
}

func TestDispatchErrors(t *testing.T) {
	r, w, cc := setup(t)
	require.NoError(t, ComponentMethod(r, "Counter", "add", addMethod1))
	e := w.CreateEntity()

	t.Run("unknown type", func(t *testing.T) {
		_, err := r.Call(cc, "Nope", "add", lua.LNil)
		require.ErrorIs(t, err, ErrUnknownType)
	})
	t.Run("unknown method", func(t *testing.T) {
		_, err := r.Call(cc, "Counter", "sub", lua.LNil)
		require.ErrorIs(t, err, ErrUnknownMethod)
	})
	t.Run("target missing", func(t *testing.T) {
		cc := cc
		cc.Target = e
		_, err := r.Call(cc, "Counter", "add", args(cc.L, 1))
		require.ErrorIs(t, err, ErrTargetMissing)

		var de *DispatchError
		require.True(t, errors.As(err, &de))
		require.Equal(t, "add", de.Method)
	})
	t.Run("dead entity", func(t *testing.T) {
		cc := cc
		cc.Target = ecs.NewEntityID(99, 3)
		_, err := r.Call(cc, "Counter", "add", args(cc.L, 1))
		require.ErrorIs(t, err, ErrTargetMissing)
	})
	t.Run("bad arguments", func(t *testing.T) {
		require.NoError(t, w.InsertComponent(e, "Counter", counter{}))
		cc := cc
		cc.Target = e
		tbl := cc.L.NewTable()
		tbl.RawSetString("by", lua.LNumber(1.5))
		_, err := r.Call(cc, "Counter", "add", tbl)
		require.ErrorIs(t, err, marshal.ErrLossyNumber)
	})
}

func TestWrongTarget(t *testing.T) {
	r, w, cc := setup(t)
	// same name, different Go type: the world still holds *counter
	require.NoError(t, ComponentMethod(r, "Counter", "gold", func(b *bank, _ None) (int, error) {
		return b.Gold, nil
	}))
	e := w.CreateEntity()
	require.NoError(t, w.InsertComponent(e, "Counter", counter{}))
	cc.Target = e

	_, err := r.Call(cc, "Counter", "gold", lua.LNil)
	require.ErrorIs(t, err, ErrWrongTarget)
}

func TestLastRegistrationWins(t *testing.T) {
	r, w, cc := setup(t)
	require.NoError(t, ComponentMethod(r, "Counter", "add", addMethod1))
	require.NoError(t, ComponentMethod(r, "Counter", "add", func(self *counter, a addArgs) (int, error) {
		self.Value += 100 * a.By
		return self.Value, nil
	}))
	e := w.CreateEntity()
	require.NoError(t, w.InsertComponent(e, "Counter", counter{}))
	cc.Target = e

	res, err := r.Call(cc, "Counter", "add", args(cc.L, 1))
	require.NoError(t, err)
	require.Equal(t, lua.LNumber(100), res)

	entry, ok := r.Lookup("Counter")
	require.True(t, ok)
	require.Equal(t, []string{"add"}, entry.Methods())
}

func TestResourceAndSystemParam(t *testing.T) {
	r, w, cc := setup(t)
	require.NoError(t, ResourceMethod(r, "Bank", "deposit", func(b *bank, a addArgs) (None, error) {
		b.Gold += a.By
		return None{}, nil
	}))
	_, err := r.Call(cc, "Bank", "deposit", args(cc.L, 1))
	require.ErrorIs(t, err, ErrTargetMissing)

	require.NoError(t, w.InsertResource("Bank", &bank{Gold: 10}))
	res, err := r.Call(cc, "Bank", "deposit", args(cc.L, 5))
	require.NoError(t, err)
	require.Equal(t, lua.LNil, res, "None results encode as nil")
	v, _ := w.Resource("Bank")
	require.Equal(t, 15, v.(*bank).Gold)

	require.Error(t, SystemParamMethod(r, "Clock", "frame", func(c *clock, _ None) (uint64, error) { return c.Frame, nil }))

	clk := &clock{Frame: 42}
	require.NoError(t, RegisterSystemParam(r, "Clock", func(*ecs.World) (*clock, bool) { return clk, true }))
	require.NoError(t, SystemParamMethod(r, "Clock", "frame", func(c *clock, _ None) (uint64, error) { return c.Frame, nil }))
	res, err = r.Call(cc, "Clock", "frame", lua.LNil)
	require.NoError(t, err)
	require.Equal(t, lua.LNumber(42), res)
}

func TestHandlerPanicIsReported(t *testing.T) {
	r, w, cc := setup(t)
	require.NoError(t, ComponentMethod(r, "Counter", "boom", func(*counter, None) (None, error) {
		panic("kaboom")
	}))
	e := w.CreateEntity()
	require.NoError(t, w.InsertComponent(e, "Counter", counter{}))
	cc.Target = e

	_, err := r.Call(cc, "Counter", "boom", lua.LNil)
	require.ErrorIs(t, err, ErrHandlerPanic)
}

func TestConstructor(t *testing.T) {
	r, w, cc := setup(t)
	require.NoError(t, Constructor(r, "Counter", KindComponent, func(a addArgs) (*counter, error) {
		if a.By < 0 {
			return nil, errors.New("negative start")
		}
		return &counter{Value: a.By}, nil
	}))

	_, err := r.Construct(cc, "Counter", args(cc.L, 3))
	require.ErrorIs(t, err, ErrTargetMissing)

	e := w.CreateEntity()
	cc.Target = e
	res, err := r.Construct(cc, "Counter", args(cc.L, 3))
	require.NoError(t, err)
	require.Equal(t, lua.LNumber(3), res.(*lua.LTable).RawGetString("value"))
	v, ok := w.Component(e, "Counter")
	require.True(t, ok)
	require.Equal(t, 3, v.(*counter).Value)

	_, err = r.Construct(cc, "Counter", args(cc.L, -1))
	require.EqualError(t, err, "negative start")
}

func TestResourceBuilderRollback(t *testing.T) {
	r, w, cc := setup(t)
	closed := 0
	require.NoError(t, ResourceBuilder(r, "Bank", func(st *Staging, a addArgs) (*bank, error) {
		require.NoError(t, st.InsertResource("Ledger", &counter{Value: a.By}))
		st.SetDynamicResource("audit", "opened")
		st.OnRollback(func() { closed++ })
		v, ok := st.Resource("Ledger")
		require.True(t, ok, "staged writes are visible to the builder")
		require.Equal(t, a.By, v.(*counter).Value)
		if a.By == 0 {
			return nil, errors.New("empty ledger")
		}
		return &bank{Gold: a.By}, nil
	}))

	err := r.BuildResource(cc, "Bank", args(cc.L, 0))
	require.EqualError(t, err, "empty ledger")
	require.Equal(t, 1, closed)
	_, ok := w.Resource("Ledger")
	require.False(t, ok, "failed build leaves no partial state")
	_, ok = w.DynamicResource("audit")
	require.False(t, ok)

	require.NoError(t, r.BuildResource(cc, "Bank", args(cc.L, 7)))
	require.Equal(t, 1, closed)
	v, ok := w.Resource("Bank")
	require.True(t, ok)
	require.Equal(t, 7, v.(*bank).Gold)
	_, ok = w.Resource("Ledger")
	require.True(t, ok)
	a, _ := w.DynamicResource("audit")
	require.Equal(t, "opened", a)
}

func TestSerde(t *testing.T) {
	r, w, cc := setup(t)
	require.NoError(t, Serde[bank](r, "Bank", KindResource))

	require.NoError(t, r.InsertSerialized(cc, "Bank", []byte("gold: 12\nowner: ann\n")))
	v, ok := w.Resource("Bank")
	require.True(t, ok)
	require.Equal(t, &bank{Gold: 12, Owner: "ann"}, v)

	require.NoError(t, r.InsertSerialized(cc, "Bank", []byte(`{"gold": 3}`)))
	raw, err := r.Serialized(cc, "Bank")
	require.NoError(t, err)
	require.Contains(t, string(raw), "gold: 3")

	require.Error(t, r.InsertSerialized(cc, "Bank", []byte("gold: [")))
	err = r.InsertSerialized(cc, "Counter", []byte("{}"))
	require.ErrorIs(t, err, ErrUnknownType)
}
