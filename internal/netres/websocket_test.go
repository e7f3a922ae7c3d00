package netres

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/l1jgo/scriptbridge/internal/bridge/marshal"
	"github.com/l1jgo/scriptbridge/internal/bridge/registry"
	"github.com/l1jgo/scriptbridge/internal/core/ecs"
)

func echoServer(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, []byte("echo:"+string(data))); err != nil {
				return
			}
		}
	}))
	t.Cleanup(s.Close)
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func setup(t *testing.T) (*registry.Registry, registry.CallContext) {
	t.Helper()
	L := lua.NewState()
	t.Cleanup(L.Close)
	reg := registry.New(marshal.New(), zap.NewNop())
	require.NoError(t, RegisterLink(reg, nil, zap.NewNop()))
	cc := registry.CallContext{Ctx: context.Background(), L: L, World: ecs.NewWorld()}
	return reg, cc
}

func linkArgs(L *lua.LState, url string) *lua.LTable {
	tbl := L.NewTable()
	tbl.RawSetString("url", lua.LString(url))
	tbl.RawSetString("status", lua.LTrue)
	return tbl
}

func TestWebSocketLinkSendAndPoll(t *testing.T) {
	reg, cc := setup(t)
	url := echoServer(t)

	require.NoError(t, reg.BuildResource(cc, LinkTypeName, linkArgs(cc.L, url)))
	v, ok := cc.World.Resource(string(LinkTypeName))
	require.True(t, ok)
	link := v.(*WebSocketLink)
	t.Cleanup(link.Close)

	status, ok := cc.World.DynamicResource("WebSocketLinkStatus")
	require.True(t, ok)
	require.Equal(t, url, status.(map[string]any)["url"])

	n, err := reg.Call(cc, LinkTypeName, "send", lua.LString("hi"))
	require.NoError(t, err)
	require.Equal(t, lua.LNumber(2), n)

	var got []string
	require.Eventually(t, func() bool {
		got = append(got, link.Poll()...)
		return len(got) > 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"echo:hi"}, got)
	require.Equal(t, uint64(1), link.Sent)
	require.Equal(t, uint64(1), link.Received)

	_, err = reg.Call(cc, LinkTypeName, "close", lua.LNil)
	require.NoError(t, err)
	require.True(t, link.Closed())
	_, err = reg.Call(cc, LinkTypeName, "send", lua.LString("late"))
	require.Error(t, err)
}

func TestWebSocketLinkFailedDialLeavesWorldUntouched(t *testing.T) {
	reg, cc := setup(t)

	err := reg.BuildResource(cc, LinkTypeName, linkArgs(cc.L, "ws://127.0.0.1:1/nowhere"))
	require.Error(t, err)
	_, ok := cc.World.Resource(string(LinkTypeName))
	require.False(t, ok)
	_, ok = cc.World.DynamicResource("WebSocketLinkStatus")
	require.False(t, ok)

	err = reg.BuildResource(cc, LinkTypeName, cc.L.NewTable())
	require.ErrorContains(t, err, "url is required")
}
