// Package netres provides network-backed resources scripts can build through
// the resource-builder registry.
package netres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/l1jgo/scriptbridge/internal/bridge/registry"
)

// LinkTypeName is the registry name of WebSocketLink.
const LinkTypeName registry.TypeID = "WebSocketLink"

const (
	defaultInbox = 64
	writeWait    = 5 * time.Second
)

var errLinkClosed = errors.New("websocket link closed")

// LinkArgs is the script data passed to build_resource("WebSocketLink", ...).
type LinkArgs struct {
	URL    string
	Inbox  int  // inbound buffer; 0 means the default
	Status bool // also publish a WebSocketLinkStatus dynamic resource
}

// WebSocketLink is a resource holding one client connection. Inbound text
// frames are buffered by a reader goroutine and drained with poll.
type WebSocketLink struct {
	URL      string
	Sent     uint64
	Received uint64 // frames read, including dropped ones
	Dropped  uint64 // frames discarded on a full inbox

	conn      *websocket.Conn
	inbox     chan string
	done      chan struct{}
	closeOnce sync.Once
	received  atomic.Uint64
	dropped   atomic.Uint64
	log       *zap.Logger
}

// RegisterLink registers the WebSocketLink builder and its send, poll and
// close methods with reg.
func RegisterLink(reg *registry.Registry, dialer *websocket.Dialer, log *zap.Logger) error {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	err := registry.ResourceBuilder(reg, LinkTypeName, func(st *registry.Staging, a LinkArgs) (*WebSocketLink, error) {
		if a.URL == "" {
			return nil, errors.New("websocket link: url is required")
		}
		ctx := st.Ctx().Ctx
		if ctx == nil {
			ctx = context.Background()
		}
		link, err := Dial(ctx, dialer, a.URL, a.Inbox, log)
		if err != nil {
			return nil, err
		}
		st.OnRollback(link.Close)
		if a.Status {
			st.SetDynamicResource(string(LinkTypeName)+"Status", map[string]any{"url": a.URL, "connected": true})
		}
		return link, nil
	})
	if err != nil {
		return err
	}
	if err := registry.ResourceMethod(reg, LinkTypeName, "send", func(l *WebSocketLink, text string) (int, error) {
		return l.Send(text)
	}); err != nil {
		return err
	}
	if err := registry.ResourceMethod(reg, LinkTypeName, "poll", func(l *WebSocketLink, _ registry.None) ([]string, error) {
		return l.Poll(), nil
	}); err != nil {
		return err
	}
	return registry.ResourceMethod(reg, LinkTypeName, "close", func(l *WebSocketLink, _ registry.None) (registry.None, error) {
		l.Close()
		return registry.None{}, nil
	})
}

// Dial connects to url and starts the reader.
func Dial(ctx context.Context, dialer *websocket.Dialer, url string, inbox int, log *zap.Logger) (*WebSocketLink, error) {
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if inbox <= 0 {
		inbox = defaultInbox
	}
	l := &WebSocketLink{
		URL:   url,
		conn:  conn,
		inbox: make(chan string, inbox),
		done:  make(chan struct{}),
		log:   log,
	}
	go l.readLoop()
	return l, nil
}

func (l *WebSocketLink) readLoop() {
	defer l.Close()
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.log.Warn("websocket link read failed", zap.String("url", l.URL), zap.Error(err))
			}
			return
		}
		l.received.Add(1)
		select {
		case l.inbox <- string(data):
		case <-l.done:
			return
		default:
			l.dropped.Add(1)
		}
	}
}

// Send writes one text frame. Callers serialize writes; scripts reach it
// through method dispatch, which runs under the world lock.
func (l *WebSocketLink) Send(text string) (int, error) {
	select {
	case <-l.done:
		return 0, errLinkClosed
	default:
	}
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := l.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return 0, fmt.Errorf("send to %s: %w", l.URL, err)
	}
	l.Sent++
	return len(text), nil
}

// Poll drains buffered inbound messages without blocking.
func (l *WebSocketLink) Poll() []string {
	out := []string{}
	for {
		select {
		case msg := <-l.inbox:
			out = append(out, msg)
		default:
			l.Received = l.received.Load()
			l.Dropped = l.dropped.Load()
			return out
		}
	}
}

// Close sends a close frame and releases the connection. Safe to call more
// than once.
func (l *WebSocketLink) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = l.conn.Close()
	})
}

// Closed reports whether the link has shut down.
func (l *WebSocketLink) Closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
