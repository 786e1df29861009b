package admin

import (
	"context"
	"net"
	"sync"

	"github.com/r-smith/cd11connman/internal/console"
	"golang.org/x/net/websocket"
)

// maxRecentMessages is the maximum number of recent log messages to store.
const maxRecentMessages = 100

// endOfHistory marks the end of the cached messages sent to a new client.
const endOfHistory = "---end---"

// wsClient represents a single WebSocket client with a dedicated channel.
type wsClient struct {
	conn *websocket.Conn
	send chan string
}

// hub fans event log records out to connected WebSocket clients and keeps
// the most recent records for clients that connect later.
type hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	recent  []string
}

func newHub() *hub {
	return &hub{
		clients: make(map[*wsClient]struct{}),
		recent:  make([]string, 0, maxRecentMessages+1),
	}
}

// run receives records from ch and broadcasts them until ctx is done or ch
// is closed.
func (h *hub) run(ctx context.Context, ch <-chan []byte) {
	var clientsBuf []*wsClient
	for {
		var msg []byte
		var ok bool
		select {
		case <-ctx.Done():
			return
		case msg, ok = <-ch:
			if !ok {
				return
			}
		}
		clientsBuf = h.broadcast(string(msg), clientsBuf[:0])
	}
}

func (h *hub) broadcast(m string, buf []*wsClient) []*wsClient {
	h.mu.Lock()
	h.recent = append(h.recent, m)
	if len(h.recent) > maxRecentMessages {
		h.recent = h.recent[1:]
	}
	for c := range h.clients {
		buf = append(buf, c)
	}
	h.mu.Unlock()

	for _, c := range buf {
		select {
		case c.send <- m:
		default:
			// Drop messages for slow clients.
		}
	}
	return buf
}

func (h *hub) register(c *wsClient) (recent []string, count int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	return append([]string(nil), h.recent...), len(h.clients)
}

func (h *hub) unregister(c *wsClient) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	return len(h.clients)
}

// handleWebSocket streams the event log to one client: first the cached
// recent records, then endOfHistory, then new records as they arrive.
func (s *Server) handleWebSocket(ws *websocket.Conn) {
	host, _, _ := net.SplitHostPort(ws.Request().RemoteAddr)

	client := &wsClient{
		conn: ws,
		send: make(chan string, 32),
	}
	recent, count := s.hub.register(client)
	console.Debug(console.Admin, "%s established websocket connection (total: %d)", host, count)

	done := make(chan struct{})
	defer func() {
		close(done)
		count := s.hub.unregister(client)
		_ = ws.Close()
		console.Debug(console.Admin, "%s closed websocket connection (total: %d)", host, count)
	}()

	// Push cached messages, then forward the send channel.
	go func() {
		for _, msg := range recent {
			if err := websocket.Message.Send(client.conn, msg); err != nil {
				return
			}
		}
		if err := websocket.Message.Send(client.conn, endOfHistory); err != nil {
			return
		}
		for {
			select {
			case <-done:
				return
			case msg := <-client.send:
				if err := websocket.Message.Send(client.conn, msg); err != nil {
					return
				}
			}
		}
	}()

	// Block until the client disconnects.
	var message string
	for {
		if err := websocket.Message.Receive(ws, &message); err != nil {
			break
		}
	}
}
