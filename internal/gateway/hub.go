package gateway

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/betbot/perpsim/internal/events"
	"github.com/betbot/perpsim/internal/kernel"
)

// wsMessage WS 消息统一外壳（Event | Response | Error）
type wsMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Hub WS 客户端集线器：广播事件与回报
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]chan wsMessage
	closed  bool
}

// NewHub 创建集线器
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]chan wsMessage),
	}
}

// Handler WS 升级入口
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.attach(conn)
	})
}

func (h *Hub) attach(conn *websocket.Conn) {
	ch := make(chan wsMessage, 256)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[conn] = ch
	h.mu.Unlock()

	// 写循环：channel → conn；读循环只探测断开
	go func() {
		defer h.detach(conn)
		for msg := range ch {
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}()
	go func() {
		defer h.detach(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) detach(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		close(ch)
	}
	_ = conn.Close()
}

func (h *Hub) broadcast(msg wsMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default:
			// 慢客户端丢弃
		}
	}
}

// BroadcastEvent 领域事件 → 全部 WS 客户端
func (h *Hub) BroadcastEvent(ev events.Event) {
	h.broadcast(wsMessage{Type: "Event", Payload: map[string]any{
		"event": ev.EventType(),
		"data":  ev,
	}})
}

// BroadcastResponse 执行回报 → 全部 WS 客户端（human 代理用）
func (h *Hub) BroadcastResponse(report kernel.ExecutionReport) {
	h.broadcast(wsMessage{Type: "Response", Payload: report})
}

// Close 关闭全部连接
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for conn, ch := range h.clients {
		close(ch)
		_ = conn.Close()
		delete(h.clients, conn)
	}
}
