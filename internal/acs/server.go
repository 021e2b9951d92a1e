package acs

import (
	"amr-logistics/internal/metrics"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// upgrader 将 ACS 的 HTTP 连接升级为 WebSocket 连接
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// ACS 是内网设备，不校验来源
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsConn 把 websocket.Conn 包装为 Conn，写操作串行化
type wsConn struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
}

func newWSConn(c *websocket.Conn) *wsConn {
	return &wsConn{conn: c}
}

func (w *wsConn) Send(env Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(env)
}

func (w *wsConn) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ""), time.Now().Add(time.Second))
		w.mu.Unlock()
		err = w.conn.Close()
	})
	return err
}

func (w *wsConn) RemoteAddr() string {
	return w.conn.RemoteAddr().String()
}

// ServeHTTP 是 ACS 会话端点；已有注册会话时在升级前直接返回 403
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !m.session.Admit() {
		m.logger.Warn("已有注册会话，拒绝连接", "remote", r.RemoteAddr)
		metrics.AcsMessagesTotal.WithLabelValues("inbound", "rejected").Inc()
		http.Error(w, "acs session already registered", http.StatusForbidden)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("升级 WebSocket 失败", "error", err)
		return
	}
	conn := newWSConn(ws)
	if err := m.Attach(conn); err != nil {
		return
	}
	defer func() {
		m.Detach(conn)
		conn.Close()
	}()

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Warn("读取 ACS 消息失败", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		m.HandleFrame(conn, data)
	}
}
