package orchestrator

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/qiminjie89/fleetsys/internal/event"
	"github.com/qiminjie89/fleetsys/internal/protocol"
	"github.com/qiminjie89/fleetsys/pkg/auth"
	"github.com/qiminjie89/fleetsys/pkg/logger"
	"github.com/qiminjie89/fleetsys/pkg/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // 生产环境应检查 Origin
	},
}

// notifyHub 事件流推送
// 通配订阅事件总线，把事件帧扇出给已连接的订阅端
type notifyHub struct {
	serverID   string
	sendChSize int
	tokens     *auth.TokenIssuer

	mu      sync.RWMutex
	clients map[string]*notifyClient // conn_id → client
}

// notifyClient 单个订阅端连接
type notifyClient struct {
	id        string
	sessionID string
	ws        *websocket.Conn

	sendCh chan []byte

	closeOnce sync.Once
	closeCh   chan struct{}

	hub *notifyHub
}

func newNotifyHub(serverID string, sendChSize int, tokens *auth.TokenIssuer) *notifyHub {
	if sendChSize <= 0 {
		sendChSize = 256
	}
	return &notifyHub{
		serverID:   serverID,
		sendChSize: sendChSize,
		tokens:     tokens,
		clients:    make(map[string]*notifyClient),
	}
}

// handleWS 处理事件流接入
// 可选携带会话令牌；令牌无效时拒绝，缺省匿名订阅
func (h *notifyHub) handleWS(w http.ResponseWriter, r *http.Request) {
	var sessionID string
	if token := r.URL.Query().Get("token"); token != "" && h.tokens != nil {
		claims, err := h.tokens.Validate(token)
		if err != nil {
			http.Error(w, protocol.CodeMessage[protocol.CodeInvalidToken], http.StatusUnauthorized)
			return
		}
		sessionID = claims.SessionID
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("event stream upgrade failed", zap.Error(err))
		return
	}

	c := &notifyClient{
		id:        uuid.New().String(),
		sessionID: sessionID,
		ws:        ws,
		sendCh:    make(chan []byte, h.sendChSize),
		closeCh:   make(chan struct{}),
		hub:       h,
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	metrics.NotifyClients.Inc()

	logger.Debug("event stream client connected",
		zap.String("conn_id", c.id),
		zap.String("session_id", sessionID),
		zap.String("remote_addr", r.RemoteAddr),
	)

	c.sendHello()

	go c.writeLoop()
	go c.readLoop()
}

// broadcast 事件总线通配回调
func (h *notifyHub) broadcast(ev event.Event) {
	payload, err := protocol.Encode(ev)
	if err != nil {
		return
	}
	frame := protocol.NewEventFrame(string(ev.EventKind()), payload)
	data, err := protocol.Encode(frame)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients {
		// 非阻塞投递，慢订阅端丢帧
		select {
		case c.sendCh <- data:
		default:
			metrics.NotifyFramesDropped.Inc()
		}
	}
}

// closeAll 关闭全部连接（关停时）
func (h *notifyHub) closeAll(reason string) {
	h.mu.RLock()
	clients := make([]*notifyClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.close(reason)
	}
}

func (h *notifyHub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, id)
}

func (c *notifyClient) sendHello() {
	hello := &protocol.HelloFrame{
		SessionID: c.sessionID,
		ServerID:  c.hub.serverID,
		Code:      protocol.CodeSuccess,
	}
	if data, err := protocol.Encode(hello); err == nil {
		_ = c.ws.WriteMessage(websocket.BinaryMessage, data)
	}
}

// writeLoop 写循环
func (c *notifyClient) writeLoop() {
	for {
		select {
		case <-c.closeCh:
			return
		case data := <-c.sendCh:
			if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				c.close("write_error")
				return
			}
		}
	}
}

// readLoop 读循环：只用于感知断连
func (c *notifyClient) readLoop() {
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			c.close("read_error")
			return
		}
	}
}

func (c *notifyClient) close(reason string) {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		_ = c.ws.Close()
		c.hub.remove(c.id)

		metrics.NotifyClients.Dec()

		logger.Debug("event stream client closed",
			zap.String("conn_id", c.id),
			zap.String("reason", reason),
		)
	})
}
