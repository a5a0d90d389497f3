package events

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"waitless-queue/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientSendSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsClient 一个叫号屏/看板连接
type wsClient struct {
	id        uuid.UUID
	serviceID int64 // 0 表示订阅全部服务
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
}

// Hub fans queue events out to WebSocket subscribers. A subscriber that
// falls behind by more than clientSendSize events is disconnected.
type Hub struct {
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[uuid.UUID]*wsClient
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[uuid.UUID]*wsClient),
	}
}

// ServeHTTP upgrades the request. Optional query ?service_id= filters events.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var serviceID int64
	if v := r.URL.Query().Get("service_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			http.Error(w, "invalid service_id", http.StatusBadRequest)
			return
		}
		serviceID = id
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	c := &wsClient{
		id:        uuid.New(),
		serviceID: serviceID,
		conn:      conn,
		send:      make(chan []byte, clientSendSize),
		done:      make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.logger.Info("WebSocket subscriber connected",
		zap.String("client_id", c.id.String()),
		zap.Int64("service_id", serviceID))

	go h.writePump(c)
	go h.readPump(c)
}

// Emit queues ev for every matching subscriber without waiting on the network.
func (h *Hub) Emit(_ context.Context, ev domain.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to encode event for WebSocket", zap.Error(err))
		return
	}

	h.mu.RLock()
	var slow []*wsClient
	for _, c := range h.clients {
		if c.serviceID != 0 && c.serviceID != ev.ServiceID {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("WebSocket subscriber too slow, disconnecting", zap.String("client_id", c.id.String()))
		h.remove(c)
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.remove(c)
	}
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()
	if ok {
		close(c.done)
		c.conn.Close()
	}
}

// readPump only watches for close and pong frames.
func (h *Hub) readPump(c *wsClient) {
	defer h.remove(c)
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.remove(c)
	}()
	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
