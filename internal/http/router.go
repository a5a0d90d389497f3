package httpapi

import (
	"net/http"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

// HandleHandler 支持 http.Handler 接口（WebSocket hub 等）
func (r *Router) HandleHandler(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterQueueRoutes 注册排队 API
func (r *Router) RegisterQueueRoutes(q *QueueHandler) {
	r.Handle("/queue/api/v1/services", q.Services)
	r.Handle("/queue/api/v1/services/", q.Services)
	r.Handle("/queue/api/v1/tickets/", q.Tickets)
}

// RegisterEventRoutes 事件推送（WebSocket）
func (r *Router) RegisterEventRoutes(hub http.Handler) {
	if hub == nil {
		return
	}
	r.HandleHandler("/queue/api/v1/events/ws", hub)
}

// RegisterReplayRoutes 事件回放（需要 Redis Stream）
func (r *Router) RegisterReplayRoutes(h *EventsHandler) {
	r.Handle("/queue/api/v1/events", h.Replay)
}
