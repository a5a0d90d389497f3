package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"waitless-queue/internal/events"
)

// Replayer 从事件流回放
type Replayer interface {
	Replay(ctx context.Context, after string, serviceID int64, limit int) ([]events.ReplayedEvent, error)
}

// EventsHandler 事件回放 API（WebSocket 断线后按 stream_id 补齐）
type EventsHandler struct {
	replay Replayer
	logger *zap.Logger
}

func NewEventsHandler(replay Replayer, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{replay: replay, logger: logger}
}

// GET /queue/api/v1/events
// params:
// - after? string   上一次收到的 stream_id（不含）
// - service_id? int
// - limit? int (default 100, max 1000)
func (h *EventsHandler) Replay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()

	after := q.Get("after")
	if after != "" && !validStreamID(after) {
		writeJSON(w, http.StatusBadRequest, Fail("invalid after: "+after))
		return
	}
	var serviceID int64
	if v := q.Get("service_id"); v != "" {
		id, ok := parseID(v)
		if !ok {
			writeJSON(w, http.StatusBadRequest, Fail("invalid service_id"))
			return
		}
		serviceID = id
	}
	limit := parseInt(q.Get("limit"), 100)
	if limit <= 0 || limit > events.MaxReplay {
		limit = events.MaxReplay
	}

	items, err := h.replay.Replay(r.Context(), after, serviceID, limit)
	if err != nil {
		h.logger.Error("Event replay failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, Fail(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, Ok(items))
}

// validStreamID accepts "ms" or "ms-seq".
func validStreamID(s string) bool {
	ms, seq, found := strings.Cut(s, "-")
	if _, err := strconv.ParseUint(ms, 10, 64); err != nil {
		return false
	}
	if !found {
		return true
	}
	_, err := strconv.ParseUint(seq, 10, 64)
	return err == nil
}
