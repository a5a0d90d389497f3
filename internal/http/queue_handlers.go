package httpapi

import (
	"context"
	"net/http"

	"go.uber.org/zap"
	"waitless-queue/internal/domain"
	"waitless-queue/internal/repository"
)

const (
	servicesPrefix = "/queue/api/v1/services"
	ticketsPrefix  = "/queue/api/v1/tickets"
)

// Queue 处理器依赖的协调器能力
type Queue interface {
	Admit(ctx context.Context, serviceID, patientID int64, priority domain.Priority, notes *string) (*domain.Ticket, error)
	Cancel(ctx context.Context, ticketID int64, by string) (*domain.Ticket, error)
	CallNext(ctx context.Context, serviceID int64) (*domain.Ticket, error)
	Complete(ctx context.Context, ticketID int64) (*domain.Ticket, error)
	Reorder(ctx context.Context, serviceID int64) (int, error)

	GetTicket(ctx context.Context, ticketID int64) (*domain.Ticket, error)
	ListWaiting(ctx context.Context, serviceID int64) ([]*domain.Ticket, error)
	GetService(ctx context.Context, serviceID int64) (*domain.Service, error)
	ListServices(ctx context.Context) ([]*domain.Service, error)
	IntegrityCheck(ctx context.Context, serviceID int64) (*repository.IntegrityReport, error)
}

// QueueHandler 排队 API
type QueueHandler struct {
	queue  Queue
	logger *zap.Logger
}

func NewQueueHandler(queue Queue, logger *zap.Logger) *QueueHandler {
	return &QueueHandler{queue: queue, logger: logger}
}

type admitRequest struct {
	PatientID int64           `json:"patient_id"`
	Priority  domain.Priority `json:"priority"` // "high" | "medium" | "low"，缺省用服务默认值
	Notes     *string         `json:"notes"`
}

type cancelRequest struct {
	CancelledBy string `json:"cancelled_by"`
}

type reorderResponse struct {
	ServiceID     int64 `json:"service_id"`
	AffectedCount int   `json:"affected_count"`
}

// Services routes:
//
//	GET  /queue/api/v1/services
//	GET  /queue/api/v1/services/{id}
//	GET  /queue/api/v1/services/{id}/tickets
//	POST /queue/api/v1/services/{id}/tickets
//	POST /queue/api/v1/services/{id}/call-next
//	POST /queue/api/v1/services/{id}/reorder
//	GET  /queue/api/v1/services/{id}/integrity
func (h *QueueHandler) Services(w http.ResponseWriter, r *http.Request) {
	seg := pathSegments(r.URL.Path, servicesPrefix)
	if len(seg) == 0 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.listServices(w, r)
		return
	}

	serviceID, ok := parseID(seg[0])
	if !ok || len(seg) > 2 {
		writeJSON(w, http.StatusNotFound, Fail("not found"))
		return
	}
	action := ""
	if len(seg) == 2 {
		action = seg[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		h.getService(w, r, serviceID)
	case action == "tickets" && r.Method == http.MethodGet:
		h.listWaiting(w, r, serviceID)
	case action == "tickets" && r.Method == http.MethodPost:
		h.admit(w, r, serviceID)
	case action == "call-next" && r.Method == http.MethodPost:
		h.callNext(w, r, serviceID)
	case action == "reorder" && r.Method == http.MethodPost:
		h.reorder(w, r, serviceID)
	case action == "integrity" && r.Method == http.MethodGet:
		h.integrity(w, r, serviceID)
	case action == "" || action == "tickets" || action == "call-next" || action == "reorder" || action == "integrity":
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		writeJSON(w, http.StatusNotFound, Fail("not found"))
	}
}

// Tickets routes:
//
//	GET  /queue/api/v1/tickets/{id}
//	POST /queue/api/v1/tickets/{id}/cancel
//	POST /queue/api/v1/tickets/{id}/complete
func (h *QueueHandler) Tickets(w http.ResponseWriter, r *http.Request) {
	seg := pathSegments(r.URL.Path, ticketsPrefix)
	if len(seg) == 0 || len(seg) > 2 {
		writeJSON(w, http.StatusNotFound, Fail("not found"))
		return
	}
	ticketID, ok := parseID(seg[0])
	if !ok {
		writeJSON(w, http.StatusNotFound, Fail("not found"))
		return
	}
	action := ""
	if len(seg) == 2 {
		action = seg[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		h.getTicket(w, r, ticketID)
	case action == "cancel" && r.Method == http.MethodPost:
		h.cancel(w, r, ticketID)
	case action == "complete" && r.Method == http.MethodPost:
		h.complete(w, r, ticketID)
	case action == "" || action == "cancel" || action == "complete":
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		writeJSON(w, http.StatusNotFound, Fail("not found"))
	}
}

func (h *QueueHandler) listServices(w http.ResponseWriter, r *http.Request) {
	items, err := h.queue.ListServices(r.Context())
	if err != nil {
		h.fail(w, "list services", err)
		return
	}
	if items == nil {
		items = []*domain.Service{}
	}
	writeJSON(w, http.StatusOK, Ok(items))
}

func (h *QueueHandler) getService(w http.ResponseWriter, r *http.Request, serviceID int64) {
	svc, err := h.queue.GetService(r.Context(), serviceID)
	if err != nil {
		h.fail(w, "get service", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(svc))
}

func (h *QueueHandler) listWaiting(w http.ResponseWriter, r *http.Request, serviceID int64) {
	items, err := h.queue.ListWaiting(r.Context(), serviceID)
	if err != nil {
		h.fail(w, "list waiting", err)
		return
	}
	if items == nil {
		items = []*domain.Ticket{}
	}
	writeJSON(w, http.StatusOK, Ok(items))
}

func (h *QueueHandler) admit(w http.ResponseWriter, r *http.Request, serviceID int64) {
	var req admitRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body: "+err.Error()))
		return
	}
	if req.PatientID <= 0 {
		writeJSON(w, http.StatusBadRequest, Fail("patient_id is required"))
		return
	}
	tk, err := h.queue.Admit(r.Context(), serviceID, req.PatientID, req.Priority, req.Notes)
	if err != nil {
		h.fail(w, "admit", err)
		return
	}
	writeJSON(w, http.StatusCreated, Ok(tk))
}

func (h *QueueHandler) callNext(w http.ResponseWriter, r *http.Request, serviceID int64) {
	tk, err := h.queue.CallNext(r.Context(), serviceID)
	if err != nil {
		h.fail(w, "call next", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(tk))
}

func (h *QueueHandler) reorder(w http.ResponseWriter, r *http.Request, serviceID int64) {
	n, err := h.queue.Reorder(r.Context(), serviceID)
	if err != nil {
		h.fail(w, "reorder", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(reorderResponse{ServiceID: serviceID, AffectedCount: n}))
}

func (h *QueueHandler) integrity(w http.ResponseWriter, r *http.Request, serviceID int64) {
	rep, err := h.queue.IntegrityCheck(r.Context(), serviceID)
	if err != nil {
		h.fail(w, "integrity check", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(rep))
}

func (h *QueueHandler) getTicket(w http.ResponseWriter, r *http.Request, ticketID int64) {
	tk, err := h.queue.GetTicket(r.Context(), ticketID)
	if err != nil {
		h.fail(w, "get ticket", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(tk))
}

func (h *QueueHandler) cancel(w http.ResponseWriter, r *http.Request, ticketID int64) {
	var req cancelRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body: "+err.Error()))
		return
	}
	tk, err := h.queue.Cancel(r.Context(), ticketID, req.CancelledBy)
	if err != nil {
		h.fail(w, "cancel", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(tk))
}

func (h *QueueHandler) complete(w http.ResponseWriter, r *http.Request, ticketID int64) {
	tk, err := h.queue.Complete(r.Context(), ticketID)
	if err != nil {
		h.fail(w, "complete", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(tk))
}

func (h *QueueHandler) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Queue request failed", zap.String("op", op), zap.Error(err))
	} else {
		h.logger.Debug("Queue request rejected", zap.String("op", op), zap.Error(err))
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, Fail(err.Error()))
}
