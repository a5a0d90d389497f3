package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"waitless-queue/internal/coordinator"
	"waitless-queue/internal/domain"
	"waitless-queue/internal/events"
	"waitless-queue/internal/repository"
)

type envelope struct {
	Code    int             `json:"code"`
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type testAPI struct {
	srv *httptest.Server
	svc *domain.Service
	hub *events.Hub
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	reg := repository.NewMemoryRegistry()
	svc, err := reg.UpsertService(context.Background(), &domain.Service{
		Name:            "Pediatrics",
		Status:          domain.ServiceActive,
		AvgWaitSeconds:  600,
		MaxWaitSeconds:  3600,
		DefaultPriority: domain.PriorityMedium,
	})
	require.NoError(t, err)

	logger := zap.NewNop()
	coord := coordinator.NewCoordinator(reg, coordinator.DefaultOptions(), logger)
	hub := events.NewHub(logger)
	coord.SetEmitter(hub)

	router := NewRouter(logger)
	router.RegisterQueueRoutes(NewQueueHandler(coord, logger))
	router.RegisterEventRoutes(hub)

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &testAPI{srv: srv, svc: svc, hub: hub}
}

func (a *testAPI) do(t *testing.T, method, path, body string) (int, envelope) {
	t.Helper()
	req, err := http.NewRequest(method, a.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	}
	return resp.StatusCode, env
}

func (a *testAPI) servicePath(suffix string) string {
	return fmt.Sprintf("/queue/api/v1/services/%d%s", a.svc.ServiceID, suffix)
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestQueueAPI_AdmitListCall(t *testing.T) {
	a := newTestAPI(t)

	status, env := a.do(t, http.MethodPost, a.servicePath("/tickets"), `{"patient_id":1}`)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, ResultSuccess, env.Code)
	first := decode[domain.Ticket](t, env.Result)
	assert.Equal(t, 1, first.Position())
	assert.Equal(t, domain.PriorityMedium, first.Priority)

	status, env = a.do(t, http.MethodPost, a.servicePath("/tickets"), `{"patient_id":2,"priority":"high","notes":"fever"}`)
	require.Equal(t, http.StatusCreated, status)
	second := decode[domain.Ticket](t, env.Result)
	assert.Equal(t, 1, second.Position())

	status, env = a.do(t, http.MethodGet, a.servicePath("/tickets"), "")
	require.Equal(t, http.StatusOK, status)
	waiting := decode[[]domain.Ticket](t, env.Result)
	require.Len(t, waiting, 2)
	assert.Equal(t, second.TicketID, waiting[0].TicketID)
	assert.Equal(t, 600, waiting[1].EstimatedWaitSeconds)

	status, env = a.do(t, http.MethodPost, a.servicePath("/call-next"), "")
	require.Equal(t, http.StatusOK, status)
	called := decode[domain.Ticket](t, env.Result)
	assert.Equal(t, second.TicketID, called.TicketID)
	assert.Equal(t, domain.StatusConsulting, called.Status)

	status, env = a.do(t, http.MethodPost, fmt.Sprintf("/queue/api/v1/tickets/%d/complete", called.TicketID), "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, domain.StatusCompleted, decode[domain.Ticket](t, env.Result).Status)

	status, env = a.do(t, http.MethodGet, fmt.Sprintf("/queue/api/v1/tickets/%d", first.TicketID), "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, domain.StatusWaiting, decode[domain.Ticket](t, env.Result).Status)
}

func TestQueueAPI_CancelAndIntegrity(t *testing.T) {
	a := newTestAPI(t)
	var ids []int64
	for p := 1; p <= 3; p++ {
		_, env := a.do(t, http.MethodPost, a.servicePath("/tickets"), fmt.Sprintf(`{"patient_id":%d}`, p))
		ids = append(ids, decode[domain.Ticket](t, env.Result).TicketID)
	}

	status, env := a.do(t, http.MethodPost, fmt.Sprintf("/queue/api/v1/tickets/%d/cancel", ids[1]), `{"cancelled_by":"front-desk"}`)
	require.Equal(t, http.StatusOK, status)
	cancelled := decode[domain.Ticket](t, env.Result)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledBy)
	assert.Equal(t, "front-desk", *cancelled.CancelledBy)

	status, env = a.do(t, http.MethodGet, a.servicePath("/integrity"), "")
	require.Equal(t, http.StatusOK, status)
	rep := decode[repository.IntegrityReport](t, env.Result)
	assert.True(t, rep.OK())
	assert.Equal(t, 2, rep.MaxPosition)

	status, env = a.do(t, http.MethodPost, a.servicePath("/reorder"), "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0, decode[reorderResponse](t, env.Result).AffectedCount)
}

func TestQueueAPI_Services(t *testing.T) {
	a := newTestAPI(t)

	status, env := a.do(t, http.MethodGet, "/queue/api/v1/services", "")
	require.Equal(t, http.StatusOK, status)
	list := decode[[]domain.Service](t, env.Result)
	require.Len(t, list, 1)
	assert.Equal(t, "Pediatrics", list[0].Name)

	status, env = a.do(t, http.MethodGet, a.servicePath(""), "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, a.svc.ServiceID, decode[domain.Service](t, env.Result).ServiceID)
}

func TestQueueAPI_Errors(t *testing.T) {
	a := newTestAPI(t)
	_, env := a.do(t, http.MethodPost, a.servicePath("/tickets"), `{"patient_id":1}`)
	tk := decode[domain.Ticket](t, env.Result)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"duplicate active", http.MethodPost, a.servicePath("/tickets"), `{"patient_id":1}`, http.StatusConflict},
		{"missing patient", http.MethodPost, a.servicePath("/tickets"), `{}`, http.StatusBadRequest},
		{"bad priority", http.MethodPost, a.servicePath("/tickets"), `{"patient_id":5,"priority":"urgent"}`, http.StatusBadRequest},
		{"malformed body", http.MethodPost, a.servicePath("/tickets"), `{`, http.StatusBadRequest},
		{"unknown service", http.MethodPost, "/queue/api/v1/services/999/tickets", `{"patient_id":5}`, http.StatusConflict},
		{"unknown ticket", http.MethodGet, "/queue/api/v1/tickets/999", "", http.StatusNotFound},
		{"complete waiting", http.MethodPost, fmt.Sprintf("/queue/api/v1/tickets/%d/complete", tk.TicketID), "", http.StatusConflict},
		{"bad id", http.MethodGet, "/queue/api/v1/tickets/abc", "", http.StatusNotFound},
		{"unknown action", http.MethodPost, a.servicePath("/explode"), "", http.StatusNotFound},
		{"wrong method", http.MethodDelete, a.servicePath("/tickets"), "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := a.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, status)
			if tt.want != http.StatusMethodNotAllowed {
				assert.Equal(t, ResultError, env.Code)
				assert.Equal(t, "error", env.Type)
			}
		})
	}

	// drain then call again
	_, _ = a.do(t, http.MethodPost, a.servicePath("/call-next"), "")
	status, env := a.do(t, http.MethodPost, a.servicePath("/call-next"), "")
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, env.Message, domain.ErrEmptyQueue.Error())
}

func TestQueueAPI_EventFeed(t *testing.T) {
	a := newTestAPI(t)

	url := "ws" + strings.TrimPrefix(a.srv.URL, "http") + "/queue/api/v1/events/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return a.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	status, _ := a.do(t, http.MethodPost, a.servicePath("/tickets"), `{"patient_id":9}`)
	require.Equal(t, http.StatusCreated, status)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev domain.Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, domain.EventTicketAdmitted, ev.Type)
	assert.Equal(t, int64(9), ev.PatientID)
	assert.Equal(t, int64(1), ev.Token)
}
