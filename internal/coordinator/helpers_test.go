package coordinator

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"waitless-queue/internal/domain"
	"waitless-queue/internal/repository"
)

var t0 = time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC)

// clock 每次读取前进一秒，保证 created_at 严格递增
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.now
	c.now = c.now.Add(time.Second)
	return n
}

func (c *clock) Set(at time.Time) {
	c.mu.Lock()
	c.now = at
	c.mu.Unlock()
}

// recorder 收集事件、通知、完成回调
type recorder struct {
	mu        sync.Mutex
	events    []domain.Event
	notices   []domain.Notice
	completed []*domain.Ticket
}

func (r *recorder) Emit(_ context.Context, ev domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) Notify(_ context.Context, n domain.Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

func (r *recorder) ObserveCompletion(_ context.Context, _ *domain.Service, t *domain.Ticket) {
	r.mu.Lock()
	r.completed = append(r.completed, t)
	r.mu.Unlock()
}

func (r *recorder) Events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

func (r *recorder) Notices() []domain.Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Notice(nil), r.notices...)
}

func (r *recorder) Completed() []*domain.Ticket {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.Ticket(nil), r.completed...)
}

func (r *recorder) types() []domain.EventType {
	var out []domain.EventType
	for _, ev := range r.Events() {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events, r.notices, r.completed = nil, nil, nil
	r.mu.Unlock()
}

type fixture struct {
	c   *Coordinator
	reg *repository.MemoryRegistry
	rec *recorder
	clk *clock
	svc *domain.Service
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	reg := repository.NewMemoryRegistry()
	svc, err := reg.UpsertService(context.Background(), &domain.Service{
		Name:            "Cardiology",
		Status:          domain.ServiceActive,
		AvgWaitSeconds:  600,
		MaxWaitSeconds:  3600,
		DefaultPriority: domain.PriorityMedium,
	})
	require.NoError(t, err)

	clk := &clock{now: t0}
	opts := DefaultOptions()
	opts.Now = clk.Now
	opts.Backoff = time.Microsecond
	opts.BackoffMax = time.Millisecond
	for _, m := range mutate {
		m(&opts)
	}

	rec := &recorder{}
	c := NewCoordinator(reg, opts, zap.NewNop())
	c.SetEmitter(rec)
	c.SetNotifier(rec)
	c.SetCompletionObserver(rec)
	return &fixture{c: c, reg: reg, rec: rec, clk: clk, svc: svc}
}

func (f *fixture) admit(t *testing.T, patientID int64, p domain.Priority) *domain.Ticket {
	t.Helper()
	tk, err := f.c.Admit(context.Background(), f.svc.ServiceID, patientID, p, nil)
	require.NoError(t, err)
	return tk
}

// positions 返回 patient_id → position，并断言位置连续
func (f *fixture) positions(t *testing.T) map[int64]int {
	t.Helper()
	w, err := f.reg.ListWaiting(context.Background(), f.svc.ServiceID)
	require.NoError(t, err)
	out := make(map[int64]int, len(w))
	for i, tk := range w {
		require.Equal(t, i+1, tk.Position(), "positions must be dense")
		out[tk.PatientID] = tk.Position()
	}
	return out
}

// assertCanonical checks position order against (priority desc, created_at asc, ticket_id asc).
func assertCanonical(t *testing.T, reg repository.Registry, serviceID int64) {
	t.Helper()
	w, err := reg.ListWaiting(context.Background(), serviceID)
	require.NoError(t, err)
	sorted := append([]*domain.Ticket(nil), w...)
	sort.SliceStable(sorted, func(i, j int) bool { return domain.QueueLess(sorted[i], sorted[j]) })
	for i := range w {
		require.Equal(t, i+1, w[i].Position())
		require.Equal(t, sorted[i].TicketID, w[i].TicketID, "position %d out of canonical order", i+1)
	}
}
