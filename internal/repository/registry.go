package repository

import (
	"context"
	"time"

	"waitless-queue/internal/domain"
)

// Registry 工单注册表：工单持久化状态的唯一所有者。
// 读操作直接走 Registry；所有写操作通过 WithinTx 组合事务原语完成。
type Registry interface {
	// WithinTx runs fn in one serializable transaction. A non-nil error from fn
	// (or from commit) rolls everything back.
	WithinTx(ctx context.Context, fn func(tx RegistryTx) error) error

	GetService(ctx context.Context, serviceID int64) (*domain.Service, error)
	ListServices(ctx context.Context) ([]*domain.Service, error)
	UpsertService(ctx context.Context, svc *domain.Service) (*domain.Service, error)
	GetTicket(ctx context.Context, ticketID int64) (*domain.Ticket, error)
	ListWaiting(ctx context.Context, serviceID int64) ([]*domain.Ticket, error)
	IntegrityCheck(ctx context.Context, serviceID int64) (*IntegrityReport, error)

	// Estimator side, each in its own short transaction.
	RecomputeWaitTimes(ctx context.Context, serviceID int64, avgWaitSeconds int) (int, error)
	SaveServiceAverage(ctx context.Context, serviceID int64, avgWaitSeconds int, lastCalledAt time.Time) error
}

// RegistryTx 事务内原语（由 Coordinator 组合）
type RegistryTx interface {
	// LockService loads the service row for update. Unknown services yield ErrServiceNotActive.
	LockService(ctx context.Context, serviceID int64) (*domain.Service, error)
	HasActiveTicket(ctx context.Context, patientID int64) (bool, error)
	CountPatientTickets(ctx context.Context, patientID int64, from, to time.Time) (int, error)
	TicketNumberTaken(ctx context.Context, number string) (bool, error)

	// ReservePosition returns 1 + |waiting tickets with priority rank >= priority|.
	ReservePosition(ctx context.Context, serviceID int64, priority domain.Priority) (int, error)
	// InsertTicket shifts waiting tickets at or after t.PositionInQueue by +1 and
	// inserts t as waiting, filling t.TicketID. Returns how many tickets moved back.
	InsertTicket(ctx context.Context, t *domain.Ticket) (int, error)
	// PopHead moves the head to consulting and closes the gap. Returns nil when empty.
	PopHead(ctx context.Context, serviceID int64, at time.Time) (*domain.Ticket, error)

	// Head returns the waiting ticket at position 1, or nil.
	Head(ctx context.Context, serviceID int64) (*domain.Ticket, error)
	GetTicketForUpdate(ctx context.Context, ticketID int64) (*domain.Ticket, error)
	ListConsulting(ctx context.Context, serviceID int64) ([]*domain.Ticket, error)
	ListWaiting(ctx context.Context, serviceID int64) ([]*domain.Ticket, error)

	// Cancel returns the position the ticket held (0 if it was consulting).
	Cancel(ctx context.Context, ticketID int64, by string, at time.Time) (int, error)
	Complete(ctx context.Context, ticketID int64, at time.Time) error
	// ExpireStale expires waiting tickets with created_at + max_wait < cutoff.
	// Positions are left for Renumber.
	ExpireStale(ctx context.Context, serviceID int64, cutoff, at time.Time) ([]*domain.Ticket, error)
	// Renumber rewrites positions from the canonical order and returns the rows changed.
	Renumber(ctx context.Context, serviceID int64) (int, error)
	RecomputeWaitTimes(ctx context.Context, serviceID int64, avgWaitSeconds int) (int, error)
	NextEventToken(ctx context.Context, serviceID int64) (int64, error)
}

// IntegrityReport 队列位置完整性检查结果
type IntegrityReport struct {
	ServiceID   int64 `json:"service_id"`
	Missing     []int `json:"missing_positions"`
	Duplicates  []int `json:"duplicate_positions"`
	MaxPosition int   `json:"max_position"`
}

// OK reports whether positions form exactly {1..max}.
func (r *IntegrityReport) OK() bool {
	return len(r.Missing) == 0 && len(r.Duplicates) == 0
}
