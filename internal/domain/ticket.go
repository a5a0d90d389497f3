package domain

import (
	"fmt"
	"strings"
	"time"
)

// Priority 工单优先级（数值越大越靠前）
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityMedium Priority = 2
	PriorityHigh   Priority = 3
)

func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityHigh
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority accepts the label ("low", "medium", "high") or the numeric rank ("1".."3").
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "1":
		return PriorityLow, nil
	case "medium", "2":
		return PriorityMedium, nil
	case "high", "3":
		return PriorityHigh, nil
	}
	return 0, fmt.Errorf("invalid priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// TicketStatus 工单状态
type TicketStatus string

const (
	StatusWaiting    TicketStatus = "waiting"
	StatusConsulting TicketStatus = "consulting"
	StatusCompleted  TicketStatus = "completed"
	StatusCancelled  TicketStatus = "cancelled"
	StatusExpired    TicketStatus = "expired"
)

// Terminal reports whether no further transition is possible.
func (s TicketStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Ticket 排队工单领域模型（对应 tickets 表）
type Ticket struct {
	TicketID     int64  `json:"ticket_id" db:"ticket_id"`         // BIGSERIAL, PRIMARY KEY
	TicketNumber string `json:"ticket_number" db:"ticket_number"` // VARCHAR(32), UNIQUE

	// 创建后不可变
	ServiceID int64     `json:"service_id" db:"service_id"`
	PatientID int64     `json:"patient_id" db:"patient_id"`
	Priority  Priority  `json:"priority" db:"priority"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	Status               TicketStatus `json:"status" db:"status"`
	PositionInQueue      *int         `json:"position_in_queue,omitempty" db:"position_in_queue"` // waiting 时才有意义
	EstimatedWaitSeconds int          `json:"estimated_wait_seconds" db:"estimated_wait_seconds"`

	CalledAt    *time.Time `json:"called_at,omitempty" db:"called_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty" db:"cancelled_at"` // cancelled / expired 共用
	CancelledBy *string    `json:"cancelled_by,omitempty" db:"cancelled_by"`

	Notes *string `json:"notes,omitempty" db:"notes"`
}

// Position returns the queue position, or 0 when the ticket is not waiting.
func (t *Ticket) Position() int {
	if t == nil || t.PositionInQueue == nil || t.Status != StatusWaiting {
		return 0
	}
	return *t.PositionInQueue
}

// Clone returns a deep copy; registries hand out clones so callers never alias stored rows.
func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	c := *t
	c.PositionInQueue = cloneInt(t.PositionInQueue)
	c.CalledAt = cloneTime(t.CalledAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.CancelledAt = cloneTime(t.CancelledAt)
	c.CancelledBy = cloneString(t.CancelledBy)
	c.Notes = cloneString(t.Notes)
	return &c
}

// QueueLess is the canonical waiting-set order: priority desc, created_at asc, ticket_id asc.
func QueueLess(a, b *Ticket) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.TicketID < b.TicketID
}

// EstimatedWait applies estimated = (position-1) * avg for waiting tickets.
func EstimatedWait(position int, avgWaitSeconds int) int {
	if position <= 1 || avgWaitSeconds <= 0 {
		return 0
	}
	return (position - 1) * avgWaitSeconds
}

// TicketNumber builds T{YYYYMMDD}{patient_id:03}{seq:02}.
func TicketNumber(day time.Time, patientID int64, seq int) string {
	return fmt.Sprintf("T%s%03d%02d", day.Format("20060102"), patientID, seq)
}

func IntPtr(v int) *int { return &v }

func StringPtr(v string) *string { return &v }

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
