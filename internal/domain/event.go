package domain

import "time"

// EventType 队列领域事件类型
type EventType string

const (
	EventTicketAdmitted  EventType = "ticket_admitted"
	EventTicketCalled    EventType = "ticket_called"
	EventTicketCancelled EventType = "ticket_cancelled"
	EventTicketCompleted EventType = "ticket_completed"
	EventQueueReordered  EventType = "queue_reordered"
	EventTicketExpired   EventType = "ticket_expired"
)

// Event is the typed envelope delivered to collaborators. Token is monotonic
// per service and follows commit order; consumers dedupe on (ServiceID, Token).
// Only the fields relevant to Type are populated.
type Event struct {
	Type       EventType `json:"type"`
	ServiceID  int64     `json:"service_id"`
	Token      int64     `json:"token"`
	OccurredAt time.Time `json:"occurred_at"`

	TicketID     int64    `json:"ticket_id,omitempty"`
	TicketNumber string   `json:"ticket_number,omitempty"`
	PatientID    int64    `json:"patient_id,omitempty"`
	Position     int      `json:"position,omitempty"`
	Priority     Priority `json:"priority,omitempty"`

	NewHeadTicketID *int64 `json:"new_head_ticket_id,omitempty"` // ticket_called
	HadPosition     *int   `json:"had_position,omitempty"`       // ticket_cancelled
	// ticket_completed, seconds between called_at and completed_at
	ConsultationSeconds *int `json:"consultation_duration,omitempty"`
	AffectedCount       int  `json:"affected_count,omitempty"` // queue_reordered
}
