package domain

// NoticeKind 患者通知类型
type NoticeKind string

const (
	NoticeCalled NoticeKind = "called" // 被叫号，请前往服务台
	NoticeNext   NoticeKind = "next"   // 成为队首
)

// Notice is what the coordinator hands to the notifier after a commit.
type Notice struct {
	Kind         NoticeKind `json:"kind"`
	PatientID    int64      `json:"patient_id"`
	TicketID     int64      `json:"ticket_id"`
	TicketNumber string     `json:"ticket_number"`
	ServiceID    int64      `json:"service_id"`
	ServiceName  string     `json:"service_name"`
}
