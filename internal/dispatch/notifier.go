package dispatch

import (
	"context"
	"fmt"
	"strconv"

	"waitless-queue/internal/domain"
)

// Render 生成通知文本
func Render(n domain.Notice) string {
	where := n.ServiceName
	if where == "" {
		where = fmt.Sprintf("service %d", n.ServiceID)
	}
	switch n.Kind {
	case domain.NoticeCalled:
		return fmt.Sprintf("Ticket %s: it is your turn, please proceed to %s now.", n.TicketNumber, where)
	case domain.NoticeNext:
		return fmt.Sprintf("Ticket %s: you are next at %s. Please stay close.", n.TicketNumber, where)
	default:
		return fmt.Sprintf("Ticket %s: queue update from %s.", n.TicketNumber, where)
	}
}

// Recipient 接收人地址即 patient_id，由网关解析
func Recipient(patientID int64) string {
	return strconv.FormatInt(patientID, 10)
}

// Notify renders n and enqueues it. It never blocks on delivery.
func (d *Dispatcher) Notify(_ context.Context, n domain.Notice) {
	d.Enqueue(Recipient(n.PatientID), Render(n))
}
