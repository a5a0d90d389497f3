package coordinator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"waitless-queue/internal/domain"
	"waitless-queue/internal/repository"
)

// Admit 挂号入队。priority 为 0 时使用服务默认优先级。
func (c *Coordinator) Admit(ctx context.Context, serviceID, patientID int64, priority domain.Priority, notes *string) (*domain.Ticket, error) {
	if priority != 0 && !priority.Valid() {
		return nil, fmt.Errorf("%w: %d", domain.ErrInvalidPriority, int(priority))
	}

	var admitted *domain.Ticket
	err := c.mutate(ctx, serviceID, "admit", func(tx repository.RegistryTx, out *outbox) error {
		svc, err := out.lockOperational(ctx, tx, serviceID)
		if err != nil {
			return err
		}

		active, err := tx.HasActiveTicket(ctx, patientID)
		if err != nil {
			return err
		}
		if active {
			return fmt.Errorf("patient %d: %w", patientID, domain.ErrDuplicateActive)
		}

		p := priority
		if p == 0 {
			p = svc.DefaultPriority
		}
		pos, err := tx.ReservePosition(ctx, serviceID, p)
		if err != nil {
			return err
		}

		now := out.now
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		issued, err := tx.CountPatientTickets(ctx, patientID, dayStart, dayStart.AddDate(0, 0, 1))
		if err != nil {
			return err
		}
		number, err := freeTicketNumber(ctx, tx, now, patientID, issued+1)
		if err != nil {
			return err
		}

		tk := &domain.Ticket{
			TicketNumber:         number,
			ServiceID:            serviceID,
			PatientID:            patientID,
			Priority:             p,
			CreatedAt:            now,
			Status:               domain.StatusWaiting,
			PositionInQueue:      domain.IntPtr(pos),
			EstimatedWaitSeconds: domain.EstimatedWait(pos, svc.AvgWaitSeconds),
			Notes:                notes,
		}
		shifted, err := tx.InsertTicket(ctx, tk)
		if err != nil {
			return err
		}
		if shifted > 0 {
			if _, err := tx.RecomputeWaitTimes(ctx, serviceID, svc.AvgWaitSeconds); err != nil {
				return err
			}
		}

		if err := out.emit(ctx, tx, domain.Event{
			Type:         domain.EventTicketAdmitted,
			ServiceID:    serviceID,
			TicketID:     tk.TicketID,
			TicketNumber: tk.TicketNumber,
			PatientID:    patientID,
			Position:     pos,
			Priority:     p,
		}); err != nil {
			return err
		}
		if pos == 1 {
			out.notify(domain.NoticeNext, tk)
		}
		admitted = tk
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("Ticket admitted",
		zap.Int64("service_id", serviceID),
		zap.Int64("ticket_id", admitted.TicketID),
		zap.Int64("patient_id", patientID),
		zap.Int("position", admitted.Position()))
	return admitted, nil
}

// freeTicketNumber returns the first unused number from seq upward. Numbers are
// not prefix-free once patient_id >= 1000 or seq >= 100, so two patients can
// map to the same string.
func freeTicketNumber(ctx context.Context, tx repository.RegistryTx, day time.Time, patientID int64, seq int) (string, error) {
	for {
		number := domain.TicketNumber(day, patientID, seq)
		taken, err := tx.TicketNumberTaken(ctx, number)
		if err != nil || !taken {
			return number, err
		}
		seq++
	}
}

// Cancel 取消工单。已处于终态时不做任何事并返回当前工单。
func (c *Coordinator) Cancel(ctx context.Context, ticketID int64, by string) (*domain.Ticket, error) {
	tk, err := c.reg.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if tk.Status.Terminal() {
		return tk, nil
	}

	var result *domain.Ticket
	err = c.mutate(ctx, tk.ServiceID, "cancel", func(tx repository.RegistryTx, out *outbox) error {
		svc, err := out.lock(ctx, tx, tk.ServiceID)
		if err != nil {
			return err
		}

		cur, err := tx.GetTicketForUpdate(ctx, ticketID)
		if err != nil {
			return err
		}
		if cur.Status.Terminal() {
			result = cur
			return nil
		}

		had, err := tx.Cancel(ctx, ticketID, by, out.now)
		if err != nil {
			return err
		}
		result = terminated(cur, domain.StatusCancelled, out.now)
		result.CancelledBy = optionalString(by)

		ev := domain.Event{
			Type:         domain.EventTicketCancelled,
			ServiceID:    cur.ServiceID,
			TicketID:     cur.TicketID,
			TicketNumber: cur.TicketNumber,
			PatientID:    cur.PatientID,
		}
		if had > 0 {
			ev.HadPosition = domain.IntPtr(had)
		}
		if err := out.emit(ctx, tx, ev); err != nil {
			return err
		}
		if had == 0 {
			return nil
		}

		if _, err := tx.RecomputeWaitTimes(ctx, cur.ServiceID, svc.AvgWaitSeconds); err != nil {
			return err
		}
		if had == 1 {
			head, err := tx.Head(ctx, cur.ServiceID)
			if err != nil {
				return err
			}
			if head != nil {
				out.notify(domain.NoticeNext, head)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// terminated returns a copy of t as it looks after leaving the queue.
func terminated(t *domain.Ticket, status domain.TicketStatus, at time.Time) *domain.Ticket {
	c := t.Clone()
	c.Status = status
	c.PositionInQueue = nil
	c.EstimatedWaitSeconds = 0
	ts := at
	switch status {
	case domain.StatusCompleted:
		c.CompletedAt = &ts
	default:
		c.CancelledAt = &ts
	}
	return c
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
