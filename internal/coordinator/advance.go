package coordinator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"waitless-queue/internal/domain"
	"waitless-queue/internal/repository"
)

// CallNext 叫号：先结束当前咨询中的工单，再把队首转为 consulting。
// 队列为空时整个事务回滚（包括自动结束），返回 ErrEmptyQueue。
func (c *Coordinator) CallNext(ctx context.Context, serviceID int64) (*domain.Ticket, error) {
	var called *domain.Ticket
	err := c.mutate(ctx, serviceID, "call_next", func(tx repository.RegistryTx, out *outbox) error {
		_, err := out.lockOperational(ctx, tx, serviceID)
		if err != nil {
			return err
		}

		consulting, err := tx.ListConsulting(ctx, serviceID)
		if err != nil {
			return err
		}
		for _, cur := range consulting {
			if err := tx.Complete(ctx, cur.TicketID, out.now); err != nil {
				return err
			}
			if err := recordCompletion(ctx, tx, out, cur); err != nil {
				return err
			}
		}

		head, err := tx.PopHead(ctx, serviceID, out.now)
		if err != nil {
			return err
		}
		if head == nil {
			return fmt.Errorf("service %d: %w", serviceID, domain.ErrEmptyQueue)
		}
		if err := announceCall(ctx, tx, out, head); err != nil {
			return err
		}
		called = head
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("Ticket called",
		zap.Int64("service_id", serviceID),
		zap.Int64("ticket_id", called.TicketID),
		zap.Int64("patient_id", called.PatientID))
	return called, nil
}

// Complete 结束咨询。AutoAdvance 打开时同一事务内叫下一位。
func (c *Coordinator) Complete(ctx context.Context, ticketID int64) (*domain.Ticket, error) {
	tk, err := c.reg.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if tk.Status != domain.StatusConsulting {
		return nil, fmt.Errorf("ticket %d is %s: %w", ticketID, tk.Status, domain.ErrIllegalTransition)
	}

	var done *domain.Ticket
	err = c.mutate(ctx, tk.ServiceID, "complete", func(tx repository.RegistryTx, out *outbox) error {
		svc, err := out.lock(ctx, tx, tk.ServiceID)
		if err != nil {
			return err
		}

		cur, err := tx.GetTicketForUpdate(ctx, ticketID)
		if err != nil {
			return err
		}
		if cur.Status != domain.StatusConsulting {
			return fmt.Errorf("ticket %d is %s: %w", ticketID, cur.Status, domain.ErrIllegalTransition)
		}
		if err := tx.Complete(ctx, ticketID, out.now); err != nil {
			return err
		}
		if err := recordCompletion(ctx, tx, out, cur); err != nil {
			return err
		}
		done = terminated(cur, domain.StatusCompleted, out.now)

		if !c.opts.AutoAdvance || !svc.Status.Operational() {
			return nil
		}
		head, err := tx.PopHead(ctx, tk.ServiceID, out.now)
		if err != nil || head == nil {
			return err
		}
		return announceCall(ctx, tx, out, head)
	})
	if err != nil {
		return nil, err
	}
	return done, nil
}

// announceCall closes out a pop: estimates, ticket_called and notices.
func announceCall(ctx context.Context, tx repository.RegistryTx, out *outbox, head *domain.Ticket) error {
	next, err := tx.Head(ctx, head.ServiceID)
	if err != nil {
		return err
	}
	if next != nil {
		if _, err := tx.RecomputeWaitTimes(ctx, head.ServiceID, out.svc.AvgWaitSeconds); err != nil {
			return err
		}
	}

	ev := domain.Event{
		Type:         domain.EventTicketCalled,
		ServiceID:    head.ServiceID,
		TicketID:     head.TicketID,
		TicketNumber: head.TicketNumber,
		PatientID:    head.PatientID,
	}
	if next != nil {
		id := next.TicketID
		ev.NewHeadTicketID = &id
	}
	if err := out.emit(ctx, tx, ev); err != nil {
		return err
	}
	out.notify(domain.NoticeCalled, head)
	if next != nil {
		out.notify(domain.NoticeNext, next)
	}
	return nil
}

func recordCompletion(ctx context.Context, tx repository.RegistryTx, out *outbox, cur *domain.Ticket) error {
	done := terminated(cur, domain.StatusCompleted, out.now)
	out.completed = append(out.completed, done)

	ev := domain.Event{
		Type:         domain.EventTicketCompleted,
		ServiceID:    cur.ServiceID,
		TicketID:     cur.TicketID,
		TicketNumber: cur.TicketNumber,
		PatientID:    cur.PatientID,
	}
	if cur.CalledAt != nil {
		secs := int(out.now.Sub(*cur.CalledAt) / time.Second)
		if secs < 0 {
			secs = 0
		}
		ev.ConsultationSeconds = &secs
	}
	return out.emit(ctx, tx, ev)
}
