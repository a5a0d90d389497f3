package coordinator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"waitless-queue/internal/domain"
	"waitless-queue/internal/repository"
)

// Reorder 按 (priority desc, created_at asc, ticket_id asc) 重排，返回改动的工单数。幂等。
func (c *Coordinator) Reorder(ctx context.Context, serviceID int64) (int, error) {
	var renumbered int
	err := c.mutate(ctx, serviceID, "reorder", func(tx repository.RegistryTx, out *outbox) error {
		renumbered = 0
		_, err := out.lockOperational(ctx, tx, serviceID)
		if err != nil {
			return err
		}

		before, err := tx.Head(ctx, serviceID)
		if err != nil {
			return err
		}
		n, err := tx.Renumber(ctx, serviceID)
		if err != nil || n == 0 {
			return err
		}
		renumbered = n
		return afterRenumber(ctx, tx, out, serviceID, n, before)
	})
	if err != nil {
		return 0, err
	}
	return renumbered, nil
}

// ExpireStale 过期 created_at + max_wait < cutoff 的等待工单并重排。
// 未知服务返回 0。由外部定时器调用。
func (c *Coordinator) ExpireStale(ctx context.Context, serviceID int64, cutoff time.Time) (int, error) {
	var expired int
	err := c.mutate(ctx, serviceID, "expire_stale", func(tx repository.RegistryTx, out *outbox) error {
		expired = 0
		svc, err := out.lock(ctx, tx, serviceID)
		if errors.Is(err, domain.ErrServiceNotActive) {
			return nil
		}
		if err != nil {
			return err
		}

		before, err := tx.Head(ctx, serviceID)
		if err != nil {
			return err
		}
		stale, err := tx.ExpireStale(ctx, serviceID, cutoff, out.now)
		if err != nil || len(stale) == 0 {
			return err
		}
		expired = len(stale)
		for _, t := range stale {
			if err := out.emit(ctx, tx, domain.Event{
				Type:         domain.EventTicketExpired,
				ServiceID:    serviceID,
				TicketID:     t.TicketID,
				TicketNumber: t.TicketNumber,
				PatientID:    t.PatientID,
			}); err != nil {
				return err
			}
		}

		n, err := tx.Renumber(ctx, serviceID)
		if err != nil {
			return err
		}
		if n == 0 {
			_, err := tx.RecomputeWaitTimes(ctx, serviceID, svc.AvgWaitSeconds)
			return err
		}
		return afterRenumber(ctx, tx, out, serviceID, n, before)
	})
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		c.logger.Info("Expired stale tickets",
			zap.Int64("service_id", serviceID),
			zap.Int("count", expired))
	}
	return expired, nil
}

func afterRenumber(ctx context.Context, tx repository.RegistryTx, out *outbox, serviceID int64, n int, before *domain.Ticket) error {
	if _, err := tx.RecomputeWaitTimes(ctx, serviceID, out.svc.AvgWaitSeconds); err != nil {
		return err
	}
	if err := out.emit(ctx, tx, domain.Event{
		Type:          domain.EventQueueReordered,
		ServiceID:     serviceID,
		AffectedCount: n,
	}); err != nil {
		return err
	}

	after, err := tx.Head(ctx, serviceID)
	if err != nil {
		return err
	}
	if after != nil && (before == nil || before.TicketID != after.TicketID) {
		out.notify(domain.NoticeNext, after)
	}
	return nil
}
