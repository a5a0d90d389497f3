package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"waitless-queue/internal/domain"
	"waitless-queue/internal/repository"
)

// outbox collects what a transaction wants published once it has committed.
// A fresh outbox is used for every run of fn. now and the sequencer slot are
// taken right after the service row is locked, so both follow commit order.
type outbox struct {
	svc       *domain.Service
	events    []domain.Event
	notices   []domain.Notice
	completed []*domain.Ticket
	now       time.Time

	clock func() time.Time
	seq   *sequencer
	slot  *seqSlot
}

// lock locks the service row, then stamps the attempt and claims its place
// in the publish order.
func (o *outbox) lock(ctx context.Context, tx repository.RegistryTx, serviceID int64) (*domain.Service, error) {
	svc, err := tx.LockService(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	o.svc = svc
	o.now = o.clock()
	if o.slot == nil {
		o.slot = o.seq.register(serviceID)
	}
	return svc, nil
}

func (o *outbox) lockOperational(ctx context.Context, tx repository.RegistryTx, serviceID int64) (*domain.Service, error) {
	svc, err := o.lock(ctx, tx, serviceID)
	if err != nil {
		return nil, err
	}
	if !svc.Status.Operational() {
		return nil, fmt.Errorf("service %d is %s: %w", serviceID, svc.Status, domain.ErrServiceNotActive)
	}
	return svc, nil
}

func (o *outbox) emit(ctx context.Context, tx repository.RegistryTx, ev domain.Event) error {
	token, err := tx.NextEventToken(ctx, ev.ServiceID)
	if err != nil {
		return err
	}
	ev.Token = token
	ev.OccurredAt = o.now
	o.events = append(o.events, ev)
	return nil
}

func (o *outbox) notify(kind domain.NoticeKind, t *domain.Ticket) {
	n := domain.Notice{
		Kind:         kind,
		PatientID:    t.PatientID,
		TicketID:     t.TicketID,
		TicketNumber: t.TicketNumber,
		ServiceID:    t.ServiceID,
	}
	if o.svc != nil {
		n.ServiceName = o.svc.Name
	}
	o.notices = append(o.notices, n)
}

// mutate runs fn in a registry transaction on the service's lane, retrying
// store conflicts with bounded exponential backoff. Committed outboxes are
// published in commit order per service; in lane mode that happens before
// the lane is released.
func (c *Coordinator) mutate(ctx context.Context, serviceID int64, op string, fn func(tx repository.RegistryTx, out *outbox) error) error {
	if c.opts.Mode == ModeLane {
		release, err := c.lanes.acquire(ctx, serviceID)
		if err != nil {
			return err
		}
		defer release()
	}

	publish := func(o *outbox) { c.publish(context.WithoutCancel(ctx), o) }
	backoff := c.opts.Backoff
	for attempt := 1; ; attempt++ {
		var out *outbox
		err := c.reg.WithinTx(ctx, func(tx repository.RegistryTx) error {
			// the store may run fn again after a rollback
			if out != nil && out.slot != nil {
				c.seq.abandon(out.slot, publish)
			}
			out = &outbox{clock: c.now, seq: c.seq}
			return fn(tx, out)
		})
		if err == nil {
			if out.slot == nil {
				publish(out)
			} else {
				c.seq.commit(out.slot, out, publish)
			}
			return nil
		}
		if out != nil && out.slot != nil {
			c.seq.abandon(out.slot, publish)
		}
		if !errors.Is(err, domain.ErrConflict) {
			return err
		}
		if attempt >= c.opts.MaxRetries {
			c.logger.Warn("Queue contention, giving up",
				zap.String("op", op),
				zap.Int64("service_id", serviceID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return fmt.Errorf("%w: %s on service %d after %d attempts", domain.ErrContention, op, serviceID, attempt)
		}
		c.logger.Debug("Store conflict, retrying",
			zap.String("op", op),
			zap.Int64("service_id", serviceID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > c.opts.BackoffMax {
			backoff = c.opts.BackoffMax
		}
	}
}

func (c *Coordinator) publish(ctx context.Context, out *outbox) {
	for _, t := range out.completed {
		c.observer.ObserveCompletion(ctx, out.svc, t)
	}
	for _, ev := range out.events {
		c.emitter.Emit(ctx, ev)
	}
	for _, n := range out.notices {
		c.notifier.Notify(ctx, n)
	}
}
