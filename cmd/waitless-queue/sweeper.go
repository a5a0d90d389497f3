package main

import (
	"context"
	"time"

	"go.uber.org/zap"
	"waitless-queue/internal/domain"
)

// expirer 过期清理所需的协调器能力
type expirer interface {
	ListServices(ctx context.Context) ([]*domain.Service, error)
	ExpireStale(ctx context.Context, serviceID int64, cutoff time.Time) (int, error)
}

// sweeper 定时对每个服务调用 ExpireStale（时钟由这里持有，核心不持有）
type sweeper struct {
	queue    expirer
	interval time.Duration
	slack    time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

func newSweeper(queue expirer, interval, slack time.Duration, logger *zap.Logger) *sweeper {
	return &sweeper{
		queue:    queue,
		interval: interval,
		slack:    slack,
		now:      time.Now,
		logger:   logger,
	}
}

// Run sweeps every interval until ctx is done.
func (s *sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		s.logger.Info("Expiry sweeper disabled")
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep returns how many tickets expired across all services.
func (s *sweeper) sweep(ctx context.Context) int {
	services, err := s.queue.ListServices(ctx)
	if err != nil {
		s.logger.Warn("Expiry sweep: failed to list services", zap.Error(err))
		return 0
	}
	cutoff := s.now().Add(-s.slack)
	total := 0
	for _, svc := range services {
		n, err := s.queue.ExpireStale(ctx, svc.ServiceID, cutoff)
		if err != nil {
			s.logger.Warn("Expiry sweep failed",
				zap.Int64("service_id", svc.ServiceID),
				zap.Error(err))
			continue
		}
		total += n
	}
	return total
}
