package estimator

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"waitless-queue/internal/domain"
	"waitless-queue/internal/repository"
)

// Options EWMA 参数
type Options struct {
	Alpha    float64
	ClampMin time.Duration
	ClampMax time.Duration
	// Timeout bounds the persistence round trip after each observation.
	Timeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		Alpha:    0.2,
		ClampMin: 60 * time.Second,
		ClampMax: 2 * time.Hour,
		Timeout:  2 * time.Second,
	}
}

// serviceState 每个服务一份，只由持有该服务 lane 的 goroutine 写入
type serviceState struct {
	mu         sync.Mutex
	avg        float64
	lastCalled *time.Time
}

// Estimator 等待时间估算器。
// observed = 本次完成工单的 called_at - 上一个完成工单的 called_at（叫号间隔）。
type Estimator struct {
	reg    repository.Registry
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	states map[int64]*serviceState
}

func NewEstimator(reg repository.Registry, opts Options, logger *zap.Logger) *Estimator {
	def := DefaultOptions()
	if opts.Alpha <= 0 || opts.Alpha > 1 {
		opts.Alpha = def.Alpha
	}
	if opts.ClampMin <= 0 {
		opts.ClampMin = def.ClampMin
	}
	if opts.ClampMax < opts.ClampMin {
		opts.ClampMax = def.ClampMax
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	return &Estimator{
		reg:    reg,
		opts:   opts,
		logger: logger,
		states: make(map[int64]*serviceState),
	}
}

// state returns the record for svc, seeding it from the persisted row on first use.
func (e *Estimator) state(svc *domain.Service) *serviceState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[svc.ServiceID]
	if !ok {
		st = &serviceState{avg: float64(svc.AvgWaitSeconds)}
		if svc.LastCalledAt != nil {
			at := *svc.LastCalledAt
			st.lastCalled = &at
		}
		e.states[svc.ServiceID] = st
	}
	return st
}

// Average returns the in-memory average for a service, and whether one is tracked.
func (e *Estimator) Average(serviceID int64) (int, bool) {
	e.mu.Lock()
	st, ok := e.states[serviceID]
	e.mu.Unlock()
	if !ok {
		return 0, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return int(math.Round(st.avg)), true
}

// Update folds one observation into avg and clamps the result.
func (e *Estimator) Update(avg float64, observed time.Duration) float64 {
	next := e.opts.Alpha*observed.Seconds() + (1-e.opts.Alpha)*avg
	lo, hi := e.opts.ClampMin.Seconds(), e.opts.ClampMax.Seconds()
	if next < lo {
		next = lo
	}
	if next > hi {
		next = hi
	}
	return next
}

// ObserveCompletion 每次咨询结束时调用。
// 失败只记录日志，不影响已提交的完成操作。
func (e *Estimator) ObserveCompletion(ctx context.Context, svc *domain.Service, t *domain.Ticket) {
	if svc == nil || t == nil || t.CalledAt == nil {
		return
	}
	st := e.state(svc)

	st.mu.Lock()
	calledAt := *t.CalledAt
	if st.lastCalled == nil {
		st.lastCalled = &calledAt
		avg := int(math.Round(st.avg))
		st.mu.Unlock()
		e.persist(ctx, svc.ServiceID, avg, calledAt, false)
		return
	}
	if !calledAt.After(*st.lastCalled) {
		st.mu.Unlock()
		e.logger.Debug("Skipping out-of-order observation",
			zap.Int64("service_id", svc.ServiceID),
			zap.Int64("ticket_id", t.TicketID))
		return
	}
	observed := calledAt.Sub(*st.lastCalled)
	prev := st.avg
	st.avg = e.Update(st.avg, observed)
	st.lastCalled = &calledAt
	avg := int(math.Round(st.avg))
	st.mu.Unlock()

	e.logger.Debug("Service average updated",
		zap.Int64("service_id", svc.ServiceID),
		zap.Duration("observed", observed),
		zap.Float64("previous", prev),
		zap.Int("avg_wait_seconds", avg))
	e.persist(ctx, svc.ServiceID, avg, calledAt, true)
}

func (e *Estimator) persist(ctx context.Context, serviceID int64, avg int, lastCalled time.Time, recompute bool) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	if err := e.reg.SaveServiceAverage(ctx, serviceID, avg, lastCalled); err != nil {
		e.logger.Error("Failed to persist service average",
			zap.Int64("service_id", serviceID),
			zap.Int("avg_wait_seconds", avg),
			zap.Error(err))
		return
	}
	if !recompute {
		return
	}
	n, err := e.reg.RecomputeWaitTimes(ctx, serviceID, avg)
	if err != nil {
		e.logger.Error("Failed to recompute wait times",
			zap.Int64("service_id", serviceID),
			zap.Int("avg_wait_seconds", avg),
			zap.Error(err))
		return
	}
	e.logger.Debug("Wait times recomputed", zap.Int64("service_id", serviceID), zap.Int("tickets", n))
}
