package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"
	"waitless-queue/internal/domain"
	"waitless-queue/internal/repository"
)

// Mode 队列写入并发策略
type Mode string

const (
	// ModeLane 每个服务一条单写通道（FIFO），冲突重试作为兜底
	ModeLane Mode = "lane"
	// ModeOptimistic 直接依赖存储约束 + 有界重试
	ModeOptimistic Mode = "optimistic"
)

// Options 协调器配置
type Options struct {
	Mode        Mode
	MaxRetries  int           // 冲突重试上限（含首次）
	Backoff     time.Duration // 初始退避，逐次翻倍
	BackoffMax  time.Duration
	AutoAdvance bool // complete 时在同一事务内叫下一位
	Now         func() time.Time
}

func DefaultOptions() Options {
	return Options{
		Mode:       ModeLane,
		MaxRetries: 5,
		Backoff:    5 * time.Millisecond,
		BackoffMax: 50 * time.Millisecond,
		Now:        time.Now,
	}
}

// Emitter receives committed domain events in commit order per service.
type Emitter interface {
	Emit(ctx context.Context, ev domain.Event)
}

// Notifier receives patient notices. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notice)
}

// CompletionObserver is told about every completed consultation.
// svc is the service row as locked by the completing transaction.
type CompletionObserver interface {
	ObserveCompletion(ctx context.Context, svc *domain.Service, t *domain.Ticket)
}

// Coordinator 队列协调器：所有队列写操作的唯一入口
type Coordinator struct {
	reg    repository.Registry
	opts   Options
	lanes  *lanes
	seq    *sequencer
	logger *zap.Logger

	emitter  Emitter
	notifier Notifier
	observer CompletionObserver
}

// NewCoordinator 创建协调器
func NewCoordinator(reg repository.Registry, opts Options, logger *zap.Logger) *Coordinator {
	def := DefaultOptions()
	if opts.Mode == "" {
		opts.Mode = def.Mode
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.Backoff <= 0 {
		opts.Backoff = def.Backoff
	}
	if opts.BackoffMax < opts.Backoff {
		opts.BackoffMax = opts.Backoff
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		reg:      reg,
		opts:     opts,
		lanes:    newLanes(),
		seq:      newSequencer(),
		logger:   logger,
		emitter:  nopEmitter{},
		notifier: nopNotifier{},
		observer: nopObserver{},
	}
}

func (c *Coordinator) SetEmitter(e Emitter) {
	if e != nil {
		c.emitter = e
	}
}

func (c *Coordinator) SetNotifier(n Notifier) {
	if n != nil {
		c.notifier = n
	}
}

func (c *Coordinator) SetCompletionObserver(o CompletionObserver) {
	if o != nil {
		c.observer = o
	}
}

// ---- reads bypass the lane ----

func (c *Coordinator) GetTicket(ctx context.Context, ticketID int64) (*domain.Ticket, error) {
	return c.reg.GetTicket(ctx, ticketID)
}

func (c *Coordinator) ListWaiting(ctx context.Context, serviceID int64) ([]*domain.Ticket, error) {
	return c.reg.ListWaiting(ctx, serviceID)
}

func (c *Coordinator) GetService(ctx context.Context, serviceID int64) (*domain.Service, error) {
	return c.reg.GetService(ctx, serviceID)
}

func (c *Coordinator) ListServices(ctx context.Context) ([]*domain.Service, error) {
	return c.reg.ListServices(ctx)
}

func (c *Coordinator) IntegrityCheck(ctx context.Context, serviceID int64) (*repository.IntegrityReport, error) {
	return c.reg.IntegrityCheck(ctx, serviceID)
}

func (c *Coordinator) now() time.Time {
	return c.opts.Now()
}

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, domain.Event) {}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, domain.Notice) {}

type nopObserver struct{}

func (nopObserver) ObserveCompletion(context.Context, *domain.Service, *domain.Ticket) {}
