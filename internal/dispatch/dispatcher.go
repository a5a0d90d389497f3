package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options 通知分发配置
type Options struct {
	Workers     int
	QueueDepth  int           // 每个接收人的待发上限，满了丢最旧的
	MaxAttempts int           // 含首次发送
	Backoff     time.Duration // 初始重试间隔，逐次翻倍
	BackoffMax  time.Duration
}

func DefaultOptions() Options {
	return Options{
		Workers:     4,
		QueueDepth:  16,
		MaxAttempts: 3,
		Backoff:     200 * time.Millisecond,
		BackoffMax:  5 * time.Second,
	}
}

// Message 待发送的通知
type Message struct {
	ID         string
	Recipient  string
	Text       string
	EnqueuedAt time.Time
}

// Stats 分发计数
type Stats struct {
	Enqueued  int64
	Delivered int64
	Dropped   int64 // 队列满被挤掉
	Failed    int64 // 重试耗尽或永久失败
}

// Dispatcher delivers messages through a Sink with per-recipient FIFO order.
// A recipient is held by at most one worker at a time; Enqueue never blocks
// on the sink.
type Dispatcher struct {
	sink   Sink
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queues map[string][]Message
	ready  []string // 有待发消息且未被 worker 持有的接收人
	busy   map[string]bool
	closed bool

	wg    sync.WaitGroup
	start sync.Once

	enqueued  atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// NewDispatcher 创建分发器，调用 Start 后开始投递
func NewDispatcher(sink Sink, opts Options, logger *zap.Logger) *Dispatcher {
	def := DefaultOptions()
	if opts.Workers < 1 {
		opts.Workers = def.Workers
	}
	if opts.QueueDepth < 1 {
		opts.QueueDepth = def.QueueDepth
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = def.Backoff
	}
	if opts.BackoffMax < opts.Backoff {
		opts.BackoffMax = opts.Backoff
	}
	d := &Dispatcher{
		sink:   sink,
		opts:   opts,
		logger: logger,
		queues: make(map[string][]Message),
		busy:   make(map[string]bool),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Start launches the worker pool. Cancelling ctx aborts in-flight sends
// without retrying them.
func (d *Dispatcher) Start(ctx context.Context) {
	d.start.Do(func() {
		for i := 0; i < d.opts.Workers; i++ {
			d.wg.Add(1)
			go d.worker(ctx)
		}
		d.logger.Info("Notification dispatcher started",
			zap.Int("workers", d.opts.Workers),
			zap.Int("queue_depth", d.opts.QueueDepth))
	})
}

// Stop stops accepting messages, lets workers drain what is queued and waits for them.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	d.wg.Wait()
}

// Enqueue queues text for recipient and returns the message id. It returns
// "" when the dispatcher is stopped.
func (d *Dispatcher) Enqueue(recipient, text string) string {
	msg := Message{
		ID:         uuid.NewString(),
		Recipient:  recipient,
		Text:       text,
		EnqueuedAt: time.Now(),
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ""
	}

	q := d.queues[recipient]
	wasEmpty := len(q) == 0
	if len(q) >= d.opts.QueueDepth {
		oldest := q[0]
		q = q[1:]
		d.dropped.Add(1)
		d.logger.Warn("Notification queue full, dropped oldest message",
			zap.String("recipient", recipient),
			zap.String("message_id", oldest.ID),
			zap.Time("enqueued_at", oldest.EnqueuedAt))
	}
	d.queues[recipient] = append(q, msg)
	d.enqueued.Add(1)

	if wasEmpty && !d.busy[recipient] {
		d.ready = append(d.ready, recipient)
		d.cond.Signal()
	}
	return msg.ID
}

// Pending returns the number of undelivered messages queued for recipient.
func (d *Dispatcher) Pending(recipient string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues[recipient])
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Enqueued:  d.enqueued.Load(),
		Delivered: d.delivered.Load(),
		Dropped:   d.dropped.Load(),
		Failed:    d.failed.Load(),
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		for len(d.ready) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.ready) == 0 {
			d.mu.Unlock()
			return
		}
		recipient := d.ready[0]
		d.ready = d.ready[1:]
		q := d.queues[recipient]
		msg := q[0]
		d.queues[recipient] = q[1:]
		d.busy[recipient] = true
		d.mu.Unlock()

		d.deliver(ctx, msg)

		d.mu.Lock()
		delete(d.busy, recipient)
		if len(d.queues[recipient]) > 0 {
			d.ready = append(d.ready, recipient)
			d.cond.Signal()
		} else {
			delete(d.queues, recipient)
		}
		d.mu.Unlock()
	}
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message) {
	backoff := d.opts.Backoff
	for attempt := 1; ; attempt++ {
		err := d.sink.Send(ctx, msg.Recipient, msg.Text)
		if err == nil {
			d.delivered.Add(1)
			return
		}

		fields := []zap.Field{
			zap.String("recipient", msg.Recipient),
			zap.String("message_id", msg.ID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		}
		switch {
		case ctx.Err() != nil || errors.Is(err, context.Canceled):
			d.failed.Add(1)
			d.logger.Info("Notification cancelled", fields...)
			return
		case IsPermanent(err):
			d.failed.Add(1)
			d.logger.Error("Notification rejected permanently, dropping", fields...)
			return
		case attempt >= d.opts.MaxAttempts:
			d.failed.Add(1)
			d.logger.Error("Notification retries exhausted, dropping", fields...)
			return
		}
		d.logger.Warn("Notification send failed, retrying", fields...)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			d.failed.Add(1)
			d.logger.Info("Notification cancelled during backoff", fields...)
			return
		case <-timer.C:
		}
		backoff *= 2
		if backoff > d.opts.BackoffMax {
			backoff = d.opts.BackoffMax
		}
	}
}
