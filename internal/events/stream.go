package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	rediscommon "waitless-queue/common/redis"
	"waitless-queue/internal/domain"
)

// MaxReplay caps one Replay call.
const MaxReplay = 1000

const replayPage = 256

// StreamOptions 事件流发布配置
type StreamOptions struct {
	MaxLen     int64         // XADD MAXLEN ~ N，0 不裁剪
	QueueDepth int           // 待写入事件上限，满了丢最旧的
	Backoff    time.Duration // XADD 失败后的初始重试间隔，逐次翻倍
	BackoffMax time.Duration
	Timeout    time.Duration // 单次 XADD 超时
}

func DefaultStreamOptions() StreamOptions {
	return StreamOptions{
		MaxLen:     10000,
		QueueDepth: 4096,
		Backoff:    100 * time.Millisecond,
		BackoffMax: 5 * time.Second,
		Timeout:    2 * time.Second,
	}
}

// StreamStats 发布计数
type StreamStats struct {
	Published int64
	Dropped   int64 // 队列满被挤掉或停止时未写入
}

type pendingEvent struct {
	id string // event_id，重试时保持不变，消费端据此去重
	ev domain.Event
}

// StreamPublisher 将队列事件写入 Redis Stream（XADD，MAXLEN ~ N）。
// 字段：event_id, type, service_id, token, data(JSON)。
// Emit 只入队；单个 worker 按入队顺序写入，失败时退避重试直到成功或停止，
// 同一服务的事件因此按提交顺序、至少一次地到达 stream。
type StreamPublisher struct {
	client *redis.Client
	stream string
	opts   StreamOptions
	logger *zap.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []pendingEvent
	inflight bool
	closed   bool

	wg    sync.WaitGroup
	start sync.Once

	published atomic.Int64
	dropped   atomic.Int64
}

// NewStreamPublisher 创建发布器，调用 Start 后开始写入
func NewStreamPublisher(client *redis.Client, stream string, opts StreamOptions, logger *zap.Logger) *StreamPublisher {
	def := DefaultStreamOptions()
	if opts.QueueDepth < 1 {
		opts.QueueDepth = def.QueueDepth
	}
	if opts.Backoff <= 0 {
		opts.Backoff = def.Backoff
	}
	if opts.BackoffMax < opts.Backoff {
		opts.BackoffMax = opts.Backoff
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	p := &StreamPublisher{
		client: client,
		stream: stream,
		opts:   opts,
		logger: logger,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the writer. Cancelling ctx abandons whatever is still queued.
func (p *StreamPublisher) Start(ctx context.Context) {
	p.start.Do(func() {
		p.wg.Add(1)
		go p.worker(ctx)
		p.logger.Info("Queue event publisher started",
			zap.String("stream", p.stream),
			zap.Int("queue_depth", p.opts.QueueDepth))
	})
}

// Stop stops accepting events and waits until the queue is written or the
// Start context is cancelled.
func (p *StreamPublisher) Stop() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

// Emit queues ev for the stream. It never waits on Redis.
func (p *StreamPublisher) Emit(_ context.Context, ev domain.Event) {
	pe := pendingEvent{id: uuid.NewString(), ev: ev}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.dropped.Add(1)
		p.logger.Warn("Queue event publisher stopped, dropping event",
			zap.String("type", string(ev.Type)),
			zap.Int64("service_id", ev.ServiceID),
			zap.Int64("token", ev.Token))
		return
	}
	if len(p.queue) >= p.opts.QueueDepth {
		oldest := p.queue[0]
		p.queue = p.queue[1:]
		p.dropped.Add(1)
		p.logger.Error("Queue event backlog full, dropped oldest event",
			zap.String("event_id", oldest.id),
			zap.Int64("service_id", oldest.ev.ServiceID),
			zap.Int64("token", oldest.ev.Token))
	}
	p.queue = append(p.queue, pe)
	p.cond.Signal()
}

// Pending returns queued plus in-flight events.
func (p *StreamPublisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.queue)
	if p.inflight {
		n++
	}
	return n
}

func (p *StreamPublisher) Stats() StreamStats {
	return StreamStats{Published: p.published.Load(), Dropped: p.dropped.Load()}
}

func (p *StreamPublisher) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		pe := p.queue[0]
		p.queue = p.queue[1:]
		p.inflight = true
		p.mu.Unlock()

		ok := p.deliver(ctx, pe)

		p.mu.Lock()
		p.inflight = false
		if !ok {
			left := len(p.queue)
			p.queue = nil
			p.dropped.Add(int64(left + 1))
			p.mu.Unlock()
			p.logger.Error("Queue event publisher cancelled, events not written",
				zap.String("stream", p.stream),
				zap.Int("count", left+1))
			return
		}
		p.mu.Unlock()
	}
}

// deliver retries until XADD succeeds. It returns false only when ctx is done.
func (p *StreamPublisher) deliver(ctx context.Context, pe pendingEvent) bool {
	backoff := p.opts.Backoff
	for attempt := 1; ; attempt++ {
		id, err := p.xadd(ctx, pe)
		if err == nil {
			p.published.Add(1)
			p.logger.Debug("Queue event published",
				zap.String("stream_id", id),
				zap.String("type", string(pe.ev.Type)),
				zap.Int64("token", pe.ev.Token))
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		p.logger.Warn("Failed to publish queue event, retrying",
			zap.String("stream", p.stream),
			zap.String("event_id", pe.id),
			zap.String("type", string(pe.ev.Type)),
			zap.Int64("service_id", pe.ev.ServiceID),
			zap.Int64("token", pe.ev.Token),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
		backoff *= 2
		if backoff > p.opts.BackoffMax {
			backoff = p.opts.BackoffMax
		}
	}
}

func (p *StreamPublisher) xadd(ctx context.Context, pe pendingEvent) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()
	return rediscommon.PublishJSONToStream(ctx, p.client, p.stream, p.opts.MaxLen, pe.ev, map[string]interface{}{
		"event_id":   pe.id,
		"type":       string(pe.ev.Type),
		"service_id": pe.ev.ServiceID,
		"token":      pe.ev.Token,
	})
}

// ReplayedEvent 回放的一条事件，StreamID 可作为下一次的 after
type ReplayedEvent struct {
	StreamID string       `json:"stream_id"`
	Event    domain.Event `json:"event"`
}

// Replay reads events after the stream id `after` (exclusive; "" means from the
// start), optionally only those of serviceID (0 = all), at most limit entries
// (0 or above MaxReplay means MaxReplay). The stream is read in pages.
func (p *StreamPublisher) Replay(ctx context.Context, after string, serviceID int64, limit int) ([]ReplayedEvent, error) {
	if limit <= 0 || limit > MaxReplay {
		limit = MaxReplay
	}
	start, skip := "-", ""
	if after != "" {
		start, skip = after, after
	}

	out := make([]ReplayedEvent, 0)
	for {
		// +1 for the inclusive start entry
		count := int64(limit - len(out) + 1)
		if serviceID != 0 && count < replayPage {
			count = replayPage
		}
		msgs, err := rediscommon.ReadRangeN(ctx, p.client, p.stream, start, "+", count)
		if err != nil {
			return nil, fmt.Errorf("failed to read stream %s: %w", p.stream, err)
		}

		for _, m := range msgs {
			if m.ID == skip {
				continue
			}
			raw, _ := m.Values["data"].(string)
			var ev domain.Event
			if err := json.Unmarshal([]byte(raw), &ev); err != nil {
				p.logger.Warn("Skipping malformed stream entry", zap.String("stream_id", m.ID), zap.Error(err))
				continue
			}
			if serviceID != 0 && ev.ServiceID != serviceID {
				continue
			}
			out = append(out, ReplayedEvent{StreamID: m.ID, Event: ev})
			if len(out) >= limit {
				return out, nil
			}
		}
		if int64(len(msgs)) < count {
			return out, nil
		}
		start = msgs[len(msgs)-1].ID
		skip = start
	}
}
