package events

import (
	"context"
	"sync"

	"waitless-queue/internal/domain"
)

// Emitter 事件输出能力（Redis Stream、WebSocket、测试收集器）
type Emitter interface {
	Emit(ctx context.Context, ev domain.Event)
}

// Fanout sends every event to each emitter in order.
type Fanout []Emitter

func (f Fanout) Emit(ctx context.Context, ev domain.Event) {
	for _, e := range f {
		e.Emit(ctx, ev)
	}
}

// Collector 内存收集器，用于测试
type Collector struct {
	mu     sync.Mutex
	events []domain.Event
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Emit(_ context.Context, ev domain.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

// Events returns a copy of everything collected so far.
func (c *Collector) Events() []domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Event, len(c.events))
	copy(out, c.events)
	return out
}

// OfType filters collected events by type.
func (c *Collector) OfType(t domain.EventType) []domain.Event {
	var out []domain.Event
	for _, ev := range c.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (c *Collector) Reset() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}
