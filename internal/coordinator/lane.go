package coordinator

import (
	"context"
	"sync"
)

// lanes 每个 service_id 一条容量为 1 的通道；阻塞的发送方按 FIFO 获得通道
type lanes struct {
	mu sync.Mutex
	m  map[int64]chan struct{}
}

func newLanes() *lanes {
	return &lanes{m: make(map[int64]chan struct{})}
}

func (l *lanes) get(serviceID int64) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.m[serviceID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.m[serviceID] = ch
	}
	return ch
}

// acquire blocks until the lane is free or ctx is done.
func (l *lanes) acquire(ctx context.Context, serviceID int64) (func(), error) {
	ch := l.get(serviceID)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
