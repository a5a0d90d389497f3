package coordinator

import "sync"

// sequencer 按服务行锁的获取顺序发布 outbox。
// 槽位在持有服务行锁时登记，所以登记顺序就是提交顺序；
// 回滚的槽位被跳过，队首未提交时后面已提交的槽位等待。
type sequencer struct {
	mu     sync.Mutex
	queues map[int64]*seqQueue
}

type seqQueue struct {
	slots    []*seqSlot
	draining bool
}

type seqState int

const (
	slotPending seqState = iota
	slotReady
	slotAbandoned
)

type seqSlot struct {
	serviceID int64
	state     seqState
	out       *outbox
}

func newSequencer() *sequencer {
	return &sequencer{queues: make(map[int64]*seqQueue)}
}

// register appends a pending slot. Call it while holding the service row lock.
func (s *sequencer) register(serviceID int64) *seqSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[serviceID]
	if !ok {
		q = &seqQueue{}
		s.queues[serviceID] = q
	}
	slot := &seqSlot{serviceID: serviceID}
	q.slots = append(q.slots, slot)
	return slot
}

// commit marks slot ready and publishes every leading settled slot in order.
func (s *sequencer) commit(slot *seqSlot, out *outbox, publish func(*outbox)) {
	s.settle(slot, slotReady, out, publish)
}

// abandon drops slot; later slots no longer wait for it.
func (s *sequencer) abandon(slot *seqSlot, publish func(*outbox)) {
	s.settle(slot, slotAbandoned, nil, publish)
}

func (s *sequencer) settle(slot *seqSlot, state seqState, out *outbox, publish func(*outbox)) {
	s.mu.Lock()
	slot.state = state
	slot.out = out
	q := s.queues[slot.serviceID]
	if q.draining {
		// the goroutine already draining this queue picks the slot up
		s.mu.Unlock()
		return
	}
	q.draining = true

	for {
		var batch []*outbox
		for len(q.slots) > 0 && q.slots[0].state != slotPending {
			head := q.slots[0]
			q.slots = q.slots[1:]
			if head.state == slotReady {
				batch = append(batch, head.out)
			}
		}
		if len(batch) == 0 {
			q.draining = false
			if len(q.slots) == 0 {
				delete(s.queues, slot.serviceID)
			}
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		for _, o := range batch {
			publish(o)
		}
		s.mu.Lock()
	}
}
