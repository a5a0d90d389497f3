package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"waitless-queue/internal/domain"
)

// MemoryRegistry 内存注册表（数据库不可用时的降级实现，也用于测试）。
// 每个服务一把写锁和一份写时复制的状态：事务在 LockService 时拿锁并复制该服务
// 的在队工单，提交时校验与数据库相同的约束后替换。跨服务的患者、票号索引只在
// 提交时短暂加锁。
type MemoryRegistry struct {
	mu            sync.RWMutex
	shards        map[int64]*memShard
	owner         map[int64]int64          // ticket_id → service_id
	archive       map[int64]*domain.Ticket // 终态工单
	active        map[int64]int64          // patient_id → 非终态 ticket_id
	issued        map[int64][]time.Time    // patient_id → 各工单 created_at
	numbers       map[string]int64         // ticket_number → ticket_id
	nextServiceID int64

	nextTicketID atomic.Int64
}

// memShard 单个服务：lock 相当于服务行的 FOR UPDATE，snap 为已提交状态（只读）
type memShard struct {
	lock chan struct{}
	snap atomic.Pointer[shardState]
}

// shardState 服务行 + 在队（waiting/consulting）工单
type shardState struct {
	svc  *domain.Service
	live map[int64]*domain.Ticket
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		shards:  make(map[int64]*memShard),
		owner:   make(map[int64]int64),
		archive: make(map[int64]*domain.Ticket),
		active:  make(map[int64]int64),
		issued:  make(map[int64][]time.Time),
		numbers: make(map[string]int64),
	}
}

func newShard(svc *domain.Service) *memShard {
	sh := &memShard{lock: make(chan struct{}, 1)}
	sh.snap.Store(&shardState{svc: svc, live: make(map[int64]*domain.Ticket)})
	return sh
}

func (sh *memShard) acquire(ctx context.Context) error {
	select {
	case sh.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (sh *memShard) release() { <-sh.lock }

func (s *shardState) clone() *shardState {
	c := &shardState{
		svc:  s.svc.Clone(),
		live: make(map[int64]*domain.Ticket, len(s.live)),
	}
	for id, t := range s.live {
		c.live[id] = t.Clone()
	}
	return c
}

// validate checks the per-service constraints: waiting positions are >= 1 and unique.
func (s *shardState) validate() error {
	positions := make(map[int]int64)
	for id, t := range s.live {
		if t.Status != domain.StatusWaiting {
			continue
		}
		if t.PositionInQueue == nil || *t.PositionInQueue < 1 {
			return fmt.Errorf("%w: ticket %d has invalid position", domain.ErrConflict, id)
		}
		p := *t.PositionInQueue
		if prev, ok := positions[p]; ok {
			return fmt.Errorf("%w: tickets %d and %d share position %d", domain.ErrConflict, prev, id, p)
		}
		positions[p] = id
	}
	return nil
}

func (r *MemoryRegistry) shard(serviceID int64) (*memShard, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sh, ok := r.shards[serviceID]
	return sh, ok
}

func (r *MemoryRegistry) WithinTx(ctx context.Context, fn func(tx RegistryTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{r: r, shards: make(map[int64]*txShard)}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

func (r *MemoryRegistry) GetService(ctx context.Context, serviceID int64) (*domain.Service, error) {
	sh, ok := r.shard(serviceID)
	if !ok {
		return nil, fmt.Errorf("service %d: %w", serviceID, domain.ErrServiceNotActive)
	}
	return sh.snap.Load().svc.Clone(), nil
}

func (r *MemoryRegistry) ListServices(ctx context.Context) ([]*domain.Service, error) {
	r.mu.RLock()
	out := make([]*domain.Service, 0, len(r.shards))
	for _, sh := range r.shards {
		out = append(out, sh.snap.Load().svc.Clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
	return out, nil
}

func (r *MemoryRegistry) UpsertService(ctx context.Context, svc *domain.Service) (*domain.Service, error) {
	r.mu.Lock()
	if svc.ServiceID != 0 {
		if sh, ok := r.shards[svc.ServiceID]; ok {
			r.mu.Unlock()
			return r.updateService(ctx, sh, func(cur *domain.Service) {
				cur.Name = svc.Name
				cur.Status = svc.Status
				cur.MaxWaitSeconds = svc.MaxWaitSeconds
				cur.DefaultPriority = svc.DefaultPriority
			})
		}
	}
	defer r.mu.Unlock()

	c := svc.Clone()
	if c.ServiceID == 0 {
		r.nextServiceID++
		c.ServiceID = r.nextServiceID
	} else if c.ServiceID > r.nextServiceID {
		r.nextServiceID = c.ServiceID
	}
	if c.Status == "" {
		c.Status = domain.ServiceActive
	}
	if c.MaxWaitSeconds == 0 {
		c.MaxWaitSeconds = 7200
	}
	if !c.DefaultPriority.Valid() {
		c.DefaultPriority = domain.PriorityMedium
	}
	r.shards[c.ServiceID] = newShard(c)
	return c.Clone(), nil
}

// updateService swaps in a new service row; the committed ticket map is shared.
func (r *MemoryRegistry) updateService(ctx context.Context, sh *memShard, edit func(*domain.Service)) (*domain.Service, error) {
	if err := sh.acquire(ctx); err != nil {
		return nil, err
	}
	defer sh.release()
	cur := sh.snap.Load()
	next := &shardState{svc: cur.svc.Clone(), live: cur.live}
	edit(next.svc)
	sh.snap.Store(next)
	return next.svc.Clone(), nil
}

func (r *MemoryRegistry) GetTicket(ctx context.Context, ticketID int64) (*domain.Ticket, error) {
	r.mu.RLock()
	if t, ok := r.archive[ticketID]; ok {
		r.mu.RUnlock()
		return t.Clone(), nil
	}
	sid, owned := r.owner[ticketID]
	sh := r.shards[sid]
	r.mu.RUnlock()
	if !owned || sh == nil {
		return nil, fmt.Errorf("ticket %d: %w", ticketID, domain.ErrNotFound)
	}
	if t, ok := sh.snap.Load().live[ticketID]; ok {
		return t.Clone(), nil
	}

	// archived after the index read
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.archive[ticketID]; ok {
		return t.Clone(), nil
	}
	return nil, fmt.Errorf("ticket %d: %w", ticketID, domain.ErrNotFound)
}

func (r *MemoryRegistry) ListWaiting(ctx context.Context, serviceID int64) ([]*domain.Ticket, error) {
	sh, ok := r.shard(serviceID)
	if !ok {
		return nil, nil
	}
	return sh.snap.Load().listWaiting(), nil
}

func (r *MemoryRegistry) IntegrityCheck(ctx context.Context, serviceID int64) (*IntegrityReport, error) {
	rep := &IntegrityReport{ServiceID: serviceID, Missing: []int{}, Duplicates: []int{}}
	sh, ok := r.shard(serviceID)
	if !ok {
		return rep, nil
	}

	seen := make(map[int]int)
	for _, t := range sh.snap.Load().live {
		if t.Status != domain.StatusWaiting || t.PositionInQueue == nil {
			continue
		}
		p := *t.PositionInQueue
		seen[p]++
		if p > rep.MaxPosition {
			rep.MaxPosition = p
		}
	}
	for p := 1; p <= rep.MaxPosition; p++ {
		switch n := seen[p]; {
		case n == 0:
			rep.Missing = append(rep.Missing, p)
		case n > 1:
			rep.Duplicates = append(rep.Duplicates, p)
		}
	}
	return rep, nil
}

func (r *MemoryRegistry) RecomputeWaitTimes(ctx context.Context, serviceID int64, avgWaitSeconds int) (int, error) {
	var n int
	err := r.WithinTx(ctx, func(tx RegistryTx) error {
		var err error
		n, err = tx.RecomputeWaitTimes(ctx, serviceID, avgWaitSeconds)
		return err
	})
	if errors.Is(err, domain.ErrServiceNotActive) {
		return 0, nil
	}
	return n, err
}

func (r *MemoryRegistry) SaveServiceAverage(ctx context.Context, serviceID int64, avgWaitSeconds int, lastCalledAt time.Time) error {
	sh, ok := r.shard(serviceID)
	if !ok {
		return fmt.Errorf("service %d: %w", serviceID, domain.ErrServiceNotActive)
	}
	_, err := r.updateService(ctx, sh, func(cur *domain.Service) {
		cur.AvgWaitSeconds = avgWaitSeconds
		at := lastCalledAt
		cur.LastCalledAt = &at
	})
	return err
}

func (s *shardState) listWaiting() []*domain.Ticket {
	return s.list(domain.StatusWaiting, func(a, b *domain.Ticket) bool {
		return a.Position() < b.Position()
	})
}

func (s *shardState) list(status domain.TicketStatus, less func(a, b *domain.Ticket) bool) []*domain.Ticket {
	var out []*domain.Ticket
	for _, t := range s.live {
		if t.Status == status {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// waiting returns the live (non-cloned) waiting rows.
func (s *shardState) waiting() []*domain.Ticket {
	var out []*domain.Ticket
	for _, t := range s.live {
		if t.Status == domain.StatusWaiting {
			out = append(out, t)
		}
	}
	return out
}

func (s *shardState) recompute(avg int) int {
	n := 0
	for _, t := range s.waiting() {
		t.EstimatedWaitSeconds = domain.EstimatedWait(t.Position(), avg)
		n++
	}
	return n
}

func (s *shardState) shift(from int, delta int) int {
	n := 0
	for _, t := range s.waiting() {
		if t.PositionInQueue != nil && *t.PositionInQueue >= from {
			*t.PositionInQueue += delta
			n++
		}
	}
	return n
}

// memTx 事务内原语，作用于已加锁服务的状态副本
type memTx struct {
	r        *MemoryRegistry
	shards   map[int64]*txShard
	inserted []*domain.Ticket
}

type txShard struct {
	sh   *memShard
	work *shardState
}

// shard locks serviceID for the rest of the transaction and returns its working copy.
func (t *memTx) shard(ctx context.Context, serviceID int64) (*shardState, error) {
	if ts, ok := t.shards[serviceID]; ok {
		return ts.work, nil
	}
	sh, ok := t.r.shard(serviceID)
	if !ok {
		return nil, fmt.Errorf("service %d: %w", serviceID, domain.ErrServiceNotActive)
	}
	if err := sh.acquire(ctx); err != nil {
		return nil, err
	}
	work := sh.snap.Load().clone()
	t.shards[serviceID] = &txShard{sh: sh, work: work}
	return work, nil
}

func (t *memTx) release() {
	for _, ts := range t.shards {
		ts.sh.release()
	}
}

// ticket finds ticketID. Live rows are returned by reference from the working
// copy; archived rows come back as clones with live=false.
func (t *memTx) ticket(ctx context.Context, ticketID int64) (tk *domain.Ticket, live bool, err error) {
	for _, ts := range t.shards {
		if tk, ok := ts.work.live[ticketID]; ok {
			return tk, true, nil
		}
	}

	r := t.r
	r.mu.RLock()
	archived := r.archive[ticketID]
	sid, owned := r.owner[ticketID]
	r.mu.RUnlock()
	if archived != nil {
		return archived.Clone(), false, nil
	}
	if !owned {
		return nil, false, fmt.Errorf("ticket %d: %w", ticketID, domain.ErrNotFound)
	}

	work, err := t.shard(ctx, sid)
	if err != nil {
		return nil, false, err
	}
	if tk, ok := work.live[ticketID]; ok {
		return tk, true, nil
	}
	r.mu.RLock()
	archived = r.archive[ticketID]
	r.mu.RUnlock()
	if archived != nil {
		return archived.Clone(), false, nil
	}
	return nil, false, fmt.Errorf("ticket %d: %w", ticketID, domain.ErrNotFound)
}

// commit validates the working copies, checks the cross-service constraints
// (one active ticket per patient, unique ticket numbers) and publishes.
func (t *memTx) commit() error {
	for _, ts := range t.shards {
		if err := ts.work.validate(); err != nil {
			return err
		}
	}

	r := t.r
	r.mu.Lock()
	defer r.mu.Unlock()

	numbers := make(map[string]int64, len(t.inserted))
	for _, tk := range t.inserted {
		prev, ok := r.numbers[tk.TicketNumber]
		if !ok {
			prev, ok = numbers[tk.TicketNumber]
		}
		if ok {
			return fmt.Errorf("%w: ticket number %s used by %d and %d", domain.ErrConflict, tk.TicketNumber, prev, tk.TicketID)
		}
		numbers[tk.TicketNumber] = tk.TicketID
	}

	claims := make(map[int64]int64)
	var done []*domain.Ticket
	for _, ts := range t.shards {
		for id, tk := range ts.work.live {
			if tk.Status.Terminal() {
				done = append(done, tk)
				continue
			}
			if prev, ok := claims[tk.PatientID]; ok {
				return fmt.Errorf("%w: patient %d holds %d and %d", domain.ErrDuplicateActive, tk.PatientID, prev, id)
			}
			claims[tk.PatientID] = id
		}
	}
	for patientID, id := range claims {
		holder, ok := r.active[patientID]
		if !ok || holder == id {
			continue
		}
		// a holder in a locked service was either released or counted above
		if _, locked := t.shards[r.owner[holder]]; locked {
			continue
		}
		return fmt.Errorf("%w: patient %d holds %d and %d", domain.ErrDuplicateActive, patientID, holder, id)
	}

	for _, tk := range t.inserted {
		r.numbers[tk.TicketNumber] = tk.TicketID
		r.owner[tk.TicketID] = tk.ServiceID
		r.issued[tk.PatientID] = append(r.issued[tk.PatientID], tk.CreatedAt)
	}
	for _, tk := range done {
		delete(t.shards[tk.ServiceID].work.live, tk.TicketID)
		r.archive[tk.TicketID] = tk
		if r.active[tk.PatientID] == tk.TicketID {
			delete(r.active, tk.PatientID)
		}
	}
	for patientID, id := range claims {
		r.active[patientID] = id
	}
	for _, ts := range t.shards {
		ts.sh.snap.Store(ts.work)
	}
	return nil
}

func (t *memTx) LockService(ctx context.Context, serviceID int64) (*domain.Service, error) {
	work, err := t.shard(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	return work.svc.Clone(), nil
}

func (t *memTx) HasActiveTicket(ctx context.Context, patientID int64) (bool, error) {
	for _, ts := range t.shards {
		for _, tk := range ts.work.live {
			if tk.PatientID == patientID && !tk.Status.Terminal() {
				return true, nil
			}
		}
	}

	t.r.mu.RLock()
	holder, ok := t.r.active[patientID]
	sid := t.r.owner[holder]
	t.r.mu.RUnlock()
	if !ok {
		return false, nil
	}
	// held in a locked service but no longer active in this transaction
	if _, locked := t.shards[sid]; locked {
		return false, nil
	}
	return true, nil
}

func (t *memTx) CountPatientTickets(ctx context.Context, patientID int64, from, to time.Time) (int, error) {
	in := func(at time.Time) bool { return !at.Before(from) && at.Before(to) }
	n := 0
	for _, tk := range t.inserted {
		if tk.PatientID == patientID && in(tk.CreatedAt) {
			n++
		}
	}
	t.r.mu.RLock()
	defer t.r.mu.RUnlock()
	for _, at := range t.r.issued[patientID] {
		if in(at) {
			n++
		}
	}
	return n, nil
}

func (t *memTx) TicketNumberTaken(ctx context.Context, number string) (bool, error) {
	for _, tk := range t.inserted {
		if tk.TicketNumber == number {
			return true, nil
		}
	}
	t.r.mu.RLock()
	defer t.r.mu.RUnlock()
	_, ok := t.r.numbers[number]
	return ok, nil
}

func (t *memTx) ReservePosition(ctx context.Context, serviceID int64, priority domain.Priority) (int, error) {
	work, err := t.shard(ctx, serviceID)
	if err != nil {
		return 0, err
	}
	ahead := 0
	for _, tk := range work.waiting() {
		if tk.Priority >= priority {
			ahead++
		}
	}
	return ahead + 1, nil
}

func (t *memTx) InsertTicket(ctx context.Context, tk *domain.Ticket) (int, error) {
	pos := tk.Position()
	if pos < 1 {
		return 0, fmt.Errorf("insert ticket: position must be >= 1, got %d", pos)
	}
	work, err := t.shard(ctx, tk.ServiceID)
	if err != nil {
		return 0, err
	}
	shifted := work.shift(pos, +1)
	tk.TicketID = t.r.nextTicketID.Add(1)
	row := tk.Clone()
	work.live[row.TicketID] = row
	t.inserted = append(t.inserted, row)
	return shifted, nil
}

func (t *memTx) Head(ctx context.Context, serviceID int64) (*domain.Ticket, error) {
	work, err := t.shard(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	for _, tk := range work.waiting() {
		if tk.Position() == 1 {
			return tk.Clone(), nil
		}
	}
	return nil, nil
}

func (t *memTx) PopHead(ctx context.Context, serviceID int64, at time.Time) (*domain.Ticket, error) {
	work, err := t.shard(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	var head *domain.Ticket
	for _, tk := range work.waiting() {
		if head == nil || tk.Position() < head.Position() {
			head = tk
		}
	}
	if head == nil {
		return nil, nil
	}
	called := at
	head.Status = domain.StatusConsulting
	head.CalledAt = &called
	head.PositionInQueue = nil
	head.EstimatedWaitSeconds = 0
	work.shift(1, -1)
	return head.Clone(), nil
}

func (t *memTx) GetTicketForUpdate(ctx context.Context, ticketID int64) (*domain.Ticket, error) {
	tk, _, err := t.ticket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	return tk.Clone(), nil
}

func (t *memTx) ListConsulting(ctx context.Context, serviceID int64) ([]*domain.Ticket, error) {
	work, err := t.shard(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	return work.list(domain.StatusConsulting, func(a, b *domain.Ticket) bool {
		if a.CalledAt != nil && b.CalledAt != nil && !a.CalledAt.Equal(*b.CalledAt) {
			return a.CalledAt.Before(*b.CalledAt)
		}
		return a.TicketID < b.TicketID
	}), nil
}

func (t *memTx) ListWaiting(ctx context.Context, serviceID int64) ([]*domain.Ticket, error) {
	work, err := t.shard(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	return work.listWaiting(), nil
}

func (t *memTx) Cancel(ctx context.Context, ticketID int64, by string, at time.Time) (int, error) {
	return t.leave(ctx, ticketID, domain.StatusCancelled, at, by)
}

func (t *memTx) Complete(ctx context.Context, ticketID int64, at time.Time) error {
	_, err := t.leave(ctx, ticketID, domain.StatusCompleted, at, "")
	return err
}

func (t *memTx) leave(ctx context.Context, ticketID int64, to domain.TicketStatus, at time.Time, by string) (int, error) {
	tk, live, err := t.ticket(ctx, ticketID)
	if err != nil {
		return 0, err
	}
	from := tk.Status
	if !live || !domain.CanTransition(from, to) {
		return 0, fmt.Errorf("ticket %d %s -> %s: %w", ticketID, from, to, domain.ErrIllegalTransition)
	}
	had := tk.Position()

	ts := at
	tk.Status = to
	tk.PositionInQueue = nil
	tk.EstimatedWaitSeconds = 0
	if to == domain.StatusCompleted {
		tk.CompletedAt = &ts
	} else {
		tk.CancelledAt = &ts
		tk.CancelledBy = optional(by)
	}

	if from == domain.StatusWaiting && had > 0 {
		t.shards[tk.ServiceID].work.shift(had+1, -1)
	}
	return had, nil
}

func (t *memTx) ExpireStale(ctx context.Context, serviceID int64, cutoff, at time.Time) ([]*domain.Ticket, error) {
	work, err := t.shard(ctx, serviceID)
	if errors.Is(err, domain.ErrServiceNotActive) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	maxWait := time.Duration(work.svc.MaxWaitSeconds) * time.Second
	var out []*domain.Ticket
	for _, tk := range work.waiting() {
		if !tk.CreatedAt.Add(maxWait).Before(cutoff) {
			continue
		}
		ts := at
		tk.Status = domain.StatusExpired
		tk.CancelledAt = &ts
		tk.PositionInQueue = nil
		tk.EstimatedWaitSeconds = 0
		out = append(out, tk.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TicketID < out[j].TicketID })
	return out, nil
}

func (t *memTx) Renumber(ctx context.Context, serviceID int64) (int, error) {
	work, err := t.shard(ctx, serviceID)
	if err != nil {
		return 0, err
	}
	w := work.waiting()
	sort.Slice(w, func(i, j int) bool { return domain.QueueLess(w[i], w[j]) })
	changed := 0
	for i, tk := range w {
		want := i + 1
		if tk.PositionInQueue == nil || *tk.PositionInQueue != want {
			tk.PositionInQueue = domain.IntPtr(want)
			changed++
		}
	}
	return changed, nil
}

func (t *memTx) RecomputeWaitTimes(ctx context.Context, serviceID int64, avgWaitSeconds int) (int, error) {
	work, err := t.shard(ctx, serviceID)
	if err != nil {
		return 0, err
	}
	return work.recompute(avgWaitSeconds), nil
}

func (t *memTx) NextEventToken(ctx context.Context, serviceID int64) (int64, error) {
	work, err := t.shard(ctx, serviceID)
	if err != nil {
		return 0, err
	}
	work.svc.EventSeq++
	return work.svc.EventSeq, nil
}
