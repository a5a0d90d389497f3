package coordinator

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"waitless-queue/internal/domain"
	"waitless-queue/internal/repository"
)

// slowRegistry 在 BEGIN 之前和 COMMIT 之后随机停顿，模拟网络往返
type slowRegistry struct {
	*repository.MemoryRegistry
	mu  sync.Mutex
	rnd *rand.Rand
}

func (r *slowRegistry) pause() {
	r.mu.Lock()
	d := time.Duration(r.rnd.Intn(300)) * time.Microsecond
	r.mu.Unlock()
	time.Sleep(d)
}

func (r *slowRegistry) WithinTx(ctx context.Context, fn func(tx repository.RegistryTx) error) error {
	r.pause()
	err := r.MemoryRegistry.WithinTx(ctx, fn)
	r.pause()
	return err
}

func TestOptimistic_CommitOrderUnderStoreLatency(t *testing.T) {
	for round := 0; round < 5; round++ {
		base := repository.NewMemoryRegistry()
		svc, err := base.UpsertService(context.Background(), &domain.Service{
			Name: "Cardiology", Status: domain.ServiceActive, AvgWaitSeconds: 600, MaxWaitSeconds: 3600,
		})
		require.NoError(t, err)
		reg := &slowRegistry{MemoryRegistry: base, rnd: rand.New(rand.NewSource(int64(round)))}

		clk := &clock{now: t0}
		opts := DefaultOptions()
		opts.Mode = ModeOptimistic
		opts.Now = clk.Now
		c := NewCoordinator(reg, opts, zap.NewNop())
		rec := &recorder{}
		c.SetEmitter(rec)
		c.SetNotifier(rec)

		var g errgroup.Group
		for p := int64(1); p <= 100; p++ {
			patient := p
			g.Go(func() error {
				_, err := c.Admit(context.Background(), svc.ServiceID, patient, domain.PriorityMedium, nil)
				return err
			})
		}
		require.NoError(t, g.Wait())

		assertCanonical(t, base, svc.ServiceID)
		events := rec.Events()
		require.Len(t, events, 100)
		for i, ev := range events {
			require.Equal(t, int64(i+1), ev.Token, "round %d: event %d out of commit order", round, i)
		}
	}
}

func TestOptimistic_MixedOperationsPublishInTokenOrder(t *testing.T) {
	base := repository.NewMemoryRegistry()
	svc, err := base.UpsertService(context.Background(), &domain.Service{
		Name: "Lab", Status: domain.ServiceActive, AvgWaitSeconds: 300, MaxWaitSeconds: 3600,
	})
	require.NoError(t, err)
	reg := &slowRegistry{MemoryRegistry: base, rnd: rand.New(rand.NewSource(99))}

	opts := DefaultOptions()
	opts.Mode = ModeOptimistic
	c := NewCoordinator(reg, opts, zap.NewNop())
	rec := &recorder{}
	c.SetEmitter(rec)

	for p := int64(1); p <= 20; p++ {
		_, err := c.Admit(context.Background(), svc.ServiceID, p, domain.PriorityLow, nil)
		require.NoError(t, err)
	}

	var g errgroup.Group
	for p := int64(21); p <= 40; p++ {
		patient := p
		g.Go(func() error {
			_, err := c.Admit(context.Background(), svc.ServiceID, patient, domain.PriorityHigh, nil)
			return err
		})
		g.Go(func() error {
			_, err := c.CallNext(context.Background(), svc.ServiceID)
			return err
		})
	}
	require.NoError(t, g.Wait())

	var last int64
	for _, ev := range rec.Events() {
		require.Greater(t, ev.Token, last)
		last = ev.Token
	}
	assertCanonical(t, base, svc.ServiceID)
}

func TestSequencer_ReleasesInRegistrationOrder(t *testing.T) {
	s := newSequencer()
	var published []string
	publish := func(o *outbox) { published = append(published, o.events[0].TicketNumber) }
	out := func(name string) *outbox {
		return &outbox{events: []domain.Event{{TicketNumber: name}}}
	}

	first := s.register(1)
	second := s.register(1)
	third := s.register(1)
	other := s.register(2)

	s.commit(third, out("third"), publish)
	assert.Empty(t, published)

	s.commit(other, out("other"), publish)
	assert.Equal(t, []string{"other"}, published)

	s.abandon(first, publish)
	assert.Equal(t, []string{"other"}, published)

	s.commit(second, out("second"), publish)
	assert.Equal(t, []string{"other", "second", "third"}, published)
	assert.Empty(t, s.queues)
}
