package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// recordingSink 记录投递顺序，fn 决定每次调用的结果
type recordingSink struct {
	mu    sync.Mutex
	sent  map[string][]string
	calls atomic.Int64
	fn    func(ctx context.Context, recipient, text string) error
}

func newRecordingSink(fn func(ctx context.Context, recipient, text string) error) *recordingSink {
	return &recordingSink{sent: make(map[string][]string), fn: fn}
}

func (s *recordingSink) Send(ctx context.Context, recipient, text string) error {
	s.calls.Add(1)
	if s.fn != nil {
		if err := s.fn(ctx, recipient, text); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.sent[recipient] = append(s.sent[recipient], text)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) delivered(recipient string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent[recipient]...)
}

func fastOptions() Options {
	return Options{Workers: 4, QueueDepth: 16, MaxAttempts: 3, Backoff: time.Millisecond, BackoffMax: 4 * time.Millisecond}
}

func TestDispatcher_FIFOPerRecipient(t *testing.T) {
	sink := newRecordingSink(func(ctx context.Context, recipient, text string) error {
		time.Sleep(100 * time.Microsecond)
		return nil
	})
	d := NewDispatcher(sink, fastOptions(), zap.NewNop())
	d.Start(context.Background())

	for i := 0; i < 10; i++ {
		for _, r := range []string{"a", "b", "c"} {
			d.Enqueue(r, fmt.Sprintf("%s-%d", r, i))
		}
	}
	d.Stop()

	for _, r := range []string{"a", "b", "c"} {
		got := sink.delivered(r)
		require.Len(t, got, 10)
		for i, text := range got {
			assert.Equal(t, fmt.Sprintf("%s-%d", r, i), text)
		}
	}
	assert.Equal(t, int64(30), d.Stats().Delivered)
}

func TestDispatcher_OneWorkerPerRecipient(t *testing.T) {
	var inFlight, maxInFlight atomic.Int64
	sink := newRecordingSink(func(ctx context.Context, recipient, text string) error {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		return nil
	})
	d := NewDispatcher(sink, Options{Workers: 8, QueueDepth: 64, MaxAttempts: 1, Backoff: time.Millisecond}, zap.NewNop())
	d.Start(context.Background())

	for i := 0; i < 20; i++ {
		d.Enqueue("same", fmt.Sprint(i))
	}
	d.Stop()

	assert.Equal(t, int64(1), maxInFlight.Load())
	assert.Len(t, sink.delivered("same"), 20)
}

func TestDispatcher_DropsOldestWhenFull(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	sink := newRecordingSink(func(ctx context.Context, recipient, text string) error {
		if text == "m0" {
			once.Do(func() { close(started) })
			<-release
		}
		return nil
	})
	opts := fastOptions()
	opts.QueueDepth = 3
	d := NewDispatcher(sink, opts, zap.New(core))
	d.Start(context.Background())

	d.Enqueue("p", "m0")
	<-started
	for i := 1; i <= 5; i++ {
		d.Enqueue("p", fmt.Sprintf("m%d", i))
	}
	assert.Equal(t, 3, d.Pending("p"))

	close(release)
	d.Stop()

	assert.Equal(t, []string{"m0", "m3", "m4", "m5"}, sink.delivered("p"))
	assert.Equal(t, int64(2), d.Stats().Dropped)
	assert.Equal(t, 2, logs.FilterMessage("Notification queue full, dropped oldest message").Len())
}

func TestDispatcher_RetriesTransientErrors(t *testing.T) {
	var failures atomic.Int64
	sink := newRecordingSink(func(ctx context.Context, recipient, text string) error {
		if failures.Add(1) <= 2 {
			return errors.New("gateway timeout")
		}
		return nil
	})
	d := NewDispatcher(sink, fastOptions(), zap.NewNop())
	d.Start(context.Background())
	d.Enqueue("p", "hello")
	d.Stop()

	assert.Equal(t, int64(3), sink.calls.Load())
	assert.Equal(t, []string{"hello"}, sink.delivered("p"))
	assert.Equal(t, int64(0), d.Stats().Failed)
}

func TestDispatcher_GivesUpAfterMaxAttempts(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	sink := newRecordingSink(func(ctx context.Context, recipient, text string) error {
		return errors.New("unreachable")
	})
	d := NewDispatcher(sink, fastOptions(), zap.New(core))
	d.Start(context.Background())
	d.Enqueue("p", "hello")
	d.Stop()

	assert.Equal(t, int64(3), sink.calls.Load())
	assert.Equal(t, int64(1), d.Stats().Failed)
	assert.Equal(t, 1, logs.FilterMessage("Notification retries exhausted, dropping").Len())
}

func TestDispatcher_PermanentErrorNotRetried(t *testing.T) {
	sink := newRecordingSink(func(ctx context.Context, recipient, text string) error {
		return Permanent(errors.New("bad number"))
	})
	d := NewDispatcher(sink, fastOptions(), zap.NewNop())
	d.Start(context.Background())
	d.Enqueue("p", "hello")
	d.Stop()

	assert.Equal(t, int64(1), sink.calls.Load())
	assert.Equal(t, int64(1), d.Stats().Failed)
}

func TestDispatcher_CancellationNotRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	sink := newRecordingSink(func(ctx context.Context, recipient, text string) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	d := NewDispatcher(sink, fastOptions(), zap.NewNop())
	d.Start(ctx)
	d.Enqueue("p", "hello")
	<-started
	cancel()
	d.Stop()

	assert.Equal(t, int64(1), sink.calls.Load())
	assert.Equal(t, int64(1), d.Stats().Failed)
}

func TestDispatcher_EnqueueDoesNotBlockOnStalledSink(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sink := newRecordingSink(func(ctx context.Context, recipient, text string) error {
		select {
		case <-time.After(10 * time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	d := NewDispatcher(sink, fastOptions(), zap.NewNop())
	d.Start(ctx)

	begin := time.Now()
	for i := 0; i < 1000; i++ {
		d.Enqueue(fmt.Sprint(i%50), "you are next")
	}
	assert.Less(t, time.Since(begin), 500*time.Millisecond)

	cancel()
	d.Stop()
}

func TestDispatcher_EnqueueAfterStop(t *testing.T) {
	d := NewDispatcher(newRecordingSink(nil), fastOptions(), zap.NewNop())
	d.Start(context.Background())
	d.Stop()

	assert.Equal(t, "", d.Enqueue("p", "late"))
}

func TestPermanent(t *testing.T) {
	base := errors.New("rejected")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.True(t, IsPermanent(fmt.Errorf("wrapped: %w", err)))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.Nil(t, Permanent(nil))
}
