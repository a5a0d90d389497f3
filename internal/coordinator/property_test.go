package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"waitless-queue/internal/domain"
)

// 随机操作序列后检查队列不变量：位置连续、顺序规范、每个患者至多一张活动工单、
// 高优先级插入排在所有更低优先级之前。
func TestQueueInvariants_RandomOperations(t *testing.T) {
	for _, seed := range []int64{1, 7, 42, 2026} {
		seed := seed
		t.Run(fmt.Sprintf("seed_%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			f := newFixture(t)
			ctx := context.Background()
			var issued []int64

			for step := 0; step < 300; step++ {
				var err error
				switch op := rng.Intn(10); {
				case op < 5:
					p := domain.Priority(rng.Intn(3) + 1)
					var tk *domain.Ticket
					tk, err = f.c.Admit(ctx, f.svc.ServiceID, int64(rng.Intn(25)+1), p, nil)
					if err == nil {
						issued = append(issued, tk.TicketID)
						checkPreemption(t, f, tk)
					}
				case op < 7 && len(issued) > 0:
					_, err = f.c.Cancel(ctx, issued[rng.Intn(len(issued))], "random")
				case op < 9:
					_, err = f.c.CallNext(ctx, f.svc.ServiceID)
				case len(issued) > 0:
					_, err = f.c.Complete(ctx, issued[rng.Intn(len(issued))])
				}
				if err != nil && !expected(err) {
					t.Fatalf("seed %d step %d: unexpected error %v", seed, step, err)
				}

				f.positions(t)
				assertCanonical(t, f.reg, f.svc.ServiceID)
				checkSingleActive(t, f, issued)
			}
		})
	}
}

func expected(err error) bool {
	return errors.Is(err, domain.ErrDuplicateActive) ||
		errors.Is(err, domain.ErrEmptyQueue) ||
		errors.Is(err, domain.ErrIllegalTransition)
}

// checkPreemption: every waiting ticket with lower priority sits behind tk.
func checkPreemption(t *testing.T, f *fixture, tk *domain.Ticket) {
	t.Helper()
	w, err := f.reg.ListWaiting(context.Background(), f.svc.ServiceID)
	require.NoError(t, err)
	for _, other := range w {
		if other.Priority < tk.Priority {
			require.Greater(t, other.Position(), tk.Position())
		}
	}
}

func checkSingleActive(t *testing.T, f *fixture, issued []int64) {
	t.Helper()
	active := make(map[int64]int64)
	for _, id := range issued {
		tk, err := f.reg.GetTicket(context.Background(), id)
		require.NoError(t, err)
		if tk.Status.Terminal() {
			continue
		}
		prev, dup := active[tk.PatientID]
		require.False(t, dup, "patient %d holds tickets %d and %d", tk.PatientID, prev, id)
		active[tk.PatientID] = id
	}
}
