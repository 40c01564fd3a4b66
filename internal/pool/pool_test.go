package pool_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/probeworks/gauntlet/internal/model"
	"github.com/probeworks/gauntlet/internal/pool"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func payload(service string) model.ServicePayload {
	return model.ServicePayload{
		Service: service,
		ToolResults: map[string]model.ToolResult{
			"sast": {Status: model.ToolStatusPassed},
		},
	}
}

func collect(t *testing.T) (func(pool.Outcome), func(n int) []pool.Outcome) {
	t.Helper()
	ch := make(chan pool.Outcome, 16)
	done := func(out pool.Outcome) { ch <- out }
	drain := func(n int) []pool.Outcome {
		outs := make([]pool.Outcome, 0, n)
		for range n {
			select {
			case out := <-ch:
				outs = append(outs, out)
			case <-time.After(5 * time.Second):
				t.Fatal("timed out waiting for unit outcome")
			}
		}
		return outs
	}
	return done, drain
}

func TestSubmitDeliversOutcomeOnce(t *testing.T) {
	t.Parallel()

	p := pool.New(2, time.Second, 0)
	done, drain := collect(t)

	err := p.Submit(t.Context(), func(ctx context.Context) (model.ServicePayload, error) {
		return payload("scanner"), nil
	}, done)
	require.NoError(t, err)

	outs := drain(1)
	require.NoError(t, outs[0].Err)
	require.Equal(t, "scanner", outs[0].Payload.Service)
	p.Wait()
}

func TestConcurrencyBound(t *testing.T) {
	t.Parallel()

	const slots = 2
	p := pool.New(slots, time.Second, 0)
	done, drain := collect(t)

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	unit := func(ctx context.Context) (model.ServicePayload, error) {
		mu.Lock()
		active++
		if active > maxSeen {
			maxSeen = active
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return payload("svc"), nil
	}

	for range 6 {
		require.NoError(t, p.Submit(t.Context(), unit, done))
	}
	drain(6)
	p.Wait()

	require.LessOrEqual(t, maxSeen, slots)
}

func TestPanicIsolation(t *testing.T) {
	t.Parallel()

	p := pool.New(1, time.Second, 0)
	done, drain := collect(t)

	require.NoError(t, p.Submit(t.Context(), func(ctx context.Context) (model.ServicePayload, error) {
		panic("unit exploded")
	}, done))

	// The slot must be usable again after the panic.
	require.NoError(t, p.Submit(t.Context(), func(ctx context.Context) (model.ServicePayload, error) {
		return payload("survivor"), nil
	}, done))

	outs := drain(2)
	p.Wait()

	var panicked, survived bool
	for _, out := range outs {
		if out.Err != nil {
			require.ErrorIs(t, out.Err, model.ErrInternal)
			require.ErrorContains(t, out.Err, "unit exploded")
			panicked = true
		} else {
			require.Equal(t, "survivor", out.Payload.Service)
			survived = true
		}
	}
	require.True(t, panicked)
	require.True(t, survived)
}

func TestCooperativeTimeout(t *testing.T) {
	t.Parallel()

	p := pool.New(1, 50*time.Millisecond, 10*time.Millisecond)
	done, drain := collect(t)

	require.NoError(t, p.Submit(t.Context(), func(ctx context.Context) (model.ServicePayload, error) {
		<-ctx.Done()
		return model.ServicePayload{}, ctx.Err()
	}, done))

	outs := drain(1)
	p.Wait()
	require.ErrorIs(t, outs[0].Err, model.ErrTimeout)
}

func TestAbandonedUnit(t *testing.T) {
	t.Parallel()

	p := pool.New(1, 30*time.Millisecond, 0)
	done, drain := collect(t)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	start := time.Now()
	require.NoError(t, p.Submit(t.Context(), func(ctx context.Context) (model.ServicePayload, error) {
		// Ignores cancellation entirely.
		<-release
		return payload("stuck"), nil
	}, done))

	outs := drain(1)
	require.ErrorIs(t, outs[0].Err, model.ErrTimeout)
	require.ErrorContains(t, outs[0].Err, "abandoned")
	// The outcome arrives at the hard limit, not when the unit unblocks.
	require.Less(t, time.Since(start), 5*time.Second)

	// The abandoned unit must not hold its slot.
	require.NoError(t, p.Submit(t.Context(), func(ctx context.Context) (model.ServicePayload, error) {
		return payload("next"), nil
	}, done))
	next := drain(1)
	require.NoError(t, next[0].Err)
	p.Wait()
}

func TestCancellation(t *testing.T) {
	t.Parallel()

	p := pool.New(1, time.Minute, 0)
	done, drain := collect(t)

	ctx, cancel := context.WithCancel(t.Context())
	require.NoError(t, p.Submit(ctx, func(ctx context.Context) (model.ServicePayload, error) {
		<-ctx.Done()
		return model.ServicePayload{}, ctx.Err()
	}, done))

	cancel()
	outs := drain(1)
	p.Wait()
	require.ErrorIs(t, outs[0].Err, model.ErrCancelled)
}
