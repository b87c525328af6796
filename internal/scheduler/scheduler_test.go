package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/alphaterm/internal/metrics"
)

func TestDo_ReturnsValue(t *testing.T) {
	s := New("test", time.Millisecond)
	defer s.Close()

	v, err := Do(context.Background(), s, func(context.Context) (float64, error) {
		return 42.5, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42.5, v)
}

func TestDo_MinimumSpacingBetweenStarts(t *testing.T) {
	const spacing = 30 * time.Millisecond
	s := New("test", spacing)
	defer s.Close()

	var mu sync.Mutex
	var starts []time.Time
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = Do(context.Background(), s, func(context.Context) (struct{}, error) {
				mu.Lock()
				starts = append(starts, time.Now())
				mu.Unlock()
				return struct{}{}, nil
			})
		}()
	}
	wg.Wait()

	require.Len(t, starts, 4)
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		assert.GreaterOrEqual(t, gap, spacing-2*time.Millisecond, "gap %d too small: %v", i, gap)
	}
}

func TestDo_FIFOOrder(t *testing.T) {
	s := New("test", 20*time.Millisecond)
	defer s.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _ = Do(context.Background(), s, func(context.Context) (int, error) {
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
				return n, nil
			})
		}(i)
		time.Sleep(3 * time.Millisecond)
	}
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestDo_FailureDoesNotBlockQueue(t *testing.T) {
	s := New("test", time.Millisecond)
	defer s.Close()

	boom := errors.New("upstream 429")
	_, err := Do(context.Background(), s, func(context.Context) (int, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)

	v, err := Do(context.Background(), s, func(context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestDo_SlowCallDoesNotHoldQueue(t *testing.T) {
	s := New("test", time.Millisecond)
	defer s.Close()

	release := make(chan struct{})
	go func() {
		_, _ = Do(context.Background(), s, func(context.Context) (int, error) {
			<-release
			return 0, nil
		})
	}()
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := Do(ctx, s, func(context.Context) (int, error) { return 1, nil })
	close(release)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestDo_CancelledBeforeDispatchNeverRuns(t *testing.T) {
	s := New("test", 50*time.Millisecond)
	defer s.Close()

	// occupy the first slot so the next submission has to wait
	_, err := Do(context.Background(), s, func(context.Context) (int, error) { return 0, nil })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan struct{}, 1)
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	_, err = Do(ctx, s, func(context.Context) (int, error) {
		ran <- struct{}{}
		return 0, nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	time.Sleep(80 * time.Millisecond)
	select {
	case <-ran:
		t.Fatal("cancelled submission was dispatched")
	default:
	}
}

func TestDo_AfterClose(t *testing.T) {
	s := New("test", time.Millisecond)
	s.Close()

	_, err := Do(context.Background(), s, func(context.Context) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, ErrClosed)
	assert.NotPanics(t, s.Close)
}

func TestDo_RecordsMetrics(t *testing.T) {
	m := metrics.New()
	s := New("binance", time.Millisecond, WithMetrics(m))
	defer s.Close()

	for i := 0; i < 3; i++ {
		_, err := Do(context.Background(), s, func(context.Context) (int, error) { return i, nil })
		require.NoError(t, err)
	}

	families, err := m.Registry.Gather()
	require.NoError(t, err)
	var dispatched float64
	for _, f := range families {
		if f.GetName() == "alphaterm_scheduler_dispatched_total" {
			dispatched = f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, 3.0, dispatched)
}
