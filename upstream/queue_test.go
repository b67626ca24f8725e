package upstream

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, maxConcurrent int, opts ...QueueOption) *Queue {
	t.Helper()

	opts = append([]QueueOption{WithBaseDelay(time.Millisecond)}, opts...)
	q := NewQueue(maxConcurrent, opts...)
	t.Cleanup(q.Close)

	return q
}

func TestQueueExecute(t *testing.T) {
	q := newTestQueue(t, 2)

	value, err := Do(context.Background(), q, func(ctx context.Context) (string, error) {
		return "result", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "result", value)
}

func TestQueueConcurrencyBound(t *testing.T) {
	q := newTestQueue(t, 2)

	var inFlight, peak atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := q.Execute(context.Background(), func(ctx context.Context) (any, error) {
				n := inFlight.Add(1)
				defer inFlight.Add(-1)

				for {
					current := peak.Load()
					if n <= current || peak.CompareAndSwap(current, n) {
						break
					}
				}

				time.Sleep(20 * time.Millisecond)

				return nil, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestQueueRateLimitEscalation(t *testing.T) {
	base := 100 * time.Millisecond
	q := newTestQueue(t, 1, WithBaseDelay(base), WithPauseLimits(5*time.Second, 60*time.Second))

	q.OnRateLimit(0)
	delay, hits, pauseUntil := q.State()
	assert.Equal(t, 2*base, delay)
	assert.Equal(t, 1, hits)
	assert.WithinDuration(t, time.Now().Add(5*time.Second), pauseUntil, time.Second)

	q.OnRateLimit(0)
	delay, hits, _ = q.State()
	assert.Equal(t, 4*base, delay)
	assert.Equal(t, 2, hits)

	q.OnRateLimit(0)
	q.OnRateLimit(0)
	delay, hits, _ = q.State()
	assert.Equal(t, 10*base, delay, "delay multiplier is capped")
	assert.Equal(t, 4, hits)
}

func TestQueueRateLimitPauseCapped(t *testing.T) {
	q := newTestQueue(t, 1, WithPauseLimits(5*time.Second, 12*time.Second))

	for i := 0; i < 5; i++ {
		q.OnRateLimit(0)
	}

	_, _, pauseUntil := q.State()
	assert.WithinDuration(t, time.Now().Add(12*time.Second), pauseUntil, time.Second)
}

func TestQueueRateLimitHonorsRetryAfter(t *testing.T) {
	q := newTestQueue(t, 1, WithPauseLimits(5*time.Second, 60*time.Second))

	q.OnRateLimit(30 * time.Second)

	_, _, pauseUntil := q.State()
	assert.WithinDuration(t, time.Now().Add(30*time.Second), pauseUntil, time.Second)
}

func TestQueueSuccessDecay(t *testing.T) {
	base := 100 * time.Millisecond
	q := newTestQueue(t, 1, WithBaseDelay(base))

	q.OnRateLimit(0)
	q.OnRateLimit(0)

	escalated, hits, _ := q.State()
	require.Equal(t, 2, hits)

	q.OnSuccess()
	decayed, hits, _ := q.State()
	assert.Less(t, decayed, escalated, "delay decays on success")
	assert.Equal(t, 1, hits)

	for i := 0; i < 500; i++ {
		q.OnSuccess()
	}

	settled, hits, _ := q.State()
	assert.Equal(t, base, settled, "delay never decays below base")
	assert.Equal(t, 0, hits)
}

func TestQueuePauseDelaysAdmission(t *testing.T) {
	q := newTestQueue(t, 1, WithPauseLimits(50*time.Millisecond, 200*time.Millisecond))

	q.OnRateLimit(0)

	start := time.Now()
	_, err := q.Execute(context.Background(), func(ctx context.Context) (any, error) {
		return nil, nil
	})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestQueueContextCancelDuringPause(t *testing.T) {
	q := newTestQueue(t, 1, WithPauseLimits(5*time.Second, 60*time.Second))

	q.OnRateLimit(0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Execute(ctx, func(ctx context.Context) (any, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDefaultQueue(t *testing.T) {
	first := DefaultQueue(2)
	second := DefaultQueue(4)

	assert.Same(t, first, second)
}
