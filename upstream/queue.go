package upstream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mediacache/mediacache/telemetry"
)

const (
	// DefaultMaxConcurrent bounds how many upstream requests run at once.
	DefaultMaxConcurrent = 2

	// DefaultBaseDelay is the steady-state spacing between request starts.
	DefaultBaseDelay = 150 * time.Millisecond

	// DefaultMaxDelayMultiplier caps the exponential delay growth under
	// sustained rate limiting.
	DefaultMaxDelayMultiplier = 10

	// DefaultPauseUnit is the per-hit global pause applied on a rate limit.
	DefaultPauseUnit = 5 * time.Second

	// DefaultMaxPause caps the global pause regardless of hit count.
	DefaultMaxPause = 60 * time.Second

	queueBuffer = 128
)

type queueOutcome struct {
	value any
	err   error
}

type queueRequest struct {
	ctx      context.Context
	fn       func(context.Context) (any, error)
	result   chan queueOutcome
	enqueued time.Time
}

// Queue serializes upstream request admission while allowing a bounded
// number of requests to execute concurrently. A single background loop
// admits requests in FIFO order, enforcing both the adaptive spacing
// delay between starts and any active rate-limit pause. The adaptive
// state (current delay, consecutive hit count, pause deadline) lives
// behind one mutex and is adjusted by OnSuccess and OnRateLimit.
type Queue struct {
	requests chan *queueRequest
	sem      *semaphore.Weighted
	done     chan struct{}
	wg       sync.WaitGroup
	logger   *slog.Logger
	now      func() time.Time

	baseDelay time.Duration
	maxMult   int
	pauseUnit time.Duration
	maxPause  time.Duration

	mu           sync.Mutex
	currentDelay time.Duration
	hits         int
	pauseUntil   time.Time
	lastStart    time.Time

	closeOnce sync.Once
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithQueueLogger sets the logger used by the admission loop.
func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithQueueNow overrides the clock, used for testing.
func WithQueueNow(now func() time.Time) QueueOption {
	return func(q *Queue) {
		q.now = now
	}
}

// WithBaseDelay sets the steady-state spacing between request starts.
func WithBaseDelay(d time.Duration) QueueOption {
	return func(q *Queue) {
		q.baseDelay = d
	}
}

// WithDelayCap sets the maximum multiple of the base delay the adaptive
// delay may reach.
func WithDelayCap(mult int) QueueOption {
	return func(q *Queue) {
		if mult > 0 {
			q.maxMult = mult
		}
	}
}

// WithPauseLimits sets the per-hit pause unit and the pause ceiling.
func WithPauseLimits(unit, max time.Duration) QueueOption {
	return func(q *Queue) {
		q.pauseUnit = unit
		q.maxPause = max
	}
}

// NewQueue creates a queue with the given concurrency bound and starts
// its admission loop. Callers must Close the queue when done.
func NewQueue(maxConcurrent int, opts ...QueueOption) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}

	q := &Queue{
		requests:  make(chan *queueRequest, queueBuffer),
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		done:      make(chan struct{}),
		logger:    slog.Default(),
		now:       time.Now,
		baseDelay: DefaultBaseDelay,
		maxMult:   DefaultMaxDelayMultiplier,
		pauseUnit: DefaultPauseUnit,
		maxPause:  DefaultMaxPause,
	}

	for _, opt := range opts {
		opt(q)
	}

	q.currentDelay = q.baseDelay

	q.wg.Add(1)
	go q.run()

	return q
}

// Close stops the admission loop. Requests already dispatched run to
// completion; queued requests fail with context.Canceled.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
	q.wg.Wait()
}

// Execute submits fn for rate-limited execution and blocks until it
// completes or ctx is cancelled.
func (q *Queue) Execute(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	req := &queueRequest{
		ctx:      ctx,
		fn:       fn,
		result:   make(chan queueOutcome, 1),
		enqueued: q.now(),
	}

	select {
	case q.requests <- req:
	case <-q.done:
		return nil, context.Canceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case out := <-req.result:
		return out.value, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Do submits fn through the queue and returns a typed result.
func Do[T any](ctx context.Context, q *Queue, fn func(context.Context) (T, error)) (T, error) {
	v, err := q.Execute(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}

	return v.(T), nil
}

// OnSuccess decays the adaptive state after a successful request: the
// consecutive hit count steps toward zero and the current delay decays
// multiplicatively toward the base delay, never below it.
func (q *Queue) OnSuccess() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.hits > 0 {
		q.hits--
	}

	if q.currentDelay > q.baseDelay {
		decayed := time.Duration(float64(q.currentDelay) * 0.98)
		if decayed < q.baseDelay {
			decayed = q.baseDelay
		}
		q.currentDelay = decayed
	}
}

// OnRateLimit escalates the adaptive state after a rate-limit response:
// the delay grows exponentially with the consecutive hit count up to the
// multiplier cap, and a global pause is installed. When the upstream
// supplied a Retry-After hint longer than the computed pause, the hint
// wins.
func (q *Queue) OnRateLimit(retryAfter time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.hits++

	mult := 1 << min(q.hits, 30)
	if mult > q.maxMult {
		mult = q.maxMult
	}
	q.currentDelay = q.baseDelay * time.Duration(mult)

	pause := time.Duration(q.hits) * q.pauseUnit
	if pause > q.maxPause {
		pause = q.maxPause
	}
	if retryAfter > pause {
		pause = retryAfter
	}
	q.pauseUntil = q.now().Add(pause)

	q.logger.Warn("upstream rate limited",
		slog.Int("consecutive_hits", q.hits),
		slog.Duration("current_delay", q.currentDelay),
		slog.Duration("pause", pause))
}

// State returns a snapshot of the adaptive state.
func (q *Queue) State() (currentDelay time.Duration, hits int, pauseUntil time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.currentDelay, q.hits, q.pauseUntil
}

func (q *Queue) run() {
	defer q.wg.Done()

	for {
		select {
		case <-q.done:
			q.drain()
			return
		case req := <-q.requests:
			if !q.admit(req) {
				q.drain()
				return
			}
		}
	}
}

// admit blocks until the request may start, honoring the rate-limit
// pause and the spacing delay, then dispatches it. Returns false when
// the queue is shutting down.
func (q *Queue) admit(req *queueRequest) bool {
	for {
		q.mu.Lock()
		pauseUntil := q.pauseUntil
		delay := q.currentDelay
		lastStart := q.lastStart
		q.mu.Unlock()

		now := q.now()

		var wait time.Duration
		if pauseUntil.After(now) {
			wait = pauseUntil.Sub(now)
		} else if !lastStart.IsZero() {
			if since := now.Sub(lastStart); since < delay {
				wait = delay - since
			}
		}

		if wait <= 0 {
			break
		}

		timer := time.NewTimer(wait)
		select {
		case <-q.done:
			timer.Stop()
			req.result <- queueOutcome{err: context.Canceled}
			return false
		case <-req.ctx.Done():
			timer.Stop()
			req.result <- queueOutcome{err: req.ctx.Err()}
			return true
		case <-timer.C:
		}
	}

	if err := q.sem.Acquire(req.ctx, 1); err != nil {
		req.result <- queueOutcome{err: err}
		return true
	}

	q.mu.Lock()
	q.lastStart = q.now()
	q.mu.Unlock()

	telemetry.RecordQueueWait(req.ctx, q.now().Sub(req.enqueued))

	go func() {
		defer q.sem.Release(1)

		value, err := req.fn(req.ctx)
		if err == nil {
			q.OnSuccess()
		}
		req.result <- queueOutcome{value: value, err: err}
	}()

	return true
}

func (q *Queue) drain() {
	for {
		select {
		case req := <-q.requests:
			req.result <- queueOutcome{err: context.Canceled}
		default:
			return
		}
	}
}

var defaultQueue struct {
	once  sync.Once
	queue *Queue
}

// DefaultQueue returns the process-wide queue, creating it on first use
// with the given concurrency bound and options. Later calls ignore the
// arguments and return the same queue.
func DefaultQueue(maxConcurrent int, opts ...QueueOption) *Queue {
	defaultQueue.once.Do(func() {
		defaultQueue.queue = NewQueue(maxConcurrent, opts...)
	})

	return defaultQueue.queue
}
