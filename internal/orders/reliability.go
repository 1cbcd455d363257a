package orders

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"fulfillment/internal/saga"
	"fulfillment/internal/tpc"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker open")

// RetryPolicy retries a call with exponential backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      func(time.Duration) time.Duration
	Sleep       func(context.Context, time.Duration) error
	ShouldRetry func(error) bool
}

// Do runs fn until it succeeds, the attempts run out or the error is final.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := max(p.MaxAttempts, 1)
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	retryable := p.ShouldRetry
	if retryable == nil {
		retryable = Transient
	}
	jitter := p.Jitter
	if jitter == nil {
		jitter = halfJitter
	}

	var err error
	for attempt := range attempts {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts-1 || !retryable(err) {
			return err
		}
		if delay := jitter(p.backoff(attempt)); delay > 0 {
			if serr := sleep(ctx, delay); serr != nil {
				return serr
			}
		}
	}
	return err
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	delay := p.BaseDelay << attempt
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay <= 0) {
		delay = p.MaxDelay
	}
	return delay
}

// Transient reports whether err may succeed on a later attempt. Saga domain
// errors carry a decision and are never retried.
func Transient(err error) bool {
	var unexpected *saga.UnexpectedStatusError
	var prepare *tpc.PrepareError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrCircuitOpen):
		return false
	case errors.Is(err, saga.ErrNotFound), errors.Is(err, saga.ErrInvalidArgument):
		return false
	case errors.As(err, &unexpected), errors.As(err, &prepare):
		return false
	}
	return true
}

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
	Now          func() time.Time
	// IsFailure decides which errors count against the breaker. Defaults to Transient.
	IsFailure func(error) bool
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// CircuitBreaker rejects calls after MaxFailures consecutive failures and lets
// a single probe through once ResetTimeout has passed.
type CircuitBreaker struct {
	mu        sync.Mutex
	maxFails  int
	reset     time.Duration
	now       func() time.Time
	isFailure func(error) bool

	state    breakerState
	failures int
	openedAt time.Time
	probing  bool
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	b := &CircuitBreaker{
		maxFails:  max(cfg.MaxFailures, 1),
		reset:     cfg.ResetTimeout,
		now:       cfg.Now,
		isFailure: cfg.IsFailure,
	}
	if b.reset <= 0 {
		b.reset = 2 * time.Second
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.isFailure == nil {
		b.isFailure = Transient
	}
	return b
}

// Execute runs fn unless the breaker is open.
func (b *CircuitBreaker) Execute(fn func() error) error {
	if b == nil {
		return fn()
	}
	started := b.now()
	if !b.admit(started) {
		return ErrCircuitOpen
	}
	err := fn()
	b.record(started, err)
	return err
}

func (b *CircuitBreaker) admit(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerOpen {
		if now.Sub(b.openedAt) < b.reset {
			return false
		}
		b.state = breakerHalfOpen
	}
	if b.state == breakerHalfOpen {
		if b.probing {
			return false
		}
		b.probing = true
	}
	return true
}

func (b *CircuitBreaker) record(started time.Time, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	probe := b.state == breakerHalfOpen
	b.probing = false

	if err == nil || !b.isFailure(err) {
		b.state = breakerClosed
		b.failures = 0
		return
	}
	if probe {
		b.state = breakerOpen
		b.openedAt = started
		b.failures = 0
		return
	}
	b.failures++
	if b.failures >= b.maxFails {
		b.state = breakerOpen
		b.openedAt = started
	}
}

// RateLimiter is a token bucket refilled with one token per interval.
type RateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	burst    int
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
	onWait   func(time.Duration)

	tokens int
	last   time.Time
}

func NewRateLimiter(interval time.Duration, burst int) *RateLimiter {
	r := &RateLimiter{
		interval: interval,
		burst:    burst,
		now:      time.Now,
		sleep:    sleepContext,
		tokens:   burst,
	}
	r.last = r.now()
	return r
}

// OnWait registers fn to observe every wait before it starts.
func (r *RateLimiter) OnWait(fn func(time.Duration)) *RateLimiter {
	r.onWait = fn
	return r
}

// Wait blocks until a token is taken or ctx is done. A nil or unconfigured
// limiter never blocks.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil || r.interval <= 0 || r.burst <= 0 {
		return ctx.Err()
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait, ok := r.take()
		if ok {
			return nil
		}
		if r.onWait != nil {
			r.onWait(wait)
		}
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (r *RateLimiter) take() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if n := int(now.Sub(r.last) / r.interval); n > 0 {
		r.tokens = min(r.tokens+n, r.burst)
		r.last = r.last.Add(time.Duration(n) * r.interval)
	}
	if r.tokens > 0 {
		r.tokens--
		return 0, true
	}
	return max(r.interval-now.Sub(r.last), time.Nanosecond), false
}

// guard applies limiter, breaker and retry to outbound participant calls.
// Calls that change participant state are attempted once: a retry could apply
// them twice when the first answer was lost.
type guard struct {
	limiter *RateLimiter
	breaker *CircuitBreaker
	retry   RetryPolicy
}

func (g guard) once(ctx context.Context, fn func() error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	return g.breaker.Execute(fn)
}

func (g guard) retried(ctx context.Context, fn func() error) error {
	return g.retry.Do(ctx, func() error { return g.once(ctx, fn) })
}

func guarded[T any](ctx context.Context, call func(context.Context, func() error) error, fn func() (T, error)) (T, error) {
	var out T
	err := call(ctx, func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}

// ReliablePaymentService wraps a PaymentService with reliability controls.
// Reads and prepared-transaction resolution are retried, Create, Approve, Pay
// and Cancel are not.
type ReliablePaymentService struct {
	base saga.PaymentService
	guard
}

func NewReliablePaymentService(base saga.PaymentService, limiter *RateLimiter, breaker *CircuitBreaker, retry RetryPolicy) *ReliablePaymentService {
	return &ReliablePaymentService{base: base, guard: guard{limiter: limiter, breaker: breaker, retry: retry}}
}

func (c *ReliablePaymentService) Create(ctx context.Context, req saga.PaymentCreate) (string, error) {
	return guarded(ctx, c.once, func() (string, error) { return c.base.Create(ctx, req) })
}

func (c *ReliablePaymentService) Approve(ctx context.Context, id, txID string) (saga.PaymentStatus, error) {
	return guarded(ctx, c.once, func() (saga.PaymentStatus, error) { return c.base.Approve(ctx, id, txID) })
}

func (c *ReliablePaymentService) Pay(ctx context.Context, id, txID string) (saga.PaymentStatus, error) {
	return guarded(ctx, c.once, func() (saga.PaymentStatus, error) { return c.base.Pay(ctx, id, txID) })
}

func (c *ReliablePaymentService) Cancel(ctx context.Context, id, txID string) (saga.PaymentStatus, error) {
	return guarded(ctx, c.once, func() (saga.PaymentStatus, error) { return c.base.Cancel(ctx, id, txID) })
}

func (c *ReliablePaymentService) Get(ctx context.Context, id string) (saga.Payment, error) {
	return guarded(ctx, c.retried, func() (saga.Payment, error) { return c.base.Get(ctx, id) })
}

func (c *ReliablePaymentService) Commit(ctx context.Context, txID string) error {
	return c.retried(ctx, func() error { return c.base.Commit(ctx, txID) })
}

func (c *ReliablePaymentService) Rollback(ctx context.Context, txID string) error {
	return c.retried(ctx, func() error { return c.base.Rollback(ctx, txID) })
}

// ReliableReserveService wraps a ReserveService the same way.
type ReliableReserveService struct {
	base saga.ReserveService
	guard
}

func NewReliableReserveService(base saga.ReserveService, limiter *RateLimiter, breaker *CircuitBreaker, retry RetryPolicy) *ReliableReserveService {
	return &ReliableReserveService{base: base, guard: guard{limiter: limiter, breaker: breaker, retry: retry}}
}

func (c *ReliableReserveService) Create(ctx context.Context, req saga.ReserveCreate) (string, error) {
	return guarded(ctx, c.once, func() (string, error) { return c.base.Create(ctx, req) })
}

func (c *ReliableReserveService) Approve(ctx context.Context, id, txID string) (saga.ReserveResult, error) {
	return guarded(ctx, c.once, func() (saga.ReserveResult, error) { return c.base.Approve(ctx, id, txID) })
}

func (c *ReliableReserveService) Release(ctx context.Context, id, txID string) (saga.ReserveResult, error) {
	return guarded(ctx, c.once, func() (saga.ReserveResult, error) { return c.base.Release(ctx, id, txID) })
}

func (c *ReliableReserveService) Cancel(ctx context.Context, id, txID string) (saga.ReserveResult, error) {
	return guarded(ctx, c.once, func() (saga.ReserveResult, error) { return c.base.Cancel(ctx, id, txID) })
}

func (c *ReliableReserveService) Get(ctx context.Context, id string) (saga.Reserve, error) {
	return guarded(ctx, c.retried, func() (saga.Reserve, error) { return c.base.Get(ctx, id) })
}

func (c *ReliableReserveService) Commit(ctx context.Context, txID string) error {
	return c.retried(ctx, func() error { return c.base.Commit(ctx, txID) })
}

func (c *ReliableReserveService) Rollback(ctx context.Context, txID string) error {
	return c.retried(ctx, func() error { return c.base.Rollback(ctx, txID) })
}

// ReliableWarehouse retries item cost lookups.
type ReliableWarehouse struct {
	base saga.Warehouse
	guard
}

func NewReliableWarehouse(base saga.Warehouse, limiter *RateLimiter, breaker *CircuitBreaker, retry RetryPolicy) *ReliableWarehouse {
	return &ReliableWarehouse{base: base, guard: guard{limiter: limiter, breaker: breaker, retry: retry}}
}

func (c *ReliableWarehouse) ItemCost(ctx context.Context, itemID string) (float64, error) {
	return guarded(ctx, c.retried, func() (float64, error) { return c.base.ItemCost(ctx, itemID) })
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func halfJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + rand.N(half+1)
}
