package generation

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrCircuitOpen indicates the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// RetryPolicy retries calls to a flaky dependency with exponential backoff.
// Zero fields fall back to one attempt, full jitter over half the delay and
// the default retry filter.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      func(time.Duration) time.Duration
	Sleep       func(context.Context, time.Duration) error
	ShouldRetry func(error) bool
}

// Do calls fn until it succeeds or the policy gives up.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p = p.withDefaults()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn()
		if err == nil || attempt >= p.MaxAttempts || !p.ShouldRetry(err) {
			return err
		}
		if wait := p.Jitter(p.backoff(attempt)); wait > 0 {
			if sleepErr := p.Sleep(ctx, wait); sleepErr != nil {
				return sleepErr
			}
		}
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	p.MaxAttempts = max(p.MaxAttempts, 1)
	if p.Sleep == nil {
		p.Sleep = sleepWithContext
	}
	if p.ShouldRetry == nil {
		p.ShouldRetry = retryable
	}
	if p.Jitter == nil {
		p.Jitter = defaultJitter
	}
	return p
}

// backoff doubles BaseDelay for every failed attempt, capped at MaxDelay.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay << min(attempt-1, 30)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// retryable skips cancellation, open circuits and ledger answers.
func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrCircuitOpen):
		return false
	}
	return !isDefinitive(err)
}

// isDefinitive reports errors that carry a business answer rather than a fault.
// They neither trip the breaker nor get retried.
func isDefinitive(err error) bool {
	return errors.Is(err, ErrInsufficientCredits) || errors.Is(err, ErrValidation)
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
	Now          func() time.Time
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// CircuitBreaker fails fast once a dependency keeps failing. After the
// cooldown a single trial call decides whether it closes again.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	state    circuitState
	failures int
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker constructs a breaker. The cooldown defaults to two seconds.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	b := &CircuitBreaker{
		threshold: max(cfg.MaxFailures, 1),
		cooldown:  cfg.ResetTimeout,
		now:       cfg.Now,
	}
	if b.cooldown <= 0 {
		b.cooldown = 2 * time.Second
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// Execute runs fn unless the breaker is open. A nil breaker always runs fn.
func (c *CircuitBreaker) Execute(fn func() error) error {
	if c == nil {
		return fn()
	}
	now := c.now()
	if err := c.admit(now); err != nil {
		return err
	}
	err := fn()
	c.record(now, err)
	return err
}

func (c *CircuitBreaker) admit(now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case circuitClosed:
		return nil
	case circuitOpen:
		if now.Sub(c.openedAt) < c.cooldown {
			return ErrCircuitOpen
		}
		c.state = circuitHalfOpen
	case circuitHalfOpen:
		if c.probing {
			return ErrCircuitOpen
		}
	}
	c.probing = true
	return nil
}

func (c *CircuitBreaker) record(now time.Time, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	trial := c.state == circuitHalfOpen
	if trial {
		c.probing = false
	}
	switch {
	case err == nil || isDefinitive(err):
		c.state = circuitClosed
		c.failures = 0
	case trial:
		c.trip(now)
	default:
		c.failures++
		if c.failures >= c.threshold {
			c.trip(now)
		}
	}
}

func (c *CircuitBreaker) trip(now time.Time) {
	c.state = circuitOpen
	c.openedAt = now
	c.failures = 0
}

// RateLimiter is a token bucket holding up to burst tokens, refilled one per
// rate. OnWait, when set, hears about every pause before it happens.
type RateLimiter struct {
	OnWait func(time.Duration)

	mu    sync.Mutex
	rate  time.Duration
	burst int
	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	tokens int
	last   time.Time
}

// NewRateLimiter constructs a full bucket. A zero rate or burst disables it.
func NewRateLimiter(rate time.Duration, burst int) *RateLimiter {
	r := &RateLimiter{rate: rate, burst: burst, tokens: burst, now: time.Now, sleep: sleepWithContext}
	r.last = r.now()
	return r
}

// Wait blocks until a token is taken or ctx ends.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if r == nil || r.rate <= 0 || r.burst <= 0 {
		return ctx.Err()
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait := r.take()
		if wait <= 0 {
			return nil
		}
		if r.OnWait != nil {
			r.OnWait(wait)
		}
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// take consumes a token and returns zero, or returns the time until the next
// token is due.
func (r *RateLimiter) take() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if elapsed := now.Sub(r.last); elapsed >= r.rate {
		n := elapsed / r.rate
		r.tokens = min(r.tokens+int(n), r.burst)
		r.last = r.last.Add(n * r.rate)
	}
	if r.tokens > 0 {
		r.tokens--
		return 0
	}
	return r.rate - now.Sub(r.last)
}

// Guard is the limiter, breaker and retry policy protecting one dependency.
// Every retry attempt waits for the limiter and passes the breaker.
type Guard struct {
	Limiter *RateLimiter
	Breaker *CircuitBreaker
	Retry   RetryPolicy
}

// NewGuard builds a Guard from reliability settings.
func NewGuard(cfg ReliabilityConfig) Guard {
	return Guard{
		Limiter: NewRateLimiter(cfg.RateLimitInterval, cfg.RateLimitBurst),
		Breaker: NewCircuitBreaker(CircuitBreakerConfig{
			MaxFailures:  cfg.BreakerMaxFailures,
			ResetTimeout: cfg.BreakerResetTimeout,
		}),
		Retry: RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		},
	}
}

func (g Guard) do(ctx context.Context, fn func() error) error {
	return g.Retry.Do(ctx, func() error {
		if err := g.Limiter.Wait(ctx); err != nil {
			return err
		}
		return g.Breaker.Execute(fn)
	})
}

// ReliableLedger guards every ledger call. Reserve retries are safe because
// ledgers key holds by request and stage.
type ReliableLedger struct {
	base  CreditLedger
	guard Guard
}

func NewReliableLedger(base CreditLedger, guard Guard) *ReliableLedger {
	return &ReliableLedger{base: base, guard: guard}
}

func (l *ReliableLedger) Reserve(ctx context.Context, userID, requestID string, stage Stage, amount decimal.Decimal) (string, error) {
	var holdID string
	err := l.guard.do(ctx, func() error {
		id, err := l.base.Reserve(ctx, userID, requestID, stage, amount)
		if err != nil {
			return err
		}
		holdID = id
		return nil
	})
	return holdID, err
}

func (l *ReliableLedger) Capture(ctx context.Context, holdID string, amount decimal.Decimal) error {
	return l.guard.do(ctx, func() error {
		return l.base.Capture(ctx, holdID, amount)
	})
}

func (l *ReliableLedger) Refund(ctx context.Context, holdID string) error {
	return l.guard.do(ctx, func() error {
		return l.base.Refund(ctx, holdID)
	})
}

// ReliablePublisher guards job publishing.
type ReliablePublisher struct {
	base  JobPublisher
	guard Guard
}

func NewReliablePublisher(base JobPublisher, guard Guard) *ReliablePublisher {
	return &ReliablePublisher{base: base, guard: guard}
}

func (p *ReliablePublisher) Publish(ctx context.Context, job Job) error {
	return p.guard.do(ctx, func() error {
		return p.base.Publish(ctx, job)
	})
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// defaultJitter picks uniformly from [d/2, d].
func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d/2 + rand.N(d/2+1)
}
