package retry

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"slices"
	"strings"
	"time"

	xerrors "raaf-gateway/internal/errors"
)

// Policy configures bounded exponential backoff.
type Policy struct {
	MaxAttempts          int
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	Multiplier           float64
	JitterFraction       float64
	RetryableKinds       []xerrors.Kind
	RetryableStatusCodes []int
}

// DefaultPolicy returns the policy used when configuration leaves retry unset.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		MaxDelay:       60 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		RetryableKinds: []xerrors.Kind{
			xerrors.KindTimeout,
			xerrors.KindConnection,
			xerrors.KindServer,
			xerrors.KindUnavailable,
			xerrors.KindRateLimit,
		},
		RetryableStatusCodes: []int{408, 429, 500, 502, 503, 504},
	}
}

var retryablePhrases = []string{"rate limit", "timeout", "service unavailable"}

// Retryable reports whether err is worth another attempt under the policy.
// Classified errors are judged by kind and status code only; unclassified
// errors fall back to a message match.
func (p Policy) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if classified, ok := xerrors.From(err); ok && classified.Kind() != xerrors.KindUnknown {
		if slices.Contains(p.RetryableKinds, classified.Kind()) {
			return true
		}
		return classified.Status() != 0 && slices.Contains(p.RetryableStatusCodes, classified.Status())
	}

	msg := strings.ToLower(err.Error())
	for _, phrase := range retryablePhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// BaseDelayForAttempt returns the un-jittered delay that follows the given
// failed attempt (1-indexed), capped at MaxDelay.
func (p Policy) BaseDelayForAttempt(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// DelayForAttempt returns the jittered delay following the given failed
// attempt. Jitter is symmetric and the result always lies in [0, MaxDelay].
func (p Policy) DelayForAttempt(attempt int, rnd func() float64) time.Duration {
	delay := float64(p.BaseDelayForAttempt(attempt))
	if p.JitterFraction > 0 && delay > 0 {
		if rnd == nil {
			rnd = rand.Float64
		}
		spread := delay * p.JitterFraction
		delay += (rnd()*2 - 1) * spread
	}
	return p.clamp(time.Duration(delay))
}

func (p Policy) clamp(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Sleeper pauses between attempts. Implementations must return early with
// the context's error when it is cancelled.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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

// DefaultSleeper is the production sleeper.
var DefaultSleeper Sleeper = realSleeper{}

// Executor runs operations under a Policy.
type Executor struct {
	policy  Policy
	sleeper Sleeper
	rnd     func() float64
	logger  *slog.Logger
}

// Option customises an Executor.
type Option func(*Executor)

// WithSleeper replaces the sleeper, mainly for tests.
func WithSleeper(s Sleeper) Option {
	return func(e *Executor) {
		if s != nil {
			e.sleeper = s
		}
	}
}

// WithRand replaces the jitter source. It must return values in [0, 1).
func WithRand(rnd func() float64) Option {
	return func(e *Executor) {
		if rnd != nil {
			e.rnd = rnd
		}
	}
}

// WithLogger sets the logger used for retry and exhaustion messages.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewExecutor constructs an executor. A non-positive MaxAttempts is treated as one.
func NewExecutor(policy Policy, opts ...Option) *Executor {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	e := &Executor{
		policy:  policy,
		sleeper: DefaultSleeper,
		rnd:     rand.Float64,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Policy returns the executor's policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Do runs op until it succeeds, fails terminally, or attempts run out. It
// returns the number of attempts made and the last error, unmodified.
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error) (int, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return attempt, nil
		}
		if perm, ok := lastErr.(*permanentError); ok {
			return attempt, perm.err
		}
		if !e.policy.Retryable(lastErr) {
			return attempt, lastErr
		}
		if attempt >= e.policy.MaxAttempts {
			e.logger.Warn("retries exhausted", "attempts", attempt, "err", lastErr)
			return attempt, lastErr
		}

		delay := e.policy.DelayForAttempt(attempt, e.rnd)
		if hinted := retryAfter(lastErr); hinted > delay {
			delay = e.policy.clamp(hinted)
		}

		if ctx.Err() != nil {
			e.logger.Debug("retry abandoned", "attempts", attempt, "cause", context.Cause(ctx))
			return attempt, lastErr
		}
		e.logger.Debug("retrying after failure", "attempt", attempt, "delay", delay, "err", lastErr)
		if err := e.sleeper.Sleep(ctx, delay); err != nil {
			e.logger.Debug("retry abandoned", "attempts", attempt, "cause", err)
			return attempt, lastErr
		}
	}
}

// Run is the value-returning form of Executor.Do.
func Run[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	_, err := e.Do(ctx, func(ctx context.Context) error {
		value, err := op(ctx)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	return result, err
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }

func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as final: Do returns the wrapped error at once
// whatever the policy says about it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func retryAfter(err error) time.Duration {
	if classified, ok := xerrors.From(err); ok {
		return classified.RetryAfter()
	}
	return 0
}
