package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/sony/gobreaker"

	"github.com/nhle/mailgateway/internal/model"
	"github.com/nhle/mailgateway/internal/provider"
)

// RetryPolicy is the exponential backoff applied to Retryable read
// failures. Attempts counts the first try.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy is three attempts starting at 200ms, capped at 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// delay returns the wait before retry n (0-based).
func (r RetryPolicy) delay(n int) time.Duration {
	d := r.BaseDelay << uint(n)
	if d <= 0 || (r.MaxDelay > 0 && d > r.MaxDelay) {
		d = r.MaxDelay
	}
	return d
}

// BreakerPolicy tunes the per-provider circuit breaker.
type BreakerPolicy struct {
	// MaxFailures consecutive Retryable failures open the breaker.
	MaxFailures uint32

	// OpenTimeout is how long an open breaker rejects calls before it
	// lets a trial call through.
	OpenTimeout time.Duration
}

// DefaultBreakerPolicy opens after 5 consecutive failures for 30s.
func DefaultBreakerPolicy() BreakerPolicy {
	return BreakerPolicy{MaxFailures: 5, OpenTimeout: 30 * time.Second}
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithPriority sets the detection order.
func WithPriority(order []model.ProviderType) Option {
	return func(g *Gateway) {
		if len(order) > 0 {
			g.priority = append([]model.ProviderType(nil), order...)
		}
	}
}

// WithCallTimeout bounds each adapter call. Zero disables the bound.
func WithCallTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.callTimeout = d }
}

// WithRetry sets the read retry policy.
func WithRetry(r RetryPolicy) Option {
	return func(g *Gateway) {
		if r.Attempts < 1 {
			r.Attempts = 1
		}
		g.retry = r
	}
}

// WithBreaker sets the circuit breaker policy.
func WithBreaker(b BreakerPolicy) Option {
	return func(g *Gateway) { g.breaker = b }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) Option {
	return func(g *Gateway) {
		if r != nil {
			g.recorder = r
		}
	}
}

// WithClock sets the time source used for call timing.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// FromConfig turns the gateway section of the configuration into options.
func FromConfig(cfg model.GatewayConfig, priority []model.ProviderType) []Option {
	return []Option{
		WithPriority(priority),
		WithCallTimeout(cfg.CallTimeout),
		WithRetry(RetryPolicy{
			Attempts:  cfg.Retry.Attempts,
			BaseDelay: cfg.Retry.BaseDelay,
			MaxDelay:  cfg.Retry.MaxDelay,
		}),
		WithBreaker(BreakerPolicy{
			MaxFailures: cfg.Breaker.MaxFailures,
			OpenTimeout: cfg.Breaker.OpenTimeout,
		}),
	}
}

type breaker struct {
	cb *gobreaker.CircuitBreaker
}

func (g *Gateway) breakerFor(p model.ProviderType) *breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.breakers[p]; ok {
		return b
	}

	maxFailures := g.breaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = DefaultBreakerPolicy().MaxFailures
	}
	b := &breaker{cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(p),
		MaxRequests: 1,
		Timeout:     g.breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// Only transient failures count against the provider. A caller
		// cancelling its own request says nothing about provider health.
		IsSuccessful: func(err error) bool {
			return err == nil || !provider.IsRetryable(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("circuit breaker state changed", "provider", name, "from", from.String(), "to", to.String())
			g.recorder.ObserveBreaker(model.ProviderType(name), to.String())
		},
	})}
	g.breakers[p] = b
	return b
}

// BreakerState reports the breaker state for p ("closed" when p has not
// been called yet).
func (g *Gateway) BreakerState(p model.ProviderType) string {
	g.mu.Lock()
	b, ok := g.breakers[p]
	g.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return b.cb.State().String()
}

// invoke runs one adapter call under the call timeout and p's breaker,
// and guarantees the result is classified.
func (g *Gateway) invoke(ctx context.Context, p model.ProviderType, op string, fn func(ctx context.Context) error) error {
	if g.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.callTimeout)
		defer cancel()
	}

	start := g.now()
	_, err := g.breakerFor(p).cb.Execute(func() (any, error) {
		return nil, provider.Classify(p, op, fn(ctx))
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = provider.NewError(provider.KindRetryable, p, op, fmt.Errorf("circuit open: %w", err))
	}
	g.recorder.ObserveCall(p, op, outcome(err), g.now().Sub(start))
	return err
}

// withRetry repeats fn while it fails with a Retryable error, backing off
// between attempts. An open breaker ends the loop at once.
func (g *Gateway) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < max(g.retry.Attempts, 1); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return provider.Classify("", "retry", errors.Join(err, ctx.Err()))
			case <-time.After(g.retry.delay(attempt - 1)):
			}
		}

		err = fn()
		if err == nil || !provider.IsRetryable(err) || ctx.Err() != nil {
			return err
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return err
		}
		g.logger.Debug("retrying after transient failure", "attempt", attempt+1, "err", err)
	}
	return err
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := provider.KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}
