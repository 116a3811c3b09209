// Package gateway is the single entry point for mail operations. It picks
// the active provider from a priority list, owns one adapter session per
// provider, and applies the call policy (timeout, retry, circuit breaker)
// around every adapter call.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/nhle/mailgateway/internal/credential"
	"github.com/nhle/mailgateway/internal/logging"
	"github.com/nhle/mailgateway/internal/model"
	"github.com/nhle/mailgateway/internal/provider"
)

// Recorder receives one observation per adapter call.
type Recorder interface {
	ObserveCall(p model.ProviderType, op, outcome string, elapsed time.Duration)
	ObserveBreaker(p model.ProviderType, state string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveCall(model.ProviderType, string, string, time.Duration) {}
func (nopRecorder) ObserveBreaker(model.ProviderType, string) {}

// Gateway routes mail operations to the active provider. It is safe for
// concurrent use.
type Gateway struct {
	store     credential.Store
	factories map[model.ProviderType]provider.Factory
	priority  []model.ProviderType

	callTimeout time.Duration
	retry       RetryPolicy
	breaker     BreakerPolicy
	logger      *log.Logger
	recorder    Recorder
	now         func() time.Time

	detectGroup singleflight.Group

	mu       sync.Mutex
	active   provider.Adapter
	adapters map[model.ProviderType]provider.Adapter
	breakers map[model.ProviderType]*breaker
	closed   bool
}

// New builds a gateway over store. factories maps each provider type to
// the constructor for its adapter; a provider without a factory is
// NotConfigured.
func New(store credential.Store, factories map[model.ProviderType]provider.Factory, opts ...Option) *Gateway {
	g := &Gateway{
		store:       store,
		factories:   factories,
		priority:    append([]model.ProviderType(nil), model.AllProviders...),
		callTimeout: 30 * time.Second,
		retry:       DefaultRetryPolicy(),
		breaker:     DefaultBreakerPolicy(),
		logger:      logging.Discard(),
		recorder:    nopRecorder{},
		now:         time.Now,
		adapters:    make(map[model.ProviderType]provider.Adapter),
		breakers:    make(map[model.ProviderType]*breaker),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "gateway")
	return g
}

// Priority returns the detection order.
func (g *Gateway) Priority() []model.ProviderType {
	return append([]model.ProviderType(nil), g.priority...)
}

// DetectActiveProvider returns the first provider in priority order whose
// session authenticates. The winner is cached until its session fails or
// it is invalidated. Concurrent callers share one detection run.
func (g *Gateway) DetectActiveProvider(ctx context.Context) (model.ProviderType, error) {
	a, err := g.activeAdapter(ctx)
	if err != nil {
		return "", err
	}
	return a.Provider(), nil
}

func (g *Gateway) activeAdapter(ctx context.Context) (provider.Adapter, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, provider.Errorf(provider.KindNotConfigured, "", "detect", "gateway is closed")
	}
	if g.active != nil && g.active.State() != provider.StateFailed {
		a := g.active
		g.mu.Unlock()
		return a, nil
	}
	g.mu.Unlock()

	ch := g.detectGroup.DoChan("detect", func() (any, error) {
		return g.detect(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, provider.NewError(provider.KindRetryable, "", "detect", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(provider.Adapter), nil
	}
}

// detect tries the configured providers in order. The aggregate error is
// ReauthRequired if any candidate needed re-authorization, else Retryable
// if any failed transiently, else NotConfigured.
func (g *Gateway) detect(ctx context.Context) (provider.Adapter, error) {
	g.mu.Lock()
	if g.active != nil && g.active.State() != provider.StateFailed {
		a := g.active
		g.mu.Unlock()
		return a, nil
	}
	if g.active != nil {
		g.dropLocked(g.active.Provider())
	}
	g.mu.Unlock()

	var errs []error
	var reauth, transient bool
	for _, p := range g.priority {
		a, err := g.adapter(ctx, p)
		if err == nil {
			err = g.invoke(ctx, p, "authenticate", func(ctx context.Context) error {
				return a.Authenticate(ctx)
			})
		}
		if err == nil {
			g.mu.Lock()
			g.active = a
			g.mu.Unlock()
			g.logger.Info("active provider selected", "provider", p)
			return a, nil
		}

		switch {
		case provider.IsNotConfigured(err):
			g.logger.Debug("provider not configured", "provider", p)
		case provider.IsReauthRequired(err):
			reauth = true
			g.logger.Warn("provider needs re-authorization", "provider", p, "err", err)
			g.Invalidate(p)
		default:
			transient = true
			g.logger.Warn("provider unavailable", "provider", p, "err", err)
		}
		errs = append(errs, err)
	}

	kind := provider.KindNotConfigured
	switch {
	case reauth:
		kind = provider.KindReauthRequired
	case transient:
		kind = provider.KindRetryable
	}
	cause := errors.Join(errs...)
	if cause == nil {
		cause = errors.New("no providers in priority list")
	}
	return nil, provider.NewError(kind, "", "detect", fmt.Errorf("no usable mail provider: %w", cause))
}

// adapter returns the live adapter for p, building a fresh session from
// the stored credential when there is none or the last one failed.
func (g *Gateway) adapter(ctx context.Context, p model.ProviderType) (provider.Adapter, error) {
	g.mu.Lock()
	if a, ok := g.adapters[p]; ok && a.State() != provider.StateFailed {
		g.mu.Unlock()
		return a, nil
	}
	g.dropLocked(p)
	g.mu.Unlock()

	factory, ok := g.factories[p]
	if !ok {
		return nil, provider.Errorf(provider.KindNotConfigured, p, "new", "provider is not configured")
	}
	cred, err := g.store.Get(ctx, p)
	if errors.Is(err, credential.ErrNotFound) {
		return nil, provider.NewError(provider.KindNotConfigured, p, "new", err)
	}
	if err != nil {
		return nil, provider.NewError(provider.KindRetryable, p, "new", fmt.Errorf("loading credential: %w", err))
	}

	rotate := func(ctx context.Context, tokens model.TokenSet) error {
		return g.store.OnRotate(ctx, p, tokens)
	}
	a, err := factory(cred, rotate)
	if err != nil {
		return nil, provider.Classify(p, "new", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.adapters[p]; ok && existing.State() != provider.StateFailed {
		_ = a.Close()
		return existing, nil
	}
	g.adapters[p] = a
	return a, nil
}

// Invalidate tears down the session for p. The next call builds a fresh
// one and, if p was active, detection runs again.
func (g *Gateway) Invalidate(p model.ProviderType) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dropLocked(p)
}

func (g *Gateway) dropLocked(p model.ProviderType) {
	if g.active != nil && g.active.Provider() == p {
		g.active = nil
	}
	a, ok := g.adapters[p]
	if !ok {
		return
	}
	delete(g.adapters, p)
	if err := a.Close(); err != nil {
		g.logger.Warn("closing adapter", "provider", p, "err", err)
	}
}

// Close releases every adapter. Calls after Close fail.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	g.active = nil

	var errs []error
	for p, a := range g.adapters {
		if err := a.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", p, err))
		}
		delete(g.adapters, p)
	}
	return errors.Join(errs...)
}
