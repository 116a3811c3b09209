// Package app wires the configuration into a running mail gateway: the
// credential store, provider adapters, gateway, COI search, poller and
// HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"github.com/nhle/mailgateway/internal/api"
	"github.com/nhle/mailgateway/internal/coi"
	"github.com/nhle/mailgateway/internal/credential"
	"github.com/nhle/mailgateway/internal/gateway"
	"github.com/nhle/mailgateway/internal/logging"
	"github.com/nhle/mailgateway/internal/metrics"
	"github.com/nhle/mailgateway/internal/model"
	"github.com/nhle/mailgateway/internal/provider"
	"github.com/nhle/mailgateway/internal/provider/gmail"
	"github.com/nhle/mailgateway/internal/provider/imapsmtp"
	"github.com/nhle/mailgateway/internal/provider/outlook"
	appsync "github.com/nhle/mailgateway/internal/sync"
)

// App is the assembled gateway process.
type App struct {
	Config   *model.AppConfig
	Logger   *log.Logger
	Store    credential.Store
	Gateway  *gateway.Gateway
	Searcher *coi.Searcher
	Metrics  *metrics.Metrics

	// Poller is nil unless poller.enabled is set.
	Poller *appsync.Poller

	ownsStore bool
}

// Option customises New.
type Option func(*options)

type options struct {
	logger    *log.Logger
	store     credential.Store
	factories map[model.ProviderType]provider.Factory
}

// WithLogger replaces the logger built from the log section.
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStore uses s instead of opening the configured backend. The caller
// keeps ownership of s.
func WithStore(s credential.Store) Option {
	return func(o *options) { o.store = s }
}

// WithFactories replaces the adapter factories built from the provider
// sections.
func WithFactories(f map[model.ProviderType]provider.Factory) Option {
	return func(o *options) { o.factories = f }
}

// New builds every component from cfg. Credentials found in the
// configuration are seeded into the store when it has none for that
// provider.
func New(ctx context.Context, cfg *model.AppConfig, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = logging.FromConfig(cfg.Log)
		if err != nil {
			return nil, err
		}
	}

	priority, err := cfg.PriorityOrder()
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Logger: logger, Metrics: metrics.New()}

	a.Store = o.store
	if a.Store == nil {
		a.Store, err = credential.Open(cfg.Credentials)
		if err != nil {
			return nil, fmt.Errorf("opening credential store: %w", err)
		}
		a.ownsStore = true
	}

	seeded, err := credential.Seed(ctx, a.Store, cfg)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	for _, p := range seeded {
		logger.Info("seeded credential from configuration", "provider", p)
	}

	factories := o.factories
	if factories == nil {
		factories = Factories(cfg, provider.SessionOptions{
			Skew:           cfg.Gateway.TokenSkew,
			RefreshTimeout: cfg.Gateway.RefreshTimeout,
			Logger:         logger,
			Observer:       a.Metrics,
		})
	}

	gwOpts := append(gateway.FromConfig(cfg.Gateway, priority),
		gateway.WithLogger(logger),
		gateway.WithRecorder(a.Metrics),
	)
	a.Gateway = gateway.New(a.Store, factories, gwOpts...)
	a.Searcher = coi.NewSearcher(a.Gateway, coi.NewClassifier(cfg.COI), cfg.COI)

	if cfg.Poller.Enabled {
		retention := time.Duration(a.Searcher.DefaultDays()+1) * 24 * time.Hour
		a.Poller = appsync.New(a.Searcher, a.logCOIMessages, cfg.Poller.Interval,
			appsync.WithLogger(logger),
			appsync.WithRetention(retention),
		)
	}
	return a, nil
}

// Factories returns an adapter factory for every provider the
// configuration describes. Providers left out are NotConfigured.
func Factories(cfg *model.AppConfig, so provider.SessionOptions) map[model.ProviderType]provider.Factory {
	out := make(map[model.ProviderType]provider.Factory)
	if cfg.Configured(model.ProviderGmail) {
		out[model.ProviderGmail] = gmail.NewFactory(gmail.ConfigFrom(cfg.Providers.Gmail), so)
	}
	if cfg.Configured(model.ProviderOutlook) {
		out[model.ProviderOutlook] = outlook.NewFactory(outlook.ConfigFrom(cfg.Providers.Outlook), so)
	}
	if cfg.Configured(model.ProviderGenericSMTP) {
		out[model.ProviderGenericSMTP] = imapsmtp.NewFactory(imapsmtp.ConfigFrom(cfg.Providers.GenericSMTP), so)
	}
	return out
}

func (a *App) logCOIMessages(_ context.Context, p model.ProviderType, msgs []model.NormalizedMessage) {
	for _, m := range msgs {
		a.Logger.Info("COI message", "provider", p, "id", m.ID, "from", m.Sender().Address, "subject", m.Subject)
	}
}

// Handler returns the HTTP handler serving the API and metrics.
func (a *App) Handler() http.Handler {
	opts := []api.Option{api.WithLogger(a.Logger), api.WithMetrics(a.Metrics.Handler())}
	if a.Poller != nil {
		opts = append(opts, api.WithPoller(a.Poller))
	}
	return api.New(a.Gateway, a.Searcher, opts...).Router()
}

// Serve runs the HTTP server on ln, and the poller when enabled, until ctx
// ends. In-flight requests get server.shutdown_timeout to finish.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      a.Handler(),
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}

	if a.Poller != nil {
		a.Poller.Start(ctx)
		defer a.Poller.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("http server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	timeout := a.Config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	a.Logger.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http: %w", err)
	}
	return nil
}

// ListenAndServe listens on server.addr and calls Serve.
func (a *App) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Config.Server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.Config.Server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Close releases the adapters and, unless it was supplied by the caller,
// the credential store.
func (a *App) Close() error {
	var errs []error
	if a.Gateway != nil {
		errs = append(errs, a.Gateway.Close())
	}
	if a.ownsStore && a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
