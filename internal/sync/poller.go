// Package sync runs the background COI search and hands newly seen
// messages to a handler.
package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/nhle/mailgateway/internal/gateway"
	"github.com/nhle/mailgateway/internal/logging"
	"github.com/nhle/mailgateway/internal/model"
	"github.com/nhle/mailgateway/internal/provider"
)

// SyncState represents the current state of the poller.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRunning
	SyncError
)

func (s SyncState) String() string {
	switch s {
	case SyncRunning:
		return "running"
	case SyncError:
		return "error"
	default:
		return "idle"
	}
}

// MarshalText renders the state by name in JSON.
func (s SyncState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// SyncStatus describes the last poll.
type SyncStatus struct {
	Enabled  bool               `json:"enabled"`
	State    SyncState          `json:"state"`
	Provider model.ProviderType `json:"provider,omitempty"`
	LastSync time.Time          `json:"lastSync"`
	Error    string             `json:"error,omitempty"`

	// AuthError is set when the last poll failed because the active
	// provider needs re-authorization.
	AuthError bool `json:"authError"`

	// NewCount is the number of unseen messages the last poll found.
	NewCount int `json:"newCount"`
	Runs     int `json:"runs"`
}

// Searcher runs a COI search.
type Searcher interface {
	Search(ctx context.Context, clientNameHint string, sinceDays int) (*gateway.FetchResult, error)
}

// Handler receives the messages a poll had not seen before, newest first.
type Handler func(ctx context.Context, p model.ProviderType, msgs []model.NormalizedMessage)

// fetchTimeout is the maximum time allowed for a single poll.
const fetchTimeout = 60 * time.Second

// defaultRetention covers the default 30 day search window.
const defaultRetention = 31 * 24 * time.Hour

// Poller periodically runs the COI search. Seen message ids are kept in
// memory only, each until it has been absent from results for the
// retention period.
type Poller struct {
	search    Searcher
	handler   Handler
	interval  time.Duration
	retention time.Duration
	logger    *log.Logger
	now       func() time.Time

	triggerCh chan struct{}
	stopCh    chan struct{}
	done      chan struct{}

	mu      gosync.Mutex
	status  SyncStatus
	seen    map[string]time.Time
	running bool
}

// Option customises a Poller.
type Option func(*Poller)

// WithLogger sets the poller's logger.
func WithLogger(l *log.Logger) Option {
	return func(p *Poller) { p.logger = l }
}

// WithRetention sets how long an id is remembered after it last appeared
// in a result. It should be at least the search window, or messages at
// the window's edge are delivered again.
func WithRetention(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.retention = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// New creates a poller that searches every interval. A nil handler only
// tracks status.
func New(search Searcher, handler Handler, interval time.Duration, opts ...Option) *Poller {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	p := &Poller{
		search:    search,
		handler:   handler,
		interval:  interval,
		retention: defaultRetention,
		logger:    logging.Discard(),
		now:       time.Now,
		triggerCh: make(chan struct{}, 1),
		seen:      make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "poller")
	return p
}

// Start launches the polling goroutine, which polls immediately and then
// on every tick or trigger until ctx ends or Stop is called.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.status.Enabled = true
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})
	stop, done := p.stopCh, p.done
	p.mu.Unlock()

	go p.loop(ctx, stop, done)
}

// Stop halts the polling goroutine and waits for an in-flight poll.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	done := p.done
	p.mu.Unlock()
	<-done
}

// Trigger requests an immediate poll. It never blocks; a trigger that
// arrives while one is already pending is dropped.
func (p *Poller) Trigger() bool {
	select {
	case p.triggerCh <- struct{}{}:
		return true
	default:
		return false
	}
}

// Status returns a snapshot of the last poll.
func (p *Poller) Status() SyncStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Poller) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Do an initial poll immediately
	_ = p.Poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			_ = p.Poll(ctx)
		case <-p.triggerCh:
			_ = p.Poll(ctx)
		}
	}
}

// Poll runs one COI search with the default window and hands unseen
// messages to the handler.
func (p *Poller) Poll(ctx context.Context) error {
	p.setRunning()

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	res, err := p.search.Search(ctx, "", 0)
	if err != nil {
		p.setFailed(err)
		if provider.IsReauthRequired(err) {
			p.logger.Warn("poll needs re-authorization", "err", err)
		} else {
			p.logger.Warn("poll failed", "err", err)
		}
		return err
	}

	fresh := p.markSeen(res.Provider, res.Messages)
	p.setDone(res.Provider, len(fresh))
	if len(fresh) > 0 {
		p.logger.Info("new COI messages", "provider", res.Provider, "count", len(fresh))
		if p.handler != nil {
			p.handler(ctx, res.Provider, fresh)
		}
	}
	return nil
}

func (p *Poller) markSeen(pt model.ProviderType, msgs []model.NormalizedMessage) []model.NormalizedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var fresh []model.NormalizedMessage
	for _, m := range msgs {
		key := string(pt) + "/" + m.ID
		if _, ok := p.seen[key]; !ok {
			fresh = append(fresh, m)
		}
		p.seen[key] = now
	}
	for key, last := range p.seen {
		if now.Sub(last) > p.retention {
			delete(p.seen, key)
		}
	}
	return fresh
}

func (p *Poller) setRunning() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.State = SyncRunning
}

func (p *Poller) setFailed(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.State = SyncError
	p.status.Error = err.Error()
	p.status.AuthError = provider.IsReauthRequired(err)
	p.status.NewCount = 0
	p.status.Runs++
}

func (p *Poller) setDone(pt model.ProviderType, fresh int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.State = SyncIdle
	p.status.Provider = pt
	p.status.Error = ""
	p.status.AuthError = false
	p.status.NewCount = fresh
	p.status.LastSync = p.now()
	p.status.Runs++
}
