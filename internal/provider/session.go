package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/nhle/mailgateway/internal/model"
)

// State is the lifecycle position of a provider session.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateReady
	StateExpired
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateExpired:
		return "expired"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Refresher exchanges the credential's refresh token for new tokens.
type Refresher func(ctx context.Context, cred model.Credential) (model.TokenSet, error)

// Verifier performs a connection handshake with the credential.
type Verifier func(ctx context.Context, cred model.Credential) error

// RefreshObserver receives one outcome per refresh attempt.
type RefreshObserver interface {
	ObserveRefresh(p model.ProviderType, outcome string)
}

const (
	defaultTokenSkew      = time.Minute
	defaultRefreshTimeout = 20 * time.Second
)

// SessionConfig configures a Session.
type SessionConfig struct {
	Credential model.Credential

	// Refresh is required for OAuth credentials.
	Refresh Refresher

	// Verify, when set, runs once on the first successful authenticate
	// and again after every Invalidate.
	Verify Verifier

	// OnRotate persists refreshed tokens.
	OnRotate RotateFunc

	// Skew refreshes tokens this long before they expire.
	Skew time.Duration

	// RefreshTimeout bounds a refresh independently of the caller.
	RefreshTimeout time.Duration

	Now      func() time.Time
	Logger   *log.Logger
	Observer RefreshObserver
}

// Session owns one provider credential and moves it through
// Unauthenticated -> Authenticating -> Ready -> Expired | Failed.
// Concurrent callers that find the session not Ready share a single
// in-flight refresh. Failed is terminal.
type Session struct {
	cfg   SessionConfig
	group singleflight.Group

	mu       sync.Mutex
	state    State
	cred     model.Credential
	verified bool
	stale    bool
	failErr  error
}

// NewSession creates an Unauthenticated session.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Skew <= 0 {
		cfg.Skew = defaultTokenSkew
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = defaultRefreshTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard)
	}
	return &Session{cfg: cfg, cred: cfg.Credential}
}

// Provider returns the provider the session's credential belongs to.
func (s *Session) Provider() model.ProviderType {
	return s.cfg.Credential.Provider
}

// State returns the current state. A Ready session whose token has
// passed its refresh point reports Expired.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateReady && s.needsAuthLocked() {
		return StateExpired
	}
	return s.state
}

// Credential returns a copy of the current credential.
func (s *Session) Credential() model.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred
}

// Invalidate marks the session stale after the remote rejected its token,
// so the next Authenticate refreshes (or re-verifies) before use.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateFailed {
		return
	}
	s.stale = true
	s.verified = false
	if s.state == StateReady {
		s.state = StateExpired
	}
}

// Fail moves the session to Failed. Every later Authenticate returns
// ReauthRequired without touching the network.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLocked(err)
}

func (s *Session) failLocked(err error) {
	s.state = StateFailed
	if err == nil {
		err = errors.New("session failed")
	}
	s.failErr = err
}

// Authenticate returns a credential that is valid for use now.
func (s *Session) Authenticate(ctx context.Context) (model.Credential, error) {
	s.mu.Lock()
	switch {
	case s.state == StateFailed:
		err := s.failedErrLocked()
		s.mu.Unlock()
		return model.Credential{}, err
	case s.state == StateReady && !s.needsAuthLocked():
		cred := s.cred
		s.mu.Unlock()
		return cred, nil
	}
	s.mu.Unlock()

	ch := s.group.DoChan("authenticate", func() (any, error) {
		return s.authenticate(ctx)
	})

	select {
	case <-ctx.Done():
		return model.Credential{}, NewError(KindRetryable, s.Provider(), "authenticate", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return model.Credential{}, res.Err
		}
		return res.Val.(model.Credential), nil
	}
}

// authenticate runs at most once at a time per session. The expiry check
// is repeated here because a caller may arrive just after another refresh
// completed.
func (s *Session) authenticate(callerCtx context.Context) (model.Credential, error) {
	p := s.Provider()

	s.mu.Lock()
	if s.state == StateFailed {
		err := s.failedErrLocked()
		s.mu.Unlock()
		return model.Credential{}, err
	}
	if s.state == StateReady && !s.needsAuthLocked() {
		cred := s.cred
		s.mu.Unlock()
		return cred, nil
	}
	prev := s.state
	if prev == StateReady {
		prev = StateExpired
	}
	s.state = StateAuthenticating
	cred := s.cred
	needsRefresh := cred.IsOAuth() && (s.stale || cred.Expired(s.cfg.Now(), s.cfg.Skew))
	needsVerify := s.cfg.Verify != nil && !s.verified
	s.mu.Unlock()

	// The refresh outlives the first caller's cancellation; other callers
	// may be waiting on it.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(callerCtx), s.cfg.RefreshTimeout)
	defer cancel()

	if needsRefresh {
		refreshed, err := s.refresh(ctx, cred)
		if err != nil {
			return model.Credential{}, s.settleError(prev, err)
		}
		cred = refreshed
	}

	if needsVerify {
		if err := s.cfg.Verify(ctx, cred); err != nil {
			return model.Credential{}, s.settleError(prev, Classify(p, "authenticate", err))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateFailed {
		return model.Credential{}, s.failedErrLocked()
	}
	s.cred = cred
	s.state = StateReady
	s.stale = false
	if needsVerify {
		s.verified = true
	}
	return cred, nil
}

func (s *Session) refresh(ctx context.Context, cred model.Credential) (model.Credential, error) {
	p := s.Provider()

	if cred.RefreshToken == "" {
		s.observe("reauth_required")
		return model.Credential{}, Errorf(KindReauthRequired, p, "refresh", "no refresh token stored")
	}
	if s.cfg.Refresh == nil {
		return model.Credential{}, Errorf(KindNotConfigured, p, "refresh", "no token endpoint configured")
	}

	s.cfg.Logger.Debug("refreshing access token", "provider", p)
	tokens, err := s.cfg.Refresh(ctx, cred)
	if err != nil {
		err = Classify(p, "refresh", err)
		s.observe(string(KindOf(err)))
		return model.Credential{}, err
	}
	if tokens.AccessToken == "" {
		s.observe(string(KindRetryable))
		return model.Credential{}, Errorf(KindRetryable, p, "refresh", "token endpoint returned no access token")
	}
	s.observe("ok")

	updated := cred.WithTokens(tokens)
	if s.cfg.OnRotate != nil {
		// The new tokens stay in memory even when persisting fails: the
		// old refresh token may already be spent.
		if err := s.cfg.OnRotate(ctx, tokens); err != nil {
			s.cfg.Logger.Error("persisting rotated tokens", "provider", p, "err", err)
		}
	}
	return updated, nil
}

// settleError moves the session after a failed attempt: ReauthRequired is
// terminal, anything else returns the session to where it was.
func (s *Session) settleError(prev State, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if IsReauthRequired(err) {
		s.failLocked(err)
		return err
	}
	if s.state != StateFailed {
		s.state = prev
	}
	return err
}

func (s *Session) needsAuthLocked() bool {
	if s.stale {
		return true
	}
	if s.cfg.Verify != nil && !s.verified {
		return true
	}
	return s.cred.Expired(s.cfg.Now(), s.cfg.Skew)
}

func (s *Session) failedErrLocked() error {
	if IsReauthRequired(s.failErr) {
		return s.failErr
	}
	return NewError(KindReauthRequired, s.Provider(), "authenticate", s.failErr)
}

func (s *Session) observe(outcome string) {
	if s.cfg.Observer != nil {
		s.cfg.Observer.ObserveRefresh(s.Provider(), outcome)
	}
}

// SessionOptions are the session settings the gateway shares across
// every adapter it builds.
type SessionOptions struct {
	Skew           time.Duration
	RefreshTimeout time.Duration
	Now            func() time.Time
	Logger         *log.Logger
	Observer       RefreshObserver
}

// NewSession builds a session for cred with o's shared settings.
func (o SessionOptions) NewSession(cred model.Credential, refresh Refresher, verify Verifier, rotate RotateFunc) *Session {
	return NewSession(SessionConfig{
		Credential:     cred,
		Refresh:        refresh,
		Verify:         verify,
		OnRotate:       rotate,
		Skew:           o.Skew,
		RefreshTimeout: o.RefreshTimeout,
		Now:            o.Now,
		Logger:         o.Logger,
		Observer:       o.Observer,
	})
}
