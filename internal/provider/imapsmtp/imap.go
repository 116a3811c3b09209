package imapsmtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mailgateway/internal/model"
	"github.com/nhle/mailgateway/internal/provider"
)

// Connection security modes for both IMAP and SMTP.
const (
	SecurityTLS      = "tls"
	SecurityStartTLS = "starttls"
	SecurityNone     = "none"
)

type commandWaiter interface {
	Wait() error
}

type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}

type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}

type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}

// imapClient is the subset of *imapclient.Client the adapter uses.
type imapClient interface {
	Login(username, password string) commandWaiter
	Logout() commandWaiter
	Close() error
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
	Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter
}

type imapDialer func(ctx context.Context, cred model.Credential) (imapClient, error)

type imapClientWrapper struct{ *imapclient.Client }

func (w *imapClientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}

func (w *imapClientWrapper) Logout() commandWaiter { return w.Client.Logout() }

func (w *imapClientWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}

func (w *imapClientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}

func (w *imapClientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}

func (w *imapClientWrapper) Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter {
	return w.Client.Store(numSet, store, options)
}

// dialIMAP opens a connection honouring ctx for the TCP and TLS phases.
// The server greeting and everything after it are bounded by the
// caller closing the client when ctx ends.
func (a *Adapter) dialIMAP(ctx context.Context, cred model.Credential) (imapClient, error) {
	if cred.IMAPHost == "" {
		return nil, provider.Errorf(provider.KindNotConfigured, model.ProviderGenericSMTP, "dial", "no IMAP host configured")
	}
	port := cred.IMAPPort
	if port == 0 {
		port = 993
		if a.cfg.IMAPSecurity != SecurityTLS {
			port = 143
		}
	}
	addr := net.JoinHostPort(cred.IMAPHost, strconv.Itoa(port))

	d := &net.Dialer{Timeout: a.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	tlsConfig := a.tlsConfig(cred.IMAPHost)
	opts := &imapclient.Options{TLSConfig: tlsConfig}

	switch a.cfg.IMAPSecurity {
	case SecurityStartTLS:
		c, err := imapclient.NewStartTLS(conn, opts)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("starting TLS with IMAP %s: %w", addr, err)
		}
		return &imapClientWrapper{Client: c}, nil
	case SecurityNone:
		return &imapClientWrapper{Client: imapclient.New(conn, opts)}, nil
	default:
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("TLS handshake with IMAP %s: %w", addr, err)
		}
		return &imapClientWrapper{Client: imapclient.New(tlsConn, opts)}, nil
	}
}

func (a *Adapter) tlsConfig(host string) *tls.Config {
	return &tls.Config{
		ServerName:         host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: a.cfg.InsecureSkipVerify,
	}
}

// connect dials and logs in. A rejected login is ReauthRequired.
func (a *Adapter) connect(ctx context.Context, cred model.Credential) (imapClient, error) {
	c, err := a.dial(ctx, cred)
	if err != nil {
		return nil, provider.Classify(model.ProviderGenericSMTP, "connect", err)
	}

	if err := c.Login(cred.Username, cred.Password).Wait(); err != nil {
		_ = c.Close()
		if isRejection(err) {
			return nil, provider.NewError(provider.KindReauthRequired, model.ProviderGenericSMTP, "login",
				fmt.Errorf("authentication failed for %s: %w", cred.Username, err))
		}
		return nil, provider.Classify(model.ProviderGenericSMTP, "login", err)
	}
	return c, nil
}

// isRejection reports whether err is a tagged NO from the server.
func isRejection(err error) bool {
	var ierr *imap.Error
	return errors.As(err, &ierr) && ierr.Type == imap.StatusResponseTypeNo
}

// verifyIMAP is the session handshake: dial, LOGIN, LOGOUT.
func (a *Adapter) verifyIMAP(ctx context.Context, cred model.Credential) error {
	c, err := a.connect(ctx, cred)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.Logout().Wait(); err != nil {
		a.logger.Debug("imap logout", "err", err)
	}
	return nil
}

// withIMAP runs fn on a fresh authenticated connection. Connections are
// never shared between operations.
func (a *Adapter) withIMAP(ctx context.Context, op string, fn func(c imapClient) error) error {
	cred, err := a.session.Authenticate(ctx)
	if err != nil {
		return err
	}

	c, err := a.connect(ctx, cred)
	if err != nil {
		if provider.IsReauthRequired(err) {
			a.session.Fail(err)
		}
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer func() {
		stop()
		_ = c.Close()
	}()

	err = fn(c)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return provider.NewError(provider.KindRetryable, model.ProviderGenericSMTP, op, ctxErr)
	}
	if err != nil {
		return provider.Classify(model.ProviderGenericSMTP, op, err)
	}

	if err := c.Logout().Wait(); err != nil {
		a.logger.Debug("imap logout", "err", err)
	}
	return nil
}

// searchCriteria translates q into an IMAP SEARCH. Attachment presence
// and attachment names have no IMAP criterion and are filtered after
// parsing; an Any group naming extensions is therefore left out.
func searchCriteria(q provider.Query) *imap.SearchCriteria {
	c := &imap.SearchCriteria{
		Since:  q.Since,
		Before: q.Before,
	}
	if q.From != "" {
		c.Header = append(c.Header, imap.SearchCriteriaHeaderField{Key: "From", Value: q.From})
	}
	if q.Subject != "" {
		c.Header = append(c.Header, imap.SearchCriteriaHeaderField{Key: "Subject", Value: q.Subject})
	}
	if q.Text != "" {
		c.Text = []string{q.Text}
	}
	if q.Unread {
		c.NotFlag = []imap.Flag{imap.FlagSeen}
	}
	if len(q.Any.Extensions) == 0 {
		var alts []imap.SearchCriteria
		for _, term := range q.Any.Terms {
			alts = append(alts, imap.SearchCriteria{Text: []string{term}})
		}
		for _, sender := range q.Any.Senders {
			alts = append(alts, imap.SearchCriteria{
				Header: []imap.SearchCriteriaHeaderField{{Key: "From", Value: strings.TrimPrefix(sender, "@")}},
			})
		}
		switch len(alts) {
		case 0:
		case 1:
			c.Text = append(c.Text, alts[0].Text...)
			c.Header = append(c.Header, alts[0].Header...)
		default:
			c.Or = append(c.Or, orCriteria(alts))
		}
	}
	return c
}

// orCriteria folds alts, at least two, into nested OR pairs.
func orCriteria(alts []imap.SearchCriteria) [2]imap.SearchCriteria {
	if len(alts) == 2 {
		return [2]imap.SearchCriteria{alts[0], alts[1]}
	}
	return [2]imap.SearchCriteria{alts[0], {Or: [][2]imap.SearchCriteria{orCriteria(alts[1:])}}}
}

// needsLocalFilter reports whether q has criteria the SEARCH could not
// express, so results must be checked after parsing.
func needsLocalFilter(q provider.Query) bool {
	return q.HasAttachment || !q.Any.IsZero()
}

func hasFlag(flags []imap.Flag, want imap.Flag) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

// bodyOf returns the first body section in buf.
func bodyOf(buf *imapclient.FetchMessageBuffer) []byte {
	for _, s := range buf.BodySection {
		if len(s.Bytes) > 0 {
			return s.Bytes
		}
	}
	return nil
}
