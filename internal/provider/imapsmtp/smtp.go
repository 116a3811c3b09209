package imapsmtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/nhle/mailgateway/internal/model"
	"github.com/nhle/mailgateway/internal/provider"
)

// dialSMTP opens an SMTP client using the configured security mode.
func (a *Adapter) dialSMTP(ctx context.Context, cred model.Credential) (*smtp.Client, error) {
	if cred.SMTPHost == "" {
		return nil, provider.Errorf(provider.KindNotConfigured, model.ProviderGenericSMTP, "dial", "no SMTP host configured")
	}
	port := cred.SMTPPort
	if port == 0 {
		switch a.cfg.SMTPSecurity {
		case SecurityTLS:
			port = 465
		case SecurityNone:
			port = 25
		default:
			port = 587
		}
	}
	addr := net.JoinHostPort(cred.SMTPHost, strconv.Itoa(port))

	d := &net.Dialer{Timeout: a.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to SMTP %s: %w", addr, err)
	}

	tlsConfig := a.tlsConfig(cred.SMTPHost)
	switch a.cfg.SMTPSecurity {
	case SecurityNone:
		return smtp.NewClient(conn), nil
	case SecurityTLS:
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("TLS handshake with SMTP %s: %w", addr, err)
		}
		return smtp.NewClient(tlsConn), nil
	default:
		c, err := smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("starting TLS with SMTP %s: %w", addr, err)
		}
		return c, nil
	}
}

// withSMTP runs fn on a fresh client that has authenticated when the
// server advertises AUTH.
func (a *Adapter) withSMTP(ctx context.Context, cred model.Credential, op string, fn func(c *smtp.Client) error) error {
	c, err := a.dialSMTP(ctx, cred)
	if err != nil {
		return provider.Classify(model.ProviderGenericSMTP, op, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer func() {
		stop()
		_ = c.Close()
	}()

	err = func() error {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(sasl.NewPlainClient("", cred.Username, cred.Password)); err != nil {
				return err
			}
		}
		if err := fn(c); err != nil {
			return err
		}
		return c.Quit()
	}()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return provider.NewError(provider.KindRetryable, model.ProviderGenericSMTP, op, ctxErr)
	}
	return classifySMTP(op, err)
}

// verifySMTP is the handshake for mailboxes with no IMAP side.
func (a *Adapter) verifySMTP(ctx context.Context, cred model.Credential) error {
	return a.withSMTP(ctx, cred, "verify", func(c *smtp.Client) error {
		return c.Noop()
	})
}

// sendSMTP delivers raw to every recipient. Bcc addresses appear only
// here, on the envelope.
func (a *Adapter) sendSMTP(ctx context.Context, cred model.Credential, from string, rcpts []string, raw []byte) error {
	return a.withSMTP(ctx, cred, "send", func(c *smtp.Client) error {
		return c.SendMail(from, rcpts, bytes.NewReader(raw))
	})
}

// classifySMTP maps a reply code onto the error taxonomy.
func classifySMTP(op string, err error) error {
	if err == nil {
		return nil
	}
	var serr *smtp.SMTPError
	if !errors.As(err, &serr) {
		return provider.Classify(model.ProviderGenericSMTP, op, err)
	}
	switch code := serr.Code; {
	case code == 530 || code == 534 || code == 535:
		return provider.NewError(provider.KindReauthRequired, model.ProviderGenericSMTP, op, err)
	case code == 552 || code == 523:
		return provider.NewError(provider.KindAttachmentTooLarge, model.ProviderGenericSMTP, op, err)
	case code >= 400 && code < 500:
		return provider.NewError(provider.KindRetryable, model.ProviderGenericSMTP, op, err)
	default:
		return provider.NewError(provider.KindRejected, model.ProviderGenericSMTP, op, err)
	}
}
