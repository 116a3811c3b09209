// Package imapsmtp implements the generic mailbox adapter: IMAP for
// reading, SMTP for sending, with a username and password.
package imapsmtp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mailgateway/internal/composer"
	"github.com/nhle/mailgateway/internal/logging"
	"github.com/nhle/mailgateway/internal/model"
	"github.com/nhle/mailgateway/internal/provider"
)

const (
	defaultMaxAttachmentBytes = 25 << 20

	// minFilterBatch is the smallest UID FETCH used while filtering
	// locally for attachments.
	minFilterBatch = 50

	// maxPages bounds paging when local filtering discards results.
	maxPages = 20
)

// Config holds the connection settings that are not part of the stored
// credential.
type Config struct {
	IMAPSecurity       string
	SMTPSecurity       string
	Mailbox            string
	MaxAttachmentBytes int64
	DialTimeout        time.Duration
	InsecureSkipVerify bool
}

// ConfigFrom extracts the adapter settings from the provider section.
func ConfigFrom(c model.GenericSMTPConfig) Config {
	return Config{
		IMAPSecurity:       c.IMAPSecurity,
		SMTPSecurity:       c.SMTPSecurity,
		Mailbox:            c.Mailbox,
		MaxAttachmentBytes: c.MaxAttachmentBytes,
		DialTimeout:        c.DialTimeout,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
}

// Adapter implements provider.Adapter over IMAP and SMTP.
type Adapter struct {
	cfg     Config
	session *provider.Session
	logger  *log.Logger
	dial    imapDialer
}

// Option customises an Adapter.
type Option func(*Adapter)

// withIMAPDialer replaces the IMAP connection factory.
func withIMAPDialer(d imapDialer) Option {
	return func(a *Adapter) { a.dial = d }
}

// New creates an adapter for cred. The session handshake logs in to IMAP,
// or to SMTP when the mailbox has no IMAP host.
func New(cfg Config, cred model.Credential, rotate provider.RotateFunc, so provider.SessionOptions, opts ...Option) *Adapter {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.IMAPSecurity == "" {
		cfg.IMAPSecurity = SecurityTLS
	}
	if cfg.SMTPSecurity == "" {
		cfg.SMTPSecurity = SecurityStartTLS
	}
	if cfg.MaxAttachmentBytes <= 0 {
		cfg.MaxAttachmentBytes = defaultMaxAttachmentBytes
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}

	a := &Adapter{cfg: cfg, logger: so.Logger}
	if a.logger == nil {
		a.logger = logging.Discard()
	}
	a.logger = a.logger.With("provider", model.ProviderGenericSMTP)
	a.dial = a.dialIMAP
	for _, opt := range opts {
		opt(a)
	}

	cred.Provider = model.ProviderGenericSMTP
	a.session = so.NewSession(cred, nil, a.verify, rotate)
	return a
}

// NewFactory returns a provider.Factory for the generic mailbox.
func NewFactory(cfg Config, so provider.SessionOptions, opts ...Option) provider.Factory {
	return func(cred model.Credential, rotate provider.RotateFunc) (provider.Adapter, error) {
		if cred.IMAPHost == "" && cred.SMTPHost == "" {
			return nil, provider.Errorf(provider.KindNotConfigured, model.ProviderGenericSMTP, "new", "no IMAP or SMTP host stored")
		}
		return New(cfg, cred, rotate, so, opts...), nil
	}
}

func (a *Adapter) verify(ctx context.Context, cred model.Credential) error {
	if cred.IMAPHost != "" {
		return a.verifyIMAP(ctx, cred)
	}
	return a.verifySMTP(ctx, cred)
}

// Provider returns genericSmtp.
func (a *Adapter) Provider() model.ProviderType { return model.ProviderGenericSMTP }

// State returns the session state.
func (a *Adapter) State() provider.State { return a.session.State() }

// MaxAttachmentBytes returns the configured send ceiling.
func (a *Adapter) MaxAttachmentBytes() int64 { return a.cfg.MaxAttachmentBytes }

// Close is a no-op; connections live for one operation.
func (a *Adapter) Close() error { return nil }

// Authenticate performs the login handshake once per session.
func (a *Adapter) Authenticate(ctx context.Context) error {
	_, err := a.session.Authenticate(ctx)
	return err
}

// ListMessages searches the mailbox and fetches the newest max matches.
func (a *Adapter) ListMessages(ctx context.Context, q provider.Query, max int) ([]model.NormalizedMessage, error) {
	if max <= 0 {
		return nil, nil
	}

	var out []model.NormalizedMessage
	err := a.withIMAP(ctx, "list", func(c imapClient) error {
		if _, err := c.Select(a.cfg.Mailbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
			return fmt.Errorf("selecting %s: %w", a.cfg.Mailbox, err)
		}

		data, err := c.UIDSearch(searchCriteria(q), nil).Wait()
		if err != nil {
			return fmt.Errorf("searching messages: %w", err)
		}
		uids := data.AllUIDs()
		if len(uids) == 0 {
			return nil
		}
		sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })

		// Attachments are only known after parsing, so filtered listings
		// page down the mailbox until max messages pass.
		filtered := needsLocalFilter(q)
		batch := max
		if filtered && batch < minFilterBatch {
			batch = minFilterBatch
		}
		for page := 0; len(uids) > 0 && len(out) < max && page < maxPages; page++ {
			n := min(batch, len(uids))
			chunk := uids[:n]
			uids = uids[n:]

			bufs, err := c.Fetch(imap.UIDSetNum(chunk...), fetchOptions()).Collect()
			if err != nil {
				return fmt.Errorf("fetching messages: %w", err)
			}
			sort.Slice(bufs, func(i, j int) bool { return bufs[i].UID > bufs[j].UID })

			for _, buf := range bufs {
				msg, err := a.normalize(buf)
				if err != nil {
					a.logger.Warn("skipping message", "uid", buf.UID, "err", err)
					continue
				}
				if q.HasAttachment && len(msg.Attachments) == 0 {
					continue
				}
				if !q.Any.Matches(msg) {
					continue
				}
				out = append(out, msg)
				if len(out) == max {
					break
				}
			}
			if !filtered {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetMessage fetches one message by UID.
func (a *Adapter) GetMessage(ctx context.Context, id string) (*model.NormalizedMessage, error) {
	var msg model.NormalizedMessage
	err := a.fetchOne(ctx, "get", id, func(buf *imapclient.FetchMessageBuffer) error {
		var err error
		msg, err = a.normalize(buf)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetAttachment decodes the attachment at the ordinal attachmentID.
func (a *Adapter) GetAttachment(ctx context.Context, messageID, attachmentID string) (*model.AttachmentContent, error) {
	var content *model.AttachmentContent
	err := a.fetchOne(ctx, "attachment", messageID, func(buf *imapclient.FetchMessageBuffer) error {
		parsed, err := composer.Parse(bodyOf(buf))
		if err != nil {
			return fmt.Errorf("parsing message %s: %w", messageID, err)
		}
		att, ok := parsed.Attachment(attachmentID)
		if !ok {
			return provider.Errorf(provider.KindNotFound, model.ProviderGenericSMTP, "attachment",
				"message %s has no attachment %q", messageID, attachmentID)
		}
		content = &model.AttachmentContent{
			AttachmentRef: model.AttachmentRef{
				Filename:             att.Filename,
				MIMEType:             att.MIMEType,
				SizeBytes:            int64(len(att.Data)),
				ProviderAttachmentID: attachmentID,
			},
			Data: att.Data,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return content, nil
}

// MarkRead adds \Seen. A message that already has it is left alone.
func (a *Adapter) MarkRead(ctx context.Context, id string) error {
	uid, err := parseUID(id)
	if err != nil {
		return err
	}
	return a.withIMAP(ctx, "mark_read", func(c imapClient) error {
		if _, err := c.Select(a.cfg.Mailbox, nil).Wait(); err != nil {
			return fmt.Errorf("selecting %s: %w", a.cfg.Mailbox, err)
		}
		set := imap.UIDSetNum(uid)
		bufs, err := c.Fetch(set, &imap.FetchOptions{UID: true, Flags: true}).Collect()
		if err != nil {
			return fmt.Errorf("fetching flags: %w", err)
		}
		if len(bufs) == 0 {
			return provider.Errorf(provider.KindNotFound, model.ProviderGenericSMTP, "mark_read", "message %s not found", id)
		}
		if hasFlag(bufs[0].Flags, imap.FlagSeen) {
			return nil
		}
		store := &imap.StoreFlags{
			Op:     imap.StoreFlagsAdd,
			Silent: true,
			Flags:  []imap.Flag{imap.FlagSeen},
		}
		if err := c.Store(set, store, nil).Close(); err != nil {
			return fmt.Errorf("storing \\Seen: %w", err)
		}
		return nil
	})
}

// SendMessage composes msg and submits it over SMTP. The Message-ID the
// composer generates is the provider message id.
func (a *Adapter) SendMessage(ctx context.Context, msg model.OutboundMessage) (*model.SendResult, error) {
	if err := provider.ValidateOutbound(msg); err != nil {
		return nil, err
	}
	if err := provider.CheckAttachmentCeiling(model.ProviderGenericSMTP, msg, a.cfg.MaxAttachmentBytes); err != nil {
		return nil, err
	}

	cred, err := a.session.Authenticate(ctx)
	if err != nil {
		return nil, err
	}

	from := model.Address{Address: cred.Email}
	if from.Address == "" {
		from.Address = cred.Username
	}
	enc, err := composer.Compose(from, msg, composer.WithBcc(false))
	if err != nil {
		return nil, provider.Classify(model.ProviderGenericSMTP, "compose", err)
	}

	if err := a.sendSMTP(ctx, cred, from.Address, enc.Recipients, enc.Raw); err != nil {
		if provider.IsReauthRequired(err) {
			a.session.Fail(err)
		}
		return nil, err
	}

	a.logger.Info("message sent", "message_id", enc.MessageID, "recipients", len(enc.Recipients))
	return &model.SendResult{
		Provider:          model.ProviderGenericSMTP,
		ProviderMessageID: enc.MessageID,
		ProviderThreadID:  enc.MessageID,
	}, nil
}

// fetchOne fetches the full message with the given UID and hands it to fn.
func (a *Adapter) fetchOne(ctx context.Context, op, id string, fn func(buf *imapclient.FetchMessageBuffer) error) error {
	uid, err := parseUID(id)
	if err != nil {
		return err
	}
	return a.withIMAP(ctx, op, func(c imapClient) error {
		if _, err := c.Select(a.cfg.Mailbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
			return fmt.Errorf("selecting %s: %w", a.cfg.Mailbox, err)
		}
		bufs, err := c.Fetch(imap.UIDSetNum(uid), fetchOptions()).Collect()
		if err != nil {
			return fmt.Errorf("fetching message %s: %w", id, err)
		}
		if len(bufs) == 0 || bodyOf(bufs[0]) == nil {
			return provider.Errorf(provider.KindNotFound, model.ProviderGenericSMTP, op, "message %s not found", id)
		}
		return fn(bufs[0])
	})
}

func (a *Adapter) normalize(buf *imapclient.FetchMessageBuffer) (model.NormalizedMessage, error) {
	raw := bodyOf(buf)
	if raw == nil {
		return model.NormalizedMessage{}, errors.New("no body returned")
	}
	parsed, err := composer.Parse(raw)
	if err != nil {
		return model.NormalizedMessage{}, err
	}
	if parsed.Date.IsZero() {
		parsed.Date = buf.InternalDate
	}
	id := strconv.FormatUint(uint64(buf.UID), 10)
	return parsed.Normalize(id, model.ProviderGenericSMTP, hasFlag(buf.Flags, imap.FlagSeen)), nil
}

func fetchOptions() *imap.FetchOptions {
	return &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{{Peek: true}},
	}
}

// parseUID validates a message id. An id that cannot be a UID cannot
// exist in the mailbox.
func parseUID(id string) (imap.UID, error) {
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil || n == 0 {
		return 0, provider.Errorf(provider.KindNotFound, model.ProviderGenericSMTP, "get", "invalid message id %q", id)
	}
	return imap.UID(n), nil
}
