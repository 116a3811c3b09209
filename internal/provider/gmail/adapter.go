// Package gmail implements the mail adapter over the Gmail API.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/errgroup"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/nhle/mailgateway/internal/composer"
	"github.com/nhle/mailgateway/internal/logging"
	"github.com/nhle/mailgateway/internal/model"
	"github.com/nhle/mailgateway/internal/provider"
)

const (
	user = "me"

	// MaxAttachmentBytes is Gmail's limit for one message.
	MaxAttachmentBytes = 25 << 20

	labelUnread = "UNREAD"

	// Gmail caps messages.list pages at 500.
	maxPageSize = 500

	fetchConcurrency = 5
)

// Config holds the Gmail client settings.
type Config struct {
	OAuth *oauth2.Config

	// Endpoint overrides the API base URL; it must end with a slash.
	Endpoint string

	// HTTPClient is the base client API and token calls go through.
	HTTPClient *http.Client
}

// ConfigFrom builds the client settings from the provider section.
func ConfigFrom(c model.GmailConfig) Config {
	endpoint := google.Endpoint
	if c.TokenURL != "" {
		endpoint.TokenURL = c.TokenURL
	}
	return Config{
		OAuth: &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			RedirectURL:  c.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{gmailapi.GmailModifyScope, gmailapi.GmailSendScope},
		},
		Endpoint: c.Endpoint,
	}
}

// Adapter implements provider.Adapter for Gmail.
type Adapter struct {
	cfg     Config
	session *provider.Session
	logger  *log.Logger
}

// New creates a Gmail adapter for cred.
func New(cfg Config, cred model.Credential, rotate provider.RotateFunc, so provider.SessionOptions) *Adapter {
	a := &Adapter{cfg: cfg, logger: so.Logger}
	if a.logger == nil {
		a.logger = logging.Discard()
	}
	a.logger = a.logger.With("provider", model.ProviderGmail)

	cred.Provider = model.ProviderGmail
	var refresh provider.Refresher
	if cfg.OAuth != nil {
		refresh = a.refresher()
	}
	a.session = so.NewSession(cred, refresh, nil, rotate)
	return a
}

// NewFactory returns a provider.Factory for Gmail.
func NewFactory(cfg Config, so provider.SessionOptions) provider.Factory {
	return func(cred model.Credential, rotate provider.RotateFunc) (provider.Adapter, error) {
		if cfg.OAuth == nil || cfg.OAuth.ClientID == "" {
			return nil, provider.Errorf(provider.KindNotConfigured, model.ProviderGmail, "new", "no OAuth client configured")
		}
		return New(cfg, cred, rotate, so), nil
	}
}

// refresher runs the token exchange through the configured HTTP client.
func (a *Adapter) refresher() provider.Refresher {
	inner := provider.OAuthRefresher(model.ProviderGmail, a.cfg.OAuth)
	return func(ctx context.Context, cred model.Credential) (model.TokenSet, error) {
		if a.cfg.HTTPClient != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, a.cfg.HTTPClient)
		}
		return inner(ctx, cred)
	}
}

// Provider returns gmail.
func (a *Adapter) Provider() model.ProviderType { return model.ProviderGmail }

// State returns the session state.
func (a *Adapter) State() provider.State { return a.session.State() }

// MaxAttachmentBytes returns Gmail's per-message limit.
func (a *Adapter) MaxAttachmentBytes() int64 { return MaxAttachmentBytes }

// Close is a no-op; the API is stateless HTTP.
func (a *Adapter) Close() error { return nil }

// Authenticate refreshes the access token when it is missing or expiring.
func (a *Adapter) Authenticate(ctx context.Context) error {
	_, err := a.session.Authenticate(ctx)
	return err
}

// call runs fn against an API client bound to the current access token.
// A 401 invalidates the session and fn runs once more after a refresh.
func (a *Adapter) call(ctx context.Context, op string, fn func(svc *gmailapi.Service) error) error {
	for attempt := 0; ; attempt++ {
		cred, err := a.session.Authenticate(ctx)
		if err != nil {
			return err
		}

		svc, err := a.service(ctx, cred)
		if err != nil {
			return provider.Classify(model.ProviderGmail, op, err)
		}

		err = fn(svc)
		if err == nil {
			return nil
		}
		if statusOf(err) == http.StatusUnauthorized && attempt == 0 {
			a.logger.Debug("access token rejected, refreshing", "op", op)
			a.session.Invalidate()
			continue
		}

		err = classify(op, err)
		if provider.IsReauthRequired(err) {
			a.session.Fail(err)
		}
		return err
	}
}

func (a *Adapter) service(ctx context.Context, cred model.Credential) (*gmailapi.Service, error) {
	base := a.cfg.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cred.AccessToken, TokenType: "Bearer"})
	hc := &http.Client{
		Transport: &oauth2.Transport{Source: src, Base: base.Transport},
		Timeout:   base.Timeout,
	}

	opts := []option.ClientOption{option.WithHTTPClient(hc)}
	if a.cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.cfg.Endpoint))
	}
	return gmailapi.NewService(ctx, opts...)
}

// ListMessages runs q in Gmail's native syntax and fetches each hit in
// full, preserving the list order (newest first).
func (a *Adapter) ListMessages(ctx context.Context, q provider.Query, max int) ([]model.NormalizedMessage, error) {
	if max <= 0 {
		return nil, nil
	}

	var out []model.NormalizedMessage
	err := a.call(ctx, "list", func(svc *gmailapi.Service) error {
		out = nil
		ids, err := listIDs(ctx, svc, q.Gmail(), max)
		if err != nil {
			return err
		}

		msgs := make([]*model.NormalizedMessage, len(ids))
		var (
			mu       sync.Mutex
			failed   int
			gone     int
			firstErr error
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(fetchConcurrency)
		for i, id := range ids {
			g.Go(func() error {
				m, err := svc.Users.Messages.Get(user, id).Format("full").Context(gctx).Do()
				if err != nil {
					if gctx.Err() != nil || isAuthFailure(err) {
						return err
					}
					// One unreadable message does not fail the listing.
					a.logger.Warn("skipping message", "id", id, "err", err)
					mu.Lock()
					defer mu.Unlock()
					if statusOf(err) == http.StatusNotFound {
						gone++
						return nil
					}
					failed++
					if firstErr == nil {
						firstErr = err
					}
					return nil
				}
				msg, err := normalize(m)
				if err != nil {
					a.logger.Warn("skipping message", "id", id, "err", err)
					return nil
				}
				msgs[i] = &msg
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if failed > 0 && failed+gone == len(ids) {
			return firstErr
		}

		for _, m := range msgs {
			if m != nil {
				out = append(out, *m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func listIDs(ctx context.Context, svc *gmailapi.Service, query string, max int) ([]string, error) {
	var ids []string
	pageToken := ""
	for len(ids) < max {
		size := min(max-len(ids), maxPageSize)
		call := svc.Users.Messages.List(user).MaxResults(int64(size)).Context(ctx)
		if query != "" {
			call = call.Q(query)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, err
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		if resp.NextPageToken == "" || len(resp.Messages) == 0 {
			break
		}
		pageToken = resp.NextPageToken
	}
	if len(ids) > max {
		ids = ids[:max]
	}
	return ids, nil
}

// GetMessage fetches one message in full.
func (a *Adapter) GetMessage(ctx context.Context, id string) (*model.NormalizedMessage, error) {
	var msg model.NormalizedMessage
	err := a.call(ctx, "get", func(svc *gmailapi.Service) error {
		m, err := svc.Users.Messages.Get(user, id).Format("full").Context(ctx).Do()
		if err != nil {
			return err
		}
		msg, err = normalize(m)
		if err != nil {
			return fmt.Errorf("decoding message %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetAttachment downloads the attachment in the part attachmentID.
// Gmail's own attachment ids change between fetches, so the part id is
// the stable handle and the current attachment id is looked up each time.
func (a *Adapter) GetAttachment(ctx context.Context, messageID, attachmentID string) (*model.AttachmentContent, error) {
	var content *model.AttachmentContent
	err := a.call(ctx, "attachment", func(svc *gmailapi.Service) error {
		m, err := svc.Users.Messages.Get(user, messageID).Format("full").Context(ctx).Do()
		if err != nil {
			return err
		}
		part := findPart(m.Payload, attachmentID)
		if part == nil || part.Filename == "" {
			return provider.Errorf(provider.KindNotFound, model.ProviderGmail, "attachment",
				"message %s has no attachment %q", messageID, attachmentID)
		}

		encoded := ""
		if part.Body != nil {
			encoded = part.Body.Data
			if part.Body.AttachmentId != "" {
				body, err := svc.Users.Messages.Attachments.Get(user, messageID, part.Body.AttachmentId).Context(ctx).Do()
				if err != nil {
					return err
				}
				encoded = body.Data
			}
		}
		data, err := decodeData(encoded)
		if err != nil {
			return fmt.Errorf("decoding attachment %s: %w", attachmentID, err)
		}

		content = &model.AttachmentContent{
			AttachmentRef: model.AttachmentRef{
				Filename:             part.Filename,
				MIMEType:             part.MimeType,
				SizeBytes:            int64(len(data)),
				ProviderAttachmentID: attachmentID,
			},
			Data: data,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return content, nil
}

// SendMessage composes msg (Bcc header included, Gmail derives the
// envelope from it) and sends the raw message.
func (a *Adapter) SendMessage(ctx context.Context, msg model.OutboundMessage) (*model.SendResult, error) {
	if err := provider.ValidateOutbound(msg); err != nil {
		return nil, err
	}
	if err := provider.CheckAttachmentCeiling(model.ProviderGmail, msg, MaxAttachmentBytes); err != nil {
		return nil, err
	}

	var result *model.SendResult
	err := a.call(ctx, "send", func(svc *gmailapi.Service) error {
		cred := a.session.Credential()
		enc, err := composer.Compose(model.Address{Address: cred.Email}, msg, composer.WithBcc(true))
		if err != nil {
			return err
		}
		sent, err := svc.Users.Messages.Send(user, &gmailapi.Message{
			Raw: base64.URLEncoding.EncodeToString(enc.Raw),
		}).Context(ctx).Do()
		if err != nil {
			return err
		}
		result = &model.SendResult{
			Provider:          model.ProviderGmail,
			ProviderMessageID: sent.Id,
			ProviderThreadID:  sent.ThreadId,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MarkRead removes the UNREAD label. Removing an absent label succeeds.
func (a *Adapter) MarkRead(ctx context.Context, id string) error {
	return a.call(ctx, "mark_read", func(svc *gmailapi.Service) error {
		_, err := svc.Users.Messages.Modify(user, id, &gmailapi.ModifyMessageRequest{
			RemoveLabelIds: []string{labelUnread},
		}).Context(ctx).Do()
		return err
	})
}

func statusOf(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

// isAuthFailure reports whether err means the token or account is no
// longer usable, as opposed to a problem with one message.
func isAuthFailure(err error) bool {
	return provider.IsReauthRequired(classify("get", err))
}

// rateLimitReasons mark a 403 that is throttling, not a permission problem.
var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"dailyLimitExceeded":    true,
	"backendError":          true,
}

// classify maps a Gmail API failure onto the error taxonomy.
func classify(op string, err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return provider.Classify(model.ProviderGmail, op, err)
	}

	switch code := gerr.Code; {
	case code == http.StatusUnauthorized:
		return provider.NewError(provider.KindReauthRequired, model.ProviderGmail, op, err)
	case code == http.StatusForbidden:
		for _, item := range gerr.Errors {
			if rateLimitReasons[item.Reason] {
				return provider.NewError(provider.KindRetryable, model.ProviderGmail, op, err)
			}
		}
		return provider.NewError(provider.KindReauthRequired, model.ProviderGmail, op, err)
	case code == http.StatusNotFound:
		return provider.NewError(provider.KindNotFound, model.ProviderGmail, op, err)
	case code == http.StatusRequestEntityTooLarge:
		return provider.NewError(provider.KindAttachmentTooLarge, model.ProviderGmail, op, err)
	case code == http.StatusBadRequest:
		return provider.NewError(provider.KindRejected, model.ProviderGmail, op, err)
	default:
		return provider.NewError(provider.KindRetryable, model.ProviderGmail, op, err)
	}
}

var _ provider.Adapter = (*Adapter)(nil)

// timeOf converts Gmail's internalDate (epoch milliseconds).
func timeOf(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func headerValue(headers []*gmailapi.MessagePartHeader, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}
