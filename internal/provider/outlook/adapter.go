// Package outlook implements the mail adapter over Microsoft Graph.
package outlook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/charmbracelet/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/nhle/mailgateway/internal/composer"
	"github.com/nhle/mailgateway/internal/logging"
	"github.com/nhle/mailgateway/internal/model"
	"github.com/nhle/mailgateway/internal/provider"
)

const (
	// MaxAttachmentBytes is the Graph limit for attachments posted inline
	// with a message; larger files need an upload session.
	MaxAttachmentBytes = 3 << 20

	// Graph caps $top at 1000 for messages.
	maxPageSize = 1000

	// maxPages bounds paging when local filtering discards results.
	maxPages = 10

	messageFields = "id,conversationId,subject,body,from,toRecipients,ccRecipients," +
		"bccRecipients,receivedDateTime,isRead,hasAttachments"
	attachmentFields = "attachments($select=id,name,contentType,size,isInline)"
)

// Scopes are the delegated Graph permissions the adapter needs.
var Scopes = []string{
	"offline_access",
	"https://graph.microsoft.com/Mail.ReadWrite",
	"https://graph.microsoft.com/Mail.Send",
}

// Config holds the Graph client settings.
type Config struct {
	OAuth *oauth2.Config

	// Folder is the mail folder listed (well-known name or id).
	Folder string

	// GraphURL overrides DefaultGraphURL.
	GraphURL string

	// HTTPClient is used for API and token calls.
	HTTPClient *http.Client
}

// ConfigFrom builds the client settings from the provider section.
func ConfigFrom(c model.OutlookConfig) Config {
	tenant := c.Tenant
	if tenant == "" {
		tenant = "common"
	}
	endpoint := microsoft.AzureADEndpoint(tenant)
	if c.TokenURL != "" {
		endpoint.TokenURL = c.TokenURL
	}
	return Config{
		OAuth: &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			RedirectURL:  c.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       Scopes,
		},
		Folder:   c.Folder,
		GraphURL: c.GraphURL,
	}
}

// Adapter implements provider.Adapter for Outlook over Graph.
type Adapter struct {
	cfg     Config
	session *provider.Session
	logger  *log.Logger
}

// New creates an Outlook adapter for cred.
func New(cfg Config, cred model.Credential, rotate provider.RotateFunc, so provider.SessionOptions) *Adapter {
	if cfg.Folder == "" {
		cfg.Folder = "inbox"
	}
	a := &Adapter{cfg: cfg, logger: so.Logger}
	if a.logger == nil {
		a.logger = logging.Discard()
	}
	a.logger = a.logger.With("provider", model.ProviderOutlook)

	cred.Provider = model.ProviderOutlook
	var refresh provider.Refresher
	if cfg.OAuth != nil {
		refresh = a.refresher()
	}
	a.session = so.NewSession(cred, refresh, nil, rotate)
	return a
}

// NewFactory returns a provider.Factory for Outlook.
func NewFactory(cfg Config, so provider.SessionOptions) provider.Factory {
	return func(cred model.Credential, rotate provider.RotateFunc) (provider.Adapter, error) {
		if cfg.OAuth == nil || cfg.OAuth.ClientID == "" {
			return nil, provider.Errorf(provider.KindNotConfigured, model.ProviderOutlook, "new", "no OAuth client configured")
		}
		return New(cfg, cred, rotate, so), nil
	}
}

func (a *Adapter) refresher() provider.Refresher {
	inner := provider.OAuthRefresher(model.ProviderOutlook, a.cfg.OAuth)
	return func(ctx context.Context, cred model.Credential) (model.TokenSet, error) {
		if a.cfg.HTTPClient != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, a.cfg.HTTPClient)
		}
		return inner(ctx, cred)
	}
}

// Provider returns outlook.
func (a *Adapter) Provider() model.ProviderType { return model.ProviderOutlook }

// State returns the session state.
func (a *Adapter) State() provider.State { return a.session.State() }

// MaxAttachmentBytes returns the inline attachment limit.
func (a *Adapter) MaxAttachmentBytes() int64 { return MaxAttachmentBytes }

// Close is a no-op.
func (a *Adapter) Close() error { return nil }

// Authenticate refreshes the access token when it is missing or expiring.
func (a *Adapter) Authenticate(ctx context.Context) error {
	_, err := a.session.Authenticate(ctx)
	return err
}

// call runs fn with a client bound to the current access token. A 401
// invalidates the session and fn runs once more after a refresh.
func (a *Adapter) call(ctx context.Context, op string, fn func(c *Client) error) error {
	for attempt := 0; ; attempt++ {
		cred, err := a.session.Authenticate(ctx)
		if err != nil {
			return err
		}

		err = fn(NewClient(a.cfg.GraphURL, cred.AccessToken, a.cfg.HTTPClient))
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

// ListMessages lists the configured folder newest first. Free text goes
// to $search; otherwise date, attachment and unread criteria become a
// $filter. Criteria Graph cannot express are applied locally.
func (a *Adapter) ListMessages(ctx context.Context, q provider.Query, max int) ([]model.NormalizedMessage, error) {
	if max <= 0 {
		return nil, nil
	}

	local := q
	local.Text = ""

	var out []model.NormalizedMessage
	err := a.call(ctx, "list", func(c *Client) error {
		out = nil
		next := "/me/mailFolders/" + url.PathEscape(a.cfg.Folder) + "/messages?" + listParams(q, max).Encode()
		for page := 0; next != "" && page < maxPages && len(out) < max; page++ {
			var resp messagePage
			if err := c.Get(ctx, next, &resp); err != nil {
				return err
			}
			for _, raw := range resp.Value {
				msg, err := decodeMessage(raw)
				if err != nil {
					a.logger.Warn("skipping message", "err", err)
					continue
				}
				if !local.Matches(msg) {
					continue
				}
				out = append(out, msg)
				if len(out) == max {
					break
				}
			}
			next = resp.NextLink
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// $search results are not guaranteed to be date ordered.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out, nil
}

func listParams(q provider.Query, max int) url.Values {
	v := url.Values{}
	v.Set("$top", strconv.Itoa(min(max, maxPageSize)))
	v.Set("$select", messageFields)
	v.Set("$expand", attachmentFields)

	if q.Text != "" || !q.Any.IsZero() {
		v.Set("$search", `"`+searchKQL(q)+`"`)
		return v
	}

	// Graph requires the $orderby property to lead the $filter.
	since := q.Since
	if since.IsZero() {
		since = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	filter := []string{"receivedDateTime ge " + since.UTC().Format(time.RFC3339)}
	if !q.Before.IsZero() {
		filter = append(filter, "receivedDateTime lt "+q.Before.UTC().Format(time.RFC3339))
	}
	if q.HasAttachment {
		filter = append(filter, "hasAttachments eq true")
	}
	if q.Unread {
		filter = append(filter, "isRead eq false")
	}
	v.Set("$filter", strings.Join(filter, " and "))
	v.Set("$orderby", "receivedDateTime desc")
	return v
}

// searchKQL renders q as a KQL expression for $search.
func searchKQL(q provider.Query) string {
	clean := func(s string) string { return strings.ReplaceAll(s, `"`, "") }

	var parts []string
	if q.From != "" {
		parts = append(parts, "from:"+clean(q.From))
	}
	if q.Subject != "" {
		parts = append(parts, "subject:"+clean(q.Subject))
	}
	if !q.Since.IsZero() {
		parts = append(parts, "received>="+q.Since.Format("2006-01-02"))
	}
	if !q.Before.IsZero() {
		parts = append(parts, "received<"+q.Before.Format("2006-01-02"))
	}
	if q.HasAttachment {
		parts = append(parts, "hasattachments:true")
	}
	if !q.Any.IsZero() {
		parts = append(parts, anyKQL(q.Any))
	}
	if text := strings.TrimSpace(clean(q.Text)); text != "" {
		parts = append(parts, text)
	}
	return strings.Join(parts, " ")
}

// anyKQL renders a as a parenthesised OR group. Phrases keep their
// quotes, escaped for the surrounding $search string.
func anyKQL(a provider.AnyOf) string {
	clean := func(s string) string { return strings.ReplaceAll(s, `"`, "") }

	var alts []string
	for _, term := range a.Terms {
		term = clean(term)
		if strings.ContainsFunc(term, unicode.IsSpace) {
			term = `\"` + term + `\"`
		}
		alts = append(alts, term)
	}
	for _, sender := range a.Senders {
		alts = append(alts, "from:"+clean(strings.TrimPrefix(sender, "@")))
	}
	for _, ext := range a.Extensions {
		alts = append(alts, "attachment:"+clean(ext))
	}
	return "(" + strings.Join(alts, " OR ") + ")"
}

// GetMessage fetches one message with its attachment list.
func (a *Adapter) GetMessage(ctx context.Context, id string) (*model.NormalizedMessage, error) {
	var msg model.NormalizedMessage
	err := a.call(ctx, "get", func(c *Client) error {
		v := url.Values{}
		v.Set("$select", messageFields)
		v.Set("$expand", attachmentFields)

		var raw json.RawMessage
		if err := c.Get(ctx, messagePath(id)+"?"+v.Encode(), &raw); err != nil {
			return err
		}
		var err error
		msg, err = decodeMessage(raw)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetAttachment downloads one file attachment.
func (a *Adapter) GetAttachment(ctx context.Context, messageID, attachmentID string) (*model.AttachmentContent, error) {
	var content *model.AttachmentContent
	err := a.call(ctx, "attachment", func(c *Client) error {
		var att Attachment
		path := messagePath(messageID) + "/attachments/" + url.PathEscape(attachmentID)
		if err := c.Get(ctx, path, &att); err != nil {
			return err
		}
		if att.ODataType != "" && att.ODataType != fileAttachmentType {
			return provider.Errorf(provider.KindNotFound, model.ProviderOutlook, "attachment",
				"attachment %s is a %s, not a file", attachmentID, att.ODataType)
		}
		content = &model.AttachmentContent{
			AttachmentRef: model.AttachmentRef{
				Filename:             att.Name,
				MIMEType:             att.ContentType,
				SizeBytes:            int64(len(att.ContentBytes)),
				ProviderAttachmentID: attachmentID,
			},
			Data: att.ContentBytes,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return content, nil
}

// SendMessage creates a draft with the attachments inline, then sends it.
// Graph keeps the immutable id of the draft for the sent item.
func (a *Adapter) SendMessage(ctx context.Context, msg model.OutboundMessage) (*model.SendResult, error) {
	if err := provider.ValidateOutbound(msg); err != nil {
		return nil, err
	}
	if err := provider.CheckAttachmentCeiling(model.ProviderOutlook, msg, MaxAttachmentBytes); err != nil {
		return nil, err
	}

	// The draft survives a 401 retry so it is not created twice.
	var draft Message
	var sent bool
	err := a.call(ctx, "send", func(c *Client) error {
		if draft.ID == "" {
			if err := c.Post(ctx, "/me/messages", outboundMessage(msg), &draft); err != nil {
				return err
			}
			if draft.ID == "" {
				return errors.New("graph returned a draft without an id")
			}
		}
		if err := c.Post(ctx, messagePath(draft.ID)+"/send", nil, nil); err != nil {
			return err
		}
		sent = true
		return nil
	})
	if err != nil {
		if draft.ID != "" && !sent {
			a.discardDraft(ctx, draft.ID)
		}
		return nil, err
	}

	return &model.SendResult{
		Provider:          model.ProviderOutlook,
		ProviderMessageID: draft.ID,
		ProviderThreadID:  draft.ConversationID,
	}, nil
}

// discardDraft deletes a draft whose send failed. Failures are logged.
func (a *Adapter) discardDraft(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	cred := a.session.Credential()
	c := NewClient(a.cfg.GraphURL, cred.AccessToken, a.cfg.HTTPClient)
	if err := c.Delete(ctx, messagePath(id)); err != nil {
		a.logger.Warn("could not discard unsent draft", "id", id, "err", err)
	}
}

// MarkRead sets isRead. Patching a read message again succeeds.
func (a *Adapter) MarkRead(ctx context.Context, id string) error {
	return a.call(ctx, "mark_read", func(c *Client) error {
		return c.Patch(ctx, messagePath(id), readPatch{IsRead: true}, nil)
	})
}

func messagePath(id string) string {
	return "/me/messages/" + url.PathEscape(id)
}

func outboundMessage(msg model.OutboundMessage) Message {
	out := Message{
		Subject:       msg.Subject,
		Body:          &ItemBody{ContentType: "html", Content: msg.BodyHTML},
		ToRecipients:  recipients(msg.To),
		CcRecipients:  recipients(msg.Cc),
		BccRecipients: recipients(msg.Bcc),
	}
	for _, att := range msg.Attachments {
		out.Attachments = append(out.Attachments, Attachment{
			ODataType:    fileAttachmentType,
			Name:         att.Filename,
			ContentType:  att.MIMEType,
			ContentBytes: att.Data,
		})
	}
	return out
}

func recipients(list []model.Address) []Recipient {
	if len(list) == 0 {
		return nil
	}
	out := make([]Recipient, 0, len(list))
	for _, a := range list {
		out = append(out, Recipient{EmailAddress: EmailAddress{Name: a.Name, Address: a.Address}})
	}
	return out
}

func decodeMessage(raw []byte) (model.NormalizedMessage, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return model.NormalizedMessage{}, fmt.Errorf("decoding message: %w", err)
	}
	return normalize(m)
}

func normalize(m Message) (model.NormalizedMessage, error) {
	if m.ID == "" {
		return model.NormalizedMessage{}, errors.New("message has no id")
	}
	date, err := time.Parse(time.RFC3339, m.ReceivedDateTime)
	if err != nil {
		return model.NormalizedMessage{}, fmt.Errorf("message %s: receivedDateTime: %w", m.ID, err)
	}

	msg := model.NormalizedMessage{
		ID:          m.ID,
		Provider:    model.ProviderOutlook,
		ThreadID:    m.ConversationID,
		To:          addresses(m.ToRecipients),
		Cc:          addresses(m.CcRecipients),
		Bcc:         addresses(m.BccRecipients),
		Subject:     m.Subject,
		Date:        date.UTC(),
		IsRead:      m.IsRead != nil && *m.IsRead,
		Attachments: []model.AttachmentRef{},
	}
	if m.From != nil {
		msg.From = addresses([]Recipient{*m.From})
	}
	if m.Body != nil {
		if strings.EqualFold(m.Body.ContentType, "html") {
			msg.BodyHTML = m.Body.Content
			msg.BodyText = composer.HTMLToText(m.Body.Content)
		} else {
			msg.BodyText = m.Body.Content
		}
	}
	for _, att := range m.Attachments {
		msg.Attachments = append(msg.Attachments, model.AttachmentRef{
			Filename:             att.Name,
			MIMEType:             att.ContentType,
			SizeBytes:            att.Size,
			ProviderAttachmentID: att.ID,
		})
	}
	return msg, nil
}

func addresses(list []Recipient) []model.Address {
	if len(list) == 0 {
		return nil
	}
	out := make([]model.Address, 0, len(list))
	for _, r := range list {
		out = append(out, model.Address{Name: r.EmailAddress.Name, Address: r.EmailAddress.Address})
	}
	return out
}

// reauthCodes are Graph error codes that mean the grant no longer works.
var reauthCodes = map[string]bool{
	"InvalidAuthenticationToken":  true,
	"ErrorAccessDenied":           true,
	"Authorization_RequestDenied": true,
	"MailboxNotEnabledForRESTAPI": true,
}

// classify maps a Graph failure onto the error taxonomy.
func classify(op string, err error) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return provider.Classify(model.ProviderOutlook, op, err)
	}

	switch code := apiErr.Status; {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return provider.NewError(provider.KindReauthRequired, model.ProviderOutlook, op, err)
	case code == http.StatusNotFound:
		return provider.NewError(provider.KindNotFound, model.ProviderOutlook, op, err)
	case code == http.StatusRequestEntityTooLarge:
		return provider.NewError(provider.KindAttachmentTooLarge, model.ProviderOutlook, op, err)
	case reauthCodes[apiErr.Code]:
		return provider.NewError(provider.KindReauthRequired, model.ProviderOutlook, op, err)
	case code == http.StatusBadRequest:
		return provider.NewError(provider.KindRejected, model.ProviderOutlook, op, err)
	default:
		return provider.NewError(provider.KindRetryable, model.ProviderOutlook, op, err)
	}
}

var _ provider.Adapter = (*Adapter)(nil)
