// Package composer builds and reads RFC 5322 messages. Every provider that
// needs raw MIME goes through Compose; nothing else in the module writes
// multipart bodies by hand.
package composer

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/nhle/mailgateway/internal/model"
	"github.com/nhle/mailgateway/internal/provider"
)

// EncodedMessage is a transport-ready message.
type EncodedMessage struct {
	// Raw is the complete RFC 5322 message.
	Raw []byte

	// MessageID is the Message-ID header value without angle brackets.
	MessageID string

	// Recipients is every envelope recipient, Bcc included.
	Recipients []string
}

type options struct {
	includeBcc bool
	date       time.Time
	idDomain   string
	headers    map[string]string
}

// Option customises Compose.
type Option func(*options)

// WithBcc controls whether a Bcc header is written. APIs that derive the
// envelope from headers (Gmail) need it; SMTP must not leak it.
func WithBcc(include bool) Option {
	return func(o *options) { o.includeBcc = include }
}

// WithDate sets the Date header instead of the current time.
func WithDate(t time.Time) Option {
	return func(o *options) { o.date = t }
}

// WithMessageIDDomain sets the right-hand side of the generated
// Message-ID. It defaults to the sender's domain.
func WithMessageIDDomain(domain string) Option {
	return func(o *options) { o.idDomain = domain }
}

// WithHeader adds an extra top-level header such as In-Reply-To.
func WithHeader(key, value string) Option {
	return func(o *options) {
		if o.headers == nil {
			o.headers = make(map[string]string)
		}
		o.headers[key] = value
	}
}

// Compose encodes msg as multipart/mixed. When both a plain-text and an
// HTML body are present they are nested in multipart/alternative.
// Attachments are base64 parts carrying the filename verbatim.
func Compose(from model.Address, msg model.OutboundMessage, opts ...Option) (*EncodedMessage, error) {
	if err := provider.ValidateOutbound(msg); err != nil {
		return nil, err
	}

	o := options{date: time.Now()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.idDomain == "" {
		o.idDomain = domainOf(from.Address)
	}

	messageID := uuid.NewString() + "@" + o.idDomain

	var h mail.Header
	h.SetDate(o.date)
	h.SetSubject(msg.Subject)
	h.SetMessageID(messageID)
	h.Set("MIME-Version", "1.0")
	if from.Address != "" {
		h.SetAddressList("From", toMailAddresses([]model.Address{from}))
	}
	h.SetAddressList("To", toMailAddresses(msg.To))
	if len(msg.Cc) > 0 {
		h.SetAddressList("Cc", toMailAddresses(msg.Cc))
	}
	if o.includeBcc && len(msg.Bcc) > 0 {
		h.SetAddressList("Bcc", toMailAddresses(msg.Bcc))
	}
	for k, v := range o.headers {
		if strings.ContainsAny(k+v, "\r\n") {
			return nil, provider.Errorf(provider.KindValidation, "", "compose", "header %q contains a line break", k)
		}
		h.Set(k, v)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("creating message writer: %w", err)
	}

	if err := writeBodies(mw, msg); err != nil {
		return nil, err
	}

	for i, att := range msg.Attachments {
		if err := writeAttachment(mw, att); err != nil {
			return nil, fmt.Errorf("writing attachment %d: %w", i, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("closing message writer: %w", err)
	}

	return &EncodedMessage{
		Raw:        buf.Bytes(),
		MessageID:  messageID,
		Recipients: msg.Recipients(),
	}, nil
}

func writeBodies(mw *mail.Writer, msg model.OutboundMessage) error {
	if msg.BodyText == "" {
		w, err := mw.CreateSingleInline(textHeader("text/html"))
		if err != nil {
			return fmt.Errorf("creating html part: %w", err)
		}
		return writeAndClose(w, msg.BodyHTML)
	}

	iw, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("creating alternative part: %w", err)
	}
	for _, body := range []struct{ mediaType, content string }{
		{"text/plain", msg.BodyText},
		{"text/html", msg.BodyHTML},
	} {
		w, err := iw.CreatePart(textHeader(body.mediaType))
		if err != nil {
			return fmt.Errorf("creating %s part: %w", body.mediaType, err)
		}
		if err := writeAndClose(w, body.content); err != nil {
			return err
		}
	}
	return iw.Close()
}

func writeAttachment(mw *mail.Writer, att model.OutboundAttachment) error {
	var ah mail.AttachmentHeader
	ah.SetContentType(mediaTypeOf(att.MIMEType), map[string]string{"name": att.Filename})
	ah.SetFilename(att.Filename)
	ah.Set("Content-Transfer-Encoding", "base64")

	w, err := mw.CreateAttachment(ah)
	if err != nil {
		return err
	}
	if _, err := w.Write(att.Data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func textHeader(mediaType string) mail.InlineHeader {
	var h mail.InlineHeader
	h.SetContentType(mediaType, map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	return h
}

func writeAndClose(w io.WriteCloser, content string) error {
	if _, err := io.WriteString(w, content); err != nil {
		w.Close()
		return fmt.Errorf("writing body: %w", err)
	}
	return w.Close()
}

func toMailAddresses(list []model.Address) []*mail.Address {
	out := make([]*mail.Address, 0, len(list))
	for _, a := range list {
		out = append(out, &mail.Address{Name: a.Name, Address: a.Address})
	}
	return out
}

func domainOf(addr string) string {
	if _, domain, ok := strings.Cut(addr, "@"); ok && domain != "" {
		return domain
	}
	return "mailgateway.local"
}

// mediaTypeOf strips parameters from a Content-Type value; parameters the
// caller passed are dropped in favour of the name parameter.
func mediaTypeOf(contentType string) string {
	mediaType, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mediaType))
}
