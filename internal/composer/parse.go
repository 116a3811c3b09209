package composer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailgateway/internal/model"
)

// ParsedAttachment is an attachment read from a raw message, decoded.
type ParsedAttachment struct {
	Filename string
	MIMEType string
	Data     []byte
}

// Parsed holds the decoded content of a raw message.
type Parsed struct {
	MessageID string
	InReplyTo string
	// References lists the thread ancestors, root first.
	References []string
	Subject   string
	Date      time.Time

	From []model.Address
	To   []model.Address
	Cc   []model.Address
	Bcc  []model.Address

	TextBody string
	HTMLBody string

	// Attachments are in document order; the index is the attachment id
	// used by providers that have no native one.
	Attachments []ParsedAttachment
}

// Parse decodes a raw RFC 5322 message. Transfer encodings are undone, so
// attachment Data is the original binary.
func Parse(raw []byte) (*Parsed, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("reading message: %w", err)
	}
	defer mr.Close()

	p := &Parsed{}
	readHeader(&mr.Header, p)

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, fmt.Errorf("reading part: %w", err)
		}
		if part == nil {
			continue
		}

		body, err := io.ReadAll(part.Body)
		if err != nil {
			return nil, fmt.Errorf("reading part body: %w", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, params, _ := h.ContentType()
			filename := params["name"]
			if _, dparams, err := h.ContentDisposition(); err == nil && dparams["filename"] != "" {
				filename = dparams["filename"]
			}
			switch {
			case filename == "" && contentType == "text/plain" && p.TextBody == "":
				p.TextBody = string(body)
			case filename == "" && contentType == "text/html" && p.HTMLBody == "":
				p.HTMLBody = string(body)
			case filename != "" || !strings.HasPrefix(contentType, "text/"):
				p.Attachments = append(p.Attachments, ParsedAttachment{
					Filename: filename,
					MIMEType: defaultMediaType(contentType),
					Data:     body,
				})
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, params, _ := h.ContentType()
			if filename == "" {
				filename = params["name"]
			}
			p.Attachments = append(p.Attachments, ParsedAttachment{
				Filename: filename,
				MIMEType: defaultMediaType(contentType),
				Data:     body,
			})
		}
	}

	return p, nil
}

func readHeader(h *mail.Header, p *Parsed) {
	p.MessageID, _ = h.MessageID()
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		p.InReplyTo = ids[0]
	}
	if ids, err := h.MsgIDList("References"); err == nil {
		p.References = ids
	}

	if subject, err := h.Subject(); err == nil {
		p.Subject = subject
	} else {
		p.Subject = h.Get("Subject")
	}

	if date, err := h.Date(); err == nil {
		p.Date = date
	}

	p.From = addressList(h, "From")
	p.To = addressList(h, "To")
	p.Cc = addressList(h, "Cc")
	p.Bcc = addressList(h, "Bcc")
}

func addressList(h *mail.Header, key string) []model.Address {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]model.Address, 0, len(list))
	for _, a := range list {
		out = append(out, model.Address{Name: a.Name, Address: a.Address})
	}
	return out
}

func defaultMediaType(contentType string) string {
	if contentType == "" {
		return "application/octet-stream"
	}
	return contentType
}

// Normalize converts p into the gateway's message model. The attachment
// ids are ordinal positions.
func (p *Parsed) Normalize(id string, provider model.ProviderType, isRead bool) model.NormalizedMessage {
	msg := model.NormalizedMessage{
		ID:       id,
		Provider: provider,
		From:     p.From,
		To:       p.To,
		Cc:       p.Cc,
		Bcc:      p.Bcc,
		Subject:  p.Subject,
		BodyText: p.TextBody,
		BodyHTML: p.HTMLBody,
		Date:     p.Date,
		IsRead:   isRead,
	}
	if msg.BodyText == "" && msg.BodyHTML != "" {
		msg.BodyText = HTMLToText(msg.BodyHTML)
	}
	msg.ThreadID = p.ThreadRoot()

	msg.Attachments = make([]model.AttachmentRef, 0, len(p.Attachments))
	for i, a := range p.Attachments {
		msg.Attachments = append(msg.Attachments, model.AttachmentRef{
			Filename:             a.Filename,
			MIMEType:             a.MIMEType,
			SizeBytes:            int64(len(a.Data)),
			ProviderAttachmentID: strconv.Itoa(i),
		})
	}
	return msg
}

// ThreadRoot returns the id of the first message in p's conversation:
// the head of References, else the parent, else p itself.
func (p *Parsed) ThreadRoot() string {
	switch {
	case len(p.References) > 0:
		return p.References[0]
	case p.InReplyTo != "":
		return p.InReplyTo
	default:
		return p.MessageID
	}
}

// Attachment returns the attachment at the ordinal id.
func (p *Parsed) Attachment(id string) (ParsedAttachment, bool) {
	i, err := strconv.Atoi(id)
	if err != nil || i < 0 || i >= len(p.Attachments) {
		return ParsedAttachment{}, false
	}
	return p.Attachments[i], true
}
