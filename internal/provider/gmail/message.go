package gmail

import (
	"encoding/base64"
	"errors"
	"strings"

	"github.com/emersion/go-message/mail"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/nhle/mailgateway/internal/composer"
	"github.com/nhle/mailgateway/internal/model"
)

// normalize converts a format=full message. Attachments are identified by
// their part id.
func normalize(m *gmailapi.Message) (model.NormalizedMessage, error) {
	if m == nil || m.Payload == nil {
		return model.NormalizedMessage{}, errors.New("message has no payload")
	}

	headers := m.Payload.Headers
	msg := model.NormalizedMessage{
		ID:       m.Id,
		Provider: model.ProviderGmail,
		ThreadID: m.ThreadId,
		From:     addresses(headerValue(headers, "From")),
		To:       addresses(headerValue(headers, "To")),
		Cc:       addresses(headerValue(headers, "Cc")),
		Bcc:      addresses(headerValue(headers, "Bcc")),
		Subject:  decodeWords(headerValue(headers, "Subject")),
		Date:     timeOf(m.InternalDate),
		IsRead:   true,
	}
	for _, l := range m.LabelIds {
		if l == labelUnread {
			msg.IsRead = false
		}
	}
	if msg.Date.IsZero() {
		var h mail.Header
		h.Set("Date", headerValue(headers, "Date"))
		msg.Date, _ = h.Date()
	}

	var walkErr error
	walk(m.Payload, func(p *gmailapi.MessagePart) {
		if walkErr != nil {
			return
		}
		switch {
		case p.Filename != "":
			size := int64(0)
			if p.Body != nil {
				size = p.Body.Size
			}
			msg.Attachments = append(msg.Attachments, model.AttachmentRef{
				Filename:             p.Filename,
				MIMEType:             p.MimeType,
				SizeBytes:            size,
				ProviderAttachmentID: p.PartId,
			})
		case p.MimeType == "text/plain" && msg.BodyText == "":
			msg.BodyText, walkErr = bodyText(p)
		case p.MimeType == "text/html" && msg.BodyHTML == "":
			msg.BodyHTML, walkErr = bodyText(p)
		}
	})
	if walkErr != nil {
		return model.NormalizedMessage{}, walkErr
	}

	if msg.BodyText == "" && msg.BodyHTML != "" {
		msg.BodyText = composer.HTMLToText(msg.BodyHTML)
	}
	if msg.Attachments == nil {
		msg.Attachments = []model.AttachmentRef{}
	}
	return msg, nil
}

// walk visits p and its descendants depth-first in document order.
func walk(p *gmailapi.MessagePart, fn func(*gmailapi.MessagePart)) {
	if p == nil {
		return
	}
	fn(p)
	for _, child := range p.Parts {
		walk(child, fn)
	}
}

func findPart(root *gmailapi.MessagePart, partID string) *gmailapi.MessagePart {
	var found *gmailapi.MessagePart
	walk(root, func(p *gmailapi.MessagePart) {
		if found == nil && p.PartId == partID {
			found = p
		}
	})
	return found
}

func bodyText(p *gmailapi.MessagePart) (string, error) {
	if p.Body == nil || p.Body.Data == "" {
		return "", nil
	}
	data, err := decodeData(p.Body.Data)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// decodeData decodes Gmail's base64url payloads, which arrive with or
// without padding.
func decodeData(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	return base64.RawURLEncoding.DecodeString(s)
}

func addresses(value string) []model.Address {
	if value == "" {
		return nil
	}
	list, err := mail.ParseAddressList(value)
	if err != nil {
		return nil
	}
	out := make([]model.Address, 0, len(list))
	for _, a := range list {
		out = append(out, model.Address{Name: a.Name, Address: a.Address})
	}
	return out
}

// decodeWords undoes RFC 2047 encoding. Gmail normally returns decoded
// headers, so failures keep the input.
func decodeWords(s string) string {
	var h mail.Header
	h.Set("Subject", s)
	if decoded, err := h.Subject(); err == nil {
		return decoded
	}
	return s
}
