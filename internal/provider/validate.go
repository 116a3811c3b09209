package provider

import (
	"fmt"
	"mime"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailgateway/internal/model"
)

// ValidateOutbound checks msg's structure. It never touches the network
// and does not depend on which provider will send.
func ValidateOutbound(msg model.OutboundMessage) error {
	const op = "send"

	if len(msg.To) == 0 {
		return Errorf(KindValidation, "", op, "at least one to recipient is required")
	}
	recipients := []struct {
		field string
		list  []model.Address
	}{
		{"to", msg.To},
		{"cc", msg.Cc},
		{"bcc", msg.Bcc},
	}
	for _, r := range recipients {
		for _, a := range r.list {
			if err := ValidateAddress(a); err != nil {
				return Errorf(KindValidation, "", op, "%s: %v", r.field, err)
			}
		}
	}
	if strings.TrimSpace(msg.Subject) == "" {
		return Errorf(KindValidation, "", op, "subject is required")
	}
	if strings.ContainsAny(msg.Subject, "\r\n") {
		return Errorf(KindValidation, "", op, "subject must be a single line")
	}
	if strings.TrimSpace(msg.BodyHTML) == "" {
		return Errorf(KindValidation, "", op, "html body is required")
	}
	for i, att := range msg.Attachments {
		if err := ValidateAttachment(att); err != nil {
			return Errorf(KindValidation, "", op, "attachment %d: %v", i, err)
		}
	}
	return nil
}

// CheckAttachmentCeiling rejects msg when its attachments exceed ceiling
// bytes. A ceiling <= 0 disables the check.
func CheckAttachmentCeiling(p model.ProviderType, msg model.OutboundMessage, ceiling int64) error {
	if ceiling <= 0 {
		return nil
	}
	if total := msg.TotalAttachmentBytes(); total > ceiling {
		return Errorf(KindAttachmentTooLarge, p, "send",
			"attachments total %d bytes, provider limit is %d", total, ceiling)
	}
	return nil
}

// ValidateAttachment rejects attachments whose metadata could corrupt
// headers or escape a download directory.
func ValidateAttachment(att model.OutboundAttachment) error {
	if strings.TrimSpace(att.MIMEType) == "" {
		return fmt.Errorf("mime type is required")
	}
	mediaType, _, err := mime.ParseMediaType(att.MIMEType)
	if err != nil {
		return fmt.Errorf("invalid mime type %q: %w", att.MIMEType, err)
	}
	if !strings.Contains(mediaType, "/") {
		return fmt.Errorf("invalid mime type %q", att.MIMEType)
	}
	if strings.TrimSpace(att.Filename) == "" {
		return fmt.Errorf("filename is required")
	}
	if strings.ContainsAny(att.Filename, "/\\\x00\r\n") {
		return fmt.Errorf("filename %q contains a path separator or control character", att.Filename)
	}
	if att.Filename == "." || att.Filename == ".." {
		return fmt.Errorf("filename %q is not a file name", att.Filename)
	}
	return nil
}

// ValidateAddress checks a single recipient.
func ValidateAddress(a model.Address) error {
	if strings.ContainsAny(a.Name, "\r\n") {
		return fmt.Errorf("display name for %q contains a line break", a.Address)
	}
	parsed, err := mail.ParseAddress(a.Address)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", a.Address, err)
	}
	if parsed.Name != "" {
		return fmt.Errorf("address %q must not include a display name", a.Address)
	}
	return nil
}
