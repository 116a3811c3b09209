package model

import (
	"strings"
	"time"
)

// Address is a mailbox with an optional display name.
type Address struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// String renders the address the way it would appear in a header.
func (a Address) String() string {
	if a.Name == "" {
		return a.Address
	}
	return a.Name + " <" + a.Address + ">"
}

// AttachmentRef describes an attachment without its content.
type AttachmentRef struct {
	Filename string `json:"filename"`
	MIMEType string `json:"mimeType"`

	// SizeBytes is the decoded size as reported by the provider.
	SizeBytes int64 `json:"sizeBytes"`

	// ProviderAttachmentID is opaque and only meaningful together with
	// the id of the message that carries it.
	ProviderAttachmentID string `json:"providerAttachmentId"`
}

// AttachmentContent is a fully downloaded attachment.
type AttachmentContent struct {
	AttachmentRef
	Data []byte `json:"-"`
}

// NormalizedMessage is the provider-independent representation of an
// email. The gateway never mutates one; it only re-fetches.
type NormalizedMessage struct {
	// ID is unique within the provider's mailbox. ID and Provider
	// together are unique across the gateway.
	ID       string       `json:"id"`
	Provider ProviderType `json:"provider"`

	// ThreadID groups related messages when the provider has threads.
	ThreadID string `json:"threadId,omitempty"`

	From []Address `json:"from"`
	To   []Address `json:"to"`
	Cc   []Address `json:"cc,omitempty"`
	Bcc  []Address `json:"bcc,omitempty"`

	Subject  string `json:"subject"`
	BodyText string `json:"bodyText"`
	BodyHTML string `json:"bodyHtml"`

	Date   time.Time `json:"date"`
	IsRead bool      `json:"isRead"`

	Attachments []AttachmentRef `json:"attachments"`
}

// Sender returns the first From address, or the zero Address.
func (m NormalizedMessage) Sender() Address {
	if len(m.From) == 0 {
		return Address{}
	}
	return m.From[0]
}

// OutboundAttachment is an attachment held in memory for the duration of
// a send. Data is base64 in JSON.
type OutboundAttachment struct {
	Filename string `json:"filename"`
	MIMEType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

// OutboundMessage is a caller-built, provider-agnostic message to send.
type OutboundMessage struct {
	To  []Address `json:"to"`
	Cc  []Address `json:"cc,omitempty"`
	Bcc []Address `json:"bcc,omitempty"`

	Subject  string `json:"subject"`
	BodyHTML string `json:"bodyHtml"`

	// BodyText is an optional plain-text alternative.
	BodyText string `json:"bodyText,omitempty"`

	Attachments []OutboundAttachment `json:"attachments,omitempty"`
}

// TotalAttachmentBytes sums the raw size of all attachments.
func (m OutboundMessage) TotalAttachmentBytes() int64 {
	var total int64
	for _, a := range m.Attachments {
		total += int64(len(a.Data))
	}
	return total
}

// Recipients returns every envelope recipient address (To, Cc and Bcc).
func (m OutboundMessage) Recipients() []string {
	var out []string
	for _, list := range [][]Address{m.To, m.Cc, m.Bcc} {
		for _, a := range list {
			if addr := strings.TrimSpace(a.Address); addr != "" {
				out = append(out, addr)
			}
		}
	}
	return out
}

// SendResult identifies a message accepted by a provider.
type SendResult struct {
	Provider          ProviderType `json:"provider"`
	ProviderMessageID string       `json:"providerMessageId"`
	ProviderThreadID  string       `json:"providerThreadId,omitempty"`
}
