package outlook

import "encoding/json"

// errorResponse is Graph's error envelope.
type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// messagePage is the response from GET /me/mailFolders/{id}/messages.
// Messages stay raw so that one malformed entry does not fail the page.
type messagePage struct {
	Value    []json.RawMessage `json:"value"`
	NextLink string            `json:"@odata.nextLink,omitempty"`
}

// Message represents a Graph message resource.
type Message struct {
	ID               string       `json:"id,omitempty"`
	ConversationID   string       `json:"conversationId,omitempty"`
	Subject          string       `json:"subject"`
	Body             *ItemBody    `json:"body,omitempty"`
	From             *Recipient   `json:"from,omitempty"`
	ToRecipients     []Recipient  `json:"toRecipients"`
	CcRecipients     []Recipient  `json:"ccRecipients,omitempty"`
	BccRecipients    []Recipient  `json:"bccRecipients,omitempty"`
	ReceivedDateTime string       `json:"receivedDateTime,omitempty"`
	SentDateTime     string       `json:"sentDateTime,omitempty"`
	IsRead           *bool        `json:"isRead,omitempty"`
	HasAttachments   bool         `json:"hasAttachments,omitempty"`
	Attachments      []Attachment `json:"attachments,omitempty"`
}

// ItemBody is a message body. ContentType is "text" or "html".
type ItemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// Recipient wraps an email address the way Graph nests it.
type Recipient struct {
	EmailAddress EmailAddress `json:"emailAddress"`
}

// EmailAddress is a named mailbox.
type EmailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// Attachment is a Graph attachment. Only file attachments carry
// ContentBytes.
type Attachment struct {
	ODataType    string `json:"@odata.type,omitempty"`
	ID           string `json:"id,omitempty"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	Size         int64  `json:"size,omitempty"`
	IsInline     bool   `json:"isInline,omitempty"`
	ContentBytes []byte `json:"contentBytes,omitempty"`
}

const fileAttachmentType = "#microsoft.graph.fileAttachment"

// readPatch is the PATCH body for marking a message read.
type readPatch struct {
	IsRead bool `json:"isRead"`
}
