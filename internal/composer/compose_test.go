package composer

import (
	"bytes"
	"io"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailgateway/internal/model"
	"github.com/nhle/mailgateway/internal/provider"
)

var testFrom = model.Address{Name: "Agency Desk", Address: "desk@agency.example"}

func baseMessage() model.OutboundMessage {
	return model.OutboundMessage{
		To:       []model.Address{{Name: "Client", Address: "client@example.com"}},
		Subject:  "Your certificate",
		BodyHTML: "<p>Attached is your COI.</p>",
	}
}

func TestComposeAttachmentRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	sizes := []int{0, 1, 2, 3, 57, 76, 1000, 50_000, 3 << 20}

	for _, size := range sizes {
		data := make([]byte, size)
		rng.Read(data)

		msg := baseMessage()
		msg.Attachments = []model.OutboundAttachment{
			{Filename: "certificate.pdf", MIMEType: "application/pdf", Data: data},
		}

		enc, err := Compose(testFrom, msg)
		require.NoError(t, err, "size %d", size)

		parsed, err := Parse(enc.Raw)
		require.NoError(t, err, "size %d", size)
		require.Len(t, parsed.Attachments, 1, "size %d", size)

		att := parsed.Attachments[0]
		assert.Equal(t, "certificate.pdf", att.Filename)
		assert.Equal(t, "application/pdf", att.MIMEType)
		assert.Equal(t, len(data), len(att.Data), "size %d", size)
		assert.True(t, bytes.Equal(data, att.Data), "size %d: decoded bytes differ", size)
	}
}

func TestComposePreservesNonUTF8AndPDFMagic(t *testing.T) {
	pdf := append([]byte("%PDF-1.7\n%\xe2\xe3\xcf\xd3\n"), 0x00, 0xff, 0xfe, 0x0d, 0x0a, 0x80)
	img := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00}

	msg := baseMessage()
	msg.Attachments = []model.OutboundAttachment{
		{Filename: "ACORD 25 (2024).pdf", MIMEType: "application/pdf", Data: pdf},
		{Filename: "décl.png", MIMEType: "image/png", Data: img},
	}

	enc, err := Compose(testFrom, msg)
	require.NoError(t, err)

	parsed, err := Parse(enc.Raw)
	require.NoError(t, err)
	require.Len(t, parsed.Attachments, 2)
	assert.Equal(t, "ACORD 25 (2024).pdf", parsed.Attachments[0].Filename)
	assert.Equal(t, pdf, parsed.Attachments[0].Data)
	assert.Equal(t, "décl.png", parsed.Attachments[1].Filename)
	assert.Equal(t, img, parsed.Attachments[1].Data)
}

func TestComposeStructure(t *testing.T) {
	msg := baseMessage()
	msg.BodyText = "Attached is your COI."
	msg.Attachments = []model.OutboundAttachment{
		{Filename: "coi.pdf", MIMEType: "application/pdf", Data: []byte("%PDF-1.4")},
	}

	enc, err := Compose(testFrom, msg, WithDate(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)))
	require.NoError(t, err)

	entity, err := message.Read(bytes.NewReader(enc.Raw))
	require.NoError(t, err)

	mediaType, params, err := entity.Header.ContentType()
	require.NoError(t, err)
	assert.Equal(t, "multipart/mixed", mediaType)
	assert.NotEmpty(t, params["boundary"])

	mr := entity.MultipartReader()
	require.NotNil(t, mr)

	first, err := mr.NextPart()
	require.NoError(t, err)
	firstType, _, _ := first.Header.ContentType()
	assert.Equal(t, "multipart/alternative", firstType)

	inner := first.MultipartReader()
	require.NotNil(t, inner)
	var innerTypes []string
	for {
		p, err := inner.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		ct, _, _ := p.Header.ContentType()
		innerTypes = append(innerTypes, ct)
	}
	assert.Equal(t, []string{"text/plain", "text/html"}, innerTypes)

	second, err := mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "base64", second.Header.Get("Content-Transfer-Encoding"))
	disp, dparams, err := second.Header.ContentDisposition()
	require.NoError(t, err)
	assert.Equal(t, "attachment", disp)
	assert.Equal(t, "coi.pdf", dparams["filename"])

	assert.Contains(t, entity.Header.Get("Message-Id"), "@agency.example")
	assert.Equal(t, "<"+enc.MessageID+">", entity.Header.Get("Message-Id"))
}

func TestComposeHTMLOnlyHasNoAlternative(t *testing.T) {
	enc, err := Compose(testFrom, baseMessage())
	require.NoError(t, err)
	assert.NotContains(t, string(enc.Raw), "multipart/alternative")

	parsed, err := Parse(enc.Raw)
	require.NoError(t, err)
	assert.Equal(t, "<p>Attached is your COI.</p>", parsed.HTMLBody)
	assert.Empty(t, parsed.Attachments)
}

func TestComposeUniqueBoundaryAndMessageID(t *testing.T) {
	boundaries := make(map[string]bool)
	ids := make(map[string]bool)

	for i := 0; i < 20; i++ {
		enc, err := Compose(testFrom, baseMessage())
		require.NoError(t, err)

		entity, err := message.Read(bytes.NewReader(enc.Raw))
		require.NoError(t, err)
		_, params, err := entity.Header.ContentType()
		require.NoError(t, err)

		assert.False(t, boundaries[params["boundary"]], "boundary reused")
		assert.False(t, ids[enc.MessageID], "message id reused")
		boundaries[params["boundary"]] = true
		ids[enc.MessageID] = true
	}
}

func TestComposeBccHeader(t *testing.T) {
	msg := baseMessage()
	msg.Bcc = []model.Address{{Address: "audit@agency.example"}}

	enc, err := Compose(testFrom, msg)
	require.NoError(t, err)
	assert.NotContains(t, string(enc.Raw), "audit@agency.example")
	assert.Contains(t, enc.Recipients, "audit@agency.example")

	enc, err = Compose(testFrom, msg, WithBcc(true))
	require.NoError(t, err)
	parsed, err := Parse(enc.Raw)
	require.NoError(t, err)
	require.Len(t, parsed.Bcc, 1)
	assert.Equal(t, "audit@agency.example", parsed.Bcc[0].Address)
}

func TestComposeRejectsBadAttachments(t *testing.T) {
	tests := []struct {
		name string
		att  model.OutboundAttachment
	}{
		{"empty mime type", model.OutboundAttachment{Filename: "a.pdf", MIMEType: ""}},
		{"garbage mime type", model.OutboundAttachment{Filename: "a.pdf", MIMEType: "pdf"}},
		{"slash in filename", model.OutboundAttachment{Filename: "../etc/passwd", MIMEType: "text/plain"}},
		{"backslash in filename", model.OutboundAttachment{Filename: `..\boot.ini`, MIMEType: "text/plain"}},
		{"header injection", model.OutboundAttachment{Filename: "a.pdf\r\nBcc: x@y.z", MIMEType: "application/pdf"}},
		{"empty filename", model.OutboundAttachment{Filename: " ", MIMEType: "application/pdf"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := baseMessage()
			msg.Attachments = []model.OutboundAttachment{tt.att}
			_, err := Compose(testFrom, msg)
			require.Error(t, err)
			assert.True(t, provider.IsValidation(err), "got %v", err)
		})
	}
}

func TestComposeRejectsMissingFields(t *testing.T) {
	msg := baseMessage()
	msg.To = nil
	_, err := Compose(testFrom, msg)
	assert.True(t, provider.IsValidation(err))

	msg = baseMessage()
	msg.Subject = "  "
	_, err = Compose(testFrom, msg)
	assert.True(t, provider.IsValidation(err))

	msg = baseMessage()
	msg.BodyHTML = ""
	_, err = Compose(testFrom, msg)
	assert.True(t, provider.IsValidation(err))
}

func TestHTMLToText(t *testing.T) {
	in := `<html><head><style>p{}</style></head><body><p>Hello&nbsp;there,</p>` +
		`<div>Your <b>COI</b> is attached &amp; ready.</div><br/>Thanks</body></html>`
	out := HTMLToText(in)

	assert.Equal(t, "Hello there,\nYour COI is attached & ready.\n\nThanks", out)
	assert.False(t, strings.Contains(out, "<"))
	assert.Empty(t, HTMLToText(""))
}
