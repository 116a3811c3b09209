package imapsmtp

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailgateway/internal/composer"
	"github.com/nhle/mailgateway/internal/model"
	"github.com/nhle/mailgateway/internal/provider"
)

const plainMessage = "From: Carrier Desk <desk@carrier.example>\r\n" +
	"To: agent@agency.example\r\n" +
	"Subject: Renewal reminder\r\n" +
	"Date: Wed, 01 May 2024 09:00:00 +0000\r\n" +
	"Message-Id: <renewal-1@carrier.example>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Your policy renews next month.\r\n"

const brokenMessage = "this line is not a header\r\n\r\nbody\r\n"

func coiMessage(t *testing.T, pdf []byte) string {
	t.Helper()
	enc, err := composer.Compose(
		model.Address{Name: "Carrier Desk", Address: "desk@carrier.example"},
		model.OutboundMessage{
			To:       []model.Address{{Address: "agent@agency.example"}},
			Subject:  "Certificate of Insurance - Acme Trucking",
			BodyHTML: "<p>COI attached.</p>",
			Attachments: []model.OutboundAttachment{
				{Filename: "acme-coi.pdf", MIMEType: "application/pdf", Data: pdf},
			},
		},
	)
	require.NoError(t, err)
	return string(enc.Raw)
}

func genericCredential() model.Credential {
	return model.Credential{
		Provider: model.ProviderGenericSMTP,
		Email:    "agent@agency.example",
		IMAPHost: "imap.agency.example",
		IMAPPort: 993,
		Username: "agent@agency.example",
		Password: "pw",
	}
}

func newTestAdapter(box *fakeMailbox, cred model.Credential) *Adapter {
	return New(Config{}, cred, nil, provider.SessionOptions{}, withIMAPDialer(box.dialer()))
}

func TestAuthenticateHandshakeOnce(t *testing.T) {
	box := newFakeMailbox()
	a := newTestAdapter(box, genericCredential())

	assert.Equal(t, provider.StateUnauthenticated, a.State())
	require.NoError(t, a.Authenticate(context.Background()))
	require.NoError(t, a.Authenticate(context.Background()))
	assert.Equal(t, provider.StateReady, a.State())
	assert.Equal(t, 1, box.dialCount())
}

func TestAuthenticateRejectedLoginIsReauth(t *testing.T) {
	box := newFakeMailbox()
	cred := genericCredential()
	cred.Password = "revoked-app-password"
	a := newTestAdapter(box, cred)

	err := a.Authenticate(context.Background())
	require.Error(t, err)
	assert.True(t, provider.IsReauthRequired(err), "got %v", err)
	assert.Equal(t, provider.StateFailed, a.State())

	_, err = a.ListMessages(context.Background(), provider.Query{}, 10)
	assert.True(t, provider.IsReauthRequired(err))
	assert.Equal(t, 1, box.dialCount(), "failed session must not dial again")
}

func TestAuthenticateTransientLoginIsRetryable(t *testing.T) {
	box := newFakeMailbox()
	box.loginErr = errors.New("connection reset by peer")
	a := newTestAdapter(box, genericCredential())

	err := a.Authenticate(context.Background())
	assert.True(t, provider.IsRetryable(err), "got %v", err)
	assert.NotEqual(t, provider.StateFailed, a.State())
}

func TestListMessagesNewestFirstSkipsBroken(t *testing.T) {
	box := newFakeMailbox()
	box.add(3, plainMessage, imap.FlagSeen)
	box.add(7, brokenMessage)
	box.add(9, coiMessage(t, []byte("%PDF-1.4 fake")))
	box.add(1, plainMessage)
	a := newTestAdapter(box, genericCredential())

	msgs, err := a.ListMessages(context.Background(), provider.Query{}, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 2, "uid 7 is unparsable and uid 1 is beyond max")

	assert.Equal(t, "9", msgs[0].ID)
	assert.Equal(t, "3", msgs[1].ID)
	assert.Equal(t, model.ProviderGenericSMTP, msgs[0].Provider)
	assert.False(t, msgs[0].IsRead)
	assert.True(t, msgs[1].IsRead)
	assert.False(t, msgs[1].Date.IsZero())
	assert.Equal(t, "Your policy renews next month.", trimmed(msgs[1].BodyText))

	require.Len(t, msgs[0].Attachments, 1)
	assert.Equal(t, "acme-coi.pdf", msgs[0].Attachments[0].Filename)
	assert.Equal(t, "0", msgs[0].Attachments[0].ProviderAttachmentID)

	assert.Equal(t, []bool{true}, box.readOnlys)
}

func TestListMessagesAttachmentFilterPagesPastMax(t *testing.T) {
	box := newFakeMailbox()
	box.add(1, coiMessage(t, []byte("%PDF-1.4 fake")))
	for uid := imap.UID(2); uid <= 120; uid++ {
		box.add(uid, plainMessage)
	}
	a := newTestAdapter(box, genericCredential())

	msgs, err := a.ListMessages(context.Background(), provider.Query{HasAttachment: true}, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "1", msgs[0].ID)
	assert.Equal(t, 3, box.fetches, "120 uids in batches of 50")
}

func TestListMessagesAttachmentFilterStopsAtMax(t *testing.T) {
	box := newFakeMailbox()
	for uid := imap.UID(1); uid <= 60; uid++ {
		box.add(uid, coiMessage(t, []byte("%PDF-1.4 fake")))
	}
	a := newTestAdapter(box, genericCredential())

	msgs, err := a.ListMessages(context.Background(), provider.Query{HasAttachment: true}, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "60", msgs[0].ID)
	assert.Equal(t, "59", msgs[1].ID)
	assert.Equal(t, 1, box.fetches)
}

func TestListMessagesAnyOfWithExtensionsFiltersLocally(t *testing.T) {
	box := newFakeMailbox()
	box.add(1, coiMessage(t, []byte("%PDF-1.4 fake")))
	for uid := imap.UID(2); uid <= 80; uid++ {
		box.add(uid, plainMessage)
	}
	a := newTestAdapter(box, genericCredential())

	q := provider.Query{Any: provider.AnyOf{Terms: []string{"ACORD"}, Extensions: []string{"pdf"}}}
	msgs, err := a.ListMessages(context.Background(), q, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "1", msgs[0].ID)

	require.Len(t, box.searches, 1)
	assert.Empty(t, box.searches[0].Or, "attachment names cannot be searched server side")
	assert.Empty(t, box.searches[0].Text)
}

func TestListMessagesAnyOfBuildsOrSearch(t *testing.T) {
	box := newFakeMailbox()
	box.add(1, coiMessage(t, []byte("%PDF-1.4 fake")))
	box.add(2, plainMessage)
	a := newTestAdapter(box, genericCredential())

	q := provider.Query{Any: provider.AnyOf{
		Terms:   []string{"certificate of insurance", "ACORD"},
		Senders: []string{"@broker.example"},
	}}
	msgs, err := a.ListMessages(context.Background(), q, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "1", msgs[0].ID)

	require.Len(t, box.searches, 1)
	want := [][2]imap.SearchCriteria{{
		{Text: []string{"certificate of insurance"}},
		{Or: [][2]imap.SearchCriteria{{
			{Text: []string{"ACORD"}},
			{Header: []imap.SearchCriteriaHeaderField{{Key: "From", Value: "broker.example"}}},
		}}},
	}}
	assert.Equal(t, want, box.searches[0].Or)
}

func TestListMessagesQueryTranslation(t *testing.T) {
	box := newFakeMailbox()
	box.add(1, plainMessage)
	box.add(2, coiMessage(t, []byte("pdf")))
	box.add(4, plainMessage, imap.FlagSeen)
	a := newTestAdapter(box, genericCredential())

	q, err := provider.ParseQuery(`from:carrier.example subject:"certificate" after:2024-04-01 has:attachment is:unread acme`)
	require.NoError(t, err)

	msgs, err := a.ListMessages(context.Background(), q, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "2", msgs[0].ID)

	require.Len(t, box.searches, 1)
	c := box.searches[0]
	assert.Equal(t, q.Since, c.Since)
	assert.Equal(t, []string{"acme"}, c.Text)
	assert.Equal(t, []imap.Flag{imap.FlagSeen}, c.NotFlag)
	assert.ElementsMatch(t, []imap.SearchCriteriaHeaderField{
		{Key: "From", Value: "carrier.example"},
		{Key: "Subject", Value: "certificate"},
	}, c.Header)
}

func TestGetMessageAndAttachment(t *testing.T) {
	pdf := append([]byte("%PDF-1.7\n"), 0x00, 0xff, 0xfe, 0x80, 0x0d, 0x0a)
	box := newFakeMailbox()
	box.add(5, coiMessage(t, pdf))
	a := newTestAdapter(box, genericCredential())
	ctx := context.Background()

	msg, err := a.GetMessage(ctx, "5")
	require.NoError(t, err)
	assert.Equal(t, "Certificate of Insurance - Acme Trucking", msg.Subject)
	assert.Equal(t, "desk@carrier.example", msg.Sender().Address)

	att, err := a.GetAttachment(ctx, "5", "0")
	require.NoError(t, err)
	assert.Equal(t, pdf, att.Data)
	assert.Equal(t, "application/pdf", att.MIMEType)
	assert.Equal(t, int64(len(pdf)), att.SizeBytes)

	_, err = a.GetAttachment(ctx, "5", "1")
	assert.True(t, provider.IsNotFound(err), "got %v", err)
}

func TestGetMessageNotFound(t *testing.T) {
	box := newFakeMailbox()
	a := newTestAdapter(box, genericCredential())

	_, err := a.GetMessage(context.Background(), "42")
	assert.True(t, provider.IsNotFound(err), "got %v", err)

	_, err = a.GetMessage(context.Background(), "not-a-uid")
	assert.True(t, provider.IsNotFound(err), "got %v", err)
}

func TestMarkReadIsIdempotent(t *testing.T) {
	box := newFakeMailbox()
	box.add(8, plainMessage)
	a := newTestAdapter(box, genericCredential())
	ctx := context.Background()

	require.NoError(t, a.MarkRead(ctx, "8"))
	require.NoError(t, a.MarkRead(ctx, "8"))

	assert.Equal(t, []imap.Flag{imap.FlagSeen}, box.flags(8))
	assert.Equal(t, 1, box.stores, "second call is a no-op")

	err := a.MarkRead(ctx, "99")
	assert.True(t, provider.IsNotFound(err))
}

func TestListMessagesCancelledIsRetryable(t *testing.T) {
	box := newFakeMailbox()
	a := newTestAdapter(box, genericCredential())
	require.NoError(t, a.Authenticate(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.ListMessages(ctx, provider.Query{}, 5)
	assert.True(t, provider.IsRetryable(err), "got %v", err)
}

func smtpCredential(l *loopbackSMTP, password string) model.Credential {
	return model.Credential{
		Provider: model.ProviderGenericSMTP,
		Email:    "agent@agency.example",
		SMTPHost: l.host,
		SMTPPort: l.port,
		Username: "agent",
		Password: password,
	}
}

func TestSendMessageOverSMTP(t *testing.T) {
	l := startLoopbackSMTP(t, "agent", "pw")
	a := New(Config{SMTPSecurity: SecurityNone}, smtpCredential(l, "pw"), nil, provider.SessionOptions{})

	pdf := bytes.Repeat([]byte{0x25, 0x50, 0x44, 0x46, 0x00, 0xff}, 1000)
	res, err := a.SendMessage(context.Background(), model.OutboundMessage{
		To:       []model.Address{{Name: "Client", Address: "client@acme.example"}},
		Cc:       []model.Address{{Address: "cc@acme.example"}},
		Bcc:      []model.Address{{Address: "audit@agency.example"}},
		Subject:  "Your certificate",
		BodyHTML: "<p>Attached.</p>",
		Attachments: []model.OutboundAttachment{
			{Filename: "coi.pdf", MIMEType: "application/pdf", Data: pdf},
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ProviderMessageID)
	assert.Equal(t, model.ProviderGenericSMTP, res.Provider)

	got := l.received()
	require.Len(t, got, 1)
	assert.Equal(t, "agent@agency.example", got[0].from)
	assert.ElementsMatch(t, []string{"client@acme.example", "cc@acme.example", "audit@agency.example"}, got[0].to)
	assert.NotContains(t, string(got[0].raw), "audit@agency.example", "Bcc must stay on the envelope")

	parsed, err := composer.Parse(got[0].raw)
	require.NoError(t, err)
	assert.Equal(t, res.ProviderMessageID, parsed.MessageID)
	require.Len(t, parsed.Attachments, 1)
	assert.Equal(t, pdf, parsed.Attachments[0].Data)
}

func TestSendMessageBadPasswordIsReauth(t *testing.T) {
	l := startLoopbackSMTP(t, "agent", "pw")
	a := New(Config{SMTPSecurity: SecurityNone}, smtpCredential(l, "wrong"), nil, provider.SessionOptions{})

	_, err := a.SendMessage(context.Background(), model.OutboundMessage{
		To:       []model.Address{{Address: "client@acme.example"}},
		Subject:  "hi",
		BodyHTML: "<p>hi</p>",
	})
	require.Error(t, err)
	assert.True(t, provider.IsReauthRequired(err), "got %v", err)
	assert.Equal(t, provider.StateFailed, a.State())
	assert.Empty(t, l.received())
}

func TestSendMessageRefusedRecipientIsRejected(t *testing.T) {
	l := startLoopbackSMTP(t, "agent", "pw")
	l.refuse("gone@acme.example")
	a := New(Config{SMTPSecurity: SecurityNone}, smtpCredential(l, "pw"), nil, provider.SessionOptions{})

	_, err := a.SendMessage(context.Background(), model.OutboundMessage{
		To:       []model.Address{{Address: "gone@acme.example"}},
		Subject:  "hi",
		BodyHTML: "<p>hi</p>",
	})
	require.Error(t, err)
	assert.True(t, provider.IsRejected(err), "got %v", err)
	assert.False(t, provider.IsValidation(err))
	assert.Equal(t, provider.StateReady, a.State(), "a refused recipient does not fail the session")
	assert.Empty(t, l.received())
}

func TestClassifySMTP(t *testing.T) {
	tests := []struct {
		code int
		want provider.Kind
	}{
		{535, provider.KindReauthRequired},
		{552, provider.KindAttachmentTooLarge},
		{421, provider.KindRetryable},
		{451, provider.KindRetryable},
		{550, provider.KindRejected},
		{554, provider.KindRejected},
	}
	for _, tt := range tests {
		err := classifySMTP("send", &smtp.SMTPError{Code: tt.code, Message: "reply"})
		assert.Equal(t, tt.want, provider.KindOf(err), "code %d", tt.code)
	}
}

func TestSendMessageValidatesBeforeNetwork(t *testing.T) {
	box := newFakeMailbox()
	a := New(Config{MaxAttachmentBytes: 10}, genericCredential(), nil, provider.SessionOptions{}, withIMAPDialer(box.dialer()))

	_, err := a.SendMessage(context.Background(), model.OutboundMessage{Subject: "x", BodyHTML: "<p>x</p>"})
	assert.True(t, provider.IsValidation(err))

	_, err = a.SendMessage(context.Background(), model.OutboundMessage{
		To:          []model.Address{{Address: "client@acme.example"}},
		Subject:     "x",
		BodyHTML:    "<p>x</p>",
		Attachments: []model.OutboundAttachment{{Filename: "a.pdf", MIMEType: "application/pdf", Data: make([]byte, 11)}},
	})
	assert.True(t, provider.IsAttachmentTooLarge(err))
	assert.Zero(t, box.dialCount())
}

func TestFactoryRequiresHost(t *testing.T) {
	f := NewFactory(Config{}, provider.SessionOptions{})
	_, err := f(model.Credential{Username: "x", Password: "y"}, nil)
	assert.True(t, provider.IsNotConfigured(err))

	ad, err := f(genericCredential(), nil)
	require.NoError(t, err)
	assert.Equal(t, model.ProviderGenericSMTP, ad.Provider())
	assert.Equal(t, int64(25<<20), ad.MaxAttachmentBytes())
}

func trimmed(s string) string {
	return string(bytes.TrimSpace([]byte(s)))
}
