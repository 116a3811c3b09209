package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"github.com/nhle/mailgateway/internal/composer"
	"github.com/nhle/mailgateway/internal/model"
	"github.com/nhle/mailgateway/internal/provider"
)

func b64(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

// fakeGmail serves the slice of the Gmail API and token endpoint the
// adapter uses.
type fakeGmail struct {
	t *testing.T

	mu        sync.Mutex
	refreshes atomic.Int32
	validTok  string
	revoked   bool
	messages  map[string]map[string]any
	attData   map[string]string
	sentRaw   []byte
	modified  []string
	lastQuery string
	// failing maps message ids to the status their fetch answers with.
	failing map[string]int
}

func newFakeGmail(t *testing.T) (*fakeGmail, *httptest.Server) {
	f := &fakeGmail{t: t, messages: map[string]map[string]any{}, attData: map[string]string{}}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		if f.revoked {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`)
			return
		}
		n := f.refreshes.Add(1)
		tok := fmt.Sprintf("at-%d", n)
		f.mu.Lock()
		f.validTok = tok
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"access_token":%q,"token_type":"Bearer","expires_in":3600}`, tok)
	})

	api := http.NewServeMux()
	api.HandleFunc("GET /gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.lastQuery = r.URL.Query().Get("q")
		f.mu.Unlock()
		writeJSON(w, map[string]any{"messages": []map[string]string{
			{"id": "m3"}, {"id": "gone"}, {"id": "m1"},
		}})
	})
	api.HandleFunc("GET /gmail/v1/users/me/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		m, ok := f.messages[r.PathValue("id")]
		code := f.failing[r.PathValue("id")]
		f.mu.Unlock()
		if code != 0 {
			reason := "backendError"
			if code == http.StatusForbidden {
				reason = "insufficientPermissions"
			}
			writeError(w, code, reason)
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "notFound")
			return
		}
		writeJSON(w, m)
	})
	api.HandleFunc("GET /gmail/v1/users/me/messages/{id}/attachments/{att}", func(w http.ResponseWriter, r *http.Request) {
		data, ok := f.attData[r.PathValue("att")]
		if !ok {
			writeError(w, http.StatusNotFound, "notFound")
			return
		}
		writeJSON(w, map[string]any{"size": len(data), "data": b64(data)})
	})
	api.HandleFunc("POST /gmail/v1/users/me/messages/send", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Raw string `json:"raw"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		raw, err := base64.URLEncoding.DecodeString(body.Raw)
		require.NoError(t, err)
		f.mu.Lock()
		f.sentRaw = raw
		f.mu.Unlock()
		writeJSON(w, map[string]any{"id": "sent-1", "threadId": "thread-1"})
	})
	api.HandleFunc("POST /gmail/v1/users/me/messages/{id}/modify", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			RemoveLabelIds []string `json:"removeLabelIds"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"UNREAD"}, body.RemoveLabelIds)
		f.mu.Lock()
		f.modified = append(f.modified, r.PathValue("id"))
		f.mu.Unlock()
		writeJSON(w, map[string]any{"id": r.PathValue("id")})
	})

	mux.HandleFunc("/gmail/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		valid := "Bearer " + f.validTok
		f.mu.Unlock()
		if r.Header.Get("Authorization") != valid {
			writeError(w, http.StatusUnauthorized, "authError")
			return
		}
		api.ServeHTTP(w, r)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = fmt.Fprintf(w, `{"error":{"code":%d,"message":%q,"errors":[{"reason":%q}]}}`, code, reason, reason)
}

func testConfig(srv *httptest.Server) Config {
	return Config{
		OAuth: &oauth2.Config{
			ClientID:     "client",
			ClientSecret: "secret",
			Endpoint:     oauth2.Endpoint{TokenURL: srv.URL + "/token", AuthStyle: oauth2.AuthStyleInParams},
		},
		Endpoint:   srv.URL + "/",
		HTTPClient: srv.Client(),
	}
}

func newTestAdapter(srv *httptest.Server, cred model.Credential) *Adapter {
	return New(testConfig(srv), cred, nil, provider.SessionOptions{})
}

func googleError(code int, reason string) error {
	return &googleapi.Error{Code: code, Message: reason, Errors: []googleapi.ErrorItem{{Reason: reason}}}
}

func storedCredential() model.Credential {
	return model.Credential{Provider: model.ProviderGmail, RefreshToken: "rt", Email: "agent@agency.example"}
}

func coiMessage() map[string]any {
	return map[string]any{
		"id":           "m3",
		"threadId":     "t3",
		"labelIds":     []string{"INBOX", "UNREAD"},
		"internalDate": "1714554000000",
		"payload": map[string]any{
			"partId":   "",
			"mimeType": "multipart/mixed",
			"headers": []map[string]string{
				{"name": "From", "value": "Carrier Desk <desk@carrier.example>"},
				{"name": "To", "value": "agent@agency.example"},
				{"name": "Subject", "value": "=?UTF-8?Q?Certificate_of_Insurance?="},
			},
			"parts": []map[string]any{
				{"partId": "0", "mimeType": "text/html", "body": map[string]any{"size": 20, "data": b64("<p>COI attached</p>")}},
				{"partId": "1", "mimeType": "application/pdf", "filename": "coi.pdf", "body": map[string]any{"size": 9, "attachmentId": "ANGjdJ-volatile"}},
			},
		},
	}
}

func plainMessage() map[string]any {
	return map[string]any{
		"id":           "m1",
		"threadId":     "t1",
		"labelIds":     []string{"INBOX"},
		"internalDate": "1714467600000",
		"payload": map[string]any{
			"partId":   "",
			"mimeType": "text/plain",
			"headers": []map[string]string{
				{"name": "From", "value": "friend@example.com"},
				{"name": "Subject", "value": "Lunch tomorrow?"},
			},
			"body": map[string]any{"size": 5, "data": b64("Noon?")},
		},
	}
}

func TestListMessagesRefreshesAndNormalizes(t *testing.T) {
	f, srv := newFakeGmail(t)
	f.messages["m3"] = coiMessage()
	f.messages["m1"] = plainMessage()
	f.attData["ANGjdJ-volatile"] = "%PDF-1.4\x00"

	var rotated model.TokenSet
	a := New(testConfig(srv), storedCredential(), func(_ context.Context, ts model.TokenSet) error {
		rotated = ts
		return nil
	}, provider.SessionOptions{})

	q, err := provider.ParseQuery("after:2024-04-01 has:attachment acme")
	require.NoError(t, err)
	msgs, err := a.ListMessages(context.Background(), q, 10)
	require.NoError(t, err)

	assert.Equal(t, "after:2024/04/01 has:attachment acme", f.lastQuery)
	assert.Equal(t, int32(1), f.refreshes.Load())
	assert.Equal(t, "at-1", rotated.AccessToken)

	require.Len(t, msgs, 2, "the deleted message is skipped")
	assert.Equal(t, "m3", msgs[0].ID)
	assert.Equal(t, "m1", msgs[1].ID)

	coi := msgs[0]
	assert.Equal(t, "t3", coi.ThreadID)
	assert.Equal(t, "Certificate of Insurance", coi.Subject)
	assert.False(t, coi.IsRead)
	assert.Equal(t, "desk@carrier.example", coi.Sender().Address)
	assert.Equal(t, "<p>COI attached</p>", coi.BodyHTML)
	assert.Equal(t, "COI attached", strings.TrimSpace(coi.BodyText))
	assert.Equal(t, int64(1714554000000), coi.Date.UnixMilli())
	require.Len(t, coi.Attachments, 1)
	assert.Equal(t, model.AttachmentRef{Filename: "coi.pdf", MIMEType: "application/pdf", SizeBytes: 9, ProviderAttachmentID: "1"}, coi.Attachments[0])

	assert.True(t, msgs[1].IsRead)
	assert.Equal(t, "Noon?", msgs[1].BodyText)
}

func TestListMessagesSkipsSingleFailedFetch(t *testing.T) {
	f, srv := newFakeGmail(t)
	f.messages["m3"] = coiMessage()
	f.messages["m1"] = plainMessage()
	f.failing = map[string]int{"m1": http.StatusInternalServerError}
	a := newTestAdapter(srv, storedCredential())

	msgs, err := a.ListMessages(context.Background(), provider.Query{}, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m3", msgs[0].ID)
}

func TestListMessagesFailsWhenEveryFetchFails(t *testing.T) {
	f, srv := newFakeGmail(t)
	f.failing = map[string]int{"m3": http.StatusInternalServerError, "m1": http.StatusServiceUnavailable}
	a := newTestAdapter(srv, storedCredential())

	_, err := a.ListMessages(context.Background(), provider.Query{}, 10)
	require.Error(t, err)
	assert.True(t, provider.IsRetryable(err), "got %v", err)
}

func TestListMessagesAbortsOnPermissionFailure(t *testing.T) {
	f, srv := newFakeGmail(t)
	f.messages["m3"] = coiMessage()
	f.failing = map[string]int{"m1": http.StatusForbidden}
	a := newTestAdapter(srv, storedCredential())

	_, err := a.ListMessages(context.Background(), provider.Query{}, 10)
	require.Error(t, err)
	assert.True(t, provider.IsReauthRequired(err), "got %v", err)
}

func TestGetAttachmentByPartID(t *testing.T) {
	f, srv := newFakeGmail(t)
	f.messages["m3"] = coiMessage()
	f.attData["ANGjdJ-volatile"] = "%PDF-1.4\x00"
	a := newTestAdapter(srv, storedCredential())

	att, err := a.GetAttachment(context.Background(), "m3", "1")
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.4\x00"), att.Data)
	assert.Equal(t, "coi.pdf", att.Filename)

	_, err = a.GetAttachment(context.Background(), "m3", "0")
	assert.True(t, provider.IsNotFound(err), "a body part is not an attachment")

	_, err = a.GetMessage(context.Background(), "missing")
	assert.True(t, provider.IsNotFound(err))
}

func TestUnauthorizedRetriesOnceAfterRefresh(t *testing.T) {
	f, srv := newFakeGmail(t)
	f.messages["m1"] = plainMessage()

	cred := storedCredential()
	cred.AccessToken = "stale-but-unexpired"
	cred.Expiry = time.Now().Add(time.Hour)
	a := newTestAdapter(srv, cred)

	msg, err := a.GetMessage(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, int32(1), f.refreshes.Load())
	assert.Equal(t, provider.StateReady, a.State())
}

func TestRevokedRefreshTokenIsReauth(t *testing.T) {
	f, srv := newFakeGmail(t)
	f.revoked = true
	a := newTestAdapter(srv, storedCredential())

	err := a.Authenticate(context.Background())
	require.Error(t, err)
	assert.True(t, provider.IsReauthRequired(err), "got %v", err)
	assert.Equal(t, provider.StateFailed, a.State())
}

func TestSendMessageRawWithBcc(t *testing.T) {
	f, srv := newFakeGmail(t)
	a := newTestAdapter(srv, storedCredential())

	pdf := []byte{'%', 'P', 'D', 'F', 0x00, 0xff, 0x10}
	res, err := a.SendMessage(context.Background(), model.OutboundMessage{
		To:          []model.Address{{Address: "client@acme.example"}},
		Bcc:         []model.Address{{Address: "audit@agency.example"}},
		Subject:     "COI",
		BodyHTML:    "<p>attached</p>",
		Attachments: []model.OutboundAttachment{{Filename: "coi.pdf", MIMEType: "application/pdf", Data: pdf}},
	})
	require.NoError(t, err)
	assert.Equal(t, &model.SendResult{Provider: model.ProviderGmail, ProviderMessageID: "sent-1", ProviderThreadID: "thread-1"}, res)

	parsed, err := composer.Parse(f.sentRaw)
	require.NoError(t, err)
	require.Len(t, parsed.Bcc, 1)
	assert.Equal(t, "audit@agency.example", parsed.Bcc[0].Address)
	require.Len(t, parsed.From, 1)
	assert.Equal(t, "agent@agency.example", parsed.From[0].Address)
	require.Len(t, parsed.Attachments, 1)
	assert.Equal(t, pdf, parsed.Attachments[0].Data)
}

func TestSendMessageRejectsOversizeBeforeNetwork(t *testing.T) {
	f, srv := newFakeGmail(t)
	a := newTestAdapter(srv, storedCredential())

	_, err := a.SendMessage(context.Background(), model.OutboundMessage{
		To:          []model.Address{{Address: "client@acme.example"}},
		Subject:     "COI",
		BodyHTML:    "<p>attached</p>",
		Attachments: []model.OutboundAttachment{{Filename: "big.pdf", MIMEType: "application/pdf", Data: make([]byte, MaxAttachmentBytes+1)}},
	})
	assert.True(t, provider.IsAttachmentTooLarge(err))
	assert.Zero(t, f.refreshes.Load())
}

func TestMarkReadRemovesUnread(t *testing.T) {
	f, srv := newFakeGmail(t)
	a := newTestAdapter(srv, storedCredential())

	require.NoError(t, a.MarkRead(context.Background(), "m3"))
	require.NoError(t, a.MarkRead(context.Background(), "m3"))
	assert.Equal(t, []string{"m3", "m3"}, f.modified)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		reason string
		want   provider.Kind
	}{
		{http.StatusUnauthorized, "authError", provider.KindReauthRequired},
		{http.StatusForbidden, "insufficientPermissions", provider.KindReauthRequired},
		{http.StatusForbidden, "userRateLimitExceeded", provider.KindRetryable},
		{http.StatusNotFound, "notFound", provider.KindNotFound},
		{http.StatusTooManyRequests, "rateLimitExceeded", provider.KindRetryable},
		{http.StatusBadRequest, "invalidArgument", provider.KindRejected},
		{http.StatusServiceUnavailable, "backendError", provider.KindRetryable},
		{http.StatusRequestEntityTooLarge, "tooLarge", provider.KindAttachmentTooLarge},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d-%s", tt.status, tt.reason), func(t *testing.T) {
			err := googleError(tt.status, tt.reason)
			assert.Equal(t, tt.want, provider.KindOf(classify("op", err)))
		})
	}
}
