package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nhle/mailgateway/internal/model"
	"github.com/nhle/mailgateway/internal/provider"
)

// FakeAdapter is a scriptable provider.Adapter. A ReauthRequired error from
// any operation sticks: later Authenticate calls fail with it too, the way a
// revoked credential keeps failing.
type FakeAdapter struct {
	Type model.ProviderType

	mu    sync.Mutex
	state provider.State
	calls map[string]int

	// AuthErr is returned by Authenticate.
	AuthErr error

	// OpErrs are returned, one per call, by the next list, get, attachment
	// and mark-read calls before they start succeeding.
	OpErrs []error

	// SendErr is returned by SendMessage.
	SendErr error

	// Delay makes every call wait (or until the context ends).
	Delay time.Duration

	Messages    []model.NormalizedMessage
	Attachments map[string]*model.AttachmentContent
	Ceiling     int64

	Sent   []model.OutboundMessage
	Read   map[string]bool
	Closed bool

	// Builds counts factory invocations; Rotate is the last hook handed in.
	Builds     int
	FactoryErr error
	Rotate     provider.RotateFunc
	Credential model.Credential
}

// NewFakeAdapter returns a fake that authenticates successfully.
func NewFakeAdapter(p model.ProviderType) *FakeAdapter {
	return &FakeAdapter{
		Type:        p,
		calls:       make(map[string]int),
		Attachments: make(map[string]*model.AttachmentContent),
		Read:        make(map[string]bool),
	}
}

// Factory returns a provider.Factory that hands out this fake.
func (f *FakeAdapter) Factory() provider.Factory {
	return func(cred model.Credential, rotate provider.RotateFunc) (provider.Adapter, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.Builds++
		if f.FactoryErr != nil {
			return nil, f.FactoryErr
		}
		f.Credential = cred
		f.Rotate = rotate
		f.Closed = false
		f.state = provider.StateUnauthenticated
		return f, nil
	}
}

// Calls returns how often op was invoked.
func (f *FakeAdapter) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// TotalCalls returns the number of operations invoked, factory excluded.
func (f *FakeAdapter) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// Reauth builds the error a revoked credential produces.
func Reauth(p model.ProviderType) error {
	return provider.Errorf(provider.KindReauthRequired, p, "refresh", "invalid_grant")
}

// Transient builds a Retryable error.
func Transient(p model.ProviderType) error {
	return provider.Errorf(provider.KindRetryable, p, "list", "connection reset")
}

func (f *FakeAdapter) begin(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls[op]++
	delay := f.Delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil
}

func (f *FakeAdapter) nextOpErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.OpErrs) == 0 {
		return nil
	}
	err := f.OpErrs[0]
	f.OpErrs = f.OpErrs[1:]
	if provider.IsReauthRequired(err) {
		f.state = provider.StateFailed
		f.AuthErr = err
	}
	return err
}

func (f *FakeAdapter) Provider() model.ProviderType { return f.Type }

func (f *FakeAdapter) State() provider.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *FakeAdapter) Authenticate(ctx context.Context) error {
	if err := f.begin(ctx, "authenticate"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AuthErr != nil {
		if provider.IsReauthRequired(f.AuthErr) {
			f.state = provider.StateFailed
		}
		return f.AuthErr
	}
	f.state = provider.StateReady
	return nil
}

func (f *FakeAdapter) ListMessages(ctx context.Context, q provider.Query, max int) ([]model.NormalizedMessage, error) {
	if err := f.begin(ctx, "list"); err != nil {
		return nil, err
	}
	if err := f.nextOpErr(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.NormalizedMessage
	for _, m := range f.Messages {
		if len(out) == max {
			break
		}
		if q.Matches(m) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *FakeAdapter) GetMessage(ctx context.Context, id string) (*model.NormalizedMessage, error) {
	if err := f.begin(ctx, "get"); err != nil {
		return nil, err
	}
	if err := f.nextOpErr(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.Messages {
		if m.ID == id {
			msg := m
			return &msg, nil
		}
	}
	return nil, provider.Errorf(provider.KindNotFound, f.Type, "get", "message %s not found", id)
}

func (f *FakeAdapter) GetAttachment(ctx context.Context, messageID, attachmentID string) (*model.AttachmentContent, error) {
	if err := f.begin(ctx, "attachment"); err != nil {
		return nil, err
	}
	if err := f.nextOpErr(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	att, ok := f.Attachments[messageID+"/"+attachmentID]
	if !ok {
		return nil, provider.Errorf(provider.KindNotFound, f.Type, "attachment", "attachment %s/%s not found", messageID, attachmentID)
	}
	return att, nil
}

func (f *FakeAdapter) SendMessage(ctx context.Context, msg model.OutboundMessage) (*model.SendResult, error) {
	if err := f.begin(ctx, "send"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return nil, f.SendErr
	}
	f.Sent = append(f.Sent, msg)
	return &model.SendResult{
		Provider:          f.Type,
		ProviderMessageID: fmt.Sprintf("%s-sent-%d", f.Type, len(f.Sent)),
	}, nil
}

func (f *FakeAdapter) MarkRead(ctx context.Context, id string) error {
	if err := f.begin(ctx, "mark_read"); err != nil {
		return err
	}
	if err := f.nextOpErr(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Read[id] = true
	return nil
}

func (f *FakeAdapter) MaxAttachmentBytes() int64 {
	if f.Ceiling > 0 {
		return f.Ceiling
	}
	return 25 << 20
}

func (f *FakeAdapter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

var _ provider.Adapter = (*FakeAdapter)(nil)
