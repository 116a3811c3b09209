package gateway

import (
	"context"
	"errors"

	"github.com/nhle/mailgateway/internal/credential"
	"github.com/nhle/mailgateway/internal/model"
	"github.com/nhle/mailgateway/internal/provider"
)

// FetchResult is a message listing from the active provider.
type FetchResult struct {
	Provider model.ProviderType        `json:"provider"`
	Messages []model.NormalizedMessage `json:"messages"`
}

// ProviderStatus describes one provider in the priority list.
type ProviderStatus struct {
	Provider   model.ProviderType `json:"provider"`
	Configured bool               `json:"configured"`
	Active     bool               `json:"active"`
	State      string             `json:"state"`
	Breaker    string             `json:"breaker"`
}

// Status is the connection summary shown to the CRM.
type Status struct {
	Provider      model.ProviderType `json:"provider"`
	Authenticated bool               `json:"authenticated"`

	// Reason is the error kind when no provider is usable.
	Reason  provider.Kind `json:"reason,omitempty"`
	Message string        `json:"message,omitempty"`

	Providers []ProviderStatus `json:"providers"`
}

// Status detects the active provider and reports every provider's
// session and breaker state. It never fails; detection errors are
// reported in Reason.
func (g *Gateway) Status(ctx context.Context) Status {
	var st Status
	p, err := g.DetectActiveProvider(ctx)
	if err != nil {
		st.Reason = provider.KindOf(err)
		st.Message = err.Error()
	} else {
		st.Provider = p
		st.Authenticated = true
	}

	for _, candidate := range g.priority {
		ps := ProviderStatus{
			Provider: candidate,
			Active:   candidate == st.Provider,
			State:    provider.StateUnauthenticated.String(),
			Breaker:  g.BreakerState(candidate),
		}
		if _, ok := g.factories[candidate]; ok {
			_, err := g.store.Get(ctx, candidate)
			ps.Configured = err == nil
			if err != nil && !errors.Is(err, credential.ErrNotFound) {
				g.logger.Warn("reading credential", "provider", candidate, "err", err)
			}
		}
		g.mu.Lock()
		if a, ok := g.adapters[candidate]; ok {
			ps.State = a.State().String()
		}
		g.mu.Unlock()
		st.Providers = append(st.Providers, ps)
	}
	return st
}

// FetchEmails parses raw in the simplified query syntax and lists up to
// max matching messages from the active provider, newest first.
func (g *Gateway) FetchEmails(ctx context.Context, raw string, max int) (*FetchResult, error) {
	q, err := provider.ParseQuery(raw)
	if err != nil {
		return nil, provider.NewError(provider.KindValidation, "", "list", err)
	}
	return g.List(ctx, q, max)
}

// List lists up to max messages matching q from the active provider.
// Transient failures are retried on the same provider and then surfaced.
// A provider that loses its authorization is dropped and the listing
// runs once more on the next usable provider.
func (g *Gateway) List(ctx context.Context, q provider.Query, max int) (*FetchResult, error) {
	if max <= 0 {
		return nil, provider.Errorf(provider.KindValidation, "", "list", "max must be positive, got %d", max)
	}

	var msgs []model.NormalizedMessage
	p, err := g.read(ctx, "list", true, func(ctx context.Context, a provider.Adapter) error {
		var err error
		msgs, err = a.ListMessages(ctx, q, max)
		return err
	})
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []model.NormalizedMessage{}
	}
	return &FetchResult{Provider: p, Messages: msgs}, nil
}

// GetMessage fetches one message from the active provider. Message ids are
// provider specific, so there is no failover.
func (g *Gateway) GetMessage(ctx context.Context, id string) (*model.NormalizedMessage, error) {
	if id == "" {
		return nil, provider.Errorf(provider.KindValidation, "", "get", "message id is required")
	}
	var msg *model.NormalizedMessage
	_, err := g.read(ctx, "get", false, func(ctx context.Context, a provider.Adapter) error {
		var err error
		msg, err = a.GetMessage(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// GetAttachment downloads one attachment in full from the active provider.
func (g *Gateway) GetAttachment(ctx context.Context, messageID, attachmentID string) (*model.AttachmentContent, error) {
	if messageID == "" || attachmentID == "" {
		return nil, provider.Errorf(provider.KindValidation, "", "attachment", "message and attachment ids are required")
	}
	var content *model.AttachmentContent
	_, err := g.read(ctx, "attachment", false, func(ctx context.Context, a provider.Adapter) error {
		var err error
		content, err = a.GetAttachment(ctx, messageID, attachmentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return content, nil
}

// MarkRead marks a message read on the active provider.
func (g *Gateway) MarkRead(ctx context.Context, id string) error {
	if id == "" {
		return provider.Errorf(provider.KindValidation, "", "mark_read", "message id is required")
	}
	_, err := g.read(ctx, "mark_read", false, func(ctx context.Context, a provider.Adapter) error {
		return a.MarkRead(ctx, id)
	})
	return err
}

// SendEmail validates msg, then sends it exactly once through the active
// provider. Sends are never retried and never fall back to another
// provider.
func (g *Gateway) SendEmail(ctx context.Context, msg model.OutboundMessage) (*model.SendResult, error) {
	if err := provider.ValidateOutbound(msg); err != nil {
		return nil, err
	}

	a, err := g.activeAdapter(ctx)
	if err != nil {
		return nil, err
	}
	p := a.Provider()
	if err := provider.CheckAttachmentCeiling(p, msg, a.MaxAttachmentBytes()); err != nil {
		return nil, err
	}

	var res *model.SendResult
	err = g.invoke(ctx, p, "send", func(ctx context.Context) error {
		var err error
		res, err = a.SendMessage(ctx, msg)
		return err
	})
	if err != nil {
		if provider.IsReauthRequired(err) {
			g.Invalidate(p)
		}
		return nil, err
	}
	g.logger.Info("message sent", "provider", p, "id", res.ProviderMessageID, "recipients", len(msg.Recipients()))
	return res, nil
}

// read runs fn on the active provider with retries. When the provider
// turns out to need re-authorization (or lost its credential) it is torn
// down; with failover set, detection runs once more and fn is retried on
// the new active provider.
func (g *Gateway) read(
	ctx context.Context,
	op string,
	failover bool,
	fn func(ctx context.Context, a provider.Adapter) error,
) (model.ProviderType, error) {
	for redetected := false; ; redetected = true {
		a, err := g.activeAdapter(ctx)
		if err != nil {
			return "", err
		}
		p := a.Provider()

		err = g.withRetry(ctx, func() error {
			return g.invoke(ctx, p, op, func(ctx context.Context) error {
				return fn(ctx, a)
			})
		})
		if err == nil {
			return p, nil
		}

		if provider.IsReauthRequired(err) || provider.IsNotConfigured(err) {
			g.logger.Warn("active provider lost", "provider", p, "op", op, "err", err)
			g.Invalidate(p)
			if failover && !redetected {
				continue
			}
		}
		return p, err
	}
}
