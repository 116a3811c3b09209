package provider

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/nhle/mailgateway/internal/model"
)

// Kind classifies a failure so callers can decide what to do without
// knowing which provider produced it.
type Kind string

const (
	// KindNotConfigured means the provider has no stored credential.
	KindNotConfigured Kind = "not_configured"

	// KindReauthRequired means the stored credential was rejected and a
	// human has to authorize again.
	KindReauthRequired Kind = "reauth_required"

	// KindRetryable is a transient network or timeout failure.
	KindRetryable Kind = "retryable"

	// KindValidation is a malformed request, rejected before any network call.
	KindValidation Kind = "validation"

	// KindNotFound means the referenced message or attachment is gone.
	KindNotFound Kind = "not_found"

	// KindAttachmentTooLarge means a payload exceeds the provider ceiling.
	KindAttachmentTooLarge Kind = "attachment_too_large"

	// KindRejected means the provider received the request and refused it
	// permanently, such as an SMTP 550 for an unknown recipient.
	KindRejected Kind = "rejected"
)

// Error is the only error type that crosses the adapter boundary.
type Error struct {
	Kind     Kind
	Provider model.ProviderType
	Op       string
	Err      error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Provider != "" && e.Op != "":
		return fmt.Sprintf("%s %s: %s (%s)", e.Provider, e.Op, msg, e.Kind)
	case e.Provider != "":
		return fmt.Sprintf("%s: %s (%s)", e.Provider, msg, e.Kind)
	default:
		return fmt.Sprintf("%s (%s)", msg, e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an *Error of the given kind.
func NewError(kind Kind, p model.ProviderType, op string, err error) *Error {
	return &Error{Kind: kind, Provider: p, Op: op, Err: err}
}

// Errorf builds an *Error with a formatted cause.
func Errorf(kind Kind, p model.ProviderType, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Provider: p, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when
// there is none.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return ""
}

// IsNotConfigured reports whether err (or any error in its chain) is NotConfigured.
func IsNotConfigured(err error) bool { return KindOf(err) == KindNotConfigured }

// IsReauthRequired reports whether err (or any error in its chain) is ReauthRequired.
func IsReauthRequired(err error) bool { return KindOf(err) == KindReauthRequired }

// IsRetryable reports whether err (or any error in its chain) is Retryable.
func IsRetryable(err error) bool { return KindOf(err) == KindRetryable }

// IsValidation reports whether err (or any error in its chain) is a Validation error.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsNotFound reports whether err (or any error in its chain) is NotFound.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsAttachmentTooLarge reports whether err (or any error in its chain) is AttachmentTooLarge.
func IsAttachmentTooLarge(err error) bool { return KindOf(err) == KindAttachmentTooLarge }

// IsRejected reports whether err is a permanent refusal by the provider.
func IsRejected(err error) bool { return KindOf(err) == KindRejected }

// Classify wraps an untyped error that escaped a client library. Errors
// that are already classified pass through with provider and op filled
// in. Everything else, including cancellations and network failures, is
// Retryable: an unrecognised remote failure says nothing about the request.
func Classify(p model.ProviderType, op string, err error) error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		if perr.Provider != "" && perr.Op != "" {
			return err
		}
		out := *perr
		if out.Provider == "" {
			out.Provider = p
		}
		if out.Op == "" {
			out.Op = op
		}
		return &out
	}
	return NewError(KindRetryable, p, op, err)
}

// IsTransient reports whether err is a context expiry or a network error.
func IsTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
