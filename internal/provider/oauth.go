package provider

import (
	"context"
	"errors"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/nhle/mailgateway/internal/model"
)

// reauthCodes are OAuth error codes that only a new authorization can fix.
var reauthCodes = map[string]bool{
	"invalid_grant":        true,
	"invalid_client":       true,
	"unauthorized_client":  true,
	"interaction_required": true,
	"consent_required":     true,
	"login_required":       true,
}

// OAuthRefresher returns a Refresher that exchanges the stored refresh
// token at conf's token endpoint.
func OAuthRefresher(p model.ProviderType, conf *oauth2.Config) Refresher {
	return func(ctx context.Context, cred model.Credential) (model.TokenSet, error) {
		src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
		tok, err := src.Token()
		if err != nil {
			return model.TokenSet{}, ClassifyOAuth(p, err)
		}
		return model.TokenSet{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			Expiry:       tok.Expiry,
		}, nil
	}
}

// ClassifyOAuth maps a token endpoint failure onto the error taxonomy.
// A revoked or expired grant is ReauthRequired; server trouble is Retryable.
func ClassifyOAuth(p model.ProviderType, err error) error {
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) {
		return Classify(p, "refresh", err)
	}
	if reauthCodes[rerr.ErrorCode] {
		return NewError(KindReauthRequired, p, "refresh", err)
	}
	if rerr.Response != nil {
		switch code := rerr.Response.StatusCode; {
		case code == http.StatusTooManyRequests || code >= 500:
			return NewError(KindRetryable, p, "refresh", err)
		case code == http.StatusBadRequest || code == http.StatusUnauthorized || code == http.StatusForbidden:
			return NewError(KindReauthRequired, p, "refresh", err)
		}
	}
	return NewError(KindRetryable, p, "refresh", err)
}
