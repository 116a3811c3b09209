package model

import "time"

// ProviderType identifies a mail backend the gateway can talk to.
type ProviderType string

const (
	ProviderGmail       ProviderType = "gmail"
	ProviderOutlook     ProviderType = "outlook"
	ProviderGenericSMTP ProviderType = "genericSmtp"
)

// AllProviders lists every provider type in the default preference order.
var AllProviders = []ProviderType{
	ProviderOutlook,
	ProviderGmail,
	ProviderGenericSMTP,
}

// Valid reports whether p is one of the known provider types.
func (p ProviderType) Valid() bool {
	switch p {
	case ProviderGmail, ProviderOutlook, ProviderGenericSMTP:
		return true
	}
	return false
}

// IsOAuth reports whether the provider authenticates with OAuth2 tokens.
func (p ProviderType) IsOAuth() bool {
	return p == ProviderGmail || p == ProviderOutlook
}

// Credential holds what one provider instance needs to authenticate.
// OAuth providers use the token fields; the generic provider uses the
// IMAP/SMTP fields.
type Credential struct {
	// Provider identifies which backend this credential belongs to.
	Provider ProviderType `json:"provider"`

	// AccessToken is the short-lived OAuth bearer token.
	AccessToken string `json:"access_token,omitempty"`

	// RefreshToken is the long-lived OAuth token used to mint access tokens.
	RefreshToken string `json:"refresh_token,omitempty"`

	// Expiry is when AccessToken stops being accepted.
	Expiry time.Time `json:"expiry,omitempty"`

	// Email is the mailbox address, used as the From of outbound mail.
	Email string `json:"email,omitempty"`

	IMAPHost string `json:"imap_host,omitempty"`
	IMAPPort int    `json:"imap_port,omitempty"`
	SMTPHost string `json:"smtp_host,omitempty"`
	SMTPPort int    `json:"smtp_port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// UpdatedAt is when the credential was last written to the store.
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// IsOAuth reports whether the credential carries OAuth tokens.
func (c Credential) IsOAuth() bool {
	return c.Provider.IsOAuth()
}

// Expired reports whether the access token must be refreshed before use,
// i.e. it is missing or now >= Expiry - skew. Password credentials never
// expire.
func (c Credential) Expired(now time.Time, skew time.Duration) bool {
	if !c.IsOAuth() {
		return false
	}
	if c.AccessToken == "" {
		return true
	}
	if c.Expiry.IsZero() {
		return false
	}
	return !now.Before(c.Expiry.Add(-skew))
}

// WithTokens returns a copy of c with the rotated tokens applied. An empty
// refresh token in ts keeps the current one, since most providers only
// return a refresh token when they rotate it.
func (c Credential) WithTokens(ts TokenSet) Credential {
	c.AccessToken = ts.AccessToken
	c.Expiry = ts.Expiry
	if ts.RefreshToken != "" {
		c.RefreshToken = ts.RefreshToken
	}
	return c
}

// Redacted returns a copy safe to print or log.
func (c Credential) Redacted() Credential {
	if c.AccessToken != "" {
		c.AccessToken = "***"
	}
	if c.RefreshToken != "" {
		c.RefreshToken = "***"
	}
	if c.Password != "" {
		c.Password = "***"
	}
	return c
}

// TokenSet is the result of a silent OAuth refresh.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}
