package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCredentialExpired(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	skew := time.Minute

	tests := []struct {
		name string
		cred Credential
		want bool
	}{
		{
			name: "password credential never expires",
			cred: Credential{Provider: ProviderGenericSMTP},
			want: false,
		},
		{
			name: "missing access token",
			cred: Credential{Provider: ProviderGmail, RefreshToken: "r"},
			want: true,
		},
		{
			name: "inside skew window",
			cred: Credential{Provider: ProviderGmail, AccessToken: "a", Expiry: now.Add(30 * time.Second)},
			want: true,
		},
		{
			name: "exactly at expiry minus skew",
			cred: Credential{Provider: ProviderOutlook, AccessToken: "a", Expiry: now.Add(skew)},
			want: true,
		},
		{
			name: "fresh",
			cred: Credential{Provider: ProviderOutlook, AccessToken: "a", Expiry: now.Add(time.Hour)},
			want: false,
		},
		{
			name: "no expiry recorded",
			cred: Credential{Provider: ProviderOutlook, AccessToken: "a"},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cred.Expired(now, skew))
		})
	}
}

func TestCredentialWithTokensKeepsRefreshToken(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	c := Credential{Provider: ProviderGmail, AccessToken: "old", RefreshToken: "keep"}

	got := c.WithTokens(TokenSet{AccessToken: "new", Expiry: exp})
	assert.Equal(t, "new", got.AccessToken)
	assert.Equal(t, "keep", got.RefreshToken)
	assert.Equal(t, exp, got.Expiry)

	got = c.WithTokens(TokenSet{AccessToken: "new", RefreshToken: "rotated"})
	assert.Equal(t, "rotated", got.RefreshToken)
	assert.Equal(t, "old", c.AccessToken, "receiver must not be mutated")
}

func TestCredentialRedacted(t *testing.T) {
	c := Credential{Provider: ProviderGenericSMTP, Username: "agent", Password: "hunter2"}
	r := c.Redacted()
	assert.Equal(t, "***", r.Password)
	assert.Equal(t, "agent", r.Username)
	assert.Empty(t, r.AccessToken)
}
