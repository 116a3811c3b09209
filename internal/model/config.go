package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override
// (e.g. MAILGATEWAY_PROVIDERS_GMAIL_CLIENT_ID).
const EnvPrefix = "MAILGATEWAY"

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LogConfig controls logger output.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level" yaml:"level"`

	// Format is one of text, json, logfmt.
	Format string `mapstructure:"format" yaml:"format"`
}

// RetryConfig is the backoff policy the gateway applies to reads.
type RetryConfig struct {
	Attempts  int           `mapstructure:"attempts" yaml:"attempts"`
	BaseDelay time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// BreakerConfig tunes the per-provider circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive transient failures that
	// opens the breaker.
	MaxFailures uint32 `mapstructure:"max_failures" yaml:"max_failures"`

	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration `mapstructure:"open_timeout" yaml:"open_timeout"`
}

// GatewayConfig holds provider selection and call policy settings.
type GatewayConfig struct {
	// Priority lists provider types in detection order.
	Priority []string `mapstructure:"priority" yaml:"priority"`

	// CallTimeout bounds every individual adapter call.
	CallTimeout time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`

	// TokenSkew is how long before expiry an access token is refreshed.
	TokenSkew time.Duration `mapstructure:"token_skew" yaml:"token_skew"`

	// RefreshTimeout bounds a single OAuth refresh exchange.
	RefreshTimeout time.Duration `mapstructure:"refresh_timeout" yaml:"refresh_timeout"`

	Retry   RetryConfig   `mapstructure:"retry" yaml:"retry"`
	Breaker BreakerConfig `mapstructure:"breaker" yaml:"breaker"`
}

// CredentialsConfig selects and configures the credential backend.
type CredentialsConfig struct {
	// Backend is "keyring" (default) or "sqlite".
	Backend string `mapstructure:"backend" yaml:"backend"`

	// SQLitePath is the database file used by the sqlite backend.
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`

	// Passphrase, when set, seals sqlite payloads at rest.
	Passphrase string `mapstructure:"passphrase" yaml:"passphrase"`

	// KeyringDir is where the file keyring fallback stores its items.
	KeyringDir string `mapstructure:"keyring_dir" yaml:"keyring_dir"`
}

// OAuthConfig is shared by the OAuth providers.
type OAuthConfig struct {
	ClientID     string `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string `mapstructure:"client_secret" yaml:"client_secret"`
	RedirectURL  string `mapstructure:"redirect_url" yaml:"redirect_url"`

	// RefreshToken seeds the credential store when it has nothing stored
	// for this provider yet.
	RefreshToken string `mapstructure:"refresh_token" yaml:"refresh_token"`

	// Email is the mailbox address used as the sender.
	Email string `mapstructure:"email" yaml:"email"`

	// TokenURL overrides the provider's OAuth token endpoint.
	TokenURL string `mapstructure:"token_url" yaml:"token_url"`
}

// GmailConfig configures the Gmail API provider.
type GmailConfig struct {
	OAuthConfig `mapstructure:",squash" yaml:",inline"`

	// Endpoint overrides the Gmail API base URL.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
}

// OutlookConfig configures the Microsoft Graph provider.
type OutlookConfig struct {
	OAuthConfig `mapstructure:",squash" yaml:",inline"`

	// Tenant is the Azure AD tenant ("common" for multi-tenant apps).
	Tenant string `mapstructure:"tenant" yaml:"tenant"`

	// Folder is the mail folder listed by default.
	Folder string `mapstructure:"folder" yaml:"folder"`

	// GraphURL overrides the Graph API base URL.
	GraphURL string `mapstructure:"graph_url" yaml:"graph_url"`
}

// GenericSMTPConfig configures the generic IMAP/SMTP provider.
type GenericSMTPConfig struct {
	IMAPHost string `mapstructure:"imap_host" yaml:"imap_host"`
	IMAPPort int    `mapstructure:"imap_port" yaml:"imap_port"`

	// IMAPSecurity is tls, starttls or none.
	IMAPSecurity string `mapstructure:"imap_security" yaml:"imap_security"`

	SMTPHost string `mapstructure:"smtp_host" yaml:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port" yaml:"smtp_port"`

	// SMTPSecurity is tls, starttls or none.
	SMTPSecurity string `mapstructure:"smtp_security" yaml:"smtp_security"`

	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	Email    string `mapstructure:"email" yaml:"email"`

	// Mailbox is the folder that is listed (default INBOX).
	Mailbox string `mapstructure:"mailbox" yaml:"mailbox"`

	MaxAttachmentBytes int64         `mapstructure:"max_attachment_bytes" yaml:"max_attachment_bytes"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// ProvidersConfig groups the per-provider sections.
type ProvidersConfig struct {
	Gmail       GmailConfig       `mapstructure:"gmail" yaml:"gmail"`
	Outlook     OutlookConfig     `mapstructure:"outlook" yaml:"outlook"`
	GenericSMTP GenericSMTPConfig `mapstructure:"generic_smtp" yaml:"generic_smtp"`
}

// COIConfig tunes the certificate-of-insurance classifier.
type COIConfig struct {
	Keywords        []string `mapstructure:"keywords" yaml:"keywords"`
	SenderAllowlist []string `mapstructure:"sender_allowlist" yaml:"sender_allowlist"`
	DefaultDays     int      `mapstructure:"default_days" yaml:"default_days"`
	MaxResults      int      `mapstructure:"max_results" yaml:"max_results"`
}

// PollerConfig controls the background COI poller.
type PollerConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Gateway     GatewayConfig     `mapstructure:"gateway" yaml:"gateway"`
	Credentials CredentialsConfig `mapstructure:"credentials" yaml:"credentials"`
	Providers   ProvidersConfig   `mapstructure:"providers" yaml:"providers"`
	COI         COIConfig         `mapstructure:"coi" yaml:"coi"`
	Poller      PollerConfig      `mapstructure:"poller" yaml:"poller"`
}

// Configured reports whether the provider has enough configuration to be
// attempted. An absent provider is NotConfigured, never a startup error.
func (c *AppConfig) Configured(p ProviderType) bool {
	switch p {
	case ProviderGmail:
		return c.Providers.Gmail.ClientID != ""
	case ProviderOutlook:
		return c.Providers.Outlook.ClientID != ""
	case ProviderGenericSMTP:
		return c.Providers.GenericSMTP.IMAPHost != "" || c.Providers.GenericSMTP.SMTPHost != ""
	}
	return false
}

// PriorityOrder returns the configured detection order, dropping unknown
// and duplicate entries. An empty list yields AllProviders.
func (c *AppConfig) PriorityOrder() ([]ProviderType, error) {
	if len(c.Gateway.Priority) == 0 {
		return append([]ProviderType(nil), AllProviders...), nil
	}
	seen := make(map[ProviderType]bool)
	var out []ProviderType
	for _, raw := range c.Gateway.Priority {
		p := ProviderType(strings.TrimSpace(raw))
		if !p.Valid() {
			return nil, fmt.Errorf("unknown provider %q in gateway.priority", raw)
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out, nil
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailgateway/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailgateway", "config.yaml")
}

// DefaultDataDir returns ~/.config/mailgateway, the parent of the
// keyring file fallback and the sqlite credential database.
func DefaultDataDir() string {
	return filepath.Dir(DefaultConfigPath())
}

// defaults is the flattened default configuration. Every key is listed so
// that environment overrides resolve during Unmarshal.
func defaults() map[string]any {
	dataDir := DefaultDataDir()
	return map[string]any{
		"server.addr":             ":8089",
		"server.read_timeout":     "30s",
		"server.write_timeout":    "120s",
		"server.shutdown_timeout": "10s",

		"log.level":  "info",
		"log.format": "text",

		"gateway.priority":             []string{"outlook", "gmail", "genericSmtp"},
		"gateway.call_timeout":         "30s",
		"gateway.token_skew":           "60s",
		"gateway.refresh_timeout":      "20s",
		"gateway.retry.attempts":       3,
		"gateway.retry.base_delay":     "200ms",
		"gateway.retry.max_delay":      "5s",
		"gateway.breaker.max_failures": 5,
		"gateway.breaker.open_timeout": "30s",

		"credentials.backend":     "keyring",
		"credentials.sqlite_path": filepath.Join(dataDir, "credentials.db"),
		"credentials.passphrase":  "",
		"credentials.keyring_dir": filepath.Join(dataDir, "credentials"),

		"providers.gmail.client_id":     "",
		"providers.gmail.client_secret": "",
		"providers.gmail.redirect_url":  "",
		"providers.gmail.refresh_token": "",
		"providers.gmail.email":         "",
		"providers.gmail.token_url":     "",
		"providers.gmail.endpoint":      "",

		"providers.outlook.client_id":     "",
		"providers.outlook.client_secret": "",
		"providers.outlook.redirect_url":  "",
		"providers.outlook.refresh_token": "",
		"providers.outlook.email":         "",
		"providers.outlook.token_url":     "",
		"providers.outlook.tenant":        "common",
		"providers.outlook.folder":        "inbox",
		"providers.outlook.graph_url":     "",

		"providers.generic_smtp.imap_host":            "",
		"providers.generic_smtp.imap_port":            993,
		"providers.generic_smtp.imap_security":        "tls",
		"providers.generic_smtp.smtp_host":            "",
		"providers.generic_smtp.smtp_port":            587,
		"providers.generic_smtp.smtp_security":        "starttls",
		"providers.generic_smtp.username":             "",
		"providers.generic_smtp.password":             "",
		"providers.generic_smtp.email":                "",
		"providers.generic_smtp.mailbox":              "INBOX",
		"providers.generic_smtp.max_attachment_bytes": 25 << 20,
		"providers.generic_smtp.dial_timeout":         "15s",
		"providers.generic_smtp.insecure_skip_verify": false,

		"coi.keywords": []string{
			"COI",
			"certificate of insurance",
			"ACORD",
			"certificate holder",
			"additional insured",
			"proof of insurance",
		},
		"coi.sender_allowlist": []string{},
		"coi.default_days":     30,
		"coi.max_results":      50,

		"poller.enabled":  false,
		"poller.interval": "5m",
	}
}

// newViper returns a viper instance with defaults and env overrides wired.
func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// DefaultConfig returns the configuration used when no file exists,
// with environment overrides applied.
func DefaultConfig() (*AppConfig, error) {
	cfg := &AppConfig{}
	if err := newViper().Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing default config: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns the default configuration.
// Environment variables prefixed with MAILGATEWAY_ override both.
func LoadConfig(path string) (*AppConfig, error) {
	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return DefaultConfig()
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return DefaultConfig()
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if _, err := cfg.PriorityOrder(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("server", cfg.Server)
	v.Set("log", cfg.Log)
	v.Set("gateway", cfg.Gateway)
	v.Set("credentials", cfg.Credentials)
	v.Set("providers", cfg.Providers)
	v.Set("coi", cfg.COI)
	v.Set("poller", cfg.Poller)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
