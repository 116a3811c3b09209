package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nhle/mailgateway/internal/credential"
	"github.com/nhle/mailgateway/internal/model"
	"github.com/nhle/mailgateway/internal/theme"
)

var credentialsCmd = &cobra.Command{
	Use:     "credentials",
	Aliases: []string{"creds"},
	Short:   "Manage stored provider credentials",
}

var credSetFlags struct {
	provider     string
	email        string
	refreshToken string
	username     string
	password     string
	imapHost     string
	imapPort     int
	smtpHost     string
	smtpPort     int
}

var credSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store or replace the credential for one provider",
	Long: `Set replaces the stored credential for --provider. OAuth providers
(gmail, outlook) need --refresh-token; the generic mailbox needs
--username, --password and an IMAP or SMTP host.

The password may also come from MAILGATEWAY_CREDENTIAL_PASSWORD so it stays
out of shell history.`,
	RunE: runCredSet,
}

var credShowCmd = &cobra.Command{
	Use:   "show",
	Short: "List stored credentials without their secrets",
	RunE:  runCredShow,
}

var credDeleteCmd = &cobra.Command{
	Use:   "delete <provider>",
	Short: "Remove the stored credential for a provider",
	Args:  cobra.ExactArgs(1),
	RunE:  runCredDelete,
}

func init() {
	f := credSetCmd.Flags()
	f.StringVar(&credSetFlags.provider, "provider", "", "Provider: gmail, outlook or genericSmtp (required)")
	f.StringVar(&credSetFlags.email, "email", "", "Mailbox address used as the sender")
	f.StringVar(&credSetFlags.refreshToken, "refresh-token", "", "OAuth refresh token")
	f.StringVar(&credSetFlags.username, "username", "", "IMAP/SMTP username")
	f.StringVar(&credSetFlags.password, "password", "", "IMAP/SMTP password or app password")
	f.StringVar(&credSetFlags.imapHost, "imap-host", "", "IMAP server host")
	f.IntVar(&credSetFlags.imapPort, "imap-port", 993, "IMAP server port")
	f.StringVar(&credSetFlags.smtpHost, "smtp-host", "", "SMTP server host")
	f.IntVar(&credSetFlags.smtpPort, "smtp-port", 587, "SMTP server port")
	_ = credSetCmd.MarkFlagRequired("provider")

	credentialsCmd.AddCommand(credSetCmd, credShowCmd, credDeleteCmd)
	rootCmd.AddCommand(credentialsCmd)
}

func parseProvider(raw string) (model.ProviderType, error) {
	for _, p := range model.AllProviders {
		if strings.EqualFold(raw, string(p)) {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown provider %q (want gmail, outlook or genericSmtp)", raw)
}

// credentialFromFlags builds the credential described by the set flags.
func credentialFromFlags(p model.ProviderType) (model.Credential, error) {
	cred := model.Credential{Provider: p, Email: credSetFlags.email}
	if p.IsOAuth() {
		if credSetFlags.refreshToken == "" {
			return model.Credential{}, errors.New("--refresh-token is required for OAuth providers")
		}
		cred.RefreshToken = credSetFlags.refreshToken
		return cred, nil
	}

	cred.Username = credSetFlags.username
	cred.Password = credSetFlags.password
	if cred.Password == "" {
		cred.Password = os.Getenv("MAILGATEWAY_CREDENTIAL_PASSWORD")
	}
	if cred.Username == "" || cred.Password == "" {
		return model.Credential{}, errors.New("--username and --password are required for the generic mailbox")
	}
	if credSetFlags.imapHost == "" && credSetFlags.smtpHost == "" {
		return model.Credential{}, errors.New("--imap-host or --smtp-host is required")
	}
	if credSetFlags.imapHost != "" {
		cred.IMAPHost, cred.IMAPPort = credSetFlags.imapHost, credSetFlags.imapPort
	}
	if credSetFlags.smtpHost != "" {
		cred.SMTPHost, cred.SMTPPort = credSetFlags.smtpHost, credSetFlags.smtpPort
	}
	if cred.Email == "" && strings.Contains(cred.Username, "@") {
		cred.Email = cred.Username
	}
	return cred, nil
}

func openStore() (credential.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return credential.Open(cfg.Credentials)
}

func runCredSet(cmd *cobra.Command, _ []string) error {
	p, err := parseProvider(credSetFlags.provider)
	if err != nil {
		return err
	}
	cred, err := credentialFromFlags(p)
	if err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Put(cmd.Context(), p, cred); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stored %s credential.\n", p)
	return nil
}

func runCredShow(cmd *cobra.Command, _ []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	providers, err := store.Providers(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(providers) == 0 {
		fmt.Fprintln(out, theme.HelpStyle.Render("No credentials stored. Use `mailgateway credentials set`."))
		return nil
	}

	fmt.Fprintln(out, theme.HeaderStyle.Render("Stored credentials"))
	for _, p := range providers {
		cred, err := store.Get(cmd.Context(), p)
		if err != nil {
			fmt.Fprintf(out, "%s: %v\n", p, err)
			continue
		}
		fmt.Fprintln(out, renderCredential(cred))
	}
	return nil
}

func runCredDelete(cmd *cobra.Command, args []string) error {
	p, err := parseProvider(args[0])
	if err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Delete(cmd.Context(), p); err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			fmt.Fprintf(cmd.OutOrStdout(), "No %s credential stored.\n", p)
			return nil
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s credential.\n", p)
	return nil
}
