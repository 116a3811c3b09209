package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nhle/mailgateway/internal/model"
)

var (
	version = "dev"
	commit  = "none"
)

var configPathFlag string

var rootCmd = &cobra.Command{
	Use:   "mailgateway",
	Short: "Provider-agnostic email gateway for the agency CRM",
	Long: `mailgateway connects the CRM to the agency mailbox through Gmail,
Microsoft 365 or a plain IMAP/SMTP account, whichever is configured and
authorized, and serves a small HTTP API for reading, sending and
certificate-of-insurance search.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPathFlag, "config", model.DefaultConfigPath(), "Path to the configuration file")
}

// loadConfig reads the configuration file named by --config. A missing
// file yields the defaults with environment overrides.
func loadConfig() (*model.AppConfig, error) {
	return model.LoadConfig(configPathFlag)
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
