package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nhle/mailgateway/internal/coi"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Detect the active provider and show every provider's state",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Fprintln(cmd.OutOrStdout(), renderStatus(a.Gateway.Status(cmd.Context())))
		return nil
	},
}

var (
	coiClientFlag string
	coiDaysFlag   int
)

var coiSearchCmd = &cobra.Command{
	Use:   "coi-search",
	Short: "List recent certificate-of-insurance mail",
	Long: `coi-search asks the active provider for recent mail, optionally
narrowed to a client name, and prints the messages the COI classifier
accepts together with the rule that matched.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Searcher.Search(cmd.Context(), coiClientFlag, coiDaysFlag)
		if err != nil {
			return err
		}
		title := fmt.Sprintf("COI mail, last %d days", days(coiDaysFlag, a.Searcher))
		fmt.Fprintln(cmd.OutOrStdout(), renderMessages(title, res.Provider, res.Messages, coi.NewClassifier(a.Config.COI)))
		return nil
	},
}

func days(flag int, s *coi.Searcher) int {
	if flag > 0 {
		return flag
	}
	return s.DefaultDays()
}

func init() {
	coiSearchCmd.Flags().StringVar(&coiClientFlag, "client", "", "Client name to narrow the search")
	coiSearchCmd.Flags().IntVar(&coiDaysFlag, "days", 0, "Search window in days (default coi.default_days)")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(coiSearchCmd)
}
