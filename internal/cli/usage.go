package cli

import (
	"fmt"

	"github.com/harida/titian/internal/config"
	"github.com/harida/titian/internal/usage"
	"github.com/spf13/cobra"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show recorded token usage",
	Args:  cobra.NoArgs,
	RunE:  runUsage,
}

func init() {
	rootCmd.AddCommand(usageCmd)
}

func runUsage(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if !cfg.Usage.Enabled {
		return fmt.Errorf("usage accounting is disabled")
	}

	store, err := usage.NewStore(cfg.Usage.Path)
	if err != nil {
		return fmt.Errorf("opening usage store: %w", err)
	}
	defer store.Close()

	summary, err := store.Summarize(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("%d runs, %d model turns\n", summary.Runs, summary.Turns)
	fmt.Printf("tokens: %d in, %d out\n", summary.InputTokens, summary.OutputTokens)
	if len(summary.ByModel) > 0 {
		fmt.Println()
		for _, m := range summary.ByModel {
			fmt.Printf("  %-40s %4d turns  %8d in  %8d out\n",
				m.Model, m.Turns, m.InputTokens, m.OutputTokens)
		}
	}
	return nil
}
