package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var askShowUsage bool

var askCmd = &cobra.Command{
	Use:   "ask <server-script> <query>",
	Short: "Run a single query and print the answer",
	Long: `Ask connects to the MCP server script, processes one query through
the tool loop, prints the answer, and disconnects.`,
	Args: cobra.ExactArgs(2),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().BoolVar(&askShowUsage, "usage", false, "print token usage after the answer")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd.Context(), args[0], false)
	if err != nil {
		return err
	}
	defer a.Close()

	answer, err := a.runner.Process(cmd.Context(), args[1])
	if answer != "" {
		fmt.Println(answer)
	}
	if err != nil {
		return err
	}

	if askShowUsage && a.usage != nil {
		ctx := context.Background()
		run, err := a.usage.RunUsage(ctx, a.runner.LastRunID())
		if err != nil {
			return fmt.Errorf("reading usage: %w", err)
		}
		summary, err := a.usage.Summarize(ctx)
		if err != nil {
			return fmt.Errorf("reading usage: %w", err)
		}
		fmt.Printf("\nthis run: %d turns, %d input tokens, %d output tokens\n",
			run.Turns, run.InputTokens, run.OutputTokens)
		fmt.Printf("all time: %d turns, %d input tokens, %d output tokens\n",
			summary.Turns, summary.InputTokens, summary.OutputTokens)
	}
	return nil
}
