package cli

import (
	"context"

	"github.com/harida/titian/internal/tui"
	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat <server-script>",
	Short: "Open an interactive chat session",
	Long: `Chat connects to the MCP server script and opens the interactive
terminal surface. Type a query and the model answers, calling the server's
tools as it sees fit. Ctrl+C or Esc quits and disconnects.`,
	Args: cobra.ExactArgs(1),
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	// Console logging would fight the terminal UI for stdout.
	a, err := setup(cmd.Context(), args[0], false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.catalog.Refresh(context.Background()); err != nil {
		zl := a.log.GetZerolog()
		zl.Warn().Err(err).Msg("Initial catalog refresh failed")
	}

	return tui.Run(tui.Config{
		Processor: a.runner,
		Bridge:    a.bridge,
		Catalog:   a.catalog,
		Logger:    a.log.GetZerolog(),
	})
}
