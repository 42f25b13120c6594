package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var toolsCmd = &cobra.Command{
	Use:   "tools <server-script>",
	Short: "List the tools the MCP server exposes",
	Args:  cobra.ExactArgs(1),
	RunE:  runTools,
}

func init() {
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd.Context(), args[0], false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.catalog.Refresh(cmd.Context()); err != nil {
		return err
	}

	tools, refreshedAt, _ := a.catalog.Tools()
	if info, ok := a.bridge.ServerInfo(); ok {
		fmt.Printf("%s %s: %d tools (as of %s)\n\n",
			info.Name, info.Version, len(tools), refreshedAt.Format("15:04:05"))
	}
	for _, tool := range tools {
		fmt.Printf("  %s\n", tool.Name)
		if tool.Description != "" {
			fmt.Printf("      %s\n", tool.Description)
		}
	}
	return nil
}
