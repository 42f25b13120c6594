package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/harida/titian/pkg/mcp"
	"github.com/spf13/cobra"
)

var resourcesCmd = &cobra.Command{
	Use:   "resources <server-script> [uri]",
	Short: "List the server's resources, or read one by URI",
	Long: `Without a URI, resources lists everything the MCP server exposes.
With a URI, it reads that resource and prints the raw payload.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runResources,
}

func init() {
	rootCmd.AddCommand(resourcesCmd)
}

func runResources(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd.Context(), args[0], false)
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) == 2 {
		return readResource(cmd.Context(), a, args[1])
	}
	return listResources(cmd.Context(), a)
}

func listResources(ctx context.Context, a *app) error {
	result, err := a.bridge.Call(ctx, "resources/list", func(ctx context.Context, session *mcp.Session) (interface{}, error) {
		return session.ListResources(ctx)
	})
	if err != nil {
		return err
	}

	resources := result.([]mcp.Resource)
	if info, ok := a.bridge.ServerInfo(); ok {
		fmt.Printf("%s %s: %d resources\n\n", info.Name, info.Version, len(resources))
	}
	for _, res := range resources {
		fmt.Printf("  %s\n", res.URI)
		if res.Name != "" {
			fmt.Printf("      %s", res.Name)
			if res.MimeType != "" {
				fmt.Printf(" (%s)", res.MimeType)
			}
			fmt.Println()
		}
	}
	return nil
}

func readResource(ctx context.Context, a *app, uri string) error {
	result, err := a.bridge.Call(ctx, "resources/read", func(ctx context.Context, session *mcp.Session) (interface{}, error) {
		return session.ReadResource(ctx, uri)
	})
	if err != nil {
		return err
	}

	fmt.Println(string(result.(json.RawMessage)))
	return nil
}
