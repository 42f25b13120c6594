// Package cli wires the titian commands: interactive chat, one-shot ask,
// tool and resource inspection, and the websocket gateway.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "dev"

	cfgPath  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "titian",
	Short: "MCP client with an agentic tool loop",
	Long: `Titian connects a language model to an MCP tool server.

It spawns the server as a subprocess, discovers its tools, and drives a
model-in-the-loop conversation where the model decides which tools to call
and when the answer is complete.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default ~/.titian/titian.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.SetVersionTemplate("titian {{.Version}}\n")
}
