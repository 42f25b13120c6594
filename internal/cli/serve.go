package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/harida/titian/pkg/gateway"
	"github.com/spf13/cobra"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve <server-script>",
	Short: "Expose the tool loop over a websocket gateway",
	Long: `Serve connects to the MCP server script and starts the websocket
gateway. Clients connect to /ws, send message frames, and receive the
assistant's answers. Prometheus metrics are served on /metrics.`,
	Args: cobra.ExactArgs(1),
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "gateway port override")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd.Context(), args[0], true)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.catalog.Refresh(cmd.Context()); err != nil {
		zl := a.log.GetZerolog()
		zl.Warn().Err(err).Msg("Initial catalog refresh failed")
	}

	port := a.cfg.Gateway.Port
	if servePort > 0 {
		port = servePort
	}

	server, err := gateway.NewServer(gateway.Config{
		Host:         a.cfg.Gateway.Host,
		Port:         port,
		SharedSecret: a.cfg.Gateway.SharedSecret,
		Processor:    a.runner,
		Logger:       a.log.GetZerolog(),
	})
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}
	zl := a.log.GetZerolog()
	zl.Info().Int("port", port).Msg("Gateway listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	zl.Info().Str("signal", sig.String()).Msg("Shutting down")

	return server.Stop()
}
