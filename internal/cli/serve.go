package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/convo/internal/api"
	"github.com/roach88/convo/internal/metrics"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the data directory over local HTTP",
		Long: `Serve the JSON API, the server-sent event feed at /api/events
and Prometheus metrics at /metrics. SIGINT or SIGTERM stops the server
gracefully and cancels running replies.

Examples:
  convo serve
  convo serve --listen 127.0.0.1:9000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			m := metrics.New()
			ws, err := rootOpts.openWorkspace(ctx, cmd, m)
			if err != nil {
				return err
			}
			defer ws.Close()

			addr := listen
			if addr == "" {
				addr = rootOpts.cfg.Listen
			}
			srv := api.New(ws, api.WithLogger(rootOpts.logger), api.WithMetrics(m))
			if err := srv.ListenAndServe(ctx, addr); err != nil {
				return WrapExitError(ExitCommandError, "server failed", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config)")
	return cmd
}
