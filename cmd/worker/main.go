package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"partnerlink/internal/app"
	"partnerlink/internal/config"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "partnerlink-worker",
		Short: "Background jobs for the partnerlink pipeline",
		Long: `Runs the out-of-band parts of the pipeline: the commission consumer,
the payout scheduler and schema migrations. Configuration comes from the
environment, the same as the server.`,
		SilenceUsage: true,
	}
	root.AddCommand(newConsumeCmd(), newPayoutsCmd(), newMigrateCmd())
	return root
}

// bootstrap loads configuration and wires the pipeline.
func bootstrap() (*app.App, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return app.New(cfg, app.NewLogger(cfg))
}
