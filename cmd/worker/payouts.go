package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newPayoutsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payouts",
		Short: "Payout aggregation and dispatch",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "schedule",
		Short: "Run the payout and usage jobs on their cron schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Scheduler.Register(); err != nil {
				return err
			}
			a.Scheduler.Run(cmd.Context())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Aggregate eligible commissions and dispatch due payouts once",
		Long: `One-shot form of the scheduled payout jobs, for hosts that bring their
own scheduler.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.Payouts.RunCycle(cmd.Context())
			if err != nil {
				return fmt.Errorf("payout cycle: %w", err)
			}
			sent, err := a.Payouts.DispatchDue(cmd.Context())
			if err != nil {
				return fmt.Errorf("payout dispatch: %w", err)
			}
			return printJSON(cmd, map[string]any{"cycle": result, "dispatched": sent})
		},
	})

	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
