package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newConsumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Turn attributed events into commissions",
		Long: `Consumes the conversion topic from Kafka, creates commissions and emits
the outbound webhooks. Messages that exhaust their retries are parked as
attention items.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()

			if a.Broker != nil {
				return fmt.Errorf("consume needs KAFKA_BROKERS; without Kafka the server runs the consumer itself")
			}
			return a.RunCommissionWorker(cmd.Context())
		},
	}
}
