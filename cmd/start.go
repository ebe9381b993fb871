package main

import (
	"github.com/Shugur-Network/relaypool/internal/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newStartCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the relay pool until interrupted",
		Long:  "Connect to the configured relays and keep the pool running, serving metrics and health when enabled, until SIGINT or SIGTERM.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			node, err := c.startNode(ctx)
			if err != nil {
				return err
			}

			logger.Info("relaypool started",
				zap.Strings("relays", node.Pool.Relays()),
				zap.String("metrics_addr", node.MetricsAddr()))

			<-ctx.Done()
			logger.Info("Shutdown signal received, initiating graceful shutdown...")
			stopNode(node)
			return nil
		},
	}
}
