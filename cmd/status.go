package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/Shugur-Network/relaypool/internal/logger"
	"github.com/Shugur-Network/relaypool/internal/relay"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newStatusCmd(c *cli) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Connect to the relays and print the state of each connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := c.startNode(cmd.Context())
			if err != nil {
				return err
			}
			defer stopNode(node)

			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			if err := node.Pool.WaitForConnections(ctx, len(node.Pool.Relays())); err != nil {
				logger.Debug("Not every relay connected in time", zap.Error(err))
			}

			return writeStates(cmd.OutOrStdout(), node.Pool.States())
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "How long to wait for every relay to connect")
	return cmd
}

func writeStates(w io.Writer, states map[string]relay.State) error {
	relays := make([]string, 0, len(states))
	open := 0
	for r, s := range states {
		relays = append(relays, r)
		if s == relay.StateOpen {
			open++
		}
	}
	sort.Strings(relays)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RELAY\tSTATE")
	for _, r := range relays {
		fmt.Fprintf(tw, "%s\t%s\n", r, states[r])
	}
	fmt.Fprintf(tw, "\n%d/%d open\n", open, len(relays))
	return tw.Flush()
}
