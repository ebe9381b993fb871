package main

import (
	"context"
	"encoding/json"
	"io"
	"sync/atomic"
	"time"

	"github.com/Shugur-Network/relaypool/internal/logger"
	"github.com/Shugur-Network/relaypool/internal/pool"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// watchLine is one JSON line printed per delivered event.
type watchLine struct {
	Relay        string       `json:"relay"`
	Subscription string       `json:"subscription"`
	Event        *nostr.Event `json:"event"`
}

func newWatchCmd(c *cli) *cobra.Command {
	var (
		ff        filterFlags
		selector  string
		untilEOSE bool
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Subscribe across the pool and print deduplicated events as JSON lines",
		Example: `
  relaypool watch -r wss://nos.lol -r wss://relay.damus.io --kinds 1 --since 1h
  relaypool watch -r wss://nos.lol --authors <hex> --until-eose`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := ff.build(time.Now())
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			node, err := c.startNode(ctx)
			if err != nil {
				return err
			}
			defer stopNode(node)

			log := logger.New("watch")
			printer := newDeliveryPrinter(cmd.OutOrStdout(), log)
			sub, err := node.Pool.Subscribe(nostr.Filters{filter}, pool.ParseSelector(selector),
				pool.WithCallback(printer.print),
				pool.WithEOSECallback(func(relay string) {
					log.Debug("End of stored events", zap.String("relay", relay))
				}),
				pool.WithClosedCallback(func(relay, reason string) {
					log.Warn("Relay closed the subscription", zap.String("relay", relay), zap.String("reason", reason))
				}),
			)
			if err != nil {
				return err
			}
			defer sub.Unsubscribe()
			if len(sub.Targets()) == 0 {
				return pool.ErrNoTargets
			}
			subLog := logger.FromContext(logger.WithSubscription(node.Context(), sub.ID()))

			if untilEOSE {
				if err := sub.WaitEOSE(ctx); err != nil && ctx.Err() == nil {
					return err
				}
				printer.waitFor(ctx, sub.Delivered())
				subLog.Info("All relays finished sending stored events", zap.Int("delivered", sub.Delivered()))
				return nil
			}

			select {
			case <-ctx.Done():
			case <-sub.Done():
			}
			subLog.Info("Watch finished", zap.Int("delivered", sub.Delivered()))
			return nil
		},
	}

	ff.register(cmd)
	cmd.Flags().StringVar(&selector, "select", "all", `Relays to subscribe on: "all", "connected" or a comma-separated list`)
	cmd.Flags().BoolVar(&untilEOSE, "until-eose", false, "Exit once every relay has sent its stored events")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Stop after this long (0 runs until interrupted)")
	return cmd
}

// deliveryPrinter writes deliveries as JSON lines. The callback runs
// behind the subscription's queue, so waitFor lets the command catch up
// with everything already delivered before it exits.
type deliveryPrinter struct {
	out      *json.Encoder
	log      *zap.Logger
	printed  atomic.Int64
	progress chan struct{}
}

func newDeliveryPrinter(w io.Writer, log *zap.Logger) *deliveryPrinter {
	return &deliveryPrinter{out: json.NewEncoder(w), log: log, progress: make(chan struct{}, 1)}
}

func (p *deliveryPrinter) print(d pool.Delivery) {
	line := watchLine{Relay: d.Relay, Subscription: d.SubscriptionID, Event: d.Event}
	if err := p.out.Encode(line); err != nil {
		p.log.Error("Failed to write event", zap.Error(err))
	}
	p.printed.Add(1)
	select {
	case p.progress <- struct{}{}:
	default:
	}
}

func (p *deliveryPrinter) waitFor(ctx context.Context, n int) {
	for p.printed.Load() < int64(n) {
		select {
		case <-p.progress:
		case <-ctx.Done():
			return
		}
	}
}
