package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Shugur-Network/relaypool/internal/application"
	"github.com/Shugur-Network/relaypool/internal/config"
	"github.com/Shugur-Network/relaypool/internal/errors"
	"github.com/Shugur-Network/relaypool/internal/logger"
	"github.com/Shugur-Network/relaypool/internal/pool"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// cli carries flag values and the loaded configuration between the root
// command and its subcommands.
type cli struct {
	cfgFile     string
	relays      []string
	logLevel    string
	metricsAddr string
	verify      bool

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "relaypool",
		Short: "relaypool multiplexes Nostr subscriptions and publishes over many relays",
		Long:  `Keeps connections to a set of Nostr relays, fans subscriptions and publishes out to them and deduplicates what comes back.`,
		Example: `
  relaypool watch -r wss://relay.damus.io -r wss://nos.lol --kinds 1 --limit 20
  relaypool publish -r wss://nos.lol event.json
  relaypool start --config /path/to/relaypool.yaml --metrics-addr :2112`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return c.loadConfig(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&c.cfgFile, "config", "c", "", "Path to custom config file (optional)")
	flags.StringArrayVarP(&c.relays, "relay", "r", nil, "Relay address to add (repeatable)")
	flags.StringVar(&c.logLevel, "log-level", "", "Logging level (debug, info, warn, error, fatal)")
	flags.StringVar(&c.metricsAddr, "metrics-addr", "", "Serve metrics, health and stats on this address")
	flags.BoolVar(&c.verify, "verify", true, "Drop events whose signature does not check out")

	root.AddCommand(
		newVersionCmd(),
		newStartCmd(c),
		newWatchCmd(c),
		newPublishCmd(c),
		newStatusCmd(c),
		newInfoCmd(c),
	)
	return root
}

// Execute runs the root command with the provided context and returns the
// process exit code: 2 for invalid input, 3 for timeouts, 1 otherwise.
func Execute(ctx context.Context) int {
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return 0
}

func exitCode(err error) int {
	switch errors.TypeOf(err) {
	case errors.ErrorTypeValidation:
		return 2
	case errors.ErrorTypeTimeout:
		return 3
	}
	return 1
}

func (c *cli) loadConfig(cmd *cobra.Command) error {
	cfg, err := config.Load(c.cfgFile, nil)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("relay") {
		cfg.Relays = append(cfg.Relays, c.relays...)
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = c.metricsAddr
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = c.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if flags.Changed("log-level") {
		if err := logger.UpdateLevel(c.logLevel); err != nil {
			return err
		}
	}

	c.cfg = cfg
	return nil
}

// requireRelays fails when neither the config nor the flags name a relay.
func (c *cli) requireRelays() error {
	if len(c.cfg.Relays) == 0 {
		return errors.ConfigurationError("relays", "no relays given; pass --relay or set relays in the config file")
	}
	return nil
}

// startNode builds and starts a node for the configured relays. The
// caller owns Shutdown.
func (c *cli) startNode(ctx context.Context) (*application.Node, error) {
	if err := c.requireRelays(); err != nil {
		return nil, err
	}

	var extra []pool.Option
	if c.verify {
		extra = append(extra, pool.WithVerifier(verifySignature))
	}

	node, err := application.New(ctx, c.cfg, extra...)
	if err != nil {
		return nil, err
	}
	if err := node.Start(); err != nil {
		_ = node.Shutdown()
		return nil, err
	}

	log := logger.New("cli")
	node.Pool.OnNotice(func(relay, message string) {
		log.Info("Relay notice", zap.String("relay", relay), zap.String("message", message))
	})
	node.Pool.OnAuthChallenge(func(relay, challenge string) {
		log.Info("Relay requested authentication", zap.String("relay", relay), zap.String("challenge", challenge))
	})
	return node, nil
}

func stopNode(node *application.Node) {
	if err := node.Shutdown(); err != nil {
		logger.Warn("Shutdown finished with errors", zap.Error(err))
	}
}

func verifySignature(evt *nostr.Event) bool {
	ok, err := evt.CheckSignature()
	return err == nil && ok
}
