package application

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/Shugur-Network/relaypool/internal/config"
	"github.com/Shugur-Network/relaypool/internal/constants"
	"github.com/Shugur-Network/relaypool/internal/pool"
	"github.com/Shugur-Network/relaypool/internal/storage"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Node ties together the relay pool, the optional event cache and the
// metrics server.
type Node struct {
	ctx    context.Context
	cancel context.CancelFunc

	config *config.Config
	log    *zap.Logger
	Pool   *pool.Pool

	db       *storage.DB
	server   *http.Server
	listener net.Listener
	served   chan struct{}
}

// New creates and configures a Node using the NodeBuilder pattern.
func New(ctx context.Context, cfg *config.Config, extra ...pool.Option) (*Node, error) {
	builder := NewNodeBuilder(ctx, cfg, extra...)

	if err := builder.BuildSink(); err != nil {
		builder.cancel()
		return nil, fmt.Errorf("failed building event cache: %w", err)
	}
	builder.BuildPool()
	builder.BuildServer()

	node, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build node: %w", err)
	}
	return node, nil
}

// Start adds the configured relays and starts the metrics server.
// Invalid relay addresses are logged and skipped.
func (n *Node) Start() error {
	added, err := n.Pool.AddRelays(n.config.Relays...)
	if err != nil {
		n.log.Warn("Some configured relays were rejected", zap.Error(err))
	}
	n.log.Info("Relay pool started", zap.Strings("relays", added))

	if n.server == nil {
		return nil
	}

	ln, err := net.Listen("tcp", n.server.Addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	n.listener = ln
	n.served = make(chan struct{})

	go func() {
		defer close(n.served)
		if err := n.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.log.Error("Metrics server error", zap.Error(err))
		}
	}()
	n.log.Info("Metrics server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Shutdown stops the node in stages: the metrics server, then the pool,
// then the event cache. Errors from every stage are combined.
func (n *Node) Shutdown() error {
	n.log.Info("Initiating graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	var err error

	if n.server != nil && n.listener != nil {
		if serr := n.server.Shutdown(ctx); serr != nil {
			err = multierr.Append(err, fmt.Errorf("metrics server: %w", serr))
		}
		<-n.served
	}

	// closing the pool flushes pending cache notifications before the db goes away
	done := make(chan error, 1)
	go func() { done <- n.Pool.Close() }()
	select {
	case perr := <-done:
		if perr != nil {
			err = multierr.Append(err, fmt.Errorf("relay pool: %w", perr))
		}
	case <-ctx.Done():
		err = multierr.Append(err, fmt.Errorf("relay pool shutdown timed out after %v", constants.ShutdownTimeout))
	}

	if n.db != nil {
		if derr := n.db.Close(); derr != nil {
			err = multierr.Append(err, fmt.Errorf("event cache: %w", derr))
		}
	}

	n.cancel()

	if err != nil {
		n.log.Warn("Node shutdown completed with errors",
			zap.Int("error_count", len(multierr.Errors(err))),
			zap.Error(err))
		return err
	}
	n.log.Info("Node shutdown completed successfully")
	return nil
}
