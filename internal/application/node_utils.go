package application

import (
	"context"

	"github.com/Shugur-Network/relaypool/internal/config"
)

// Config returns the node's configuration.
func (n *Node) Config() *config.Config {
	return n.config
}

// Context is cancelled when the node shuts down.
func (n *Node) Context() context.Context {
	return n.ctx
}

// MetricsAddr returns the address the metrics server listens on, or ""
// when it is disabled or not started.
func (n *Node) MetricsAddr() string {
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// HasEventCache reports whether deliveries are forwarded to an event cache.
func (n *Node) HasEventCache() bool {
	return n.db != nil
}
