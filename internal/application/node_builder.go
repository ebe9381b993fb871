package application

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Shugur-Network/relaypool/internal/config"
	"github.com/Shugur-Network/relaypool/internal/errors"
	"github.com/Shugur-Network/relaypool/internal/health"
	"github.com/Shugur-Network/relaypool/internal/logger"
	"github.com/Shugur-Network/relaypool/internal/metrics"
	"github.com/Shugur-Network/relaypool/internal/pool"
	"github.com/Shugur-Network/relaypool/internal/storage"
	"github.com/Shugur-Network/relaypool/internal/web"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NodeBuilder is used to incrementally construct a Node instance.
type NodeBuilder struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config
	log    *zap.Logger

	poolOpts []pool.Option
	db       *storage.DB
	pool     *pool.Pool
	server   *http.Server
}

// NewNodeBuilder creates a new NodeBuilder with its own cancelable context.
func NewNodeBuilder(ctx context.Context, cfg *config.Config, extra ...pool.Option) *NodeBuilder {
	log := logger.New("node")
	c, cancel := context.WithCancel(logger.WithLogger(ctx, log))
	return &NodeBuilder{
		ctx:      c,
		cancel:   cancel,
		config:   cfg,
		log:      log,
		poolOpts: extra,
	}
}

// BuildSink connects the optional event cache. An unreachable cache is
// skipped with a warning and the pool runs without one; a malformed URL
// is an error.
func (b *NodeBuilder) BuildSink() error {
	if !b.config.Sink.Enabled() {
		return nil
	}

	db, err := storage.Open(b.ctx, b.config.Sink.DatabaseURL, storage.Options{
		MaxConns: b.config.Sink.MaxConns,
		Logger:   b.log.Named("storage"),
	})
	if err == nil {
		err = db.InitializeSchema(b.ctx)
		if err != nil {
			_ = db.Close()
		}
	}
	if err != nil {
		if errors.IsRecoverable(err) {
			b.log.Warn("Event cache unavailable, continuing without it", zap.Error(err))
			return nil
		}
		return err
	}

	b.db = db
	b.poolOpts = append(b.poolOpts, pool.WithSink(storage.NewSink(db)))
	return nil
}

// BuildPool creates the relay pool. It must run after BuildSink.
func (b *NodeBuilder) BuildPool() {
	opts := b.config.ToOptions(b.log.Named("pool"))
	b.pool = pool.New(opts, b.poolOpts...)
}

// BuildServer sets up the metrics, health and stats endpoints when metrics
// are enabled.
func (b *NodeBuilder) BuildServer() {
	if !b.config.Metrics.Enabled {
		return
	}
	metrics.RegisterMetrics()

	checker := health.NewHealthChecker(b.pool, b.log, config.Version)
	if b.db != nil {
		checker.WithCache(b.db)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", checker.HandleHealth)
	web.NewHandler(b.pool, b.log.Named("web"), config.Version).Routes(mux)

	b.server = &http.Server{
		Addr:              b.config.Metrics.Addr,
		Handler:           web.AccessLog(b.log.Named("http"))(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Build finalizes the node construction.
func (b *NodeBuilder) Build() (*Node, error) {
	if b.pool == nil {
		b.cancel()
		return nil, fmt.Errorf("pool must be built before calling Build()")
	}

	node := &Node{
		ctx:    b.ctx,
		cancel: b.cancel,
		config: b.config,
		log:    b.log,
		Pool:   b.pool,
		db:     b.db,
		server: b.server,
	}
	b.log.Debug("Node initialized successfully via builder")
	return node, nil
}
