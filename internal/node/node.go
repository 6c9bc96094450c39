// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof" // #nosec G108
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/blinklabs-io/tally/cache"
	"github.com/blinklabs-io/tally/database"
	"github.com/blinklabs-io/tally/etl"
	"github.com/blinklabs-io/tally/event"
	"github.com/blinklabs-io/tally/internal/config"
	"github.com/blinklabs-io/tally/loadbalancer"
	"github.com/blinklabs-io/tally/source"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
)

// Node owns every long-lived component of a tally process
type Node struct {
	config          *config.Config
	logger          *slog.Logger
	promRegistry    prometheus.Registerer
	db              *database.Database
	ledgerCache     *cache.LedgerCache
	eventBus        *event.EventBus
	validated       *source.ValidatedLedgers
	loadBalancer    *loadbalancer.LoadBalancer
	etl             *etl.Service
	statusServer    *http.Server
	statusListener  net.Listener
	shutdownFuncs   []func(context.Context) error
	shutdownTimeout time.Duration
	stopOnce        sync.Once
	stopErr         error
}

// New opens storage and builds the pipeline described by cfg. Nothing runs
// until Run is called.
func New(
	cfg *config.Config,
	logger *slog.Logger,
	promRegistry prometheus.Registerer,
) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := &Node{
		config:       cfg,
		logger:       logger,
		promRegistry: promRegistry,
		shutdownTimeout: config.Duration(
			cfg.ShutdownTimeout,
			30*time.Second,
		),
	}
	if cfg.Tracing.Enabled {
		tp, err := newTracerProvider(context.Background(), cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("tracing: %w", err)
		}
		otel.SetTracerProvider(tp)
		n.shutdownFuncs = append(n.shutdownFuncs, tp.Shutdown)
	}
	db, err := database.New(&database.Config{
		PromRegistry:   promRegistry,
		Logger:         logger,
		DataDir:        cfg.DatabasePath,
		DSN:            cfg.DatabaseDSN,
		BlobPlugin:     cfg.BlobPlugin,
		MetadataPlugin: cfg.MetadataPlugin,
	})
	if err != nil {
		return nil, errors.Join(err, n.shutdown(context.Background()))
	}
	n.db = db
	n.shutdownFuncs = append(n.shutdownFuncs, func(context.Context) error {
		return db.Close()
	})
	cacheOpts := []cache.LedgerCacheOptionFunc{
		cache.WithLogger(logger),
		cache.WithPromRegistry(promRegistry),
	}
	if cfg.Cache.NumDiffs > 0 {
		cacheOpts = append(cacheOpts, cache.WithNumDiffs(cfg.Cache.NumDiffs))
	}
	n.ledgerCache = cache.New(cacheOpts...)
	n.eventBus = event.NewEventBus(promRegistry, logger)
	n.shutdownFuncs = append(n.shutdownFuncs, func(context.Context) error {
		n.eventBus.Stop()
		return nil
	})
	n.validated = source.NewValidatedLedgers()
	if err := n.buildLoadBalancer(); err != nil {
		return nil, errors.Join(err, n.shutdown(context.Background()))
	}
	if err := n.buildETL(); err != nil {
		return nil, errors.Join(err, n.shutdown(context.Background()))
	}
	return n, nil
}

func (n *Node) buildLoadBalancer() error {
	if len(n.config.Sources) == 0 {
		return nil
	}
	sources, err := newSources(n.config, n.logger, n.promRegistry, n.validated)
	if err != nil {
		return err
	}
	lbCfg := n.config.LoadBalancer
	lb, err := loadbalancer.New(loadbalancer.Config{
		Logger:           n.logger,
		PromRegistry:     n.promRegistry,
		Sources:          sources,
		FetchRetryRounds: lbCfg.FetchRetryRounds,
		RoundDelay: config.Duration(
			lbCfg.RoundDelay,
			loadbalancer.DefaultRoundDelay,
		),
		StickyForward:          lbCfg.StickyForward,
		ForwardingCacheTimeout: config.Duration(lbCfg.ForwardingCacheTimeout, 0),
		CacheableMethods:       lbCfg.CacheableMethods,
	})
	if err != nil {
		return err
	}
	n.loadBalancer = lb
	return nil
}

func (n *Node) buildETL() error {
	cfg := n.config
	// A nil *LoadBalancer must not become a non-nil interface
	var lb etl.LoadBalancer
	if n.loadBalancer != nil {
		lb = n.loadBalancer
	}
	svc, err := etl.NewService(etl.ServiceConfig{
		Logger:               n.logger,
		PromRegistry:         n.promRegistry,
		Backend:              n.db,
		LoadBalancer:         lb,
		Validated:            n.validated,
		Cache:                n.ledgerCache,
		EventBus:             n.eventBus,
		ReadOnly:             cfg.Mode == config.ModeReadOnly,
		AllowNoETL:           cfg.ETL.AllowNoETL,
		StartSequence:        cfg.ETL.StartSequence,
		FinishSequence:       cfg.ETL.FinishSequence,
		ExtractorQueueSize:   cfg.ETL.ExtractorQueueSize,
		TransformerQueueSize: cfg.ETL.TransformerQueueSize,
		ExtractorWorkers:     cfg.ETL.ExtractorWorkers,
		WriteRetries:         cfg.ETL.WriteRetries,
		InitialLoadMarkers:   cfg.ETL.InitialLoadMarkers,
		WriterTimeout: config.Duration(
			cfg.ETL.WriterTimeout,
			etl.DefaultWriterTimeout,
		),
		CacheLoad: etl.CacheLoaderConfig{
			Style:       etl.CacheLoadStyle(cfg.Cache.LoadStyle),
			NumMarkers:  cfg.Cache.NumMarkers,
			PageSize:    cfg.Cache.PageSize,
			Workers:     cfg.Cache.Workers,
			MaxObjects:  cfg.Cache.MaxObjects,
			FromStorage: cfg.Cache.FromStorage,
		},
	})
	if err != nil {
		return err
	}
	n.etl = svc
	return nil
}

// ETL returns the ingestion service
func (n *Node) ETL() *etl.Service {
	return n.etl
}

// EventBus returns the bus ledger.advanced events are published on
func (n *Node) EventBus() *event.EventBus {
	return n.eventBus
}

// StatusAddr returns the address the status server listens on, once Run has
// started it
func (n *Node) StatusAddr() net.Addr {
	if n.statusListener == nil {
		return nil
	}
	return n.statusListener.Addr()
}

// Run starts the status server and the pipeline, then blocks until ctx is
// done or the status server fails. A halted pipeline does not end Run: the
// process keeps serving its status.
func (n *Node) Run(ctx context.Context) error {
	errChan := make(chan error, 1)
	if n.config.StatusPort > 0 {
		addr := net.JoinHostPort(
			n.config.BindAddr,
			fmt.Sprintf("%d", n.config.StatusPort),
		)
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("status listener: %w", err)
		}
		n.statusListener = listener
		var forwarder statusForwarder
		if n.loadBalancer != nil {
			forwarder = n.loadBalancer
		}
		n.statusServer = &http.Server{
			Handler:           newStatusHandler(n.etl, forwarder, n.logger),
			ReadHeaderTimeout: 60 * time.Second,
		}
		n.logger.Info(
			"starting status listener on "+listener.Addr().String(),
			"component", "node",
		)
		go func() {
			if err := n.statusServer.Serve(listener); err != nil &&
				!errors.Is(err, http.ErrServerClosed) {
				errChan <- fmt.Errorf("status server: %w", err)
			}
		}()
	}
	if err := n.etl.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return nil
	case err := <-errChan:
		return err
	}
}

// Stop stops the pipeline and releases storage. It is safe to call more
// than once.
func (n *Node) Stop() error {
	n.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(
			context.Background(),
			n.shutdownTimeout,
		)
		defer cancel()
		var errs []error
		if n.statusServer != nil {
			if err := n.statusServer.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("status server: %w", err))
			}
		}
		if n.etl != nil {
			if err := n.etl.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("etl: %w", err))
			}
		}
		errs = append(errs, n.shutdown(ctx))
		n.stopErr = errors.Join(errs...)
	})
	return n.stopErr
}

// shutdown runs the registered shutdown funcs in reverse order
func (n *Node) shutdown(ctx context.Context) error {
	var errs []error
	for i := len(n.shutdownFuncs) - 1; i >= 0; i-- {
		errs = append(errs, n.shutdownFuncs[i](ctx))
	}
	n.shutdownFuncs = nil
	return errors.Join(errs...)
}

// Run runs a node until SIGINT or SIGTERM, serving prometheus metrics
// alongside it
func Run(cfg *config.Config, logger *slog.Logger) error {
	logger.Debug(fmt.Sprintf("config: %+v", cfg), "component", "node")
	n, err := New(cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	// Metrics and debug listener
	http.Handle("/metrics", promhttp.Handler())
	metricsAddr := net.JoinHostPort(cfg.BindAddr, fmt.Sprintf("%d", cfg.MetricsPort))
	logger.Info(
		"serving prometheus metrics on "+metricsAddr,
		"component", "node",
	)
	metricsServer := &http.Server{
		Addr:              metricsAddr,
		ReadHeaderTimeout: 60 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error(
				fmt.Sprintf("failed to start metrics listener: %s", err),
				"component", "node",
			)
			os.Exit(1)
		}
	}()
	// Wait for interrupt/termination signal
	signalCtx, signalCtxStop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer signalCtxStop()

	runErr := n.Run(signalCtx)
	if runErr != nil {
		logger.Error("node error", "error", runErr)
	} else {
		logger.Info("signal received, initiating graceful shutdown")
	}
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		n.shutdownTimeout,
	)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", "error", err)
	}
	if err := n.Stop(); err != nil {
		logger.Error("shutdown errors occurred", "error", err)
		return errors.Join(runErr, err)
	}
	if runErr == nil {
		logger.Info("shutdown complete")
	}
	return runErr
}
