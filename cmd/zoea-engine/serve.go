package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/unbracketed/zoea-collab-sub000/internal/ingest/natsbus"
	"github.com/unbracketed/zoea-collab-sub000/internal/reconciler"
)

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API, the scheduler and the queue workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "Apply database migrations before starting")
	return cmd
}

func runServe(parent context.Context, migrate bool) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	logConfigWarnings(log, cfg)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := newEngine(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer e.Close()

	if migrate {
		if err := e.migrate(ctx); err != nil {
			return err
		}
	}

	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL, nats.Name("zoea-engine"))
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		defer nc.Close()
	} else {
		log.Info("zoea-engine: NATS_URL not set; event subscription disabled")
	}

	// Workers outlive the producers so in-flight runs drain after the
	// API, NATS and the scheduler have stopped.
	workerCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorkers()
	var workers errgroup.Group
	workers.Go(func() error {
		err := e.runQueue(workerCtx)
		if err != nil {
			log.Error("zoea-engine: queue workers failed", zap.Error(err))
			stop()
		}
		return err
	})

	if _, err := e.scheduler.Resync(ctx); err != nil {
		log.Warn("zoea-engine: cron resync failed", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: e.apiHandler().Router()}
	serveHTTP(gctx, g, log, "http", srv, cfg.HTTPShutdownTimeout)

	if cfg.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: mux}
		serveHTTP(gctx, g, log, "metrics", metricsSrv, cfg.HTTPShutdownTimeout)
	}

	if cfg.SchedulerPollEnabled {
		g.Go(func() error { return ignoreCanceled(e.scheduler.Run(gctx)) })
	} else {
		log.Info("zoea-engine: SCHEDULER_POLL_ENABLED=false; polling scheduler disabled")
	}

	if cfg.ReconcileEnabled {
		recon := reconciler.New(reconciler.Config{
			Interval:  cfg.ReconcileInterval,
			Threshold: cfg.ReconcileThreshold,
			BatchSize: cfg.ReconcileBatchSize,
		}, e.store, e.dispatcher).WithLogger(log).WithMetrics(e.metrics)
		g.Go(func() error { return ignoreCanceled(recon.Run(gctx)) })
	} else {
		log.Info("zoea-engine: RECONCILE_ENABLED not set; reconciler disabled")
	}

	if nc != nil {
		sub := natsbus.NewSubscriber(natsbus.Config{
			Subject: cfg.NATSSubject,
			Queue:   cfg.NATSQueue,
		}, nc, e.dispatcher).WithLogger(log)
		g.Go(func() error { return sub.Run(gctx) })
	}

	log.Info("zoea-engine: started",
		zap.String("version", version),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("queue_backend", cfg.QueueBackend))

	err = g.Wait()
	log.Info("zoea-engine: stopping queue workers (draining tasks)")
	stopWorkers()
	if werr := workers.Wait(); werr != nil {
		err = errors.Join(err, werr)
	}
	log.Info("zoea-engine: stopped")
	return err
}

// serveHTTP runs srv until ctx is cancelled, then shuts it down within
// timeout.
func serveHTTP(ctx context.Context, g *errgroup.Group, log *zap.Logger, name string, srv *http.Server, timeout time.Duration) {
	g.Go(func() error {
		log.Info("zoea-engine: "+name+" server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("zoea-engine: "+name+" server shutdown error", zap.Error(err))
		}
		log.Info("zoea-engine: " + name + " server stopped")
		return nil
	})
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
