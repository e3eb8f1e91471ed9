// Command syncer runs the change feed consumer on its own, without the
// search API. It serves /metrics, /health and /health/sync on
// sync.metrics_addr.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/catalog-search/internal/config"
	"github.com/yourorg/catalog-search/internal/env"
	"github.com/yourorg/catalog-search/internal/events"
	"github.com/yourorg/catalog-search/internal/logger"
	"github.com/yourorg/catalog-search/internal/metrics"
	"github.com/yourorg/catalog-search/internal/redisx"
	"github.com/yourorg/catalog-search/internal/search"
	"github.com/yourorg/catalog-search/internal/syncer"
)

func main() {
	cfgPath := flag.String("config", env.Get("CONFIG_PATH", "config.yaml"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(reg); err != nil {
		log.Fatalf("metrics: %v", err)
	}

	es, err := search.NewFromConfig(cfg.Elastic, log)
	if err != nil {
		log.Fatalf("elasticsearch: %v", err)
	}
	if err := es.WaitReady(ctx, cfg.Elastic.ReadyAttempts, cfg.Elastic.ReadyWait); err != nil {
		log.Fatalf("elasticsearch not ready: %v", err)
	}
	if err := es.EnsureIndices(ctx); err != nil {
		log.Fatalf("ensure indices: %v", err)
	}

	pub := events.NewInMemory(64)
	consumer, err := syncer.NewConsumerFromConfig(cfg, es, pub, log)
	if err != nil {
		log.Fatalf("sync: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.Sync.MetricsAddr,
		Handler:           buildRouter(reg, consumer, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("syncer metrics on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.Redis.Addr != "" {
		rdb := redisx.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer rdb.Close()
		g.Go(func() error {
			rdb.MirrorStatus(gctx, pub.SubscribeSyncStatus(), cfg.Redis.StatusKey, cfg.Redis.StatusTTL, log)
			return nil
		})
	}
	g.Go(func() error {
		// a finished loop, clean or not, takes the metrics server down with it
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		return consumer.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		if errors.Is(err, syncer.ErrFatalConnect) {
			log.WithError(err).Error("could not subscribe to change feed")
		} else {
			log.WithError(err).Error("syncer stopped")
		}
		os.Exit(1)
	}
	log.Info("syncer stopped")
}
