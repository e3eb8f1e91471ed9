package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/catalog-search/internal/config"
	"github.com/yourorg/catalog-search/internal/env"
	"github.com/yourorg/catalog-search/internal/events"
	"github.com/yourorg/catalog-search/internal/logger"
	"github.com/yourorg/catalog-search/internal/metrics"
	"github.com/yourorg/catalog-search/internal/redisx"
	"github.com/yourorg/catalog-search/internal/search"
	"github.com/yourorg/catalog-search/internal/stats"
	"github.com/yourorg/catalog-search/internal/store"
	"github.com/yourorg/catalog-search/internal/syncer"
	"github.com/yourorg/catalog-search/internal/telemetry"
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
		log.WithError(err).Warn("elasticsearch not ready, serving anyway")
	} else if err := es.EnsureIndices(ctx); err != nil {
		log.WithError(err).Warn("failed to ensure indices")
	}

	rec := telemetry.NewRecorder(es, telemetry.Options{
		Workers:       cfg.Telemetry.Workers,
		Capacity:      cfg.Telemetry.Capacity,
		RatePerSecond: cfg.Telemetry.RatePerSecond,
		Burst:         cfg.Telemetry.Burst,
		WriteTimeout:  cfg.Telemetry.WriteTimeout,
		Logger:        log,
	})
	defer rec.Close()

	var users stats.UserCounter
	if cfg.Database.DSN != "" {
		st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			log.Fatalf("database: %v", err)
		}
		defer st.Close()
		st.UsersTable = cfg.Database.UsersTable
		st.ProductsTable = cfg.Database.ProductsTable
		if err := st.Ping(ctx); err != nil {
			log.WithError(err).Warn("database ping failed, user counts may be unavailable")
		}
		users = st
	}

	deps := RouterDeps{
		Searcher:        search.NewSearcher(es, rec),
		Stats:           stats.New(es, users),
		StatusKey:       cfg.Redis.StatusKey,
		Metrics:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		RateLimitPerMin: cfg.HTTP.RateLimitPerMin,
		Log:             log,
	}
	var rdb *redisx.Client
	if cfg.Redis.Addr != "" {
		rdb = redisx.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer rdb.Close()
		if err := rdb.Ping(ctx); err != nil {
			log.WithError(err).Warn("redis ping failed")
		}
		deps.Status = rdb
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           BuildRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("catalog-search listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if cfg.Sync.Enabled {
		pub := events.NewInMemory(64)
		consumer, err := syncer.NewConsumerFromConfig(cfg, es, pub, log)
		if err != nil {
			log.Fatalf("sync: %v", err)
		}
		if rdb != nil {
			g.Go(func() error {
				rdb.MirrorStatus(gctx, pub.SubscribeSyncStatus(), cfg.Redis.StatusKey, cfg.Redis.StatusTTL, log)
				return nil
			})
		}
		g.Go(func() error {
			// the API keeps serving when the sync loop gives up
			if err := consumer.Run(gctx); err != nil {
				log.WithError(err).Error("sync loop stopped")
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("server stopped")
		rec.Close()
		os.Exit(1)
	}
	log.Info("catalog-search stopped")
}
