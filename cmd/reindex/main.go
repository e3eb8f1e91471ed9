// Command reindex copies every product row from the database into the
// products index. With -interval it keeps repeating the pass.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/catalog-search/internal/config"
	"github.com/yourorg/catalog-search/internal/env"
	"github.com/yourorg/catalog-search/internal/logger"
	"github.com/yourorg/catalog-search/internal/reindex"
	"github.com/yourorg/catalog-search/internal/search"
	"github.com/yourorg/catalog-search/internal/store"
)

func main() {
	cfgPath := flag.String("config", env.Get("CONFIG_PATH", "config.yaml"), "path to the YAML config file")
	interval := flag.Duration("interval", env.GetDuration("REINDEX_INTERVAL", 0), "repeat the pass at this interval; zero runs once")
	pageSize := flag.Int("page-size", 0, "rows per bulk request (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	if cfg.Database.DSN == "" {
		log.Fatal("PG_DSN (database.dsn) is required")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer st.Close()
	st.UsersTable = cfg.Database.UsersTable
	st.ProductsTable = cfg.Database.ProductsTable
	if err := st.Ping(ctx); err != nil {
		log.Fatalf("database ping: %v", err)
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

	job := &reindex.Job{
		Store:  st,
		Index:  es,
		Logger: log.WithField("component", "reindex"),
		Config: reindex.Config{PageSize: cfg.Reindex.PageSize, Interval: cfg.Reindex.Interval},
	}
	if *interval > 0 {
		job.Config.Interval = *interval
	}
	if *pageSize > 0 {
		job.Config.PageSize = *pageSize
	}
	if err := job.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("reindex: %v", err)
	}
}
