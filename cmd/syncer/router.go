package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	httpapi "github.com/yourorg/catalog-search/http"
	"github.com/yourorg/catalog-search/internal/events"
	"github.com/yourorg/catalog-search/internal/logger"
	"github.com/yourorg/catalog-search/internal/syncer"
)

type stateSource interface {
	State() syncer.State
}

// liveStatus answers /health/sync from the running consumer instead of Redis.
type liveStatus struct{ c stateSource }

func (s liveStatus) GetStatus(context.Context, string) (events.SyncStatus, bool, error) {
	return events.SyncStatus{State: s.c.State().String(), At: time.Now().UTC()}, true, nil
}

func buildRouter(reg *prometheus.Registry, c stateSource, log logrus.FieldLogger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.Middleware(log))

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Group(func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		httpapi.RegisterHealth(r, httpapi.HealthDeps{Status: liveStatus{c: c}})
	})
	return r
}
