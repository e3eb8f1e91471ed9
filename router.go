package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"

	httpapi "github.com/yourorg/catalog-search/http"
	"github.com/yourorg/catalog-search/internal/logger"
)

type RouterDeps struct {
	Searcher  httpapi.Searcher
	Stats     httpapi.StatsService
	Status    httpapi.StatusReader
	StatusKey string
	Metrics   http.Handler
	// RateLimitPerMin caps requests per client IP on the JSON API.
	RateLimitPerMin int
	Log             logrus.FieldLogger
}

func BuildRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.Middleware(d.Log))

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}

	r.Group(func(r chi.Router) {
		if d.RateLimitPerMin > 0 {
			r.Use(httprate.LimitByIP(d.RateLimitPerMin, 1*time.Minute))
		}
		r.Use(render.SetContentType(render.ContentTypeJSON))

		httpapi.RegisterHealth(r, httpapi.HealthDeps{Status: d.Status, StatusKey: d.StatusKey})
		httpapi.RegisterSearch(r, httpapi.SearchDeps{Searcher: d.Searcher, Log: d.Log})
		httpapi.RegisterStats(r, httpapi.StatsDeps{Stats: d.Stats, Log: d.Log})
	})
	return r
}
