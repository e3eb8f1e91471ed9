package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/catalog-search/internal/stats"
)

type StatsService interface {
	Trending(ctx context.Context, limit int) ([]stats.Keyword, error)
	Stats(ctx context.Context) (stats.Result, error)
}

type StatsDeps struct {
	Stats StatsService
	Log   logrus.FieldLogger
}

type statsResponse struct {
	Success bool `json:"success"`
	stats.Result
}

func RegisterStats(r chi.Router, d StatsDeps) {
	r.Get("/api/products/trending", func(w http.ResponseWriter, req *http.Request) {
		kw, err := d.Stats.Trending(req.Context(), queryInt(req, "limit"))
		if err != nil {
			if d.Log != nil {
				d.Log.WithError(err).Error("trending failed")
			}
			writeError(w, req, http.StatusBadGateway, "aggregation_unavailable", err)
			return
		}
		render.JSON(w, req, map[string]any{"success": true, "data": kw})
	})

	r.Get("/api/stats", func(w http.ResponseWriter, req *http.Request) {
		res, err := d.Stats.Stats(req.Context())
		if err != nil {
			if d.Log != nil {
				d.Log.WithError(err).Error("stats failed")
			}
			writeError(w, req, http.StatusBadGateway, "aggregation_unavailable", err)
			return
		}
		render.JSON(w, req, statsResponse{Success: true, Result: res})
	})
}
