package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/yourorg/catalog-search/internal/events"
)

type StatusReader interface {
	GetStatus(ctx context.Context, key string) (events.SyncStatus, bool, error)
}

type HealthDeps struct {
	// Status and StatusKey expose the sync status mirrored to Redis. Both
	// may be empty when no sync process reports.
	Status    StatusReader
	StatusKey string
}

func RegisterHealth(r chi.Router, d HealthDeps) {
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		render.JSON(w, req, map[string]any{"ok": true})
	})

	r.Get("/health/sync", func(w http.ResponseWriter, req *http.Request) {
		if d.Status == nil {
			writeError(w, req, http.StatusNotFound, "sync_status_disabled", nil)
			return
		}
		st, ok, err := d.Status.GetStatus(req.Context(), d.StatusKey)
		if err != nil {
			writeError(w, req, http.StatusServiceUnavailable, "status_unavailable", err)
			return
		}
		if !ok {
			writeError(w, req, http.StatusNotFound, "no_sync_status", nil)
			return
		}
		render.JSON(w, req, map[string]any{"ok": st.State != "disconnected", "sync": st})
	})
}
