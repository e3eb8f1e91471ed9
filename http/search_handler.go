package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/catalog-search/internal/search"
)

type Searcher interface {
	Search(ctx context.Context, q search.Query) (search.Page, error)
}

type SearchDeps struct {
	Searcher Searcher
	Log      logrus.FieldLogger
}

type searchResponse struct {
	Success bool `json:"success"`
	search.Page
}

// RegisterSearch mounts GET /api/products?q=&page=&pageSize=. pageSize is
// capped at search.MaxPageSize; a page ending past search.MaxResultWindow
// is answered with 400 page_out_of_range.
func RegisterSearch(r chi.Router, d SearchDeps) {
	r.Get("/api/products", func(w http.ResponseWriter, req *http.Request) {
		q := search.Query{
			Keyword:  req.URL.Query().Get("q"),
			Page:     queryInt(req, "page"),
			PageSize: queryInt(req, "pageSize"),
		}
		page, err := d.Searcher.Search(req.Context(), q)
		if errors.Is(err, search.ErrResultWindow) {
			writeError(w, req, http.StatusBadRequest, "page_out_of_range", err)
			return
		}
		if err != nil {
			if d.Log != nil {
				d.Log.WithError(err).WithField("q", q.Keyword).Error("search failed")
			}
			writeError(w, req, http.StatusBadGateway, "search_unavailable", err)
			return
		}
		render.JSON(w, req, searchResponse{Success: true, Page: page})
	})
}
