package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yourorg/catalog-search/internal/canon"
	"github.com/yourorg/catalog-search/internal/metrics"
	"github.com/yourorg/catalog-search/internal/telemetry"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	// MaxResultWindow mirrors the engine's index.max_result_window default.
	// Pages ending past it cannot be served with from/size paging.
	MaxResultWindow = 10000
)

// ErrResultWindow is returned for a page that ends past MaxResultWindow.
var ErrResultWindow = errors.New("page beyond result window")

// searchFields are boosted so an exact SKU outranks a name match, which
// outranks tag and description matches.
var searchFields = []string{"sku^5", "name^3", "tags", "description"}

type Query struct {
	Keyword  string
	Page     int
	PageSize int
}

// Normalize trims the keyword and clamps paging: pages below 1 become 1, a
// missing page size becomes DefaultPageSize and larger ones are capped at
// MaxPageSize.
func (q Query) Normalize() Query {
	q.Keyword = strings.TrimSpace(q.Keyword)
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}
	return q
}

type Page struct {
	Items      []Document `json:"items"`
	Total      int64      `json:"total"`
	Page       int        `json:"page"`
	PageSize   int        `json:"pageSize"`
	TotalPages int        `json:"totalPages"`
}

// BuildQuery renders the request body for q. Only active products match.
func BuildQuery(q Query) map[string]any {
	q = q.Normalize()
	var must map[string]any
	if q.Keyword == "" {
		must = map[string]any{"match_all": map[string]any{}}
	} else {
		must = map[string]any{
			"multi_match": map[string]any{
				"query":     q.Keyword,
				"fields":    searchFields,
				"fuzziness": "AUTO",
			},
		}
	}
	return map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"must":   []any{must},
				"filter": []any{map[string]any{"term": map[string]any{"isActive": true}}},
			},
		},
		"from":             (q.Page - 1) * q.PageSize,
		"size":             q.PageSize,
		"track_total_hits": true,
	}
}

type Recorder interface {
	Record(e telemetry.Entry) bool
}

type Searcher struct {
	c   *Client
	rec Recorder
	now func() time.Time
}

// NewSearcher returns a Searcher. rec may be nil to disable search logging.
func NewSearcher(c *Client, rec Recorder) *Searcher {
	return &Searcher{c: c, rec: rec, now: time.Now}
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			Source Document `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Search runs q against the products index. A missing index yields an empty
// page. The first page of a keyword search is logged without blocking.
func (s *Searcher) Search(ctx context.Context, q Query) (Page, error) {
	q = q.Normalize()
	page := Page{Items: []Document{}, Page: q.Page, PageSize: q.PageSize}
	if q.Page*q.PageSize > MaxResultWindow {
		metrics.SearchRequests.WithLabelValues("out_of_range").Inc()
		return Page{}, fmt.Errorf("%w: page %d of size %d", ErrResultWindow, q.Page, q.PageSize)
	}

	start := time.Now()
	defer func() { metrics.SearchSeconds.Observe(time.Since(start).Seconds()) }()

	var resp searchResponse
	err := s.c.search(ctx, s.c.products, BuildQuery(q), &resp)
	switch {
	case errors.Is(err, ErrIndexNotFound):
		metrics.SearchRequests.WithLabelValues("index_missing").Inc()
	case err != nil:
		metrics.SearchRequests.WithLabelValues("error").Inc()
		return Page{}, fmt.Errorf("search products: %w", err)
	default:
		metrics.SearchRequests.WithLabelValues("ok").Inc()
		for _, h := range resp.Hits.Hits {
			page.Items = append(page.Items, h.Source)
		}
		page.Total = resp.Hits.Total.Value
		page.TotalPages = int((page.Total + int64(q.PageSize) - 1) / int64(q.PageSize))
	}

	if kw := canon.Keyword(q.Keyword); kw != "" && q.Page == 1 && s.rec != nil {
		s.rec.Record(telemetry.Entry{Keyword: kw, ResultCount: page.Total, Timestamp: s.now().UTC()})
	}
	return page, nil
}

func (c *Client) search(ctx context.Context, index string, body any, out any) error {
	r, err := encode(body)
	if err != nil {
		return err
	}
	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(index),
		c.es.Search.WithBody(r),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return decodeResponse(res, out)
}
