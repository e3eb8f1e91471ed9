package search

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/yourorg/catalog-search/internal/telemetry"
)

type Bucket struct {
	Key   string
	Count int64
}

// Count returns the exact number of documents in index matching query. A nil
// query counts everything.
func (c *Client) Count(ctx context.Context, index string, query map[string]any) (int64, error) {
	opts := []func(*esapi.CountRequest){
		c.es.Count.WithContext(ctx),
		c.es.Count.WithIndex(index),
	}
	if query != nil {
		body, err := encode(map[string]any{"query": query})
		if err != nil {
			return 0, err
		}
		opts = append(opts, c.es.Count.WithBody(body))
	}
	res, err := c.es.Count(opts...)
	if err != nil {
		return 0, fmt.Errorf("%w: count %s: %v", ErrTransport, index, err)
	}
	var out struct {
		Count int64 `json:"count"`
	}
	if err := decodeResponse(res, &out); err != nil {
		return 0, fmt.Errorf("count %s: %w", index, err)
	}
	return out.Count, nil
}

type termsResponse struct {
	Aggregations struct {
		Terms struct {
			Buckets []struct {
				Key      any   `json:"key"`
				DocCount int64 `json:"doc_count"`
			} `json:"buckets"`
		} `json:"terms"`
	} `json:"aggregations"`
}

// Terms returns the top size buckets of field in index, most frequent first.
// When field is an analysed text field the query is retried once against
// its .keyword sub-field.
func (c *Client) Terms(ctx context.Context, index, field string, size int) ([]Bucket, error) {
	buckets, err := c.terms(ctx, index, field, size)
	if errors.Is(err, ErrFielddata) && !strings.HasSuffix(field, ".keyword") {
		c.log.WithField("field", field).Debug("terms on text field, retrying on keyword sub-field")
		buckets, err = c.terms(ctx, index, field+".keyword", size)
	}
	return buckets, err
}

func (c *Client) terms(ctx context.Context, index, field string, size int) ([]Bucket, error) {
	body := map[string]any{
		"size": 0,
		"aggs": map[string]any{
			"terms": map[string]any{
				"terms": map[string]any{"field": field, "size": size},
			},
		},
	}
	var resp termsResponse
	if err := c.search(ctx, index, body, &resp); err != nil {
		return nil, fmt.Errorf("terms %s.%s: %w", index, field, err)
	}
	out := make([]Bucket, 0, len(resp.Aggregations.Terms.Buckets))
	for _, b := range resp.Aggregations.Terms.Buckets {
		out = append(out, Bucket{Key: fmt.Sprint(b.Key), Count: b.DocCount})
	}
	return out, nil
}

// WriteEntry appends one search log document.
func (c *Client) WriteEntry(ctx context.Context, e telemetry.Entry) error {
	body, err := encode(e)
	if err != nil {
		return err
	}
	res, err := c.es.Index(c.logs, body, c.es.Index.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: index log: %v", ErrTransport, err)
	}
	if err := decodeResponse(res, nil); err != nil {
		return fmt.Errorf("index log: %w", err)
	}
	return nil
}
