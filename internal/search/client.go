// Package search wraps the search engine: bulk writes from the sync loop,
// ranked catalog queries and the aggregations behind the dashboard.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

var (
	// ErrIndexNotFound is returned when the target index has not been created
	// yet. Query-layer callers treat it as an empty result.
	ErrIndexNotFound = errors.New("index not found")

	// ErrTransport wraps failures of a whole call: connection errors and
	// non-2xx responses that carry no per-item detail.
	ErrTransport = errors.New("search engine transport failure")

	// ErrFielddata is returned when an aggregation targets an analysed text
	// field; callers may retry against the .keyword sub-field.
	ErrFielddata = errors.New("aggregation on text field")
)

type Config struct {
	Nodes          []string
	Username       string
	Password       string
	ProductsIndex  string
	LogsIndex      string
	RequestTimeout time.Duration
	MaxRetries     int
}

type Client struct {
	es       *elasticsearch.Client
	products string
	logs     string
	log      logrus.FieldLogger
}

func New(cfg Config, log logrus.FieldLogger) (*Client, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	rc := retryablehttp.NewClient()
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.RetryMax = cfg.MaxRetries
	rc.HTTPClient.Timeout = cfg.RequestTimeout
	rc.Logger = leveledLogger{log.WithField("component", "es-transport")}
	// hand the last response to the client so error bodies can be decoded
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    cfg.Nodes,
		Username:     cfg.Username,
		Password:     cfg.Password,
		Transport:    &retryablehttp.RoundTripper{Client: rc},
		DisableRetry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("elasticsearch client: %w", err)
	}
	products, logs := cfg.ProductsIndex, cfg.LogsIndex
	if products == "" {
		products = "products"
	}
	if logs == "" {
		logs = "search_logs"
	}
	return &Client{es: es, products: products, logs: logs, log: log}, nil
}

func (c *Client) ProductsIndex() string { return c.products }
func (c *Client) LogsIndex() string     { return c.logs }

// WaitReady polls cluster health until it answers or attempts run out.
func (c *Client) WaitReady(ctx context.Context, attempts int, wait time.Duration) error {
	var lastErr error
	for i := 1; i <= attempts; i++ {
		res, err := c.es.Cluster.Health(c.es.Cluster.Health.WithContext(ctx))
		if err == nil {
			var body struct {
				Status string `json:"status"`
			}
			err = decodeResponse(res, &body)
			if err == nil {
				c.log.WithField("status", body.Status).Info("Elasticsearch connected")
				return nil
			}
		}
		lastErr = err
		c.log.WithError(err).Warnf("Elasticsearch not ready, %d attempt(s) left", attempts-i)
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("elasticsearch not ready: %w", lastErr)
}

var productsMapping = map[string]any{
	"mappings": map[string]any{
		"properties": map[string]any{
			"id":          map[string]any{"type": "long"},
			"sku":         map[string]any{"type": "text", "fields": map[string]any{"raw": map[string]any{"type": "keyword"}}},
			"name":        map[string]any{"type": "text"},
			"description": map[string]any{"type": "text"},
			"category":    map[string]any{"type": "keyword"},
			"price":       map[string]any{"type": "double"},
			"tags":        map[string]any{"type": "text"},
			"isActive":    map[string]any{"type": "boolean"},
		},
	},
}

var logsMapping = map[string]any{
	"mappings": map[string]any{
		"properties": map[string]any{
			"keyword":     map[string]any{"type": "keyword"},
			"resultCount": map[string]any{"type": "integer"},
			"timestamp":   map[string]any{"type": "date"},
		},
	},
}

// EnsureIndices creates the product and log indices with explicit mappings
// when they do not exist yet.
func (c *Client) EnsureIndices(ctx context.Context) error {
	for index, mapping := range map[string]map[string]any{c.products: productsMapping, c.logs: logsMapping} {
		res, err := c.es.Indices.Exists([]string{index}, c.es.Indices.Exists.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("%w: exists %s: %v", ErrTransport, index, err)
		}
		res.Body.Close()
		if res.StatusCode == http.StatusOK {
			continue
		}
		body, err := encode(mapping)
		if err != nil {
			return err
		}
		res, err = c.es.Indices.Create(index, c.es.Indices.Create.WithContext(ctx), c.es.Indices.Create.WithBody(body))
		if err != nil {
			return fmt.Errorf("%w: create %s: %v", ErrTransport, index, err)
		}
		if err := decodeResponse(res, nil); err != nil {
			var esErr *Error
			if errors.As(err, &esErr) && esErr.Type == "resource_already_exists_exception" {
				continue
			}
			return fmt.Errorf("create index %s: %w", index, err)
		}
		c.log.WithField("index", index).Info("created index")
	}
	return nil
}

// Error is an error body returned by the search engine.
type Error struct {
	Status int
	Type   string
	Reason string
	Causes []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("elasticsearch %d %s: %s", e.Status, e.Type, e.Reason)
}

type errorBody struct {
	Error struct {
		Type      string `json:"type"`
		Reason    string `json:"reason"`
		RootCause []struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"root_cause"`
		CausedBy *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"caused_by"`
	} `json:"error"`
}

// decodeResponse closes res.Body, maps error statuses to sentinel errors and
// decodes successful bodies into out when it is non-nil.
func decodeResponse(res *esapi.Response, out any) error {
	defer res.Body.Close()
	if res.IsError() {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		esErr := &Error{Status: res.StatusCode, Type: eb.Error.Type, Reason: eb.Error.Reason}
		for _, rc := range eb.Error.RootCause {
			esErr.Causes = append(esErr.Causes, rc.Type+": "+rc.Reason)
		}
		if eb.Error.CausedBy != nil {
			esErr.Causes = append(esErr.Causes, eb.Error.CausedBy.Type+": "+eb.Error.CausedBy.Reason)
		}
		if esErr.Type == "" {
			esErr.Reason = strings.TrimSpace(string(raw))
		}
		switch {
		case esErr.Type == "index_not_found_exception":
			return fmt.Errorf("%w: %w", ErrIndexNotFound, esErr)
		case mentionsFielddata(esErr):
			return fmt.Errorf("%w: %w", ErrFielddata, esErr)
		case res.StatusCode >= http.StatusInternalServerError || res.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %w", ErrTransport, esErr)
		}
		return esErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func mentionsFielddata(e *Error) bool {
	if strings.Contains(e.Reason, "Fielddata") || strings.Contains(e.Reason, "Text fields are not optimised") {
		return true
	}
	for _, c := range e.Causes {
		if strings.Contains(c, "Fielddata") || strings.Contains(c, "Text fields are not optimised") {
			return true
		}
	}
	return false
}

func encode(v any) (io.Reader, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return &buf, nil
}

// leveledLogger adapts logrus to retryablehttp.LeveledLogger.
type leveledLogger struct{ log logrus.FieldLogger }

func (l leveledLogger) fields(kv []interface{}) logrus.FieldLogger {
	entry := l.log
	for i := 0; i+1 < len(kv); i += 2 {
		entry = entry.WithField(fmt.Sprint(kv[i]), kv[i+1])
	}
	return entry
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.fields(kv).Error(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.fields(kv).Debug(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.fields(kv).Debug(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.fields(kv).Warn(msg) }
