package search

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   []byte
}

// fakeES answers requests with canned handlers keyed by "METHOD /path" or by
// the bare path when the method does not matter.
type fakeES struct {
	mu       sync.Mutex
	requests []recordedRequest
	routes   map[string]func(body []byte) (int, any)
}

func newFakeES(t *testing.T) (*fakeES, *Client) {
	t.Helper()
	f := &fakeES{routes: map[string]func([]byte) (int, any){}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)

	log, _ := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	c, err := New(Config{
		Nodes:          []string{srv.URL},
		RequestTimeout: 5 * time.Second,
	}, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f, c
}

func (f *fakeES) handle(route string, h func(body []byte) (int, any)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[route] = h
}

func (f *fakeES) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{Method: r.Method, Path: r.URL.Path, Body: body})
	h, ok := f.routes[r.Method+" "+r.URL.Path]
	if !ok {
		h, ok = f.routes[r.URL.Path]
	}
	f.mu.Unlock()

	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"type":"index_not_found_exception","reason":"no such index"},"status":404}`)
		return
	}
	status, out := h(body)
	w.WriteHeader(status)
	switch v := out.(type) {
	case string:
		_, _ = io.WriteString(w, v)
	default:
		_ = json.NewEncoder(w).Encode(v)
	}
}

func (f *fakeES) recorded() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

func decodeBody(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("decode request body %q: %v", raw, err)
	}
	return m
}
