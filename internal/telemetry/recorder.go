// Package telemetry records search log entries off the request path.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/catalog-search/internal/metrics"
)

// Entry is one logged search. Entries are append-only.
type Entry struct {
	Keyword     string    `json:"keyword"`
	ResultCount int64     `json:"resultCount"`
	Timestamp   time.Time `json:"timestamp"`
}

type Writer interface {
	WriteEntry(ctx context.Context, e Entry) error
}

type Options struct {
	Workers  int
	Capacity int
	// RatePerSecond of zero disables the limiter.
	RatePerSecond float64
	Burst         int
	WriteTimeout  time.Duration
	Logger        logrus.FieldLogger
}

// Recorder is a best-effort, non-blocking log writer. Entries are dropped
// when the queue is full or the write rate is exceeded; write failures are
// logged and never reach the caller.
type Recorder struct {
	w       Writer
	ch      chan Entry
	limiter *rate.Limiter
	timeout time.Duration
	log     logrus.FieldLogger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewRecorder(w Writer, opts Options) *Recorder {
	if opts.Capacity <= 0 {
		opts.Capacity = 256
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	r := &Recorder{
		w:       w,
		ch:      make(chan Entry, opts.Capacity),
		limiter: rate.NewLimiter(limit, burst),
		timeout: opts.WriteTimeout,
		log:     opts.Logger.WithField("component", "telemetry"),
	}
	for i := 0; i < opts.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Record queues e and reports whether it was accepted.
func (r *Recorder) Record(e Entry) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed || !r.limiter.Allow() {
		metrics.TelemetryEntries.WithLabelValues("dropped").Inc()
		return false
	}
	select {
	case r.ch <- e:
		return true
	default:
		// drop if saturated
		metrics.TelemetryEntries.WithLabelValues("dropped").Inc()
		return false
	}
}

// Close stops accepting entries and waits for queued ones to be written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for e := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		err := r.w.WriteEntry(ctx, e)
		cancel()
		if err != nil {
			metrics.TelemetryEntries.WithLabelValues("failed").Inc()
			r.log.WithError(err).WithField("keyword", e.Keyword).Warn("search log write failed")
			continue
		}
		metrics.TelemetryEntries.WithLabelValues("written").Inc()
	}
}
