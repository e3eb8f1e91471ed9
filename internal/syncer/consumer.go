// Package syncer keeps the search index in step with the catalog change feed.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/catalog-search/internal/events"
	"github.com/yourorg/catalog-search/internal/metrics"
	"github.com/yourorg/catalog-search/internal/search"
)

var (
	// ErrFatalConnect is returned by Run when the subscription cannot be
	// established. The loop stops; the host process keeps serving.
	ErrFatalConnect = errors.New("sync source connect failed")

	// ErrMembershipLost is returned by Source.Heartbeat when the consumer
	// was evicted from its group while a batch was in flight.
	ErrMembershipLost = errors.New("consumer group membership lost")
)

// Source is a change feed subscription.
type Source interface {
	// Connect joins the group and subscribes. Errors are fatal.
	Connect(ctx context.Context) error
	// Poll blocks until at least one message is available or ctx is done.
	Poll(ctx context.Context) ([]Message, error)
	// Heartbeat signals liveness while a polled batch is being flushed.
	Heartbeat(ctx context.Context) error
	// MarkProcessed records msgs as consumed; Commit persists the marks.
	MarkProcessed(msgs []Message)
	Commit(ctx context.Context) error
	// Rewind makes msgs deliverable again.
	Rewind(ctx context.Context, msgs []Message) error
	Close()
}

type BulkWriter interface {
	Bulk(ctx context.Context, ops []search.BulkOperation) (search.BulkResult, error)
}

type State int32

const (
	Disconnected State = iota
	Connecting
	Subscribed
	Receiving
	Flushing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	case Receiving:
		return "receiving"
	case Flushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// CommitPolicy decides when polled offsets are marked as processed.
type CommitPolicy int

const (
	// CommitOnEnqueue marks offsets as soon as a batch is translated. A crash
	// or transport failure during the flush loses that batch: at-most-once.
	CommitOnEnqueue CommitPolicy = iota
	// CommitOnFlush marks offsets only after the bulk call succeeded and
	// rewinds the batch otherwise: at-least-once.
	CommitOnFlush
)

func (p CommitPolicy) String() string {
	if p == CommitOnFlush {
		return "on_flush"
	}
	return "on_enqueue"
}

func ParseCommitPolicy(s string) (CommitPolicy, error) {
	switch s {
	case "", "on_enqueue":
		return CommitOnEnqueue, nil
	case "on_flush":
		return CommitOnFlush, nil
	default:
		return 0, fmt.Errorf("unknown commit policy %q", s)
	}
}

type Option func(*Consumer)

func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Consumer) { c.log = log }
}

func WithCommitPolicy(p CommitPolicy) Option {
	return func(c *Consumer) { c.policy = p }
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Consumer) { c.heartbeatEvery = d }
}

func WithBackoff(min, max time.Duration) Option {
	return func(c *Consumer) { c.minBackoff, c.maxBackoff = min, max }
}

// WithShutdownTimeout bounds the final flush after the run context is done.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *Consumer) { c.shutdownTimeout = d }
}

func WithPublisher(p events.Publisher) Option {
	return func(c *Consumer) { c.pub = p }
}

// Consumer drives one Source into one BulkWriter. It is not safe to call
// Run more than once concurrently.
type Consumer struct {
	src Source
	w   BulkWriter
	log logrus.FieldLogger
	pub events.Publisher

	policy          CommitPolicy
	heartbeatEvery  time.Duration
	minBackoff      time.Duration
	maxBackoff      time.Duration
	shutdownTimeout time.Duration

	state   atomic.Int32
	backoff *backoff
	sleep   func(ctx context.Context, d time.Duration)
}

func NewConsumer(src Source, w BulkWriter, opts ...Option) *Consumer {
	c := &Consumer{
		src:             src,
		w:               w,
		log:             logrus.StandardLogger(),
		heartbeatEvery:  3 * time.Second,
		minBackoff:      500 * time.Millisecond,
		maxBackoff:      30 * time.Second,
		shutdownTimeout: 15 * time.Second,
		sleep:           sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("component", "syncer")
	c.backoff = newBackoff(c.minBackoff, c.maxBackoff)
	return c
}

func (c *Consumer) State() State { return State(c.state.Load()) }

func (c *Consumer) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	metrics.SyncState.Set(float64(s))
	c.publish(events.SyncStatus{State: s.String()})
}

func (c *Consumer) publish(st events.SyncStatus) {
	if c.pub == nil {
		return
	}
	if st.State == "" {
		st.State = c.State().String()
	}
	st.At = time.Now().UTC()
	c.pub.PublishSyncStatus(context.Background(), st)
}

// Run consumes until ctx is done or the subscription cannot be set up.
// Shutdown flushes the batch in hand before returning nil.
func (c *Consumer) Run(ctx context.Context) error {
	c.setState(Connecting)
	if err := c.src.Connect(ctx); err != nil {
		c.setState(Disconnected)
		c.publish(events.SyncStatus{LastError: err.Error()})
		return fmt.Errorf("%w: %w", ErrFatalConnect, err)
	}
	defer func() {
		c.src.Close()
		c.setState(Disconnected)
	}()
	c.setState(Subscribed)
	c.log.WithField("commit_policy", c.policy).Info("sync consumer subscribed")

	for {
		if ctx.Err() != nil {
			c.log.Info("sync consumer stopping")
			return nil
		}
		c.setState(Receiving)
		msgs, err := c.src.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			metrics.SyncBatches.WithLabelValues("poll_error").Inc()
			wait := c.backoff.Next()
			c.log.WithError(err).WithField("retry_in", wait).Warn("poll failed")
			c.sleep(ctx, wait)
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		c.handle(ctx, msgs)
	}
}

func (c *Consumer) handle(ctx context.Context, msgs []Message) {
	batch := Translate(msgs)
	c.observe(batch)

	if c.policy == CommitOnEnqueue {
		c.src.MarkProcessed(msgs)
	}

	status := events.SyncStatus{
		Ops:        len(batch.Ops),
		Skipped:    len(batch.Skipped),
		Noops:      batch.Noops,
		LastOffset: msgs[len(msgs)-1].Offset.String(),
	}

	fctx, cancel := c.flushContext(ctx)
	defer cancel()

	res, err := c.flush(fctx, batch)
	if err != nil {
		metrics.SyncBatches.WithLabelValues("transport_error").Inc()
		status.LastError = err.Error()
		wait := c.backoff.Next()
		c.log.WithError(err).WithFields(logrus.Fields{
			"ops":      len(batch.Ops),
			"first":    msgs[0].Offset.String(),
			"last":     status.LastOffset,
			"retry_in": wait,
		}).Error("bulk write failed")
		if c.policy == CommitOnFlush {
			if rerr := c.src.Rewind(fctx, msgs); rerr != nil {
				c.log.WithError(rerr).Error("failed to rewind batch")
			}
		} else {
			c.commit(fctx)
		}
		c.publish(status)
		c.sleep(ctx, wait)
		return
	}
	c.backoff.Reset()

	status.Failed = len(res.Failed)
	for _, f := range res.Failed {
		c.log.WithFields(logrus.Fields{
			"action": f.Action,
			"key":    f.Key,
			"status": f.Status,
			"type":   f.Type,
		}).Warnf("bulk item rejected: %s", f.Reason)
	}
	metrics.SyncItemFailures.Add(float64(len(res.Failed)))
	metrics.SyncBatches.WithLabelValues("flushed").Inc()

	if c.policy == CommitOnFlush {
		c.src.MarkProcessed(msgs)
	}
	c.commit(fctx)
	c.publish(status)

	c.log.WithFields(logrus.Fields{
		"messages":  len(msgs),
		"indexed":   res.Indexed,
		"deleted":   res.Deleted,
		"not_found": res.NotFound,
		"failed":    len(res.Failed),
		"skipped":   len(batch.Skipped),
		"last":      status.LastOffset,
	}).Debug("batch flushed")
}

func (c *Consumer) observe(b Batch) {
	for _, s := range b.Skipped {
		c.log.WithError(s.Err).WithField("offset", s.Offset.String()).Warn("skipping malformed change event")
	}
	metrics.SyncEvents.WithLabelValues("skipped").Add(float64(len(b.Skipped)))
	metrics.SyncEvents.WithLabelValues("noop").Add(float64(b.Noops))
	metrics.SyncEvents.WithLabelValues("coalesced").Add(float64(b.Coalesced))
	for _, op := range b.Ops {
		metrics.SyncEvents.WithLabelValues(op.Kind.String()).Inc()
	}
}

// flush sends the batch while a ticker keeps the group membership alive.
func (c *Consumer) flush(ctx context.Context, b Batch) (search.BulkResult, error) {
	if len(b.Ops) == 0 {
		return search.BulkResult{}, nil
	}
	c.setState(Flushing)
	defer c.setState(Receiving)

	hbCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeat(hbCtx)
	}()

	start := time.Now()
	res, err := c.w.Bulk(ctx, b.Ops)
	metrics.SyncFlushSeconds.Observe(time.Since(start).Seconds())

	stop()
	wg.Wait()
	return res, err
}

func (c *Consumer) heartbeat(ctx context.Context) {
	if c.heartbeatEvery <= 0 {
		return
	}
	t := time.NewTicker(c.heartbeatEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.src.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				entry := c.log.WithError(err)
				if errors.Is(err, ErrMembershipLost) {
					entry.Error("group membership lost during flush, batch may be redelivered to another member")
					continue
				}
				entry.Warn("heartbeat failed")
			}
		}
	}
}

func (c *Consumer) commit(ctx context.Context) {
	if err := c.src.Commit(ctx); err != nil {
		c.log.WithError(err).Warn("offset commit failed")
	}
}

// flushContext outlives ctx by at most the shutdown timeout so the batch in
// hand can still be written during a graceful stop.
func (c *Consumer) flushContext(ctx context.Context) (context.Context, context.CancelFunc) {
	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		time.AfterFunc(c.shutdownTimeout, cancel)
	})
	return fctx, func() {
		stop()
		cancel()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
