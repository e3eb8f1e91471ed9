package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/catalog-search/internal/cdc"
)

type NATSConfig struct {
	URL            string
	Subject        string
	Stream         string // optional; looked up by subject when empty
	Durable        string
	MaxReconnect   int
	ReconnectWait  time.Duration
	AckWait        time.Duration
	MaxPollRecords int
	PollTimeout    time.Duration
}

// NATSSource pulls from a durable JetStream consumer. Acks play the role of
// committed offsets; messages that are neither acked nor in progress are
// redelivered after AckWait.
type NATSSource struct {
	cfg NATSConfig
	log logrus.FieldLogger

	nc  *nats.Conn
	sub *nats.Subscription

	mu      sync.Mutex
	pending map[*nats.Msg]struct{}
}

func NewNATSSource(cfg NATSConfig, log logrus.FieldLogger) *NATSSource {
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = 500
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &NATSSource{
		cfg:     cfg,
		log:     log.WithField("source", "nats"),
		pending: make(map[*nats.Msg]struct{}),
	}
}

func (s *NATSSource) Connect(ctx context.Context) error {
	if s.cfg.Subject == "" || s.cfg.Durable == "" {
		return errors.New("nats source requires subject and durable name")
	}
	log := s.log
	opts := []nats.Option{
		nats.MaxReconnects(s.cfg.MaxReconnect),
		nats.ReconnectWait(s.cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Warn("NATS connection closed")
		}),
	}
	nc, err := nats.Connect(s.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := nc.JetStream(nats.Context(ctx))
	if err != nil {
		nc.Close()
		return fmt.Errorf("jetstream context: %w", err)
	}
	subOpts := []nats.SubOpt{
		nats.DeliverAll(),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(s.cfg.AckWait),
	}
	if s.cfg.Stream != "" {
		subOpts = append(subOpts, nats.BindStream(s.cfg.Stream))
	}
	sub, err := js.PullSubscribe(s.cfg.Subject, s.cfg.Durable, subOpts...)
	if err != nil {
		nc.Close()
		return fmt.Errorf("pull subscribe %s: %w", s.cfg.Subject, err)
	}
	s.nc, s.sub = nc, sub
	s.log.WithFields(logrus.Fields{"subject": s.cfg.Subject, "durable": s.cfg.Durable}).
		Infof("Connected to NATS at %s", s.cfg.URL)
	return nil
}

func (s *NATSSource) Poll(ctx context.Context) ([]Message, error) {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.PollTimeout)
	defer cancel()
	batch, err := s.sub.Fetch(s.cfg.MaxPollRecords, nats.Context(pctx))
	if err != nil && len(batch) == 0 {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, nil
		}
		return nil, err
	}

	msgs := make([]Message, 0, len(batch))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range batch {
		off := cdc.Offset{Topic: m.Subject}
		if meta, err := m.Metadata(); err == nil {
			off.Offset = int64(meta.Sequence.Stream)
		}
		s.pending[m] = struct{}{}
		msgs = append(msgs, Message{Value: m.Data, Offset: off, ref: m})
	}
	return msgs, nil
}

// Heartbeat extends the ack deadline of every message not yet acked.
func (s *NATSSource) Heartbeat(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for m := range s.pending {
		if err := m.InProgress(nats.Context(ctx)); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 && s.nc.IsClosed() {
		return fmt.Errorf("%w: %w", ErrMembershipLost, errors.Join(errs...))
	}
	return errors.Join(errs...)
}

func (s *NATSSource) MarkProcessed(msgs []Message) {
	s.settle(msgs, func(m *nats.Msg) error { return m.Ack() })
}

// Commit flushes outstanding acks to the server.
func (s *NATSSource) Commit(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return s.nc.FlushWithContext(ctx)
}

// Rewind naks msgs so JetStream redelivers them.
func (s *NATSSource) Rewind(_ context.Context, msgs []Message) error {
	var errs []error
	s.settle(msgs, func(m *nats.Msg) error {
		err := m.Nak()
		if err != nil {
			errs = append(errs, err)
		}
		return err
	})
	return errors.Join(errs...)
}

func (s *NATSSource) settle(msgs []Message, fn func(*nats.Msg) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range msgs {
		m, ok := msg.ref.(*nats.Msg)
		if !ok {
			continue
		}
		delete(s.pending, m)
		if err := fn(m); err != nil {
			s.log.WithError(err).WithField("offset", msg.Offset.String()).Warn("failed to settle message")
		}
	}
}

// Close leaves the durable consumer in place so the next run resumes from
// the last ack.
func (s *NATSSource) Close() {
	if s.nc == nil {
		return
	}
	s.nc.Close()
}
