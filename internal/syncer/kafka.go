package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/yourorg/catalog-search/internal/cdc"
)

type KafkaConfig struct {
	Brokers           []string
	GroupID           string
	ClientID          string
	Topic             string
	SessionTimeout    time.Duration
	RebalanceTimeout  time.Duration
	HeartbeatInterval time.Duration
	MaxPollRecords    int
	PollTimeout       time.Duration
}

// KafkaSource consumes one topic as a member of a consumer group. A new
// group starts from the earliest retained offset; afterwards the committed
// offsets apply.
type KafkaSource struct {
	cfg KafkaConfig
	log logrus.FieldLogger
	cl  *kgo.Client

	generation int32
}

func NewKafkaSource(cfg KafkaConfig, log logrus.FieldLogger) *KafkaSource {
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = 500
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &KafkaSource{cfg: cfg, log: log.WithField("source", "kafka")}
}

func (s *KafkaSource) Connect(ctx context.Context) error {
	if len(s.cfg.Brokers) == 0 || s.cfg.Topic == "" || s.cfg.GroupID == "" {
		return errors.New("kafka source requires brokers, topic and group")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(s.cfg.Brokers...),
		kgo.ConsumerGroup(s.cfg.GroupID),
		kgo.ConsumeTopics(s.cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.AutoCommitMarks(),
		kgo.BlockRebalanceOnPoll(),
		kgo.WithLogger(kgoLogger{s.log}),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			s.log.WithField("partitions", assigned).Info("partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			s.log.WithField("partitions", revoked).Info("partitions revoked")
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				s.log.WithError(err).Warn("commit on revoke failed")
			}
		}),
	}
	if s.cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(s.cfg.ClientID))
	}
	if s.cfg.SessionTimeout > 0 {
		opts = append(opts, kgo.SessionTimeout(s.cfg.SessionTimeout))
	}
	if s.cfg.RebalanceTimeout > 0 {
		opts = append(opts, kgo.RebalanceTimeout(s.cfg.RebalanceTimeout))
	}
	if s.cfg.HeartbeatInterval > 0 {
		opts = append(opts, kgo.HeartbeatInterval(s.cfg.HeartbeatInterval))
	}

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("kafka client: %w", err)
	}
	if err := cl.Ping(ctx); err != nil {
		cl.Close()
		return fmt.Errorf("kafka ping %v: %w", s.cfg.Brokers, err)
	}
	s.cl = cl
	s.log.WithFields(logrus.Fields{"topic": s.cfg.Topic, "group": s.cfg.GroupID}).Info("kafka consumer started")
	return nil
}

// Poll releases the rebalance hold taken by the previous poll, then waits up
// to PollTimeout for records. Timeouts yield an empty batch.
func (s *KafkaSource) Poll(ctx context.Context) ([]Message, error) {
	s.cl.AllowRebalance()

	pctx, cancel := context.WithTimeout(ctx, s.cfg.PollTimeout)
	defer cancel()
	fetches := s.cl.PollRecords(pctx, s.cfg.MaxPollRecords)
	if fetches.IsClientClosed() {
		return nil, kgo.ErrClientClosed
	}

	var errs []error
	fetches.EachError(func(topic string, partition int32, err error) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return
		}
		errs = append(errs, fmt.Errorf("%s/%d: %w", topic, partition, err))
	})

	var msgs []Message
	fetches.EachRecord(func(r *kgo.Record) {
		msgs = append(msgs, Message{
			Value:  r.Value,
			Offset: cdc.Offset{Topic: r.Topic, Partition: r.Partition, Offset: r.Offset},
			ref:    r,
		})
	})
	_, s.generation = s.cl.GroupMetadata()

	if len(msgs) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	for _, err := range errs {
		s.log.WithError(err).Warn("partial fetch error")
	}
	return msgs, nil
}

// Heartbeat reports ErrMembershipLost when the group generation moved since
// the batch was polled. The client itself heartbeats in the background.
func (s *KafkaSource) Heartbeat(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	member, gen := s.cl.GroupMetadata()
	if member == "" || gen != s.generation {
		return fmt.Errorf("%w: generation %d -> %d", ErrMembershipLost, s.generation, gen)
	}
	return nil
}

func (s *KafkaSource) MarkProcessed(msgs []Message) {
	recs := make([]*kgo.Record, 0, len(msgs))
	for _, m := range msgs {
		if r, ok := m.ref.(*kgo.Record); ok {
			recs = append(recs, r)
		}
	}
	s.cl.MarkCommitRecords(recs...)
}

func (s *KafkaSource) Commit(ctx context.Context) error {
	return s.cl.CommitMarkedOffsets(ctx)
}

// Rewind seeks every partition in msgs back to its lowest offset there.
func (s *KafkaSource) Rewind(_ context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	s.cl.SetOffsets(rewindOffsets(msgs))
	return nil
}

func (s *KafkaSource) Close() {
	if s.cl == nil {
		return
	}
	s.cl.AllowRebalance()
	s.cl.Close()
	s.log.Info("kafka consumer closed")
}

func rewindOffsets(msgs []Message) map[string]map[int32]kgo.EpochOffset {
	out := make(map[string]map[int32]kgo.EpochOffset)
	for _, m := range msgs {
		parts, ok := out[m.Offset.Topic]
		if !ok {
			parts = make(map[int32]kgo.EpochOffset)
			out[m.Offset.Topic] = parts
		}
		if cur, ok := parts[m.Offset.Partition]; ok && cur.Offset <= m.Offset.Offset {
			continue
		}
		parts[m.Offset.Partition] = kgo.EpochOffset{Epoch: -1, Offset: m.Offset.Offset}
	}
	return out
}

// kgoLogger forwards client logs to logrus.
type kgoLogger struct{ log logrus.FieldLogger }

func (l kgoLogger) Level() kgo.LogLevel { return kgo.LogLevelInfo }

func (l kgoLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	entry := l.log
	for i := 0; i+1 < len(keyvals); i += 2 {
		entry = entry.WithField(fmt.Sprint(keyvals[i]), keyvals[i+1])
	}
	switch level {
	case kgo.LogLevelError:
		entry.Error(msg)
	case kgo.LogLevelWarn:
		entry.Warn(msg)
	case kgo.LogLevelInfo:
		entry.Info(msg)
	default:
		entry.Debug(msg)
	}
}
