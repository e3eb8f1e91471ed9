package syncer

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/catalog-search/internal/config"
	"github.com/yourorg/catalog-search/internal/events"
)

// NewSourceFromConfig builds the change feed Source selected by b.Kind.
func NewSourceFromConfig(b config.BrokerConfig, log logrus.FieldLogger) (Source, error) {
	switch strings.ToLower(b.Kind) {
	case "kafka":
		return NewKafkaSource(KafkaConfig{
			Brokers:           b.Brokers,
			GroupID:           b.GroupID,
			ClientID:          b.ClientID,
			Topic:             b.Topic(),
			SessionTimeout:    b.SessionTimeout,
			RebalanceTimeout:  b.RebalanceTimeout,
			HeartbeatInterval: b.HeartbeatEvery,
			MaxPollRecords:    b.MaxPollRecords,
			PollTimeout:       b.PollTimeout,
		}, log), nil
	case "nats":
		return NewNATSSource(NATSConfig{
			URL:            b.NATSURL,
			Subject:        b.Topic(),
			Stream:         b.Stream,
			Durable:        b.GroupID,
			MaxReconnect:   b.MaxReconnect,
			ReconnectWait:  b.ReconnectWait,
			AckWait:        b.AckWait,
			MaxPollRecords: b.MaxPollRecords,
			PollTimeout:    b.PollTimeout,
		}, log), nil
	default:
		return nil, fmt.Errorf("unsupported broker kind %q", b.Kind)
	}
}

// NewConsumerFromConfig wires a Consumer for cfg.
func NewConsumerFromConfig(cfg *config.Config, w BulkWriter, pub events.Publisher, log logrus.FieldLogger) (*Consumer, error) {
	src, err := NewSourceFromConfig(cfg.Broker, log)
	if err != nil {
		return nil, err
	}
	policy, err := ParseCommitPolicy(cfg.Sync.CommitPolicy)
	if err != nil {
		return nil, err
	}
	return NewConsumer(src, w,
		WithLogger(log),
		WithCommitPolicy(policy),
		WithHeartbeatInterval(cfg.Sync.HeartbeatInterval),
		WithBackoff(cfg.Sync.MinBackoff, cfg.Sync.MaxBackoff),
		WithShutdownTimeout(cfg.Sync.ShutdownTimeout),
		WithPublisher(pub),
	), nil
}
