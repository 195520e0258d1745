package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// writerBatchTimeout caps how long a change signal waits for others to share its batch
const writerBatchTimeout = 10 * time.Millisecond

// changeMessage is the payload exchanged between instances
type changeMessage struct {
	OwnerID   string    `json:"ownerId"`
	Origin    string    `json:"origin"`
	ChangedAt time.Time `json:"changedAt"`
}

// KafkaRelay publishes ledger change signals to a topic and consumes the signals of
// other instances. Every instance reads the full topic through its own consumer group.
type KafkaRelay struct {
	writer     *kafka.Writer
	reader     *kafka.Reader
	instanceID string
	logger     zerolog.Logger
}

// NewKafkaRelay creates a relay for topic on brokers. instanceID tells this instance's
// own messages apart from the others'.
func NewKafkaRelay(brokers []string, topic, instanceID string, logger zerolog.Logger) *KafkaRelay {
	return &KafkaRelay{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: writerBatchTimeout,
			RequiredAcks: kafka.RequireOne,
		},
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			Topic:       topic,
			GroupID:     "budget-ledger-" + instanceID,
			StartOffset: kafka.LastOffset,
			MaxWait:     time.Second,
		}),
		instanceID: instanceID,
		logger:     logger.With().Str("component", "kafka_relay").Logger(),
	}
}

// Publish sends a change signal for ownerID
func (r *KafkaRelay) Publish(ctx context.Context, ownerID string) error {
	data, err := encodeChange(changeMessage{OwnerID: ownerID, Origin: r.instanceID, ChangedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return r.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ownerID),
		Value: data,
	})
}

// Run consumes signals from other instances and hands them to deliver until ctx is done
func (r *KafkaRelay) Run(ctx context.Context, deliver func(ownerID string)) {
	r.logger.Info().Msg("Starting ledger change consumer")
	for {
		msg, err := r.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				r.logger.Info().Msg("Ledger change consumer stopped")
				return
			}
			r.logger.Error().Err(err).Msg("Failed to read ledger change")
			time.Sleep(time.Second)
			continue
		}

		ownerID, ok := r.decode(msg.Value)
		if !ok {
			continue
		}
		deliver(ownerID)
	}
}

// decode returns the owner of a foreign change message
func (r *KafkaRelay) decode(value []byte) (string, bool) {
	var change changeMessage
	if err := json.Unmarshal(value, &change); err != nil {
		r.logger.Warn().Err(err).Msg("Dropping malformed ledger change")
		return "", false
	}
	if change.OwnerID == "" || change.Origin == r.instanceID {
		return "", false
	}
	return change.OwnerID, true
}

// Close flushes the writer and leaves the consumer group
func (r *KafkaRelay) Close() error {
	return errors.Join(r.writer.Close(), r.reader.Close())
}

func encodeChange(change changeMessage) ([]byte, error) {
	return json.Marshal(change)
}
