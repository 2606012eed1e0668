package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	kgo "github.com/segmentio/kafka-go"
)

// wireEvent is the record format on the fan-out topic.
type wireEvent struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// KafkaPublisher writes events to a topic keyed by channel name, so events
// for one channel stay on one partition and keep their order.
type KafkaPublisher struct {
	writer  *kgo.Writer
	timeout time.Duration
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers required")
	}
	if topic == "" {
		return nil, errors.New("kafka topic required")
	}
	w := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.Hash{},
		RequiredAcks: kgo.RequireOne,
	}
	return &KafkaPublisher{writer: w, timeout: 3 * time.Second}, nil
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }

func (p *KafkaPublisher) Publish(ctx context.Context, channel, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	value, err := json.Marshal(wireEvent{Channel: channel, Event: event, Payload: data})
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.writer.WriteMessages(cctx, kgo.Message{
		Key:   []byte(channel),
		Value: value,
		Time:  time.Now(),
	})
}

// KafkaBridge consumes the fan-out topic and republishes every record into a
// local Hub, letting each process serve its own subscribers. Every process
// needs every partition, so its consumer group must not be shared; see
// InstanceGroup.
type KafkaBridge struct {
	reader *kgo.Reader
	hub    *Hub
	logger *slog.Logger
}

func NewKafkaBridge(brokers []string, topic, groupID string, hub *Hub, logger *slog.Logger) *KafkaBridge {
	if logger == nil {
		logger = slog.Default()
	}
	r := kgo.NewReader(kgo.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commits
		// A fresh group only cares about events from now on.
		StartOffset: kgo.LastOffset,
	})
	return &KafkaBridge{reader: r, hub: hub, logger: logger}
}

func (b *KafkaBridge) Close() error { return b.reader.Close() }

// Run blocks until ctx is cancelled or the reader fails.
func (b *KafkaBridge) Run(ctx context.Context) error {
	for {
		m, err := b.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := b.forward(ctx, m.Value); err != nil {
			b.logger.Warn("dropping realtime record", "partition", m.Partition, "offset", m.Offset, "error", err)
		}
		cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err = b.reader.CommitMessages(cctx, m)
		cancel()
		if err != nil && ctx.Err() == nil {
			b.logger.Warn("commit realtime record", "offset", m.Offset, "error", err)
		}
	}
}

func (b *KafkaBridge) forward(ctx context.Context, value []byte) error {
	var evt wireEvent
	if err := json.Unmarshal(value, &evt); err != nil {
		return err
	}
	if evt.Channel == "" || evt.Event == "" {
		return errors.New("record missing channel or event")
	}
	return b.hub.PublishRaw(ctx, evt.Channel, evt.Event, evt.Payload)
}

// InstanceGroup derives a consumer group id unique to this process from the
// configured prefix, as <prefix>-<hostname>-<pid>.
func InstanceGroup(prefix string) string {
	if prefix == "" {
		prefix = "taskrelay"
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%s-%d", prefix, host, os.Getpid())
}

// SplitBrokers parses a comma separated broker list.
func SplitBrokers(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
