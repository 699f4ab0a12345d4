package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	segmentio "github.com/segmentio/kafka-go"

	"github.com/automagik-dev/omni-sub005/internal/bus"
	"github.com/automagik-dev/omni-sub005/internal/domain/event"
	"github.com/google/uuid"
)

// Bus implements the event bus contract on a single Kafka topic. Events carry
// their subject in the envelope Type; subject filtering happens client-side.
//
// A durable subscription maps to a consumer group named after the durable, so
// the read position is the group's committed offset. One Kafka nuance: for a
// group's first attach, StartFrom "last" and "new" both resolve to the latest
// offset; the semantic difference between them only matters to callers
// choosing a policy, not to the broker.
type Bus struct {
	cfg    Config
	writer *segmentio.Writer
}

type Config struct {
	Brokers []string
	Topic   string
}

func NewBus(cfg Config) *Bus {
	w := &segmentio.Writer{
		Addr:                   segmentio.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &segmentio.Hash{},
		MaxAttempts:            5,
		ReadTimeout:            10 * time.Second,
		WriteTimeout:           10 * time.Second,
		AllowAutoTopicCreation: true,
	}
	return &Bus{cfg: cfg, writer: w}
}

// Publish writes the envelope keyed by correlation id, so causally related
// events land on the same partition and keep their relative order.
func (b *Bus) Publish(ctx context.Context, ev event.Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	key := []byte(ev.Metadata.CorrelationID)
	if len(key) == 0 {
		key = []byte(ev.ID)
	}

	if err := b.writer.WriteMessages(ctx, segmentio.Message{Key: key, Value: value}); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

func (b *Bus) Subscribe(sub bus.Subscription, h bus.Handler) (bus.Handle, error) {
	if sub.Subject == "" {
		return nil, fmt.Errorf("subscribe: subject filter is empty")
	}
	if h == nil {
		return nil, fmt.Errorf("subscribe: handler is nil")
	}

	groupID := sub.Durable
	if sub.Ephemeral {
		groupID = "ephemeral-" + uuid.New().String()[:8]
	}
	if groupID == "" {
		return nil, fmt.Errorf("subscribe: durable name required for non-ephemeral subscription")
	}

	startOffset := segmentio.LastOffset
	if sub.StartFrom == bus.First {
		startOffset = segmentio.FirstOffset
	}

	consumer := NewConsumer(b.cfg.Brokers, b.cfg.Topic, groupID, startOffset)
	ctx, cancel := context.WithCancel(context.Background())

	s := &subscription{consumer: consumer, cancel: cancel, done: make(chan struct{})}
	go s.run(ctx, sub, h)
	return s, nil
}

func (b *Bus) Close() error {
	return b.writer.Close()
}

type subscription struct {
	consumer *Consumer
	cancel   context.CancelFunc
	done     chan struct{}
}

func (s *subscription) Unsubscribe() error {
	s.cancel()
	<-s.done
	return s.consumer.Close()
}

func (s *subscription) run(ctx context.Context, sub bus.Subscription, h bus.Handler) {
	defer close(s.done)

	for {
		msg, err := s.consumer.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("failed to fetch message", "durable", sub.Durable, "error", err)
			time.Sleep(1 * time.Second)
			continue
		}

		var ev event.Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			// Not our envelope (or corrupt). Commit and move on.
			slog.Error("failed to unmarshal event envelope", "durable", sub.Durable, "error", err)
			if err := s.consumer.CommitMessages(ctx, msg); err != nil {
				slog.Error("failed to commit kafka message", "error", err)
			}
			continue
		}

		if bus.MatchSubject(sub.Subject, ev.Type) {
			// Retry until the handler acknowledges; the registry bounds its
			// own retries and always returns nil once it has dealt with the
			// event, so this loop only spins for raw subscribers.
			for {
				if err := h(ctx, ev); err == nil {
					break
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(1 * time.Second):
				}
			}
		}

		if err := s.consumer.CommitMessages(ctx, msg); err != nil {
			slog.Error("failed to commit kafka message", "durable", sub.Durable, "error", err)
		}
	}
}
