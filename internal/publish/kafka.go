package publish

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/segmentio/kafka-go"

	"blinkwatch/internal/config"
	"blinkwatch/internal/model"
)

// KafkaPublisher fans detected blinks out to a Kafka topic for downstream
// consumers (dashboards, alerting). Publishing is fire-and-forget: the
// frame loop enqueues without blocking and a single writer goroutine does
// the network work.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *slog.Logger
	queue  chan model.BlinkEvent

	closeOnce sync.Once
	done      chan struct{}
}

// NewKafka returns nil when publishing is disabled; a nil publisher is safe
// to skip at the call site.
func NewKafka(ctx context.Context, cfg config.KafkaPublishConfig, logger *slog.Logger) *KafkaPublisher {
	if !cfg.Enabled {
		if logger != nil {
			logger.Info("kafka publish disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("kafka publish enabled", "brokers", cfg.Brokers, "topic", cfg.Topic)
	}
	p := &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(cfg.Brokers...),
			Topic:    cfg.Topic,
			Balancer: &kafka.Hash{},
		},
		logger: logger,
		queue:  make(chan model.BlinkEvent, 1024),
		done:   make(chan struct{}),
	}
	go p.run(ctx)
	return p
}

// PublishBlink enqueues one event. A full queue drops the event; detection
// and persistence never wait on the broker.
func (p *KafkaPublisher) PublishBlink(_ context.Context, ev model.BlinkEvent) {
	select {
	case p.queue <- ev:
	default:
		if p.logger != nil {
			p.logger.Warn("publish queue full, dropping blink event", "session_id", ev.SessionID, "user_id", ev.UserID)
		}
	}
}

func (p *KafkaPublisher) run(ctx context.Context) {
	defer close(p.done)
	defer p.writer.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.queue:
			value, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			// Keyed by session so one session's blinks stay ordered on a
			// single partition.
			msg := kafka.Message{Key: []byte(ev.SessionID), Value: value}
			if err := p.writer.WriteMessages(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return
				}
				if p.logger != nil {
					p.logger.Warn("kafka publish error", "err", err)
				}
			}
		}
	}
}

// Done is closed after the writer goroutine has exited and the underlying
// writer is closed.
func (p *KafkaPublisher) Done() <-chan struct{} { return p.done }
