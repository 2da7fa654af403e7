package ingest

import (
	"context"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"blinkwatch/internal/config"
	"blinkwatch/internal/model"
)

// StartKafka consumes frame records from a Kafka topic, one JSON object per
// message. Sidecars key messages by session id so a session stays on one
// partition and frames arrive in order.
func StartKafka(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- model.FrameSample, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				continue
			}
			sample, err := parser.ParseFrameBytes(m.Value)
			if err != nil {
				if logger != nil {
					logger.Warn("kafka frame parse error", "err", err)
				}
				continue
			}
			sample.Source = "kafka"
			SendNonBlocking(ctx, out, *sample, logger)
		}
	}()
}
