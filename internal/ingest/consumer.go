// Package ingest tails the ingester's report events and turns them into
// live updates. An unreachable broker degrades the channel to zero events;
// no error ever reaches a dashboard client.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/dmarcwatch/dashboard-api/internal/config"
	"github.com/dmarcwatch/dashboard-api/internal/realtime"
)

// ReportEvent is the payload the ingester publishes per indexed report.
type ReportEvent struct {
	ID        string `json:"id"`
	OrgName   string `json:"org_name"`
	Domain    string `json:"domain"`
	Timestamp string `json:"timestamp"`
}

// Consumer reads report events and forwards them to the hub.
type Consumer struct {
	reader *kafka.Reader
	hub    *realtime.Hub
	logger *zap.Logger
}

// NewConsumer creates a consumer from configuration.
func NewConsumer(cfg config.KafkaConfig, hub *realtime.Hub, logger *zap.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.ConsumerGroup,
		Topic:       cfg.Topic,
		MinBytes:    cfg.MinBytes,
		MaxBytes:    cfg.MaxBytes,
		StartOffset: kafka.LastOffset,
	})
	return &Consumer{reader: reader, hub: hub, logger: logger}
}

// Run consumes until ctx is cancelled. Broker failures back off and retry
// forever; the notification channel contract is silence, not errors.
func (c *Consumer) Run(ctx context.Context) {
	c.logger.Info("ingestion event consumer running",
		zap.String("topic", c.reader.Config().Topic))

	backoff := time.Second
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
				return
			}
			c.logger.Warn("ingestion event read failed",
				zap.Duration("backoff", backoff), zap.Error(err))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		var event ReportEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			c.logger.Warn("discarding undecodable report event",
				zap.Int64("offset", msg.Offset), zap.Error(err))
			continue
		}

		c.hub.EmitLiveUpdate(realtime.UpdateNewReport, event)
	}
}

// Close releases the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
