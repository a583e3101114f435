// Package alerting fans failure events out to notification channels.
package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "Aetherra-Core/internal/errors"
	"Aetherra-Core/pkg/logger"
)

// Channel names a notification channel.
type Channel string

const (
	ChannelLog   Channel = "log"
	ChannelRedis Channel = "redis"
)

// Event is a single alert.
type Event struct {
	Code       xerrors.Code      `json:"code"`
	Message    string            `json:"message"`
	Severity   xerrors.Severity  `json:"severity"`
	Channel    Channel           `json:"channel,omitempty"`
	JobID      string            `json:"job_id,omitempty"`
	Script     string            `json:"script,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Notifier delivers events to one channel.
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher accepts events for delivery.
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher delivers each event to every registered notifier.
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout builds a FanoutDispatcher. A later notifier replaces an earlier
// one for the same channel.
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify implements Dispatcher. Failures from individual channels are joined.
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	var errs []error
	for ch, notifier := range d.notifiers {
		ev := event
		ev.Channel = ch
		if err := notifier.Notify(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch, err))
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes events to the audit log.
type LogNotifier struct{}

// Channel implements Notifier.
func (LogNotifier) Channel() Channel { return ChannelLog }

// Notify implements Notifier.
func (LogNotifier) Notify(ctx context.Context, event Event) error {
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("job_id", event.JobID),
		slog.String("script", event.Script),
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.String(k, v))
	}
	level := slog.LevelWarn
	if event.Severity == xerrors.SeverityCritical {
		level = slog.LevelError
	}
	logger.Audit().Log(ctx, level, event.Message, attrs...)
	return nil
}

// RedisNotifier publishes JSON-encoded events on a pub/sub channel.
type RedisNotifier struct {
	Client *redis.Client
	Topic  string
}

// NewRedisNotifier creates a notifier publishing to topic (default "aetherra:alerts").
func NewRedisNotifier(client *redis.Client, topic string) *RedisNotifier {
	if topic == "" {
		topic = "aetherra:alerts"
	}
	return &RedisNotifier{Client: client, Topic: topic}
}

// Channel implements Notifier.
func (n *RedisNotifier) Channel() Channel { return ChannelRedis }

// Notify implements Notifier.
func (n *RedisNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Client == nil {
		logger.L().Warn("redis notifier not configured, dropping alert", slog.String("job_id", event.JobID))
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return n.Client.Publish(ctx, n.Topic, payload).Err()
}
