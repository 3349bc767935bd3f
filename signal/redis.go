package signal

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/platforma-dev/batchmigrate/log"
)

type redisMessage struct {
	Signal      Name   `json:"signal"`
	MigrationID string `json:"migrationId"`
	Direction   string `json:"direction"`
	Batch       int    `json:"batch"`
	BatchSize   int    `json:"batchSize"`
	ExecutionID int64  `json:"executionId,omitempty"`
	ElapsedMS   int64  `json:"elapsedMs,omitempty"`
	Error       string `json:"error,omitempty"`
}

// RedisPublisher forwards notifications to a Redis pub/sub channel so that
// listeners outside the worker process can observe batches.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisPublisher creates a listener publishing to channel.
func NewRedisPublisher(client redis.UniversalClient, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

// Notify implements Listener. Publish failures are logged; delivery is best effort.
func (p *RedisPublisher) Notify(ctx context.Context, n Notification) {
	msg := redisMessage{
		Signal:      n.Name,
		MigrationID: n.MigrationID,
		Direction:   n.Direction.String(),
		Batch:       n.Batch.Number,
		BatchSize:   n.Batch.Size,
		ExecutionID: n.ExecutionID,
		ElapsedMS:   n.Elapsed.Milliseconds(),
	}
	if n.Err != nil {
		msg.Error = n.Err.Error()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		log.ErrorContext(ctx, "failed to encode signal", "error", err)
		return
	}

	err = p.client.Publish(ctx, p.channel, payload).Err()
	if err != nil {
		log.WarnContext(ctx, "failed to publish signal", "channel", p.channel, "error", err)
	}
}
