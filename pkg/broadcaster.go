package lxdops

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const updatesChannelPrefix = "operation_updates:"

type Broadcaster struct {
	RedisClient *redis.Client
	Logger      *zap.Logger
}

func NewBroadcaster(redisClient *redis.Client, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		RedisClient: redisClient,
		Logger:      logger,
	}
}

func updatesChannel(operationID string) string {
	return updatesChannelPrefix + operationID
}

// Publish announces a new snapshot on the operation's update channel.
func (b *Broadcaster) Publish(ctx context.Context, md Metadata) error {
	messageBytes, err := json.Marshal(md)
	if err != nil {
		b.Logger.Error("Failed to marshal snapshot", zap.Error(err))
		return err
	}

	channel := updatesChannel(md.ID)
	err = b.RedisClient.Publish(ctx, channel, messageBytes).Err()
	if err != nil {
		b.Logger.Error("Failed to publish snapshot", zap.Error(err))
		return err
	}

	b.Logger.Debug("Snapshot published", zap.String("channel", channel))
	return nil
}

// Subscribe delivers every snapshot published for operationID to ch until
// ctx is done. ready, when not nil, is closed once the subscription is live.
func (b *Broadcaster) Subscribe(ctx context.Context, operationID string, ch chan<- Metadata, ready chan<- struct{}) error {
	pubsub := b.RedisClient.Subscribe(ctx, updatesChannel(operationID))
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		b.Logger.Error("Failed to subscribe", zap.String("operationID", operationID), zap.Error(err))
		return err
	}
	if ready != nil {
		close(ready)
	}

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}

			var md Metadata
			if err := json.Unmarshal([]byte(msg.Payload), &md); err != nil {
				b.Logger.Error("Failed to unmarshal snapshot", zap.Error(err))
				continue
			}

			select {
			case ch <- md:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
