package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSink publishes events on a per-guild pub/sub channel so chat
// front ends can subscribe to just their community.
type RedisSink struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisSink(client redis.UniversalClient, prefix string) *RedisSink {
	if prefix == "" {
		prefix = "courtbot"
	}
	return &RedisSink{client: client, prefix: prefix}
}

// Channel returns the channel an event is published on.
func (s *RedisSink) Channel(e Event) string {
	guild := e.GuildID
	if guild == "" {
		guild = "global"
	}
	return s.prefix + ":" + guild + ":cases"
}

func (s *RedisSink) Notify(ctx context.Context, e Event) error {
	payload, err := e.Encode()
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, s.Channel(e), payload).Err(); err != nil {
		return fmt.Errorf("notify: redis publish %s: %w", e.Type, err)
	}
	return nil
}

// NewRedisClient builds a client from plain settings.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}
