package store

import (
	"context"
	"encoding/json"
	"fmt"

	"histeeria-chatsync/internal/models"

	"github.com/go-redis/redis/v8"
)

const defaultRedisPrefix = "chatsync:outbox"

// RedisOutbox implements OutboxStore with Redis. Order lives in a sorted set
// scored by a counter; payloads live in a hash keyed by temp id.
type RedisOutbox struct {
	rdb      *redis.Client
	seqKey   string
	orderKey string
	itemsKey string
}

// NewRedisOutbox returns an outbox under prefix, or the default prefix when empty.
func NewRedisOutbox(rdb *redis.Client, prefix string) *RedisOutbox {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisOutbox{
		rdb:      rdb,
		seqKey:   prefix + ":seq",
		orderKey: prefix + ":order",
		itemsKey: prefix + ":items",
	}
}

// OpenRedis parses a redis:// URL and checks the connection.
func OpenRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return rdb, nil
}

func (o *RedisOutbox) Save(ctx context.Context, msg models.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode outbox message %s: %w", msg.TempID, err)
	}
	seq, err := o.rdb.Incr(ctx, o.seqKey).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate outbox sequence: %w", err)
	}
	// NX keeps the first score so a re-save does not move the entry.
	_, err = o.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAddNX(ctx, o.orderKey, &redis.Z{Score: float64(seq), Member: msg.TempID})
		pipe.HSet(ctx, o.itemsKey, msg.TempID, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save outbox message %s: %w", msg.TempID, err)
	}
	return nil
}

func (o *RedisOutbox) Delete(ctx context.Context, tempID string) error {
	_, err := o.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, o.orderKey, tempID)
		pipe.HDel(ctx, o.itemsKey, tempID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete outbox message %s: %w", tempID, err)
	}
	return nil
}

func (o *RedisOutbox) List(ctx context.Context) ([]models.Message, error) {
	ids, err := o.rdb.ZRange(ctx, o.orderKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox order: %w", err)
	}
	messages := make([]models.Message, 0, len(ids))
	if len(ids) == 0 {
		return messages, nil
	}
	raws, err := o.rdb.HMGet(ctx, o.itemsKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox payloads: %w", err)
	}
	for i, raw := range raws {
		s, ok := raw.(string)
		if !ok {
			// Order entry without a payload; a delete raced the read.
			continue
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(s), &msg); err != nil {
			return nil, fmt.Errorf("failed to decode outbox message %s: %w", ids[i], err)
		}
		msg.TempID = ids[i]
		messages = append(messages, msg)
	}
	return messages, nil
}
