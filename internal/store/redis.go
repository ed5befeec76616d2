package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/andresmejia3/faceauth/internal/types"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "faceauth:enroll:"

// putScript inserts into the record hash and appends to the order list in one step.
var putScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

// RedisStore keeps enrollments in a hash (identity -> JSON record) plus a
// list holding the insertion order.
type RedisStore struct {
	client  *redis.Client
	dim     int
	records string
	order   string
}

// NewRedisStore parses url, verifies connectivity and returns the store.
func NewRedisStore(ctx context.Context, url, prefix string, dim int) (*RedisStore, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is required for the redis backend")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStoreFromClient(client, prefix, dim), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string, dim int) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{
		client:  client,
		dim:     dim,
		records: prefix + "records",
		order:   prefix + "order",
	}
}

// Put runs the check-and-insert script; redis executes it atomically.
func (s *RedisStore) Put(ctx context.Context, identity string, emb types.Embedding) error {
	if err := validate(identity, emb, s.dim); err != nil {
		return err
	}
	payload, err := json.Marshal(types.EnrollmentRecord{
		Identity:  identity,
		Embedding: emb,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode enrollment: %w", err)
	}

	inserted, err := putScript.Run(ctx, s.client, []string{s.records, s.order}, identity, payload).Int()
	if err != nil {
		return fmt.Errorf("insert enrollment: %w", err)
	}
	if inserted == 0 {
		return ErrIdentityTaken
	}
	return nil
}

// All reads the order list and the record hash inside one MULTI/EXEC so a
// concurrent Put is either fully visible or not at all.
func (s *RedisStore) All(ctx context.Context) ([]types.EnrollmentRecord, error) {
	var (
		orderCmd   *redis.StringSliceCmd
		recordsCmd *redis.MapStringStringCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		orderCmd = pipe.LRange(ctx, s.order, 0, -1)
		recordsCmd = pipe.HGetAll(ctx, s.records)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read enrollments: %w", err)
	}

	raw := recordsCmd.Val()
	ids := orderCmd.Val()
	records := make([]types.EnrollmentRecord, 0, len(ids))
	for _, id := range ids {
		payload, ok := raw[id]
		if !ok {
			return nil, fmt.Errorf("corrupt snapshot: %q listed but has no record", id)
		}
		var rec types.EnrollmentRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("corrupt record %q: %w", id, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Has checks whether identity is enrolled.
func (s *RedisStore) Has(ctx context.Context, identity string) (bool, error) {
	ok, err := s.client.HExists(ctx, s.records, identity).Result()
	if err != nil {
		return false, fmt.Errorf("check enrollment exists: %w", err)
	}
	return ok, nil
}

// Reset deletes both keys.
func (s *RedisStore) Reset(ctx context.Context) error {
	return s.client.Del(ctx, s.records, s.order).Err()
}

// Close releases the client.
func (s *RedisStore) Close(ctx context.Context) {
	s.client.Close()
}
