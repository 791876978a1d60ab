package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// putSnapshotScript writes the snapshot hash unless the stored saved_at
// is newer than the incoming one.
var putSnapshotScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'saved_at')
if current and tonumber(current) > tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'saved_at', ARGV[2])
return 1
`)

// RedisStore keeps each snapshot in a hash (data, saved_at) and each
// metadata record as a JSON string.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "sync:",
	}
}

func (s *RedisStore) snapshotKey(docID string) string {
	return s.prefix + "snapshot:" + docID
}

func (s *RedisStore) metadataKey(docID string) string {
	return s.prefix + "meta:" + docID
}

func (s *RedisStore) GetSnapshot(ctx context.Context, docID string) (Snapshot, error) {
	fields, err := s.client.HGetAll(ctx, s.snapshotKey(docID)).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	data, ok := fields["data"]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	millis, err := strconv.ParseInt(fields["saved_at"], 10, 64)
	if err != nil {
		return Snapshot{}, fmt.Errorf("parse snapshot saved_at: %w", err)
	}
	return Snapshot{
		DocID:   docID,
		Data:    []byte(data),
		SavedAt: time.UnixMilli(millis).UTC(),
	}, nil
}

func (s *RedisStore) PutSnapshot(ctx context.Context, snapshot Snapshot) error {
	err := putSnapshotScript.Run(ctx, s.client,
		[]string{s.snapshotKey(snapshot.DocID)},
		snapshot.Data, snapshot.SavedAt.UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *RedisStore) GetMetadata(ctx context.Context, docID string) (Metadata, error) {
	raw, err := s.client.Get(ctx, s.metadataKey(docID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Metadata{}, ErrNotFound
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("read metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return meta, nil
}

func (s *RedisStore) PutMetadata(ctx context.Context, meta Metadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := s.client.Set(ctx, s.metadataKey(meta.DocID), raw, 0).Err(); err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}
	return nil
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}
