package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fetchoracle/twapfeed/pkg/pool"
)

// DefaultRedisKey is the hash that holds one field per pair.
const DefaultRedisKey = "twap:checkpoints"

const maxWatchRetries = 5

// RedisStore keeps checkpoints in a single hash. Field values use the same JSON
// object as the file layout.
type RedisStore struct {
	rdb     *redis.Client
	hashKey string
	logger  *zap.Logger
}

func NewRedisStore(rdb *redis.Client, hashKey string, logger *zap.Logger) *RedisStore {
	if hashKey == "" {
		hashKey = DefaultRedisKey
	}
	return &RedisStore{rdb: rdb, hashKey: hashKey, logger: logger}
}

func (s *RedisStore) location() string {
	return fmt.Sprintf("redis://%s/%s", s.rdb.Options().Addr, s.hashKey)
}

func (s *RedisStore) Read(ctx context.Context, key string) (pool.Snapshot, bool, error) {
	raw, err := s.rdb.HGet(ctx, s.hashKey, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return pool.Snapshot{}, false, nil
	}
	if err != nil {
		return pool.Snapshot{}, false, fmt.Errorf("redis hget %s %s: %w", s.hashKey, key, err)
	}
	snap, err := decodeEntry(s.location(), key, raw)
	if err != nil {
		return pool.Snapshot{}, false, err
	}
	return snap, true, nil
}

// Write merges into the existing field under WATCH so concurrent writers of
// other fields in the same entry are not lost.
func (s *RedisStore) Write(ctx context.Context, key string, snap pool.Snapshot) error {
	txf := func(tx *redis.Tx) error {
		prev, err := tx.HGet(ctx, s.hashKey, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		raw, err := mergeEntry(prev, snap)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.hashKey, key, raw)
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.rdb.Watch(ctx, txf, s.hashKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("redis write checkpoint %s: %w", key, err)
		}
		s.logger.Info("Checkpoint updated", zap.String("pair", key), zap.String("hash", s.hashKey))
		return nil
	}
	return fmt.Errorf("redis write checkpoint %s: %w", key, redis.TxFailedErr)
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.rdb.HDel(ctx, s.hashKey, key).Err()
}

// List skips fields another tool wrote, like FileStore.List.
func (s *RedisStore) List(ctx context.Context) (map[string]pool.Snapshot, error) {
	all, err := s.rdb.HGetAll(ctx, s.hashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", s.hashKey, err)
	}
	raw := make(map[string][]byte, len(all))
	for k, v := range all {
		raw[k] = []byte(v)
	}
	return decodeEntries(s.location(), raw)
}

// Close is a no-op; the connection belongs to the caller.
func (s *RedisStore) Close() error { return nil }
