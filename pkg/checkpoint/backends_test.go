package checkpoint_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fetchoracle/twapfeed/pkg/checkpoint"
	"github.com/fetchoracle/twapfeed/pkg/pool"
)

// exerciseStore runs the behaviour every backend shares.
func exerciseStore(t *testing.T, store checkpoint.Store) {
	t.Helper()
	ctx := context.Background()
	key := fmt.Sprintf("TEST%d/DAI", time.Now().UnixNano())
	t.Cleanup(func() { _ = store.Delete(context.Background(), key) })

	_, ok, err := store.Read(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	want := maxSnapshot(key)
	require.NoError(t, store.Write(ctx, key, want))

	got, ok, err := store.Read(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, want.Equal(got))

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, all, key)

	require.NoError(t, store.Delete(ctx, key))
	_, ok, err = store.Read(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func redisClient(t *testing.T) *goredis.Client {
	t.Helper()
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		t.Skip("REDIS_HOST not set")
	}
	port := os.Getenv("REDIS_PORT")
	if port == "" {
		port = "6379"
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: host + ":" + port})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRedisStore(t *testing.T) {
	rdb := redisClient(t)

	hash := fmt.Sprintf("twap:checkpoints:test:%d", time.Now().UnixNano())
	t.Cleanup(func() { rdb.Del(context.Background(), hash) })

	exerciseStore(t, checkpoint.NewRedisStore(rdb, hash, zaptest.NewLogger(t)))
}

func TestRedisStore_CorruptField(t *testing.T) {
	rdb := redisClient(t)
	ctx := context.Background()
	hash := fmt.Sprintf("twap:checkpoints:test:%d", time.Now().UnixNano())
	t.Cleanup(func() { rdb.Del(context.Background(), hash) })

	require.NoError(t, rdb.HSet(ctx, hash, "WPLS/DAI", "garbage").Err())
	store := checkpoint.NewRedisStore(rdb, hash, zaptest.NewLogger(t))
	_, _, err := store.Read(ctx, "WPLS/DAI")
	assert.ErrorIs(t, err, checkpoint.ErrCorruptCheckpoint)
}

func TestRedisStore_ListSkipsForeignFields(t *testing.T) {
	rdb := redisClient(t)
	ctx := context.Background()
	hash := fmt.Sprintf("twap:checkpoints:test:%d", time.Now().UnixNano())
	t.Cleanup(func() { rdb.Del(context.Background(), hash) })

	require.NoError(t, rdb.HSet(ctx, hash, "lastRun", "2024-01-01", "meta", `{"owner":"ops"}`).Err())
	store := checkpoint.NewRedisStore(rdb, hash, zaptest.NewLogger(t))
	require.NoError(t, store.Write(ctx, "WPLS/DAI", pool.Snapshot{
		Price0Cumulative: uint256.NewInt(1),
		Price1Cumulative: uint256.NewInt(2),
		BlockTimestamp:   3,
	}))

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Contains(t, all, "WPLS/DAI")
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("POSTGRES_URL")
	if url == "" {
		t.Skip("POSTGRES_URL not set")
	}
	ctx := context.Background()
	db, err := pgxpool.New(ctx, url)
	require.NoError(t, err)

	store := checkpoint.NewPostgresStore(db, zaptest.NewLogger(t), db.Close)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.EnsureSchema(ctx))

	exerciseStore(t, store)
}
