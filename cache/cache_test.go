package cache

import (
	"context"
	"testing"
	"time"

	"claim-engine/config"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestUnavailableAlwaysMisses(t *testing.T) {
	ctx := context.Background()
	c := OrUnavailable(nil)

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	var out string
	found, err := c.Get(ctx, "k", &out)
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, c.Delete(ctx, "k"))
}

func TestFromConfigDisabled(t *testing.T) {
	c, err := FromConfig(context.Background(), config.RedisConfig{Enabled: false})
	require.NoError(t, err)
	require.IsType(t, Unavailable{}, c)
}

func TestFromConfigUnreachableFallsBack(t *testing.T) {
	c, err := FromConfig(context.Background(), config.RedisConfig{
		Enabled:     true,
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
	})
	require.Error(t, err)
	require.IsType(t, Unavailable{}, c)
}

func TestRedisCacheErrorsOnDeadServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	c := NewRedisCache(client, "test:")

	var out string
	found, err := c.Get(context.Background(), "k", &out)
	require.Error(t, err)
	require.False(t, found)
	require.Error(t, c.Set(context.Background(), "k", "v", time.Minute))
}
