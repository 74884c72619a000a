package redis_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beacon/internal/platform/config"
	"beacon/internal/platform/redis"
)

func TestNew(t *testing.T) {
	t.Run("disabled without a URL", func(t *testing.T) {
		c, err := redis.New(context.Background(), config.RedisConfig{})
		require.NoError(t, err)
		assert.Nil(t, c)
	})

	t.Run("rejects a malformed URL", func(t *testing.T) {
		_, err := redis.New(context.Background(), config.RedisConfig{URL: "http://not-redis"})
		assert.ErrorContains(t, err, "parse redis URL")
	})
}
