package app

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/dkeye/Office/internal/config"
	"github.com/dkeye/Office/internal/core"
	"github.com/dkeye/Office/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisPresenceKey(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	assert.Equal(t, "office:main:participants", newRedisPresence(client, "", 0).Key("main"))
	assert.Equal(t, "hq:lobby:participants", newRedisPresence(client, "hq", 0).Key("lobby"))
}

func TestNewRedisPresenceUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := NewRedisPresence(ctx, config.RedisConfig{Addr: "127.0.0.1:1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to Redis")
}

// TestRedisPresenceLifecycle needs a server; set OFFICE_TEST_REDIS to its address.
func TestRedisPresenceLifecycle(t *testing.T) {
	addr := os.Getenv("OFFICE_TEST_REDIS")
	if addr == "" {
		t.Skip("OFFICE_TEST_REDIS not set")
	}
	ctx := context.Background()
	p, err := NewRedisPresence(ctx, config.RedisConfig{
		Addr:   addr,
		Prefix: "office-test-" + uuid.NewString(),
		TTL:    time.Minute,
	})
	require.NoError(t, err)
	defer p.Close()

	key := p.Key("main")
	defer p.client.Del(ctx, key)

	alice := domain.Participant{
		User:         domain.User{ID: "a", Username: "alice"},
		Position:     domain.Position{X: 10, Y: 20},
		VoiceEnabled: true,
	}
	require.NoError(t, p.Put(ctx, "main", alice))
	require.NoError(t, p.Put(ctx, "main", domain.Participant{User: domain.User{ID: "b", Username: "bob"}}))

	raw, err := p.client.HGet(ctx, key, "a").Result()
	require.NoError(t, err)
	var got core.ParticipantPayload
	require.NoError(t, json.Unmarshal([]byte(raw), &got))
	assert.Equal(t, core.PayloadOf(alice), got)

	ttl, err := p.client.TTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)

	require.NoError(t, p.Remove(ctx, "main", "a"))
	n, err := p.client.HLen(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, p.Clear(ctx, "main"))
	exists, err := p.client.Exists(ctx, key).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}
