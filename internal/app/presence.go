package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkeye/Office/internal/config"
	"github.com/dkeye/Office/internal/core"
	"github.com/dkeye/Office/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Presence mirrors office membership outside the process.
// The in-memory OfficeService stays authoritative.
type Presence interface {
	Put(ctx context.Context, office domain.OfficeName, p domain.Participant) error
	Remove(ctx context.Context, office domain.OfficeName, id domain.PeerID) error
	Clear(ctx context.Context, office domain.OfficeName) error
}

type NopPresence struct{}

func (NopPresence) Put(context.Context, domain.OfficeName, domain.Participant) error { return nil }
func (NopPresence) Remove(context.Context, domain.OfficeName, domain.PeerID) error   { return nil }
func (NopPresence) Clear(context.Context, domain.OfficeName) error                   { return nil }

// RedisPresence keeps one hash per office, field per participant id,
// refreshed with a TTL on every write.
type RedisPresence struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisPresence(ctx context.Context, cfg config.RedisConfig) (*RedisPresence, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	log.Info().Str("module", "app.presence").Str("addr", cfg.Addr).Msg("redis presence connected")
	return newRedisPresence(client, cfg.Prefix, cfg.TTL), nil
}

func newRedisPresence(client *redis.Client, prefix string, ttl time.Duration) *RedisPresence {
	if prefix == "" {
		prefix = "office"
	}
	return &RedisPresence{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisPresence) Key(office domain.OfficeName) string {
	return fmt.Sprintf("%s:%s:participants", r.prefix, office)
}

func (r *RedisPresence) Put(ctx context.Context, office domain.OfficeName, p domain.Participant) error {
	b, err := json.Marshal(core.PayloadOf(p))
	if err != nil {
		return err
	}
	key := r.Key(office)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, string(p.ID), b)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisPresence) Remove(ctx context.Context, office domain.OfficeName, id domain.PeerID) error {
	return r.client.HDel(ctx, r.Key(office), string(id)).Err()
}

func (r *RedisPresence) Clear(ctx context.Context, office domain.OfficeName) error {
	return r.client.Del(ctx, r.Key(office)).Err()
}

func (r *RedisPresence) Close() error { return r.client.Close() }
