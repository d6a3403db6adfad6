// Package redis caches party display labels in Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mediation-hub/mediation-hub/internal/domain/party"
)

const keyPrefix = "mediation:label:"

// Connect builds a client from a redis:// URL or a bare host:port.
func Connect(ctx context.Context, redisURL string) (*goredis.Client, error) {
	var client *goredis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := goredis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = goredis.NewClient(opt)
	} else {
		client = goredis.NewClient(&goredis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

type kv interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd
}

// LabelCache wraps a party.Registry and caches LabelOf answers. Roles are
// authorization data and always go to the wrapped registry.
type LabelCache struct {
	next   party.Registry
	client kv
	ttl    time.Duration
	logger zerolog.Logger
}

func NewLabelCache(next party.Registry, client kv, ttl time.Duration, logger zerolog.Logger) *LabelCache {
	return &LabelCache{
		next:   next,
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "label_cache").Logger(),
	}
}

func (c *LabelCache) RoleOf(ctx context.Context, disputeID uuid.UUID, actorID string) (party.Role, error) {
	return c.next.RoleOf(ctx, disputeID, actorID)
}

// LabelOf serves from Redis when possible. A cache outage degrades to the
// wrapped registry.
func (c *LabelCache) LabelOf(ctx context.Context, identityID string) (string, error) {
	key := keyPrefix + identityID
	label, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		return label, nil
	case !errors.Is(err, goredis.Nil):
		c.logger.Warn().Err(err).Str("identity_id", identityID).Msg("label cache read failed")
	}

	label, err = c.next.LabelOf(ctx, identityID)
	if err != nil {
		return "", err
	}
	if label != "" {
		if err := c.client.Set(ctx, key, label, c.ttl).Err(); err != nil {
			c.logger.Warn().Err(err).Str("identity_id", identityID).Msg("label cache write failed")
		}
	}
	return label, nil
}
