package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"consultation-client/internal/domain/model"
	"consultation-client/internal/domain/ports/repository"
	"consultation-client/internal/infra/metrics"
	red "consultation-client/internal/infra/redis"
)

var _ repository.FlowRepository = (*flowRepoCacheDecorator)(nil)

type flowRepoCacheDecorator struct {
	inner  repository.FlowRepository
	cache  red.RedisClient
	ttl    time.Duration
	logger *zerolog.Logger
}

// NewFlowRepoCacheDecorator puts a read-through redis cache in front of inner.
// Writes go to inner first and then invalidate the cached copy.
func NewFlowRepoCacheDecorator(inner repository.FlowRepository, cache red.RedisClient, ttl time.Duration, logger *zerolog.Logger) repository.FlowRepository {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &flowRepoCacheDecorator{inner: inner, cache: cache, ttl: ttl, logger: logger}
}

func cacheKey(userID string) string { return "consult_flow_cache:" + userID }

func (d *flowRepoCacheDecorator) Get(ctx context.Context, userID string) (*model.Flow, error) {
	key := cacheKey(userID)
	val, err := d.cache.Get(ctx, key)
	if err == nil {
		var flow model.Flow
		if json.Unmarshal([]byte(val), &flow) == nil {
			metrics.IncCacheRequest("flow", "hit")
			return &flow, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		d.logger.Warn().Err(err).Str("user_id", userID).Msg("flow cache read failed")
	}

	metrics.IncCacheRequest("flow", "miss")
	flow, err := d.inner.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(flow); err == nil {
		if err := d.cache.Set(ctx, key, data, d.ttl); err != nil {
			d.logger.Warn().Err(err).Str("user_id", userID).Msg("flow cache fill failed")
		}
	}
	return flow, nil
}

func (d *flowRepoCacheDecorator) Save(ctx context.Context, flow *model.Flow) error {
	if err := d.inner.Save(ctx, flow); err != nil {
		return err
	}
	d.invalidate(ctx, flow.UserID)
	return nil
}

func (d *flowRepoCacheDecorator) Delete(ctx context.Context, userID string) error {
	if err := d.inner.Delete(ctx, userID); err != nil {
		return err
	}
	d.invalidate(ctx, userID)
	return nil
}

func (d *flowRepoCacheDecorator) invalidate(ctx context.Context, userID string) {
	if err := d.cache.Del(ctx, cacheKey(userID)); err != nil {
		d.logger.Warn().Err(err).Str("user_id", userID).Msg("flow cache invalidate failed")
	}
}
