package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"consultation-client/internal/domain"
	"consultation-client/internal/domain/model"
	"consultation-client/internal/domain/ports/repository"

	"github.com/go-redis/redis/v8"
)

var _ repository.FlowRepository = (*FlowRepo)(nil)

// FlowRepo keeps each user's flow record as a JSON blob. The TTL is
// refreshed on every save, so an abandoned session expires on its own.
type FlowRepo struct {
	client RedisClient
	ttl    time.Duration
}

func NewFlowRepo(client RedisClient, ttl time.Duration) *FlowRepo {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &FlowRepo{client: client, ttl: ttl}
}

func (s *FlowRepo) flowKey(userID string) string {
	return "consult_flow:" + userID
}

func (s *FlowRepo) Save(ctx context.Context, flow *model.Flow) error {
	data, err := json.Marshal(flow)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.flowKey(flow.UserID), data, s.ttl)
}

func (s *FlowRepo) Get(ctx context.Context, userID string) (*model.Flow, error) {
	data, err := s.client.Get(ctx, s.flowKey(userID))
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var flow model.Flow
	if err := json.Unmarshal([]byte(data), &flow); err != nil {
		return nil, err
	}
	return &flow, nil
}

func (s *FlowRepo) Delete(ctx context.Context, userID string) error {
	return s.client.Del(ctx, s.flowKey(userID))
}
