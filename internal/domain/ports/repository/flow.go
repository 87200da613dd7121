package repository

import (
	"context"

	"consultation-client/internal/domain/model"
)

// FlowRepository persists one flow record per user so a session survives a
// restart. Get returns domain.ErrNotFound when nothing is stored.
type FlowRepository interface {
	Get(ctx context.Context, userID string) (*model.Flow, error)
	Save(ctx context.Context, flow *model.Flow) error
	Delete(ctx context.Context, userID string) error
}
