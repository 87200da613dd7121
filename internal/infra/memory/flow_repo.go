package memory

import (
	"context"
	"sync"

	"consultation-client/internal/domain"
	"consultation-client/internal/domain/model"
	"consultation-client/internal/domain/ports/repository"
)

var _ repository.FlowRepository = (*FlowRepo)(nil)

// FlowRepo keeps flow records in process memory. It is the default store
// for single-process CLI runs and for tests.
type FlowRepo struct {
	mu    sync.RWMutex
	flows map[string]model.Flow // keyed by user id
	saves int
}

func NewFlowRepo() *FlowRepo {
	return &FlowRepo{flows: make(map[string]model.Flow)}
}

func (r *FlowRepo) Get(ctx context.Context, userID string) (*model.Flow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.flows[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &f, nil
}

func (r *FlowRepo) Save(ctx context.Context, flow *model.Flow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows[flow.UserID] = *flow
	r.saves++
	return nil
}

func (r *FlowRepo) Delete(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.flows, userID)
	return nil
}

// Saves reports how many times Save succeeded.
func (r *FlowRepo) Saves() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.saves
}
