package security

import (
	"context"

	"consultation-client/internal/domain/model"
	"consultation-client/internal/domain/ports/repository"
)

var _ repository.FlowRepository = (*SealedFlowRepo)(nil)

// SealedFlowRepo encrypts the retained background before it reaches the
// underlying store. The rest of the record stays readable for operators.
type SealedFlowRepo struct {
	inner  repository.FlowRepository
	cipher *Cipher
}

func NewSealedFlowRepo(inner repository.FlowRepository, c *Cipher) *SealedFlowRepo {
	return &SealedFlowRepo{inner: inner, cipher: c}
}

func (r *SealedFlowRepo) Get(ctx context.Context, userID string) (*model.Flow, error) {
	flow, err := r.inner.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if flow.Background == "" {
		return flow, nil
	}
	cp := *flow
	if cp.Background, err = r.cipher.Open(flow.Background, flow.UserID); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (r *SealedFlowRepo) Save(ctx context.Context, flow *model.Flow) error {
	if flow.Background == "" || IsSealed(flow.Background) {
		return r.inner.Save(ctx, flow)
	}
	sealed, err := r.cipher.Seal(flow.Background, flow.UserID)
	if err != nil {
		return err
	}
	cp := *flow
	cp.Background = sealed
	return r.inner.Save(ctx, &cp)
}

func (r *SealedFlowRepo) Delete(ctx context.Context, userID string) error {
	return r.inner.Delete(ctx, userID)
}
