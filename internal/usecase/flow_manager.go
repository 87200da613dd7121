// File: internal/usecase/flow_manager.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"consultation-client/internal/domain"
	"consultation-client/internal/domain/model"
	"consultation-client/internal/infra/logging"
)

// Compile-time check
var _ FlowManager = (*flowManager)(nil)

// FlowManager hands out one FlowController per user, restoring persisted
// records on first use.
type FlowManager interface {
	Get(ctx context.Context, userID string) (FlowController, error)
	// Active lists the users with a live controller.
	Active() []string
	// Sweep closes controllers untouched for idleFor that have no job in
	// flight and no subscribers. Their records stay in the store.
	Sweep(ctx context.Context, idleFor time.Duration) (int, error)
	Close()
}

type flowManager struct {
	deps   FlowDeps
	logger *zerolog.Logger

	load singleflight.Group

	mu       sync.Mutex
	flows    map[string]*flowController
	lastUsed map[string]time.Time
	closed   bool
}

func NewFlowManager(deps FlowDeps) *flowManager {
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	return &flowManager{
		deps:     deps,
		logger:   deps.Logger,
		flows:    make(map[string]*flowController),
		lastUsed: make(map[string]time.Time),
	}
}

func (m *flowManager) Get(ctx context.Context, userID string) (FlowController, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", domain.ErrValidation)
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("flow manager closed")
	}
	if f, ok := m.flows[userID]; ok {
		m.lastUsed[userID] = m.now()
		m.mu.Unlock()
		return f, nil
	}
	m.mu.Unlock()

	v, err, _ := m.load.Do(userID, func() (any, error) {
		rec, loaded, err := m.restore(ctx, userID)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if f, ok := m.flows[userID]; ok {
			return f, nil
		}
		if m.closed {
			return nil, errors.New("flow manager closed")
		}
		f := NewFlowController(rec, m.deps)
		if !loaded {
			f.deferPersistence()
		}
		m.flows[userID] = f
		m.lastUsed[userID] = m.now()
		return f, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*flowController), nil
}

// restore loads the stored record for userID. loaded is false when the
// store failed; the caller gets a fresh flow that must not overwrite it.
func (m *flowManager) restore(ctx context.Context, userID string) (rec *model.Flow, loaded bool, err error) {
	log := logging.With(logging.WithUserID(ctx, userID), m.logger)
	now := m.now()
	if m.deps.Repo == nil {
		return model.NewFlow(userID, now), true, nil
	}
	rec, err = m.deps.Repo.Get(ctx, userID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return model.NewFlow(userID, now), true, nil
	case err != nil:
		log.Error().Err(err).Msg("load flow failed; starting a new one without persistence")
		return model.NewFlow(userID, now), false, nil
	}
	log.Info().
		Str("flow_id", rec.ID).
		Str("status", string(rec.Status)).
		Int("progress", rec.Progress).
		Msg("flow restored")
	return rec, true, nil
}

func (m *flowManager) now() time.Time {
	if m.deps.Now != nil {
		return m.deps.Now()
	}
	return time.Now()
}

func (m *flowManager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.flows))
	for id := range m.flows {
		out = append(out, id)
	}
	return out
}

func (m *flowManager) Sweep(ctx context.Context, idleFor time.Duration) (int, error) {
	cutoff := m.now().Add(-idleFor)
	var evicted []*flowController

	m.mu.Lock()
	for id, f := range m.flows {
		if err := ctx.Err(); err != nil {
			m.mu.Unlock()
			return 0, err
		}
		if m.lastUsed[id].After(cutoff) || !f.idle() {
			continue
		}
		evicted = append(evicted, f)
		delete(m.flows, id)
		delete(m.lastUsed, id)
	}
	m.mu.Unlock()

	for _, f := range evicted {
		f.Close()
	}
	if len(evicted) > 0 {
		m.logger.Info().Int("flows", len(evicted)).Dur("idle_for", idleFor).Msg("idle flows released")
	}
	return len(evicted), nil
}

func (m *flowManager) Close() {
	m.mu.Lock()
	m.closed = true
	flows := make([]*flowController, 0, len(m.flows))
	for _, f := range m.flows {
		flows = append(flows, f)
	}
	m.flows = map[string]*flowController{}
	m.lastUsed = map[string]time.Time{}
	m.mu.Unlock()

	for _, f := range flows {
		f.Close()
	}
	m.logger.Info().Int("flows", len(flows)).Msg("flow manager closed")
}
