package statistics

import (
	"context"
	"sync"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/ambetz/vipgate/internal/app/service/lifecycle"
	"github.com/ambetz/vipgate/internal/app/service/store"
	"github.com/ambetz/vipgate/pkg/types"
)

type Overview struct {
	ActiveSubscriptions  int64      `json:"active_subscriptions"`
	ExpiredSubscriptions int64      `json:"expired_subscriptions"`
	LastSweepAt          *time.Time `json:"last_sweep_at,omitempty"`
	LastSweepExpired     int        `json:"last_sweep_expired"`
	LastSweepActions     int        `json:"last_sweep_actions"`
}

// Service aggregates counts for the admin surface and remembers the latest
// sweep outcome.
type Service struct {
	store *store.Service
	log   *zap.SugaredLogger

	mu        sync.Mutex
	lastSweep *lifecycle.SweepResult
	lastAt    time.Time
}

func New(st *store.Service, log *zap.SugaredLogger) *Service {
	return &Service{store: st, log: log}
}

func (s *Service) RecordSweep(res lifecycle.SweepResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSweep = &res
	s.lastAt = time.Now().UTC()
}

func (s *Service) Overview(ctx context.Context) (*Overview, error) {
	active, err := s.store.CountByStatus(ctx, types.SubscriptionStatusActive)
	if err != nil {
		return nil, err
	}
	expired, err := s.store.CountByStatus(ctx, types.SubscriptionStatusExpired)
	if err != nil {
		return nil, err
	}

	ov := &Overview{
		ActiveSubscriptions:  active,
		ExpiredSubscriptions: expired,
	}
	s.mu.Lock()
	if s.lastSweep != nil {
		at := s.lastAt
		ov.LastSweepAt = &at
		ov.LastSweepExpired = s.lastSweep.ExpiredCount
		ov.LastSweepActions = s.lastSweep.ActionsTaken
	}
	s.mu.Unlock()
	return ov, nil
}

var Module = fx.Options(
	fx.Provide(New),
)
