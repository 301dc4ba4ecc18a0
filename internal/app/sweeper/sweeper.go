package sweeper

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/ambetz/vipgate/internal/app/service/lifecycle"
	"github.com/ambetz/vipgate/internal/app/service/statistics"
	"github.com/ambetz/vipgate/pkg/config"
)

// Sweeper runs the scheduled expiry sweep on a fixed interval. The manual
// admin endpoint shares the same reconciler call.
type Sweeper struct {
	lifecycle *lifecycle.Service
	stats     *statistics.Service
	interval  time.Duration
	log       *zap.SugaredLogger

	cancel context.CancelFunc
	done   chan struct{}
}

func New(lc *lifecycle.Service, stats *statistics.Service, cfg *config.Config, log *zap.SugaredLogger) *Sweeper {
	return &Sweeper{
		lifecycle: lc,
		stats:     stats,
		interval:  cfg.Subscription.SweepInterval,
		log:       log,
		done:      make(chan struct{}),
	}
}

func (s *Sweeper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx)
}

func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Infow("expiry sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.log.Infow("expiry sweeper stopped")
			return
		case <-ticker.C:
			res, err := s.lifecycle.SweepExpired(ctx)
			if err != nil {
				s.log.Errorw("scheduled expiry sweep failed", "error", err)
				continue
			}
			s.stats.RecordSweep(res)
		}
	}
}

var Module = fx.Options(
	fx.Provide(New),
	fx.Invoke(func(lc fx.Lifecycle, s *Sweeper) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				s.Start()
				return nil
			},
			OnStop: func(context.Context) error {
				s.Stop()
				return nil
			},
		})
	}),
)
