package scheduler

import (
	"context"
	"sync"
	"time"

	"recordplane/pkg/config"
	"recordplane/services/workflow"

	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Scheduler registers schedule-triggered workflows as cron entries and
// refreshes the entry set periodically so newly created or deactivated
// workflows are picked up without a restart.
type Scheduler struct {
	cron     *cron.Cron
	engine   *workflow.Engine
	logger   *zap.Logger
	interval time.Duration

	mu      sync.Mutex
	entries map[string]entry
	stop    chan struct{}
	done    chan struct{}
}

type entry struct {
	spec string
	id   cron.EntryID
}

type Params struct {
	fx.In

	Engine *workflow.Engine
	Config *config.Config
	Logger *zap.Logger
}

func New(p Params) *Scheduler {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cron:     cron.New(),
		engine:   p.Engine,
		logger:   logger,
		interval: p.Config.Scheduler.Interval,
		entries:  make(map[string]entry),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.refresh(ctx)
	s.cron.Start()
	go s.loop()
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	close(s.stop)
	<-s.done
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	return nil
}

func (s *Scheduler) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.refresh(context.Background())
		case <-s.stop:
			return
		}
	}
}

// refresh reconciles cron entries with the active scheduled workflows:
// new workflows are registered, deactivated ones removed, and changed
// schedules re-registered.
func (s *Scheduler) refresh(ctx context.Context) {
	wfs, err := s.engine.ListScheduled(ctx)
	if err != nil {
		s.logger.Error("failed to load scheduled workflows", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(wfs))
	for _, wf := range wfs {
		seen[wf.ID] = struct{}{}
		if existing, ok := s.entries[wf.ID]; ok {
			if existing.spec == wf.Schedule {
				continue
			}
			s.cron.Remove(existing.id)
		}

		// Capture ids, not the row: conditions or actions may change
		// between refreshes while the cron spec stays the same.
		tenantID, workflowID := wf.TenantID, wf.ID
		id, err := s.cron.AddFunc(wf.Schedule, func() {
			ctx := context.Background()
			current, err := s.engine.Get(ctx, tenantID, workflowID)
			if err != nil || !current.IsActive {
				return
			}
			s.engine.RunScheduled(ctx, *current)
		})
		if err != nil {
			s.logger.Warn("invalid workflow schedule, skipping",
				zap.String("workflow_id", wf.ID),
				zap.String("schedule", wf.Schedule),
				zap.Error(err))
			delete(s.entries, wf.ID)
			continue
		}
		s.entries[wf.ID] = entry{spec: wf.Schedule, id: id}
	}

	for id, e := range s.entries {
		if _, ok := seen[id]; !ok {
			s.cron.Remove(e.id)
			delete(s.entries, id)
		}
	}
}

var Module = fx.Module("scheduler",
	fx.Provide(New),
	fx.Invoke(register),
)

func register(lc fx.Lifecycle, s *Scheduler, cfg *config.Config) {
	if !cfg.Scheduler.Enable {
		return
	}
	lc.Append(fx.Hook{
		OnStart: s.Start,
		OnStop:  s.Stop,
	})
}
