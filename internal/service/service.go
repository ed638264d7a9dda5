package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"balance-guard/internal/guard"
	"balance-guard/internal/scheduler"
	"balance-guard/internal/storage"
)

// Monitor runs one full balance sweep.
type Monitor interface {
	MonitorAllBalances(ctx context.Context) guard.MonitorReport
}

// Service drives scheduled balance monitoring across replicas.
type Service struct {
	scheduler *scheduler.Scheduler
	monitor   Monitor
	locker    storage.AdvisoryLocker
	lockKey   int64
	logger    zerolog.Logger
}

// New constructs the monitoring service. locker may be nil when no database is
// configured; every tick then runs locally.
func New(sched *scheduler.Scheduler, monitor Monitor, locker storage.AdvisoryLocker, lockKey int64, logger zerolog.Logger) *Service {
	return &Service{
		scheduler: sched,
		monitor:   monitor,
		locker:    locker,
		lockKey:   lockKey,
		logger:    logger.With().Str("component", "service").Logger(),
	}
}

// Run begins the scheduled sweep loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessTick)
}

// ProcessTick runs a sweep unless another replica holds the advisory lock.
func (s *Service) ProcessTick(ctx context.Context, tick time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("tick", tick).Msg("skip sweep because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	report := s.monitor.MonitorAllBalances(ctx)
	s.logReport(tick, report)
	if report.Status == "failed" {
		return fmt.Errorf("balance sweep failed: no provider returned a balance")
	}
	return nil
}

func (s *Service) logReport(tick time.Time, r guard.MonitorReport) {
	ev := s.logger.Info()
	switch r.OverallStatus {
	case guard.StatusBlocked, guard.StatusEmergency, guard.StatusNoData:
		ev = s.logger.Warn()
	}
	ev.Time("tick", tick).
		Str("status", r.Status).
		Str("overall_status", r.OverallStatus).
		Int("providers", r.Summary.TotalProviders).
		Int("alerts_sent", r.Summary.TotalAlertsSent).
		Str("blocked", strings.Join(r.Summary.BlockedProviders, ",")).
		Str("failed", strings.Join(r.Summary.FailedProviders, ",")).
		Msg("balance sweep complete")
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
