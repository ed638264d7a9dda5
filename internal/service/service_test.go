package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"balance-guard/internal/guard"
)

type fakeMonitor struct {
	sweeps int
	report guard.MonitorReport
}

func (f *fakeMonitor) MonitorAllBalances(context.Context) guard.MonitorReport {
	f.sweeps++
	return f.report
}

type fakeLocker struct {
	acquired bool
	err      error
	keys     []int64
	unlocked int
}

func (f *fakeLocker) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	f.keys = append(f.keys, key)
	if f.err != nil || !f.acquired {
		return nil, false, f.err
	}
	return func() { f.unlocked++ }, true, nil
}

func okReport() guard.MonitorReport {
	return guard.MonitorReport{Status: "success", OverallStatus: guard.StatusOperational}
}

func TestProcessTickRunsSweepUnderLock(t *testing.T) {
	mon := &fakeMonitor{report: okReport()}
	lock := &fakeLocker{acquired: true}
	svc := New(nil, mon, lock, 42, zerolog.Nop())

	require.NoError(t, svc.ProcessTick(context.Background(), time.Now()))
	assert.Equal(t, 1, mon.sweeps)
	assert.Equal(t, []int64{42}, lock.keys)
	assert.Equal(t, 1, lock.unlocked)
}

func TestProcessTickSkipsWhenLockHeld(t *testing.T) {
	mon := &fakeMonitor{report: okReport()}
	svc := New(nil, mon, &fakeLocker{acquired: false}, 42, zerolog.Nop())

	require.NoError(t, svc.ProcessTick(context.Background(), time.Now()))
	assert.Zero(t, mon.sweeps)
}

func TestProcessTickLockError(t *testing.T) {
	mon := &fakeMonitor{report: okReport()}
	svc := New(nil, mon, &fakeLocker{err: errors.New("conn refused")}, 42, zerolog.Nop())

	err := svc.ProcessTick(context.Background(), time.Now())
	assert.ErrorContains(t, err, "advisory lock")
	assert.Zero(t, mon.sweeps)
}

func TestProcessTickWithoutLocker(t *testing.T) {
	mon := &fakeMonitor{report: okReport()}
	svc := New(nil, mon, nil, 42, zerolog.Nop())

	require.NoError(t, svc.ProcessTick(context.Background(), time.Now()))
	assert.Equal(t, 1, mon.sweeps)
}

func TestProcessTickReportsFailedSweep(t *testing.T) {
	mon := &fakeMonitor{report: guard.MonitorReport{Status: "failed", OverallStatus: guard.StatusNoData}}
	svc := New(nil, mon, nil, 0, zerolog.Nop())

	assert.Error(t, svc.ProcessTick(context.Background(), time.Now()))
}

func TestRunRequiresScheduler(t *testing.T) {
	svc := New(nil, &fakeMonitor{}, nil, 0, zerolog.Nop())
	assert.Error(t, svc.Run(context.Background()))
}
