package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"balance-guard/internal/config"
)

func TestStoreWithoutPool(t *testing.T) {
	var s *Store
	ctx := context.Background()

	_, err := s.ListActiveOverrides(ctx, []string{"fincra"}, "ngn_cashout")
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, _, err = s.GetAlertState(ctx, "kraken_USD_critical")
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = s.InsertProtectionLog(ctx, ProtectionLog{})
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, _, err = s.TryAdvisoryLock(ctx, 42)
	assert.ErrorIs(t, err, ErrNotConfigured)

	assert.NotPanics(t, s.Close)
}

func TestOverrideType(t *testing.T) {
	assert.True(t, OverridePauseOperations.Blocks())
	assert.True(t, OverrideEmergencyPause.Blocks())
	assert.False(t, OverrideAllowOperations.Blocks())
	assert.True(t, OverrideAllowOperations.Allows())
	assert.False(t, OverrideType("bogus").Blocks())
	assert.False(t, OverrideType("bogus").Allows())
}

func TestOverrideExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.False(t, Override{}.Expired(now))
	assert.True(t, Override{ExpiresAt: &past}.Expired(now))
	assert.True(t, Override{ExpiresAt: &now}.Expired(now))
	assert.False(t, Override{ExpiresAt: &future}.Expired(now))
}

func TestSchemaDeclaresTables(t *testing.T) {
	require.NotEmpty(t, schemaSQL)
	for _, table := range []string{"admin_operation_overrides", "balance_alert_states", "balance_protection_logs"} {
		assert.Contains(t, schemaSQL, "CREATE TABLE IF NOT EXISTS "+table)
	}
	assert.True(t, strings.Contains(upsertAlertStateSQL, "ON CONFLICT (alert_key)"))
}

func TestNewPoolRequiresDSN(t *testing.T) {
	_, err := NewPool(context.Background(), config.DatabaseConfig{})
	assert.ErrorContains(t, err, "database.dsn")
}

func TestMemoryAlertStatesCountsUpserts(t *testing.T) {
	m := NewMemoryAlertStates()
	ctx := context.Background()

	_, found, err := m.GetAlertState(ctx, "fincra_NGN_warning")
	require.NoError(t, err)
	assert.False(t, found)

	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	state := AlertState{AlertKey: "fincra_NGN_warning", Provider: "fincra", Currency: "NGN", AlertLevel: "warning", LastAlertTime: at}
	_, err = m.UpsertAlertState(ctx, state)
	require.NoError(t, err)
	state.LastAlertTime = at.Add(time.Hour)
	second, err := m.UpsertAlertState(ctx, state)
	require.NoError(t, err)
	assert.Equal(t, 2, second.AlertCount)

	got, found, err := m.GetAlertState(ctx, "fincra_NGN_warning")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, at.Add(time.Hour), got.LastAlertTime)
}
