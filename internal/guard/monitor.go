package guard

import (
	"context"
	"time"

	"balance-guard/internal/balance"
	"balance-guard/internal/provider"
)

// Overall sweep statuses, worst first.
const (
	StatusBlocked     = "blocked"
	StatusEmergency   = "emergency"
	StatusCritical    = "critical"
	StatusWarning     = "warning"
	StatusOperational = "operational"
	StatusNoData      = "no_data"
)

// MonitorSummary buckets providers by alert tier. Entries are "{provider}_{currency}".
type MonitorSummary struct {
	OperationalProviders []string `json:"operational_providers"`
	WarningProviders     []string `json:"warning_providers"`
	CriticalProviders    []string `json:"critical_providers"`
	EmergencyProviders   []string `json:"emergency_providers"`
	BlockedProviders     []string `json:"blocked_providers"`
	FailedProviders      []string `json:"failed_providers"`
	TotalProviders       int      `json:"total_providers"`
	TotalAlertsSent      int      `json:"total_alerts_sent"`
}

// MonitorReport is the result of one full balance sweep.
type MonitorReport struct {
	// Status is "success", "partial" when some providers failed, or "failed"
	// when none answered.
	Status           string             `json:"status"`
	OverallStatus    string             `json:"overall_status"`
	CheckedAt        time.Time          `json:"checked_at"`
	AlertsSent       []string           `json:"alerts_sent"`
	BalanceSnapshots []balance.Snapshot `json:"balance_snapshots"`
	Summary          MonitorSummary     `json:"summary"`
}

// MonitorAllBalances reads every registered provider fresh, sends
// cooldown-gated alerts, and summarises the tiers. Provider failures are
// logged and reported; they never abort the sweep.
func (g *Guard) MonitorAllBalances(ctx context.Context) MonitorReport {
	log := g.logger.With().Str("task", "monitor").Logger()

	snaps, failed := g.fetchSnapshots(ctx, g.order, provider.SnapshotRequest{ForceFresh: true}, log)

	report := MonitorReport{
		CheckedAt:        g.now().UTC(),
		AlertsSent:       []string{},
		BalanceSnapshots: snaps,
		Summary: MonitorSummary{
			OperationalProviders: []string{},
			WarningProviders:     []string{},
			CriticalProviders:    []string{},
			EmergencyProviders:   []string{},
			BlockedProviders:     []string{},
			FailedProviders:      providerStrings(failed),
			TotalProviders:       len(g.order),
		},
	}

	for _, snap := range snaps {
		key := snap.Key()
		switch snap.AlertLevel {
		case balance.AlertOperationalDanger:
			report.Summary.BlockedProviders = append(report.Summary.BlockedProviders, key)
		case balance.AlertEmergency:
			report.Summary.EmergencyProviders = append(report.Summary.EmergencyProviders, key)
		case balance.AlertCritical:
			report.Summary.CriticalProviders = append(report.Summary.CriticalProviders, key)
		case balance.AlertWarning:
			report.Summary.WarningProviders = append(report.Summary.WarningProviders, key)
		default:
			report.Summary.OperationalProviders = append(report.Summary.OperationalProviders, key)
		}

		if g.notifier.SendBalanceAlert(ctx, snap, false) {
			report.AlertsSent = append(report.AlertsSent, balance.AlertKey(snap.Provider, snap.Currency, snap.AlertLevel))
		}
	}
	report.Summary.TotalAlertsSent = len(report.AlertsSent)

	switch {
	case len(snaps) == 0:
		report.Status = "failed"
	case len(failed) > 0:
		report.Status = "partial"
	default:
		report.Status = "success"
	}
	report.OverallStatus = overallStatus(report.Summary, len(snaps))

	log.Info().
		Str("status", report.Status).
		Str("overall_status", report.OverallStatus).
		Int("snapshots", len(snaps)).
		Strs("alerts_sent", report.AlertsSent).
		Strs("failed_providers", report.Summary.FailedProviders).
		Msg("balance sweep completed")
	return report
}

// Snapshots returns current snapshots of every registered provider without
// alerting.
func (g *Guard) Snapshots(ctx context.Context, forceFresh bool) ([]balance.Snapshot, []balance.Provider) {
	return g.fetchSnapshots(ctx, g.order, provider.SnapshotRequest{ForceFresh: forceFresh}, g.logger)
}

func overallStatus(s MonitorSummary, snapshots int) string {
	switch {
	case snapshots == 0:
		return StatusNoData
	case len(s.BlockedProviders) > 0:
		return StatusBlocked
	case len(s.EmergencyProviders) > 0:
		return StatusEmergency
	case len(s.CriticalProviders) > 0:
		return StatusCritical
	case len(s.WarningProviders) > 0:
		return StatusWarning
	default:
		return StatusOperational
	}
}
