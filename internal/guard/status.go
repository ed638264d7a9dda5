package guard

import (
	"time"

	"balance-guard/internal/balance"
)

// BlockReason classifies why an operation was refused.
type BlockReason string

const (
	BlockNone                BlockReason = ""
	BlockAdminPaused         BlockReason = "admin_paused"
	BlockInsufficientBalance BlockReason = "insufficient_balance"
	BlockBalanceUnknown      BlockReason = "balance_unknown"
)

// UserMessage is the non-technical text shown to the user for a refusal.
func (r BlockReason) UserMessage() string {
	switch r {
	case BlockAdminPaused:
		return "This service has been paused by an administrator. Please try again later."
	case BlockInsufficientBalance:
		return "This service is temporarily unavailable due to insufficient funds. Our team has been notified."
	case BlockBalanceUnknown:
		return "This service is temporarily unavailable. Please try again in a few minutes."
	default:
		return ""
	}
}

// ProtectionStatus is the outcome of one protection check.
type ProtectionStatus struct {
	CheckID              string             `json:"check_id"`
	CheckedAt            time.Time          `json:"checked_at"`
	OperationAllowed     bool               `json:"operation_allowed"`
	AlertLevel           balance.AlertLevel `json:"alert_level,omitempty"`
	BalanceCheckPassed   bool               `json:"balance_check_passed"`
	InsufficientServices []string           `json:"insufficient_services"`
	BlockingProviders    []string           `json:"blocking_providers"`
	WarningProviders     []string           `json:"warning_providers"`
	BalanceSnapshots     []balance.Snapshot `json:"balance_snapshots"`
	WarningMessage       string             `json:"warning_message,omitempty"`
	BlockingReason       string             `json:"blocking_reason,omitempty"`
	ProtectionReason     string             `json:"protection_reason,omitempty"`
	Recommendation       string             `json:"recommendation,omitempty"`
	BlockReason          BlockReason        `json:"block_reason,omitempty"`
	// OverrideApplied is set when an admin override decided the check and
	// balances were not read.
	OverrideApplied bool `json:"override_applied"`
}

// UserMessage maps the decision to user-facing text; empty when allowed.
func (s ProtectionStatus) UserMessage() string {
	if s.OperationAllowed {
		return ""
	}
	return s.BlockReason.UserMessage()
}

// Snapshot returns the snapshot for provider, if one was taken.
func (s ProtectionStatus) Snapshot(p balance.Provider) (balance.Snapshot, bool) {
	for _, snap := range s.BalanceSnapshots {
		if snap.Provider == p {
			return snap, true
		}
	}
	return balance.Snapshot{}, false
}

func newStatus(id string, at time.Time) ProtectionStatus {
	return ProtectionStatus{
		CheckID:              id,
		CheckedAt:            at.UTC(),
		InsufficientServices: []string{},
		BlockingProviders:    []string{},
		WarningProviders:     []string{},
		BalanceSnapshots:     []balance.Snapshot{},
	}
}
