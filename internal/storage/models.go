package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// OverrideType is the action an administrator override enforces.
type OverrideType string

const (
	OverridePauseOperations OverrideType = "pause_operations"
	OverrideEmergencyPause  OverrideType = "emergency_pause"
	OverrideAllowOperations OverrideType = "allow_operations"
)

// Blocks reports whether the override pauses operations.
func (t OverrideType) Blocks() bool {
	return t == OverridePauseOperations || t == OverrideEmergencyPause
}

// Allows reports whether the override bypasses balance verification.
func (t OverrideType) Allows() bool {
	return t == OverrideAllowOperations
}

// Override is an administrator-set allow/pause row. A nil OperationType applies
// to every operation for the provider.
type Override struct {
	ID            int64
	Provider      string
	OperationType *string
	OverrideType  OverrideType
	Reason        string
	IsActive      bool
	ExpiresAt     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Expired reports whether the override's expiry has passed at now.
func (o Override) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !now.Before(*o.ExpiresAt)
}

// AlertState tracks the last dispatch of one provider/currency/level alert.
type AlertState struct {
	AlertKey      string
	Provider      string
	Currency      string
	AlertLevel    string
	LastAlertTime time.Time
	AlertCount    int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// BalanceDataStatus records what balance data backed a protection decision.
type BalanceDataStatus string

const (
	BalanceDataOK                BalanceDataStatus = "ok"
	BalanceDataSkippedByOverride BalanceDataStatus = "skipped_by_override"
	BalanceDataExtractionFailed  BalanceDataStatus = "extraction_failed"
)

// ProtectionLog is one append-only audit row of a protection decision.
type ProtectionLog struct {
	ID                   int64
	CheckID              string
	OperationType        string
	Currency             string
	Amount               decimal.Decimal
	UserID               *string
	OperationAllowed     bool
	AlertLevel           *string
	BalanceCheckPassed   bool
	InsufficientServices []string
	WarningMessage       *string
	BlockingReason       *string
	BalanceDataStatus    BalanceDataStatus
	FincraBalance        *decimal.Decimal
	KrakenBalances       map[string]decimal.Decimal
	CreatedAt            time.Time
}
