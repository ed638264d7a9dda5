// Package protection gates money-moving operations behind a balance guard
// decision and records every decision in the audit log.
package protection

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"balance-guard/internal/balance"
	"balance-guard/internal/guard"
	"balance-guard/internal/metrics"
	"balance-guard/internal/storage"
)

// Operation identifies one money-moving call.
type Operation struct {
	Type     string          `json:"operation_type"`
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
	UserID   string          `json:"user_id,omitempty"`
}

// Checker is the decision engine the middleware consults.
type Checker interface {
	CheckOperationProtection(ctx context.Context, operationType, currency string, amount decimal.Decimal) guard.ProtectionStatus
	InvalidateFor(operationType, currency string)
}

// ProtectionError is returned instead of running a blocked operation.
type ProtectionError struct {
	Status    guard.ProtectionStatus
	Operation Operation
}

func (e *ProtectionError) Error() string {
	reason := e.Status.BlockingReason
	if reason == "" {
		reason = string(e.Status.BlockReason)
	}
	return fmt.Sprintf("operation %s (%s %s) blocked: %s", e.Operation.Type, e.Operation.Amount, e.Operation.Currency, reason)
}

// UserMessage is the text to show the end user.
func (e *ProtectionError) UserMessage() string {
	return e.Status.UserMessage()
}

// Middleware runs protection checks and writes the audit trail.
type Middleware struct {
	checker Checker
	logs    storage.ProtectionLogStore
	logger  zerolog.Logger
}

// New builds the middleware. logs may be nil, in which case audit rows are
// only logged.
func New(checker Checker, logs storage.ProtectionLogStore, logger zerolog.Logger) *Middleware {
	return &Middleware{
		checker: checker,
		logs:    logs,
		logger:  logger.With().Str("component", "operation_protection").Logger(),
	}
}

// CheckOperationSafety returns the guard decision for op after writing one
// audit row. An audit failure is logged and never changes the decision.
func (m *Middleware) CheckOperationSafety(ctx context.Context, op Operation) guard.ProtectionStatus {
	status := m.checker.CheckOperationProtection(ctx, op.Type, op.Currency, op.Amount)
	entry := auditEntry(op, status)

	m.logger.Info().
		Str("check_id", status.CheckID).
		Str("operation_type", op.Type).
		Str("currency", op.Currency).
		Str("amount", op.Amount.String()).
		Str("user_id", op.UserID).
		Bool("operation_allowed", status.OperationAllowed).
		Str("balance_data_status", string(entry.BalanceDataStatus)).
		Msg("protection decision")

	if m.logs == nil {
		return status
	}
	if _, err := m.logs.InsertProtectionLog(ctx, entry); err != nil {
		metrics.AuditWriteFailuresTotal.Inc()
		m.logger.Error().Err(err).
			Bool("compliance", true).
			Str("check_id", status.CheckID).
			Str("operation_type", op.Type).
			Bool("operation_allowed", status.OperationAllowed).
			Msg("protection audit row not written")
	}
	return status
}

// Protect runs fn only when op is allowed. A blocked op returns a
// *ProtectionError and fn is never called. After fn succeeds the balances the
// operation drew on are invalidated.
func (m *Middleware) Protect(ctx context.Context, op Operation, fn func(ctx context.Context) error) error {
	status := m.CheckOperationSafety(ctx, op)
	if !status.OperationAllowed {
		return &ProtectionError{Status: status, Operation: op}
	}
	if status.WarningMessage != "" {
		m.logger.Warn().Str("check_id", status.CheckID).Str("operation_type", op.Type).
			Msg(status.WarningMessage)
	}

	if err := fn(ctx); err != nil {
		return err
	}
	m.checker.InvalidateFor(op.Type, op.Currency)
	return nil
}

// Wrap decorates fn so every call is gated by a protection check. extract
// pulls currency, amount and user from the call's request value; the
// operation type is fixed per wrapped function.
func Wrap[Req any](m *Middleware, operationType string, extract func(Req) Operation, fn func(ctx context.Context, req Req) error) func(ctx context.Context, req Req) error {
	return func(ctx context.Context, req Req) error {
		op := extract(req)
		op.Type = operationType
		return m.Protect(ctx, op, func(ctx context.Context) error {
			return fn(ctx, req)
		})
	}
}

func auditEntry(op Operation, status guard.ProtectionStatus) storage.ProtectionLog {
	entry := storage.ProtectionLog{
		CheckID:            status.CheckID,
		OperationType:      op.Type,
		Currency:           strings.ToUpper(op.Currency),
		Amount:             op.Amount,
		OperationAllowed:   status.OperationAllowed,
		BalanceCheckPassed: status.BalanceCheckPassed,
		WarningMessage:     optional(status.WarningMessage),
		BlockingReason:     optional(status.BlockingReason),
		UserID:             optional(op.UserID),
	}
	if status.AlertLevel != balance.AlertNone {
		entry.AlertLevel = optional(status.AlertLevel.String())
	}
	if len(status.InsufficientServices) > 0 {
		entry.InsufficientServices = status.InsufficientServices
	}

	switch {
	case status.OverrideApplied:
		entry.BalanceDataStatus = storage.BalanceDataSkippedByOverride
	case len(status.BalanceSnapshots) == 0:
		entry.BalanceDataStatus = storage.BalanceDataExtractionFailed
	default:
		entry.BalanceDataStatus = storage.BalanceDataOK
	}

	if snap, ok := status.Snapshot(balance.ProviderFincra); ok {
		v := snap.Balance
		entry.FincraBalance = &v
	}
	if snap, ok := status.Snapshot(balance.ProviderKraken); ok {
		entry.KrakenBalances = map[string]decimal.Decimal{snap.Currency: snap.Balance}
	}
	return entry
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
