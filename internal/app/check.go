package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"balance-guard/internal/protection"
	"balance-guard/internal/storage"
)

// CheckOptions describe a one-off protection check.
type CheckOptions struct {
	Operation string
	Currency  string
	Amount    decimal.Decimal
	UserID    string
}

// ErrOperationBlocked is returned by Check when the guard blocks the operation.
var ErrOperationBlocked = errors.New("operation blocked")

// Check runs one audited protection check and prints the decision as JSON.
func (a *App) Check(ctx context.Context, opts CheckOptions) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer a.closeRuntime(rt)

	status := rt.protection.CheckOperationSafety(ctx, protection.Operation{
		Type:     opts.Operation,
		Currency: strings.ToUpper(opts.Currency),
		Amount:   opts.Amount,
		UserID:   opts.UserID,
	})
	if err := writeIndented(os.Stdout, status); err != nil {
		return err
	}
	if !status.OperationAllowed {
		return fmt.Errorf("%w: %s", ErrOperationBlocked, status.UserMessage())
	}
	return nil
}

// Sweep runs a single monitoring sweep, sending any due alerts, and prints
// the report.
func (a *App) Sweep(ctx context.Context) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer a.closeRuntime(rt)

	report := rt.guard.MonitorAllBalances(ctx)
	if err := writeIndented(os.Stdout, report); err != nil {
		return err
	}
	if report.Status == "failed" {
		return errors.New("no provider returned a balance")
	}
	return nil
}

// OverrideOptions describe an admin override to create.
type OverrideOptions struct {
	Provider      string
	OperationType string
	Type          storage.OverrideType
	Reason        string
	TTL           time.Duration
}

// CreateOverride stores a new admin override.
func (a *App) CreateOverride(ctx context.Context, opts OverrideOptions) error {
	switch opts.Type {
	case storage.OverridePauseOperations, storage.OverrideEmergencyPause, storage.OverrideAllowOperations:
	default:
		return fmt.Errorf("unknown override type %q", opts.Type)
	}
	switch opts.Provider {
	case "fincra", "kraken", "all":
	default:
		return fmt.Errorf("unknown provider %q", opts.Provider)
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot manage overrides")
	}
	defer closeStore()

	o := storage.Override{
		Provider:     opts.Provider,
		OverrideType: opts.Type,
		Reason:       opts.Reason,
		IsActive:     true,
	}
	if opts.OperationType != "" {
		op := opts.OperationType
		o.OperationType = &op
	}
	if opts.TTL > 0 {
		expires := time.Now().UTC().Add(opts.TTL)
		o.ExpiresAt = &expires
	}

	created, err := store.CreateOverride(ctx, o)
	if err != nil {
		return err
	}
	a.Logger.Info().Int64("override_id", created.ID).
		Str("provider", created.Provider).
		Str("override_type", string(created.OverrideType)).
		Msg("override created")
	scope := "all operations"
	if created.OperationType != nil {
		scope = *created.OperationType
	}
	_, err = fmt.Fprintf(os.Stdout, "override %d: %s on %s (%s)\n", created.ID, created.OverrideType, created.Provider, scope)
	return err
}

// DeactivateOverride switches an override off.
func (a *App) DeactivateOverride(ctx context.Context, id int64) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot manage overrides")
	}
	defer closeStore()

	if err := store.DeactivateOverride(ctx, id); err != nil {
		return err
	}
	a.Logger.Info().Int64("override_id", id).Msg("override deactivated")
	return nil
}

func (a *App) closeRuntime(rt *runtime) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	rt.close(ctx)
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
