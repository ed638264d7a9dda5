// Package guard decides whether a money-moving operation may proceed given
// provider balances and administrator overrides, and runs monitoring sweeps.
package guard

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"balance-guard/internal/alerting"
	"balance-guard/internal/balance"
	"balance-guard/internal/metrics"
	"balance-guard/internal/policy"
	"balance-guard/internal/provider"
	"balance-guard/internal/storage"
)

// Notifier receives balance alerts and operation notices. Operation notices
// must return without waiting for delivery.
type Notifier interface {
	SendBalanceAlert(ctx context.Context, snap balance.Snapshot, force bool) bool
	NotifyOperationProceeding(notice alerting.OperationNotice)
	NotifyOperationBlocked(notice alerting.OperationNotice)
}

var cryptoCurrencies = map[string]struct{}{
	"BTC": {}, "ETH": {}, "LTC": {}, "DOGE": {}, "TRX": {}, "USDT": {}, "USD": {},
}

// Options tune the background work the guard starts.
type Options struct {
	// BackgroundTimeout bounds the post-decision balance read done after an
	// admin allow override.
	BackgroundTimeout time.Duration
}

// Guard is the protection decision engine. It is safe for concurrent use.
type Guard struct {
	providers map[balance.Provider]provider.Provider
	order     []balance.Provider
	overrides storage.OverrideStore
	notifier  Notifier
	policy    *policy.Policy
	opts      Options
	now       func() time.Time
	newID     func() string
	logger    zerolog.Logger

	background sync.WaitGroup
}

// New builds a guard over providers. overrides may be nil when no override
// table is available; every check then goes to balances.
func New(providers []provider.Provider, overrides storage.OverrideStore, notifier Notifier, pol *policy.Policy, opts Options, logger zerolog.Logger) *Guard {
	if opts.BackgroundTimeout <= 0 {
		opts.BackgroundTimeout = 30 * time.Second
	}
	g := &Guard{
		providers: make(map[balance.Provider]provider.Provider, len(providers)),
		overrides: overrides,
		notifier:  notifier,
		policy:    pol,
		opts:      opts,
		now:       time.Now,
		newID:     uuid.NewString,
		logger:    logger.With().Str("component", "balance_guard").Logger(),
	}
	for _, p := range providers {
		g.providers[p.Name()] = p
		g.order = append(g.order, p.Name())
	}
	return g
}

// Providers lists registered provider names in registration order.
func (g *Guard) Providers() []balance.Provider {
	return append([]balance.Provider(nil), g.order...)
}

// RelevantProviders routes an operation to the providers whose balance it
// draws on. Unrecognised operations route to every provider.
func RelevantProviders(operationType, currency string) []balance.Provider {
	op := strings.ToLower(operationType)
	cur := strings.ToUpper(strings.TrimSpace(currency))

	var out []balance.Provider
	if cur == "NGN" || strings.Contains(op, "ngn") {
		out = append(out, balance.ProviderFincra)
	}
	if _, ok := cryptoCurrencies[cur]; ok || strings.Contains(op, "crypto") {
		out = append(out, balance.ProviderKraken)
	}
	if len(out) == 0 {
		out = []balance.Provider{balance.ProviderFincra, balance.ProviderKraken}
	}
	return out
}

// CheckOperationProtection decides whether operationType may move amount of
// currency. amount only influences cache freshness; it is not compared with
// balances.
func (g *Guard) CheckOperationProtection(ctx context.Context, operationType, currency string, amount decimal.Decimal) ProtectionStatus {
	started := time.Now()
	status := newStatus(g.newID(), g.now())
	log := g.logger.With().
		Str("check_id", status.CheckID).
		Str("operation_type", operationType).
		Str("currency", currency).
		Str("amount", amount.String()).
		Logger()

	relevant := RelevantProviders(operationType, currency)
	notice := alerting.OperationNotice{
		CheckID:       status.CheckID,
		OperationType: operationType,
		Currency:      currency,
		Amount:        amount,
	}

	defer func() {
		outcome := "allowed"
		if !status.OperationAllowed {
			outcome = "blocked"
		}
		metrics.ProtectionChecksTotal.WithLabelValues(operationType, outcome).Inc()
		metrics.ProtectionCheckSeconds.Observe(time.Since(started).Seconds())
	}()

	overrides := g.resolveOverrides(ctx, relevant, operationType, log)

	var paused, allowed []string
	for _, p := range relevant {
		o, ok := overrides[p]
		if !ok {
			continue
		}
		switch {
		case o.OverrideType.Blocks():
			paused = append(paused, overrideLabel(p, o))
		case o.OverrideType.Allows():
			allowed = append(allowed, overrideLabel(p, o))
		}
	}

	if len(paused) > 0 {
		status.OperationAllowed = false
		status.OverrideApplied = true
		status.BlockReason = BlockAdminPaused
		status.BlockingProviders = paused
		status.BlockingReason = "Operations paused by administrator: " + strings.Join(paused, "; ")
		status.ProtectionReason = "Administrator pause in effect"
		status.Recommendation = "Retry after an administrator lifts the pause."
		notice.BlockingProviders = paused
		notice.Reason = status.BlockingReason
		g.notifier.NotifyOperationBlocked(notice)
		log.Warn().Strs("overrides", paused).Msg("operation blocked by admin override")
		return status
	}

	if len(allowed) > 0 {
		status.OperationAllowed = true
		status.BalanceCheckPassed = true
		status.OverrideApplied = true
		status.ProtectionReason = "Balance verification bypassed by administrator override: " + strings.Join(allowed, "; ")
		status.Recommendation = "Verify provider balances manually while the override is active."
		notice.Reason = status.ProtectionReason
		g.watchOverriddenBalances(relevant, currency, notice)
		log.Info().Strs("overrides", allowed).Msg("operation allowed by admin override")
		return status
	}

	forceFresh := g.policy.ForceFresh(operationType, amount)
	snaps, failed := g.fetchSnapshots(ctx, relevant, provider.SnapshotRequest{TargetCurrency: currency, ForceFresh: forceFresh}, log)

	if len(snaps) == 0 {
		status.OperationAllowed = false
		status.BlockReason = BlockBalanceUnknown
		status.InsufficientServices = []string{string(balance.ProviderAll)}
		status.BlockingReason = fmt.Sprintf("Unable to verify balances: no response from %s", joinProviders(failed))
		status.ProtectionReason = "Balance verification failed"
		status.Recommendation = "Retry shortly; check provider connectivity if this persists."
		notice.Reason = status.BlockingReason
		g.notifier.NotifyOperationBlocked(notice)
		log.Error().Strs("failed_providers", providerStrings(failed)).Msg("operation blocked: balances unknown")
		return status
	}

	status.BalanceSnapshots = snaps
	var blockingServices []string
	for _, snap := range snaps {
		if snap.AlertLevel > status.AlertLevel {
			status.AlertLevel = snap.AlertLevel
		}
		switch snap.AlertLevel {
		case balance.AlertOperationalDanger:
			status.BlockingProviders = append(status.BlockingProviders, snap.Label())
			blockingServices = append(blockingServices, string(snap.Provider))
		case balance.AlertEmergency, balance.AlertCritical:
			status.WarningProviders = append(status.WarningProviders, snap.Label())
		}
	}

	status.OperationAllowed = len(status.BlockingProviders) == 0
	status.BalanceCheckPassed = status.OperationAllowed
	notice.AlertLevel = status.AlertLevel

	switch {
	case !status.OperationAllowed:
		status.BlockReason = BlockInsufficientBalance
		status.InsufficientServices = blockingServices
		status.BlockingReason = "Insufficient balance: " + strings.Join(status.BlockingProviders, ", ") + " below operational threshold"
		status.ProtectionReason = "Provider balance below operational threshold"
		status.Recommendation = "Fund the affected provider account; admins have been notified."
		notice.BlockingProviders = status.BlockingProviders
		notice.Reason = status.BlockingReason
		g.notifier.NotifyOperationBlocked(notice)
		log.Warn().Strs("blocking_providers", status.BlockingProviders).Msg("operation blocked: insufficient balance")
	case len(status.WarningProviders) > 0:
		status.WarningMessage = "Low balance warning: " + strings.Join(status.WarningProviders, ", ")
		status.ProtectionReason = "Balance check passed with warnings"
		status.Recommendation = "Top up the warned providers soon."
		log.Info().Strs("warning_providers", status.WarningProviders).Msg("operation allowed with low-balance warning")
	default:
		status.ProtectionReason = "Balance check passed"
		log.Debug().Msg("operation allowed")
	}

	if len(failed) > 0 {
		log.Warn().Strs("failed_providers", providerStrings(failed)).Msg("decision made without some provider balances")
	}
	return status
}

// InvalidateFor drops cached balances of every provider the operation routes to.
func (g *Guard) InvalidateFor(operationType, currency string) {
	for _, name := range RelevantProviders(operationType, currency) {
		if p, ok := g.providers[name]; ok {
			p.Invalidate()
		}
	}
}

// Wait blocks until background work started by checks has finished.
func (g *Guard) Wait() {
	g.background.Wait()
}

// fetchSnapshots reads the named providers in parallel. Providers that fail or
// are not registered are returned in failed; snapshots keep routing order.
func (g *Guard) fetchSnapshots(ctx context.Context, names []balance.Provider, req provider.SnapshotRequest, log zerolog.Logger) ([]balance.Snapshot, []balance.Provider) {
	results := make([]*balance.Snapshot, len(names))

	var eg errgroup.Group
	for i, name := range names {
		i, name := i, name
		p, ok := g.providers[name]
		if !ok {
			log.Warn().Str("provider", string(name)).Msg("provider not configured")
			continue
		}
		eg.Go(func() error {
			snap, err := p.Snapshot(ctx, req)
			if err != nil {
				log.Warn().Err(err).Str("provider", string(name)).Msg("balance snapshot unavailable")
				return nil
			}
			results[i] = &snap
			return nil
		})
	}
	_ = eg.Wait()

	snaps := make([]balance.Snapshot, 0, len(names))
	var failed []balance.Provider
	for i, r := range results {
		if r == nil {
			failed = append(failed, names[i])
			continue
		}
		snaps = append(snaps, *r)
	}
	return snaps, failed
}

// watchOverriddenBalances reads balances after an allow override has already
// been returned, and tells admins when the operation is proceeding while a
// provider sits at the operational floor.
func (g *Guard) watchOverriddenBalances(names []balance.Provider, currency string, notice alerting.OperationNotice) {
	g.background.Add(1)
	go func() {
		defer g.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), g.opts.BackgroundTimeout)
		defer cancel()

		log := g.logger.With().Str("check_id", notice.CheckID).Logger()
		snaps, _ := g.fetchSnapshots(ctx, names, provider.SnapshotRequest{TargetCurrency: currency}, log)
		for _, snap := range snaps {
			if snap.AlertLevel > notice.AlertLevel {
				notice.AlertLevel = snap.AlertLevel
			}
			if snap.AlertLevel == balance.AlertOperationalDanger {
				notice.BlockingProviders = append(notice.BlockingProviders, snap.Label())
			}
		}
		if len(notice.BlockingProviders) > 0 {
			g.notifier.NotifyOperationProceeding(notice)
		}
	}()
}

func overrideLabel(p balance.Provider, o storage.Override) string {
	scope := "all operations"
	if o.OperationType != nil {
		scope = *o.OperationType
	}
	label := fmt.Sprintf("%s [%s, %s via %s]", p, o.OverrideType, scope, o.Provider)
	if o.Reason != "" {
		label += ": " + o.Reason
	}
	return label
}

func joinProviders(ps []balance.Provider) string {
	if len(ps) == 0 {
		return "any provider"
	}
	return strings.Join(providerStrings(ps), ", ")
}

func providerStrings(ps []balance.Provider) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}
