// Package policy derives alert thresholds, cooldowns and freshness rules from
// the guard configuration. Everything here is pure and safe for concurrent use.
package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"balance-guard/internal/balance"
	"balance-guard/internal/config"
)

const defaultCooldown = 24 * time.Hour

// Policy is the immutable threshold/cooldown policy.
type Policy struct {
	fincra balance.Thresholds
	kraken balance.Thresholds

	cooldowns        map[balance.AlertLevel]time.Duration
	fallbackCooldown time.Duration

	forceFreshAmount decimal.Decimal
	criticalOps      map[string]struct{}
	nearMargin       decimal.Decimal
}

// New builds a policy and rejects threshold sets that break tier ordering.
func New(cfg config.GuardConfig) (*Policy, error) {
	warning := decimal.NewFromFloat(cfg.WarningPct)
	critical := decimal.NewFromFloat(cfg.CriticalPct)
	emergency := decimal.NewFromFloat(cfg.EmergencyPct)

	p := &Policy{
		fincra:           tiers(cfg.Fincra, warning, critical, emergency),
		kraken:           tiers(cfg.Kraken, warning, critical, emergency),
		fallbackCooldown: cfg.Cooldowns.Default,
		forceFreshAmount: decimal.NewFromFloat(cfg.ForceFreshAmount),
		criticalOps:      make(map[string]struct{}, len(cfg.CriticalOperations)),
		nearMargin:       decimal.NewFromFloat(cfg.NearThresholdMargin),
	}
	if p.fallbackCooldown <= 0 {
		p.fallbackCooldown = defaultCooldown
	}

	p.cooldowns = map[balance.AlertLevel]time.Duration{}
	for level, d := range map[balance.AlertLevel]time.Duration{
		balance.AlertWarning:           cfg.Cooldowns.Warning,
		balance.AlertCritical:          cfg.Cooldowns.Critical,
		balance.AlertEmergency:         cfg.Cooldowns.Emergency,
		balance.AlertOperationalDanger: cfg.Cooldowns.OperationalDanger,
	} {
		if d > 0 {
			p.cooldowns[level] = d
		}
	}

	for _, op := range cfg.CriticalOperations {
		p.criticalOps[strings.ToLower(strings.TrimSpace(op))] = struct{}{}
	}

	if err := p.fincra.Validate(); err != nil {
		return nil, fmt.Errorf("fincra thresholds: %w", err)
	}
	if err := p.kraken.Validate(); err != nil {
		return nil, fmt.Errorf("kraken thresholds: %w", err)
	}
	return p, nil
}

func tiers(tc config.ThresholdConfig, warning, critical, emergency decimal.Decimal) balance.Thresholds {
	base := decimal.NewFromFloat(tc.Base)
	return balance.Thresholds{
		Base:        base,
		Warning:     base.Mul(warning),
		Critical:    base.Mul(critical),
		Emergency:   base.Mul(emergency),
		Operational: decimal.NewFromFloat(tc.Operational),
	}
}

// FincraThresholds returns the NGN tier set.
func (p *Policy) FincraThresholds() balance.Thresholds { return p.fincra }

// KrakenThresholds returns the USD-equivalent tier set.
func (p *Policy) KrakenThresholds() balance.Thresholds { return p.kraken }

// CooldownFor returns the re-alert interval for level, 24h when unmapped.
func (p *Policy) CooldownFor(level balance.AlertLevel) time.Duration {
	if d, ok := p.cooldowns[level]; ok {
		return d
	}
	return p.fallbackCooldown
}

// ForceFresh reports whether an operation must bypass cached balances.
func (p *Policy) ForceFresh(operationType string, amount decimal.Decimal) bool {
	if amount.GreaterThanOrEqual(p.forceFreshAmount) {
		return true
	}
	_, critical := p.criticalOps[strings.ToLower(operationType)]
	return critical
}

// NearThresholdMargin is the distance from the operational floor inside which
// a cached reading is re-fetched.
func (p *Policy) NearThresholdMargin() decimal.Decimal { return p.nearMargin }
