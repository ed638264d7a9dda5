// Package balance holds the provider balance model shared by the guard: providers,
// alert tiers, thresholds and immutable point-in-time snapshots.
package balance

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Provider identifies a balance-holding upstream.
type Provider string

const (
	ProviderFincra Provider = "fincra"
	ProviderKraken Provider = "kraken"
)

// ProviderAll is the override scope that applies to every provider.
const ProviderAll Provider = "all"

func (p Provider) String() string { return string(p) }

// AlertLevel is an ordered severity tier. The zero value means no alert.
type AlertLevel int

const (
	AlertNone AlertLevel = iota
	AlertWarning
	AlertCritical
	AlertEmergency
	AlertOperationalDanger
)

// String returns the persisted name of the level.
func (l AlertLevel) String() string {
	switch l {
	case AlertWarning:
		return "warning"
	case AlertCritical:
		return "critical"
	case AlertEmergency:
		return "emergency"
	case AlertOperationalDanger:
		return "operational_danger"
	default:
		return "none"
	}
}

// ParseAlertLevel is the inverse of String.
func ParseAlertLevel(s string) (AlertLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return AlertNone, nil
	case "warning":
		return AlertWarning, nil
	case "critical":
		return AlertCritical, nil
	case "emergency":
		return AlertEmergency, nil
	case "operational_danger":
		return AlertOperationalDanger, nil
	}
	return AlertNone, fmt.Errorf("unknown alert level %q", s)
}

// MarshalText encodes the level by name so JSON output stays readable.
func (l AlertLevel) MarshalText() ([]byte, error) {
	if l == AlertNone {
		return []byte(""), nil
	}
	return []byte(l.String()), nil
}

// Thresholds are the tier boundaries for one provider/currency.
type Thresholds struct {
	Base        decimal.Decimal `json:"base"`
	Warning     decimal.Decimal `json:"warning"`
	Critical    decimal.Decimal `json:"critical"`
	Emergency   decimal.Decimal `json:"emergency"`
	Operational decimal.Decimal `json:"operational"`
}

// Validate checks operational < emergency < critical < warning <= base.
func (t Thresholds) Validate() error {
	if !t.Operational.LessThan(t.Emergency) {
		return fmt.Errorf("operational threshold %s must be below emergency %s", t.Operational, t.Emergency)
	}
	if !t.Emergency.LessThan(t.Critical) {
		return fmt.Errorf("emergency threshold %s must be below critical %s", t.Emergency, t.Critical)
	}
	if !t.Critical.LessThan(t.Warning) {
		return fmt.Errorf("critical threshold %s must be below warning %s", t.Critical, t.Warning)
	}
	if t.Warning.GreaterThan(t.Base) {
		return fmt.Errorf("warning threshold %s must not exceed base %s", t.Warning, t.Base)
	}
	return nil
}

// Classify returns the tightest tier the balance falls at or below.
func (t Thresholds) Classify(amount decimal.Decimal) AlertLevel {
	switch {
	case amount.LessThanOrEqual(t.Operational):
		return AlertOperationalDanger
	case amount.LessThanOrEqual(t.Emergency):
		return AlertEmergency
	case amount.LessThanOrEqual(t.Critical):
		return AlertCritical
	case amount.LessThanOrEqual(t.Warning):
		return AlertWarning
	default:
		return AlertNone
	}
}

// Snapshot is one immutable provider-currency reading.
type Snapshot struct {
	Provider         Provider        `json:"provider"`
	Currency         string          `json:"currency"`
	Balance          decimal.Decimal `json:"balance"`
	FormattedBalance string          `json:"formatted_balance"`
	Timestamp        time.Time       `json:"timestamp"`
	Thresholds       Thresholds      `json:"thresholds"`
	AlertLevel       AlertLevel      `json:"alert_level,omitempty"`
}

// NewSnapshot classifies amount against thresholds at the given instant.
func NewSnapshot(provider Provider, currency string, amount decimal.Decimal, thresholds Thresholds, at time.Time) Snapshot {
	return Snapshot{
		Provider:         provider,
		Currency:         currency,
		Balance:          amount,
		FormattedBalance: FormatAmount(currency, amount),
		Timestamp:        at.UTC(),
		Thresholds:       thresholds,
		AlertLevel:       thresholds.Classify(amount),
	}
}

// Key is "{provider}_{currency}", used by the monitor summary.
func (s Snapshot) Key() string {
	return fmt.Sprintf("%s_%s", s.Provider, s.Currency)
}

// Label renders "provider (formatted balance)" for decision lists.
func (s Snapshot) Label() string {
	return fmt.Sprintf("%s (%s)", s.Provider, s.FormattedBalance)
}

// AlertKey is the cooldown key "{provider}_{currency}_{level}".
func AlertKey(provider Provider, currency string, level AlertLevel) string {
	return fmt.Sprintf("%s_%s_%s", provider, currency, level)
}
