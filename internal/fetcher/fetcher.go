package fetcher

import (
	"context"
	"errors"
	"sort"

	"github.com/shopspring/decimal"
)

// ErrNotConfigured is returned when a client lacks credentials or endpoints.
var ErrNotConfigured = errors.New("fetcher: provider not configured")

// FincraBalance is the NGN wallet reading returned by Fincra.
type FincraBalance struct {
	Currency         string
	AvailableBalance decimal.Decimal
	LedgerBalance    decimal.Decimal
}

// AssetBalance is the canonical per-asset Kraken balance. Missing upstream
// fields are zero.
type AssetBalance struct {
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
}

// AccountBalances maps normalised asset codes (BTC, ETH, USD, ...) to balances.
type AccountBalances map[string]AssetBalance

// Assets returns the asset codes in stable order.
func (b AccountBalances) Assets() []string {
	out := make([]string, 0, len(b))
	for asset := range b {
		out = append(out, asset)
	}
	sort.Strings(out)
	return out
}

// FincraBalanceFetcher retrieves the NGN disbursement wallet balance.
type FincraBalanceFetcher interface {
	GetBalance(ctx context.Context) (FincraBalance, error)
}

// KrakenBalanceFetcher retrieves raw per-asset exchange balances.
type KrakenBalanceFetcher interface {
	GetAccountBalance(ctx context.Context) (AccountBalances, error)
}

// RateSource converts one unit of asset into USD.
type RateSource interface {
	USDRate(ctx context.Context, asset string) (decimal.Decimal, error)
}
