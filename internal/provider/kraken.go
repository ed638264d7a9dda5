package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"balance-guard/internal/balance"
	"balance-guard/internal/fetcher"
	"balance-guard/internal/metrics"
	"balance-guard/internal/policy"
)

var defaultMonitoredAssets = []string{"BTC", "ETH", "LTC", "USDT", "USD"}

// KrakenOptions extend Options with the asset set converted into the USD total.
type KrakenOptions struct {
	Options
	MonitoredAssets []string
}

// Kraken serves a USD-equivalent snapshot of the exchange account.
type Kraken struct {
	client fetcher.KrakenBalanceFetcher
	rates  fetcher.RateSource
	policy *policy.Policy
	cache  *Cache[fetcher.AccountBalances]
	assets []string
	logger zerolog.Logger
}

// NewKraken constructs the Kraken provider.
func NewKraken(client fetcher.KrakenBalanceFetcher, rates fetcher.RateSource, pol *policy.Policy, opts KrakenOptions, logger zerolog.Logger) *Kraken {
	assets := make([]string, 0, len(opts.MonitoredAssets))
	for _, a := range opts.MonitoredAssets {
		assets = append(assets, strings.ToUpper(strings.TrimSpace(a)))
	}
	if len(assets) == 0 {
		assets = defaultMonitoredAssets
	}
	return &Kraken{
		client: client,
		rates:  rates,
		policy: pol,
		cache:  NewCache[fetcher.AccountBalances](opts.CacheTTL, opts.FetchTimeout),
		assets: assets,
		logger: logger.With().Str("component", "kraken_provider").Logger(),
	}
}

func (k *Kraken) Name() balance.Provider { return balance.ProviderKraken }

func (k *Kraken) Currency() string { return "USD" }

// CachedAccountBalance returns raw per-asset balances through the TTL cache,
// falling back to a stale reading when a refresh fails.
func (k *Kraken) CachedAccountBalance(ctx context.Context, forceFresh bool) (Result[fetcher.AccountBalances], error) {
	res, err := k.cache.Get(ctx, forceFresh, k.client.GetAccountBalance)
	if err != nil {
		metrics.ProviderErrorsTotal.WithLabelValues(string(balance.ProviderKraken)).Inc()
		return res, err
	}
	if res.Source == SourceStale {
		metrics.ProviderErrorsTotal.WithLabelValues(string(balance.ProviderKraken)).Inc()
		k.logger.Warn().Err(res.FetchErr).Time("fetched_at", res.FetchedAt).Msg("kraken fetch failed, serving stale balance")
	}
	metrics.BalanceCacheTotal.WithLabelValues(string(balance.ProviderKraken), string(res.Source)).Inc()
	return res, nil
}

// Snapshot converts monitored assets to USD and classifies the total. The
// thresholds are account-wide, so TargetCurrency is ignored. A cached
// total sitting within the near-threshold margin of the operational floor is
// re-read fresh before classification.
func (k *Kraken) Snapshot(ctx context.Context, req SnapshotRequest) (balance.Snapshot, error) {
	res, err := k.CachedAccountBalance(ctx, req.ForceFresh)
	if err != nil {
		k.logger.Warn().Err(err).Bool("force_fresh", req.ForceFresh).Msg("kraken balance unavailable")
		return balance.Snapshot{}, fmt.Errorf("%w: kraken: %v", ErrNoBalance, err)
	}

	total, err := k.usdTotal(ctx, res.Value, k.assets)
	if err != nil {
		return balance.Snapshot{}, fmt.Errorf("%w: kraken: %v", ErrNoBalance, err)
	}

	thresholds := k.policy.KrakenThresholds()
	if res.Source == SourceCached && !req.ForceFresh &&
		total.Sub(thresholds.Operational).Abs().LessThanOrEqual(k.policy.NearThresholdMargin()) {
		k.logger.Info().Str("usd_total", total.StringFixed(2)).
			Str("operational", thresholds.Operational.StringFixed(2)).
			Msg("cached kraken balance near operational threshold, refetching")

		fresh, ferr := k.CachedAccountBalance(ctx, true)
		if ferr == nil && fresh.Source == SourceFresh {
			if ftotal, terr := k.usdTotal(ctx, fresh.Value, k.assets); terr == nil {
				res, total = fresh, ftotal
			}
		}
	}

	snap := balance.NewSnapshot(balance.ProviderKraken, k.Currency(), total, thresholds, res.FetchedAt)
	metrics.ProviderBalance.WithLabelValues(string(snap.Provider), snap.Currency).Set(snap.Balance.InexactFloat64())
	return snap, nil
}

func (k *Kraken) Invalidate() {
	k.cache.Invalidate()
	k.logger.Debug().Msg("kraken balance cache invalidated")
}

// usdTotal sums available balances of assets in USD. Assets whose rate cannot
// be fetched are skipped; if every non-zero asset fails the call errors.
func (k *Kraken) usdTotal(ctx context.Context, balances fetcher.AccountBalances, assets []string) (decimal.Decimal, error) {
	total := decimal.Zero
	held, converted := 0, 0
	for _, asset := range assets {
		b, ok := balances[asset]
		if !ok || b.Available.IsZero() {
			continue
		}
		held++
		rate, err := k.rates.USDRate(ctx, asset)
		if err != nil {
			k.logger.Warn().Err(err).Str("asset", asset).Msg("usd rate unavailable, asset skipped")
			continue
		}
		converted++
		total = total.Add(b.Available.Mul(rate))
	}
	if held > 0 && converted == 0 {
		return decimal.Decimal{}, fmt.Errorf("no usd rate for any of %d held assets", held)
	}
	return total.Round(2), nil
}

var _ Provider = (*Kraken)(nil)
