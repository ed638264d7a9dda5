package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"balance-guard/internal/balance"
	"balance-guard/internal/fetcher"
	"balance-guard/internal/metrics"
	"balance-guard/internal/policy"
)

// Options configure cache behaviour for a provider.
type Options struct {
	CacheTTL     time.Duration
	FetchTimeout time.Duration
}

// Fincra serves NGN wallet snapshots.
type Fincra struct {
	client fetcher.FincraBalanceFetcher
	policy *policy.Policy
	cache  *Cache[decimal.Decimal]
	logger zerolog.Logger
}

// NewFincra constructs the Fincra provider.
func NewFincra(client fetcher.FincraBalanceFetcher, pol *policy.Policy, opts Options, logger zerolog.Logger) *Fincra {
	return &Fincra{
		client: client,
		policy: pol,
		cache:  NewCache[decimal.Decimal](opts.CacheTTL, opts.FetchTimeout),
		logger: logger.With().Str("component", "fincra_provider").Logger(),
	}
}

func (f *Fincra) Name() balance.Provider { return balance.ProviderFincra }

func (f *Fincra) Currency() string { return "NGN" }

// Snapshot ignores TargetCurrency: Fincra only holds NGN.
func (f *Fincra) Snapshot(ctx context.Context, req SnapshotRequest) (balance.Snapshot, error) {
	res, err := f.cache.Get(ctx, req.ForceFresh, func(ctx context.Context) (decimal.Decimal, error) {
		b, err := f.client.GetBalance(ctx)
		if err != nil {
			return decimal.Decimal{}, err
		}
		return b.AvailableBalance, nil
	})
	if err != nil {
		metrics.ProviderErrorsTotal.WithLabelValues(string(balance.ProviderFincra)).Inc()
		f.logger.Warn().Err(err).Bool("force_fresh", req.ForceFresh).Msg("fincra balance unavailable")
		return balance.Snapshot{}, fmt.Errorf("%w: fincra: %v", ErrNoBalance, err)
	}
	if res.Source == SourceStale {
		metrics.ProviderErrorsTotal.WithLabelValues(string(balance.ProviderFincra)).Inc()
		f.logger.Warn().Err(res.FetchErr).Time("fetched_at", res.FetchedAt).Msg("fincra fetch failed, serving stale balance")
	}
	metrics.BalanceCacheTotal.WithLabelValues(string(balance.ProviderFincra), string(res.Source)).Inc()

	snap := balance.NewSnapshot(balance.ProviderFincra, f.Currency(), res.Value, f.policy.FincraThresholds(), res.FetchedAt)
	metrics.ProviderBalance.WithLabelValues(string(snap.Provider), snap.Currency).Set(snap.Balance.InexactFloat64())
	return snap, nil
}

func (f *Fincra) Invalidate() {
	f.cache.Invalidate()
	f.logger.Debug().Msg("fincra balance cache invalidated")
}

var _ Provider = (*Fincra)(nil)
