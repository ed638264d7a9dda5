package provider

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"balance-guard/internal/balance"
	"balance-guard/internal/config"
	"balance-guard/internal/fetcher"
	"balance-guard/internal/policy"
)

func testPolicy(t *testing.T) *policy.Policy {
	t.Helper()
	p, err := policy.New(config.GuardConfig{
		Fincra:              config.ThresholdConfig{Base: 200000, Operational: 20000},
		Kraken:              config.ThresholdConfig{Base: 6000, Operational: 500},
		WarningPct:          0.75,
		CriticalPct:         0.50,
		EmergencyPct:        0.25,
		NearThresholdMargin: 10,
		ForceFreshAmount:    100,
	})
	require.NoError(t, err)
	return p
}

type fakeFincra struct {
	calls   atomic.Int32
	balance decimal.Decimal
	err     error
}

func (f *fakeFincra) GetBalance(ctx context.Context) (fetcher.FincraBalance, error) {
	f.calls.Add(1)
	if f.err != nil {
		return fetcher.FincraBalance{}, f.err
	}
	return fetcher.FincraBalance{Currency: "NGN", AvailableBalance: f.balance}, nil
}

type fakeKraken struct {
	mu      sync.Mutex
	calls   int
	results []fetcher.AccountBalances
	err     error
	delay   time.Duration
}

func (f *fakeKraken) GetAccountBalance(ctx context.Context) (fetcher.AccountBalances, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	idx := f.calls - 1
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	return f.results[idx], nil
}

func (f *fakeKraken) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixedRates map[string]decimal.Decimal

func (r fixedRates) USDRate(ctx context.Context, asset string) (decimal.Decimal, error) {
	if rate, ok := r[asset]; ok {
		return rate, nil
	}
	return decimal.Decimal{}, errors.New("no rate for " + asset)
}

func usd(v int64) fetcher.AccountBalances {
	amt := decimal.NewFromInt(v)
	return fetcher.AccountBalances{"USD": {Total: amt, Available: amt}}
}

var testRates = fixedRates{
	"USD":  decimal.NewFromInt(1),
	"USDT": decimal.NewFromInt(1),
	"BTC":  decimal.NewFromInt(50000),
}

func TestFincraSnapshotCachesWithinTTL(t *testing.T) {
	client := &fakeFincra{balance: decimal.NewFromInt(10000)}
	p := NewFincra(client, testPolicy(t), Options{CacheTTL: time.Minute}, zerolog.Nop())

	snap, err := p.Snapshot(context.Background(), SnapshotRequest{})
	require.NoError(t, err)
	assert.Equal(t, balance.AlertOperationalDanger, snap.AlertLevel)
	assert.Equal(t, "fincra (₦10,000.00)", snap.Label())

	_, err = p.Snapshot(context.Background(), SnapshotRequest{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, client.calls.Load())

	_, err = p.Snapshot(context.Background(), SnapshotRequest{ForceFresh: true})
	require.NoError(t, err)
	assert.EqualValues(t, 2, client.calls.Load())
}

func TestFincraSnapshotFailureWithoutCache(t *testing.T) {
	client := &fakeFincra{err: fetcher.ErrNotConfigured}
	p := NewFincra(client, testPolicy(t), Options{}, zerolog.Nop())

	_, err := p.Snapshot(context.Background(), SnapshotRequest{})
	assert.ErrorIs(t, err, ErrNoBalance)
}

func TestFincraStaleFallbackOnForcedFetch(t *testing.T) {
	client := &fakeFincra{balance: decimal.NewFromInt(180000)}
	p := NewFincra(client, testPolicy(t), Options{CacheTTL: time.Minute}, zerolog.Nop())

	_, err := p.Snapshot(context.Background(), SnapshotRequest{})
	require.NoError(t, err)

	client.err = errors.New("timeout")
	snap, err := p.Snapshot(context.Background(), SnapshotRequest{ForceFresh: true})
	require.NoError(t, err)
	assert.True(t, snap.Balance.Equal(decimal.NewFromInt(180000)))
	assert.Equal(t, balance.AlertNone, snap.AlertLevel)
}

func TestInvalidateForcesUpstreamRead(t *testing.T) {
	client := &fakeFincra{balance: decimal.NewFromInt(180000)}
	p := NewFincra(client, testPolicy(t), Options{CacheTTL: time.Hour}, zerolog.Nop())

	_, err := p.Snapshot(context.Background(), SnapshotRequest{})
	require.NoError(t, err)
	p.Invalidate()

	client.balance = decimal.NewFromInt(90000)
	snap, err := p.Snapshot(context.Background(), SnapshotRequest{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, client.calls.Load())
	assert.Equal(t, balance.AlertCritical, snap.AlertLevel)

	p.Invalidate()
	client.err = errors.New("down")
	_, err = p.Snapshot(context.Background(), SnapshotRequest{})
	assert.ErrorIs(t, err, ErrNoBalance, "invalidated value must not be served stale")
}

func TestKrakenSnapshotAggregatesUSD(t *testing.T) {
	client := &fakeKraken{results: []fetcher.AccountBalances{{
		"BTC":  {Total: decimal.RequireFromString("0.08"), Available: decimal.RequireFromString("0.08")},
		"USDT": {Total: decimal.NewFromInt(600), Available: decimal.NewFromInt(600)},
		"USD":  {Total: decimal.NewFromInt(400), Available: decimal.NewFromInt(400)},
		"SOL":  {Total: decimal.NewFromInt(99), Available: decimal.NewFromInt(99)},
	}}}
	p := NewKraken(client, testRates, testPolicy(t), KrakenOptions{}, zerolog.Nop())

	snap, err := p.Snapshot(context.Background(), SnapshotRequest{})
	require.NoError(t, err)
	assert.True(t, snap.Balance.Equal(decimal.NewFromInt(5000)), snap.Balance.String())
	assert.Equal(t, "USD", snap.Currency)
	assert.Equal(t, balance.AlertNone, snap.AlertLevel)

	targeted, err := p.Snapshot(context.Background(), SnapshotRequest{TargetCurrency: "BTC"})
	require.NoError(t, err)
	assert.True(t, targeted.Balance.Equal(snap.Balance), "thresholds are account-wide")
	assert.Equal(t, 1, client.callCount())
}

func TestKrakenNearThresholdRefetch(t *testing.T) {
	client := &fakeKraken{results: []fetcher.AccountBalances{usd(505), usd(505), usd(480)}}
	p := NewKraken(client, testRates, testPolicy(t), KrakenOptions{Options: Options{CacheTTL: time.Minute}}, zerolog.Nop())

	// Fresh read: no safeguard refetch.
	_, err := p.Snapshot(context.Background(), SnapshotRequest{})
	require.NoError(t, err)
	require.Equal(t, 1, client.callCount())

	// Cached read $5 above the floor: exactly one forced refetch.
	_, err = p.Snapshot(context.Background(), SnapshotRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, client.callCount())

	// Next cached read sees the refetched value; still near, refetch returns 480.
	snap, err := p.Snapshot(context.Background(), SnapshotRequest{})
	require.NoError(t, err)
	assert.Equal(t, 3, client.callCount())
	assert.Equal(t, balance.AlertOperationalDanger, snap.AlertLevel)
}

func TestKrakenNoRefetchAwayFromThreshold(t *testing.T) {
	client := &fakeKraken{results: []fetcher.AccountBalances{usd(5000)}}
	p := NewKraken(client, testRates, testPolicy(t), KrakenOptions{Options: Options{CacheTTL: time.Minute}}, zerolog.Nop())

	for i := 0; i < 3; i++ {
		_, err := p.Snapshot(context.Background(), SnapshotRequest{})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, client.callCount())
}

func TestKrakenCachedAccountBalanceStaleFallback(t *testing.T) {
	client := &fakeKraken{results: []fetcher.AccountBalances{usd(3000)}}
	p := NewKraken(client, testRates, testPolicy(t), KrakenOptions{Options: Options{CacheTTL: time.Minute}}, zerolog.Nop())

	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	p.cache.now = func() time.Time { return now }

	first, err := p.CachedAccountBalance(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, SourceFresh, first.Source)

	now = now.Add(10 * time.Minute)
	client.mu.Lock()
	client.err = errors.New("connection reset")
	client.mu.Unlock()

	stale, err := p.CachedAccountBalance(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, SourceStale, stale.Source)
	assert.True(t, stale.Value["USD"].Total.Equal(decimal.NewFromInt(3000)))
	assert.Error(t, stale.FetchErr)
}

func TestKrakenAllRatesMissing(t *testing.T) {
	client := &fakeKraken{results: []fetcher.AccountBalances{{
		"ETH": {Total: decimal.NewFromInt(2), Available: decimal.NewFromInt(2)},
	}}}
	p := NewKraken(client, testRates, testPolicy(t), KrakenOptions{}, zerolog.Nop())

	_, err := p.Snapshot(context.Background(), SnapshotRequest{})
	assert.ErrorIs(t, err, ErrNoBalance)
}

func TestCacheSerialisesConcurrentMisses(t *testing.T) {
	client := &fakeKraken{results: []fetcher.AccountBalances{usd(5000)}, delay: 20 * time.Millisecond}
	p := NewKraken(client, testRates, testPolicy(t), KrakenOptions{Options: Options{CacheTTL: time.Minute}}, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Snapshot(context.Background(), SnapshotRequest{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, client.callCount())
}

func TestCacheFetchTimeout(t *testing.T) {
	c := NewCache[int](time.Minute, 10*time.Millisecond)
	_, err := c.Get(context.Background(), false, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
