package fetcher

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type cachedRate struct {
	rate      decimal.Decimal
	fetchedAt time.Time
}

// RateCache memoises USD rates per asset. When the upstream fails, a stale
// rate is served rather than failing the conversion.
type RateCache struct {
	source RateSource
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger

	mu    sync.Mutex
	rates map[string]cachedRate
}

// NewRateCache wraps source with a TTL cache.
func NewRateCache(source RateSource, ttl time.Duration, logger zerolog.Logger) *RateCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RateCache{
		source: source,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With().Str("component", "rate_cache").Logger(),
		rates:  make(map[string]cachedRate),
	}
}

// USDRate returns a cached rate when fresh, otherwise asks the source.
func (c *RateCache) USDRate(ctx context.Context, asset string) (decimal.Decimal, error) {
	asset = strings.ToUpper(asset)

	c.mu.Lock()
	entry, ok := c.rates[asset]
	c.mu.Unlock()
	if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		return entry.rate, nil
	}

	rate, err := c.source.USDRate(ctx, asset)
	if err != nil {
		if ok {
			c.logger.Warn().Err(err).Str("asset", asset).Str("rate", entry.rate.String()).
				Dur("age", c.now().Sub(entry.fetchedAt)).Msg("rate fetch failed, using stale rate")
			return entry.rate, nil
		}
		return decimal.Decimal{}, err
	}

	c.mu.Lock()
	c.rates[asset] = cachedRate{rate: rate, fetchedAt: c.now()}
	c.mu.Unlock()
	return rate, nil
}

var _ RateSource = (*RateCache)(nil)
