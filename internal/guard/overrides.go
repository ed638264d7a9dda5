package guard

import (
	"context"

	"github.com/rs/zerolog"

	"balance-guard/internal/balance"
	"balance-guard/internal/storage"
)

// resolveOverrides returns the authoritative override per provider. For each
// provider the first match wins in this order: provider+operation,
// provider-wide, all+operation, all-wide. Within a scope the newest row wins.
// Expired rows are deactivated and ignored. A failed lookup is logged and
// treated as no overrides.
func (g *Guard) resolveOverrides(ctx context.Context, providers []balance.Provider, operationType string, log zerolog.Logger) map[balance.Provider]storage.Override {
	out := make(map[balance.Provider]storage.Override)
	if g.overrides == nil {
		return out
	}

	scopes := make([]string, 0, len(providers)+1)
	for _, p := range providers {
		scopes = append(scopes, string(p))
	}
	scopes = append(scopes, string(balance.ProviderAll))

	rows, err := g.overrides.ListActiveOverrides(ctx, scopes, operationType)
	if err != nil {
		log.Error().Err(err).Msg("admin override lookup failed, continuing with balance checks")
		return out
	}

	now := g.now()
	live := make([]storage.Override, 0, len(rows))
	for _, o := range rows {
		if o.Expired(now) {
			if err := g.overrides.DeactivateOverride(ctx, o.ID); err != nil {
				log.Warn().Err(err).Int64("override_id", o.ID).Msg("failed to deactivate expired override")
			} else {
				log.Info().Int64("override_id", o.ID).Str("provider", o.Provider).Msg("expired admin override deactivated")
			}
			continue
		}
		live = append(live, o)
	}

	for _, p := range providers {
		if o, ok := pickOverride(live, string(p), operationType); ok {
			out[p] = o
		}
	}
	return out
}

func pickOverride(rows []storage.Override, provider, operationType string) (storage.Override, bool) {
	type scope struct {
		provider string
		specific bool
	}
	for _, s := range []scope{
		{provider, true},
		{provider, false},
		{string(balance.ProviderAll), true},
		{string(balance.ProviderAll), false},
	} {
		for _, o := range rows {
			if o.Provider != s.provider {
				continue
			}
			if s.specific && o.OperationType != nil && *o.OperationType == operationType {
				return o, true
			}
			if !s.specific && o.OperationType == nil {
				return o, true
			}
		}
	}
	return storage.Override{}, false
}
