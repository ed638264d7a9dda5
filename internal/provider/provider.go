// Package provider adapts upstream balance APIs into classified snapshots.
package provider

import (
	"context"
	"errors"

	"balance-guard/internal/balance"
)

// ErrNoBalance means neither a fresh nor a cached reading was available.
var ErrNoBalance = errors.New("provider: balance unavailable")

// SnapshotRequest carries optional hints. Providers that cannot use a hint ignore it.
type SnapshotRequest struct {
	// TargetCurrency narrows the reading to one asset when supported.
	TargetCurrency string
	// ForceFresh bypasses the TTL cache.
	ForceFresh bool
}

// Provider is a balance source the guard can consult.
type Provider interface {
	Name() balance.Provider
	Currency() string
	Snapshot(ctx context.Context, req SnapshotRequest) (balance.Snapshot, error)
	// Invalidate discards cached balances after money has moved.
	Invalidate()
}
