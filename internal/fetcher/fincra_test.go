package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestFincraMissingConfig(t *testing.T) {
	f := NewFincra(FincraOptions{}, noopLogger())
	_, err := f.GetBalance(context.Background())
	assert.True(t, errors.Is(err, ErrNotConfigured))
}

func TestFincraGetBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/wallets", r.URL.Path)
		assert.Equal(t, "biz-1", r.URL.Query().Get("businessID"))
		assert.Equal(t, "key", r.Header.Get("api-key"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": []map[string]any{
				{"currency": "USD", "availableBalance": 12, "ledgerBalance": 12},
				{"currency": "NGN", "availableBalance": "10000.50", "ledgerBalance": 11000},
			},
		})
	}))
	defer srv.Close()

	f := NewFincra(FincraOptions{BaseURL: srv.URL, APIKey: "key", BusinessID: "biz-1", Timeout: time.Second}, noopLogger())
	bal, err := f.GetBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "NGN", bal.Currency)
	assert.True(t, bal.AvailableBalance.Equal(decimal.RequireFromString("10000.50")))
	assert.True(t, bal.LedgerBalance.Equal(decimal.NewFromInt(11000)))
}

func TestFincraHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "invalid api key"})
	}))
	defer srv.Close()

	f := NewFincra(FincraOptions{BaseURL: srv.URL, APIKey: "key", BusinessID: "biz"}, noopLogger())
	_, err := f.GetBalance(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestFincraWalletMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": []any{}})
	}))
	defer srv.Close()

	f := NewFincra(FincraOptions{BaseURL: srv.URL, APIKey: "key", BusinessID: "biz"}, noopLogger())
	_, err := f.GetBalance(context.Background())
	assert.Error(t, err)
}
