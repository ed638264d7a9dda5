package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const fincraWalletsPath = "/wallets"

// FincraOptions parameterise the Fincra client.
type FincraOptions struct {
	BaseURL    string
	APIKey     string
	BusinessID string
	Currency   string
	Timeout    time.Duration
}

// Fincra reads wallet balances from the Fincra API.
type Fincra struct {
	opts    FincraOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewFincra constructs a Fincra client.
func NewFincra(opts FincraOptions, logger zerolog.Logger) *Fincra {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.Currency == "" {
		opts.Currency = "NGN"
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.fincra.com"
	}

	return &Fincra{
		opts:    opts,
		logger:  logger.With().Str("component", "fincra_client").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// GetBalance returns the wallet matching the configured currency.
func (f *Fincra) GetBalance(ctx context.Context) (FincraBalance, error) {
	if f.opts.APIKey == "" || f.opts.BusinessID == "" {
		return FincraBalance{}, ErrNotConfigured
	}

	endpoint := f.baseURL + fincraWalletsPath + "?businessID=" + url.QueryEscape(f.opts.BusinessID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return FincraBalance{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-key", f.opts.APIKey)

	resp, err := f.client.Do(req)
	if err != nil {
		return FincraBalance{}, fmt.Errorf("fincra request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return FincraBalance{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return FincraBalance{}, parseFincraError(resp.StatusCode, payload)
	}

	var res walletsResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return FincraBalance{}, fmt.Errorf("decode fincra wallets: %w", err)
	}
	if !res.Success {
		return FincraBalance{}, fmt.Errorf("fincra api error: %s", res.Message)
	}

	for _, w := range res.Data {
		if strings.EqualFold(w.Currency, f.opts.Currency) {
			f.logger.Debug().Str("currency", w.Currency).Str("available", w.AvailableBalance.String()).Msg("wallet balance fetched")
			return FincraBalance{
				Currency:         strings.ToUpper(w.Currency),
				AvailableBalance: w.AvailableBalance,
				LedgerBalance:    w.LedgerBalance,
			}, nil
		}
	}
	return FincraBalance{}, errors.New("fincra wallet not found for " + f.opts.Currency)
}

type walletsResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    []struct {
		Currency         string          `json:"currency"`
		AvailableBalance decimal.Decimal `json:"availableBalance"`
		LedgerBalance    decimal.Decimal `json:"ledgerBalance"`
	} `json:"data"`
}

func parseFincraError(status int, payload []byte) error {
	var apiErr struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("fincra api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("fincra api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("fincra api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("fincra api error (%d)", status)
}

var _ FincraBalanceFetcher = (*Fincra)(nil)
