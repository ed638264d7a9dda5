package fetcher

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	krakenBalancePath = "/0/private/BalanceEx"
	krakenTickerPath  = "/0/public/Ticker"
)

// Kraken asset codes that differ from the ISO-ish codes used internally.
var krakenAssetAliases = map[string]string{
	"XXBT": "BTC",
	"XBT":  "BTC",
	"XETH": "ETH",
	"XLTC": "LTC",
	"XXDG": "DOGE",
	"XDG":  "DOGE",
	"ZUSD": "USD",
}

// KrakenOptions parameterise the Kraken client.
type KrakenOptions struct {
	BaseURL        string
	APIKey         string
	APISecret      string
	Timeout        time.Duration
	RequestsPerSec float64
}

// Kraken talks to the Kraken REST API.
type Kraken struct {
	opts    KrakenOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	limiter *rate.Limiter

	nonceMu   sync.Mutex
	lastNonce int64
}

// NewKraken constructs a Kraken client.
func NewKraken(opts KrakenOptions, logger zerolog.Logger) *Kraken {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rps := opts.RequestsPerSec
	if rps <= 0 {
		rps = 1
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.kraken.com"
	}

	return &Kraken{
		opts:    opts,
		logger:  logger.With().Str("component", "kraken_client").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// GetAccountBalance fetches and normalises the extended balance endpoint.
func (k *Kraken) GetAccountBalance(ctx context.Context) (AccountBalances, error) {
	if k.opts.APIKey == "" || k.opts.APISecret == "" {
		return nil, ErrNotConfigured
	}
	secret, err := base64.StdEncoding.DecodeString(k.opts.APISecret)
	if err != nil {
		return nil, fmt.Errorf("decode kraken api secret: %w", err)
	}

	if err := k.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	nonce := strconv.FormatInt(k.nextNonce(), 10)
	form := url.Values{"nonce": {nonce}}
	body := form.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.baseURL+krakenBalancePath, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
	req.Header.Set("API-Key", k.opts.APIKey)
	req.Header.Set("API-Sign", signKraken(krakenBalancePath, nonce, body, secret))

	result, err := k.do(req)
	if err != nil {
		return nil, err
	}

	balances, err := NormalizeKrakenBalances(result)
	if err != nil {
		return nil, err
	}
	k.logger.Debug().Strs("assets", balances.Assets()).Msg("account balance fetched")
	return balances, nil
}

// USDRate returns the last traded {asset}/USD price. USD and USDT are pegged at 1.
func (k *Kraken) USDRate(ctx context.Context, asset string) (decimal.Decimal, error) {
	asset = strings.ToUpper(asset)
	if asset == "USD" || asset == "USDT" {
		return decimal.NewFromInt(1), nil
	}

	pair := asset + "USD"
	if asset == "BTC" {
		pair = "XBTUSD"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.baseURL+krakenTickerPath+"?pair="+url.QueryEscape(pair), nil)
	if err != nil {
		return decimal.Decimal{}, err
	}

	result, err := k.do(req)
	if err != nil {
		return decimal.Decimal{}, err
	}

	var tickers map[string]struct {
		C []string `json:"c"`
	}
	if err := json.Unmarshal(result, &tickers); err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode kraken ticker: %w", err)
	}
	for _, t := range tickers {
		if len(t.C) == 0 {
			continue
		}
		price, err := decimal.NewFromString(t.C[0])
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("parse kraken price: %w", err)
		}
		return price, nil
	}
	return decimal.Decimal{}, fmt.Errorf("no ticker data for %s", pair)
}

func (k *Kraken) do(req *http.Request) (json.RawMessage, error) {
	resp, err := k.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kraken request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kraken api error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var env struct {
		Error  []string        `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode kraken envelope: %w", err)
	}
	if len(env.Error) > 0 {
		return nil, fmt.Errorf("kraken api error: %s", strings.Join(env.Error, "; "))
	}
	if len(env.Result) == 0 {
		return nil, errors.New("kraken response missing result")
	}
	return env.Result, nil
}

func (k *Kraken) nextNonce() int64 {
	k.nonceMu.Lock()
	defer k.nonceMu.Unlock()
	n := time.Now().UnixMilli()
	if n <= k.lastNonce {
		n = k.lastNonce + 1
	}
	k.lastNonce = n
	return n
}

// signKraken computes API-Sign: base64(HMAC-SHA512(secret, path + SHA256(nonce + body))).
func signKraken(path, nonce, body string, secret []byte) string {
	sha := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(sha[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// NormalizeKrakenBalances accepts the three shapes Kraken balance endpoints have
// returned and folds them into AccountBalances:
//
//	{"XXBT": "0.5"}
//	{"XXBT": {"balance": "0.5", "hold_trade": "0.1"}}
//	[["XXBT", "0.5"]]
//
// Earn/staking suffixes (".F", ".S", ".M") are merged into the base asset.
func NormalizeKrakenBalances(raw json.RawMessage) (AccountBalances, error) {
	out := AccountBalances{}

	var pairs [][]string
	if err := json.Unmarshal(raw, &pairs); err == nil {
		for _, p := range pairs {
			if len(p) < 2 {
				continue
			}
			total, err := decimal.NewFromString(p[1])
			if err != nil {
				return nil, fmt.Errorf("parse balance for %s: %w", p[0], err)
			}
			out.add(p[0], AssetBalance{Total: total, Available: total})
		}
		return out, nil
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("unrecognised kraken balance payload: %w", err)
	}

	for asset, value := range entries {
		var plain string
		if err := json.Unmarshal(value, &plain); err == nil {
			total, err := decimal.NewFromString(plain)
			if err != nil {
				return nil, fmt.Errorf("parse balance for %s: %w", asset, err)
			}
			out.add(asset, AssetBalance{Total: total, Available: total})
			continue
		}

		var ext struct {
			Balance   *decimal.Decimal `json:"balance"`
			Total     *decimal.Decimal `json:"total"`
			Available *decimal.Decimal `json:"available"`
			HoldTrade *decimal.Decimal `json:"hold_trade"`
			Locked    *decimal.Decimal `json:"locked"`
		}
		if err := json.Unmarshal(value, &ext); err != nil {
			return nil, fmt.Errorf("parse balance for %s: %w", asset, err)
		}

		var b AssetBalance
		switch {
		case ext.Total != nil:
			b.Total = *ext.Total
		case ext.Balance != nil:
			b.Total = *ext.Balance
		}
		switch {
		case ext.Locked != nil:
			b.Locked = *ext.Locked
		case ext.HoldTrade != nil:
			b.Locked = *ext.HoldTrade
		}
		if ext.Available != nil {
			b.Available = *ext.Available
		} else {
			b.Available = b.Total.Sub(b.Locked)
		}
		out.add(asset, b)
	}
	return out, nil
}

// add folds one raw Kraken entry into its normalized asset. Only spot
// balances and auto-earn flexible (.F) balances can be withdrawn on demand;
// staked, bonded and opt-in rewards suffixes (.S, .B, .M, .P, ...) count
// toward Total but are held as Locked, never Available.
func (b AccountBalances) add(rawAsset string, v AssetBalance) {
	asset := NormalizeKrakenAsset(rawAsset)
	if !krakenWithdrawable(rawAsset) {
		v = AssetBalance{Total: v.Total, Locked: v.Total}
	}
	cur := b[asset]
	b[asset] = AssetBalance{
		Total:     cur.Total.Add(v.Total),
		Available: cur.Available.Add(v.Available),
		Locked:    cur.Locked.Add(v.Locked),
	}
}

func krakenWithdrawable(rawAsset string) bool {
	_, suffix, ok := strings.Cut(strings.ToUpper(strings.TrimSpace(rawAsset)), ".")
	return !ok || suffix == "F"
}

// NormalizeKrakenAsset maps Kraken asset codes to internal ones (XXBT -> BTC).
func NormalizeKrakenAsset(asset string) string {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if base, _, ok := strings.Cut(asset, "."); ok {
		asset = base
	}
	if alias, ok := krakenAssetAliases[asset]; ok {
		return alias
	}
	return asset
}

var (
	_ KrakenBalanceFetcher = (*Kraken)(nil)
	_ RateSource           = (*Kraken)(nil)
)
