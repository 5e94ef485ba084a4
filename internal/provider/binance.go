package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"barreplay/internal/domain"
	"barreplay/internal/metrics"
	"barreplay/internal/util"
)

const (
	// BinanceBaseURL is the public Binance REST endpoint.
	BinanceBaseURL = "https://api.binance.com"
	// KlinesLimit is the maximum page size of /api/v3/klines.
	KlinesLimit = 1000
)

// Compile-time interface check.
var _ Provider = (*Binance)(nil)

// BinanceOptions configures a Binance provider. Zero values take defaults.
type BinanceOptions struct {
	BaseURL      string
	Timeout      time.Duration // per request, default 15s
	RetryBackoff time.Duration // wait before the single retry, default 500ms
	PageSpacing  time.Duration // minimum gap between page requests, default 100ms

	// RequestsPerMinute caps every REST call, retries included. Zero or
	// less leaves requests unbudgeted.
	RequestsPerMinute int
	HTTPClient        *http.Client
}

// Binance fetches spot klines and the symbol list from the Binance REST API.
type Binance struct {
	baseURL string
	client  *http.Client
	backoff time.Duration
	pacer   *util.RateLimiter
	budget  *util.RateLimiter
	log     *slog.Logger
}

// NewBinance creates a Binance provider.
func NewBinance(opts BinanceOptions) *Binance {
	if opts.BaseURL == "" {
		opts.BaseURL = BinanceBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	if opts.PageSpacing == 0 {
		opts.PageSpacing = 100 * time.Millisecond
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &Binance{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  client,
		backoff: opts.RetryBackoff,
		pacer:   util.NewIntervalLimiter(opts.PageSpacing),
		budget:  util.NewRateLimiter(opts.RequestsPerMinute),
		log:     slog.Default().With("provider", "binance"),
	}
}

// Name returns the provider identifier.
func (b *Binance) Name() string { return "binance" }

// FetchOHLCV pages through /api/v3/klines from startMS to endMS. Each page
// starts one millisecond after the previous page's last open time. Rows that
// cannot be parsed are skipped.
func (b *Binance) FetchOHLCV(ctx context.Context, symbol, timeframe string, startMS, endMS int64) ([]domain.Bar, error) {
	startMS, endMS = toMillis(startMS), toMillis(endMS)

	var out []domain.Bar
	next := startMS
	for next <= endMS {
		if err := b.pacer.Wait(ctx); err != nil {
			return nil, err
		}

		params := url.Values{}
		params.Set("symbol", strings.ToUpper(symbol))
		params.Set("interval", timeframe)
		params.Set("startTime", strconv.FormatInt(next, 10))
		params.Set("endTime", strconv.FormatInt(endMS, 10))
		params.Set("limit", strconv.Itoa(KlinesLimit))

		var rows [][]any
		if err := b.getJSON(ctx, "/api/v3/klines", params, &rows); err != nil {
			return nil, fmt.Errorf("fetching klines %s %s: %w", symbol, timeframe, err)
		}
		if len(rows) == 0 {
			break
		}

		var lastOpen int64 = -1
		for _, row := range rows {
			if len(row) < 6 {
				continue
			}
			bar, err := domain.BarFromRow(row[:6])
			if err != nil {
				b.log.Debug("skipping malformed kline", "symbol", symbol, "error", err)
				continue
			}
			out = append(out, bar)
			lastOpen = bar.TS
		}
		if lastOpen <= next {
			break
		}
		next = lastOpen + 1
	}

	b.log.Debug("fetched klines", "symbol", symbol, "timeframe", timeframe, "count", len(out))
	return out, nil
}

type exchangeInfo struct {
	Symbols []struct {
		Symbol string `json:"symbol"`
		Status string `json:"status"`
	} `json:"symbols"`
}

// FetchSymbols returns the symbols whose status is TRADING.
func (b *Binance) FetchSymbols(ctx context.Context) ([]string, error) {
	var info exchangeInfo
	if err := b.getJSON(ctx, "/api/v3/exchangeInfo", nil, &info); err != nil {
		return nil, fmt.Errorf("fetching exchange info: %w", err)
	}
	symbols := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status == "TRADING" {
			symbols = append(symbols, s.Symbol)
		}
	}
	return symbols, nil
}

// getJSON performs a GET with one retry after the configured backoff.
// Client errors (4xx) are not retried.
func (b *Binance) getJSON(ctx context.Context, path string, params url.Values, dst any) error {
	reqURL := b.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	return util.Retry(ctx, 2, b.backoff, func() error {
		if err := b.budget.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		metrics.ProviderRequests.WithLabelValues(b.Name()).Inc()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return util.Permanent(fmt.Errorf("creating request: %w", err))
		}
		resp, err := b.client.Do(req)
		if err != nil {
			b.log.Warn("request failed", "path", path, "error", err)
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			err := fmt.Errorf("binance returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return util.Permanent(err)
			}
			return err
		}

		dec := json.NewDecoder(resp.Body)
		dec.UseNumber()
		if err := dec.Decode(dst); err != nil {
			return util.Permanent(fmt.Errorf("decoding %s: %w", path, err))
		}
		return nil
	})
}
