package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"barreplay/internal/domain"
	"barreplay/internal/util"
)

// Compile-time interface check.
var _ Provider = (*Alpaca)(nil)

// AlpacaOptions configures an Alpaca provider.
type AlpacaOptions struct {
	APIKey    string
	APISecret string
	DataURL   string // market-data API, empty for the default
	BaseURL   string // trading API used for the asset list
	Feed      string // "iex" or "sip", default "iex"
	// RetryBackoff is the wait before the single retry, default 500ms.
	RetryBackoff time.Duration
}

// Alpaca fetches US equity bars through the Alpaca market-data API.
type Alpaca struct {
	data    *marketdata.Client
	trading *alpaca.Client
	feed    string
	backoff time.Duration
	log     *slog.Logger
}

// NewAlpaca creates an Alpaca provider with the given credentials.
func NewAlpaca(opts AlpacaOptions) *Alpaca {
	mdOpts := marketdata.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
	}
	if opts.DataURL != "" {
		mdOpts.BaseURL = opts.DataURL
	}
	if opts.Feed == "" {
		opts.Feed = "iex"
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	return &Alpaca{
		data: marketdata.NewClient(mdOpts),
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    opts.APIKey,
			APISecret: opts.APISecret,
			BaseURL:   opts.BaseURL,
		}),
		feed:    opts.Feed,
		backoff: opts.RetryBackoff,
		log:     slog.Default().With("provider", "alpaca"),
	}
}

// Name returns the provider identifier.
func (a *Alpaca) Name() string { return "alpaca" }

// FetchOHLCV returns bars for [startMS, endMS]. The client paginates
// internally.
func (a *Alpaca) FetchOHLCV(ctx context.Context, symbol, timeframe string, startMS, endMS int64) ([]domain.Bar, error) {
	tf, err := AlpacaTimeFrame(timeframe)
	if err != nil {
		return nil, err
	}
	req := marketdata.GetBarsRequest{
		TimeFrame: tf,
		Start:     time.UnixMilli(toMillis(startMS)).UTC(),
		End:       time.UnixMilli(toMillis(endMS)).UTC(),
		Feed:      marketdata.Feed(a.feed),
	}

	var raw []marketdata.Bar
	err = util.Retry(ctx, 2, a.backoff, func() error {
		if ctx.Err() != nil {
			return util.Permanent(ctx.Err())
		}
		var ferr error
		raw, ferr = a.data.GetBars(strings.ToUpper(symbol), req)
		return ferr
	})
	if err != nil {
		return nil, fmt.Errorf("GetBars %s %s: %w", symbol, timeframe, err)
	}

	bars := make([]domain.Bar, 0, len(raw))
	for _, ab := range raw {
		bars = append(bars, domain.Bar{
			TS:     ab.Timestamp.UnixMilli(),
			Open:   ab.Open,
			High:   ab.High,
			Low:    ab.Low,
			Close:  ab.Close,
			Volume: float64(ab.Volume),
		})
	}
	a.log.Debug("fetched bars", "symbol", symbol, "timeframe", timeframe, "count", len(bars))
	return bars, nil
}

// FetchSymbols returns the tradable active US equity symbols.
func (a *Alpaca) FetchSymbols(ctx context.Context) ([]string, error) {
	var assets []alpaca.Asset
	err := util.Retry(ctx, 2, a.backoff, func() error {
		var ferr error
		assets, ferr = a.trading.GetAssets(alpaca.GetAssetsRequest{
			Status:     "active",
			AssetClass: "us_equity",
		})
		return ferr
	})
	if err != nil {
		return nil, fmt.Errorf("GetAssets: %w", err)
	}

	symbols := make([]string, 0, len(assets))
	for _, as := range assets {
		if as.Tradable {
			symbols = append(symbols, as.Symbol)
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// AlpacaTimeFrame maps a timeframe string such as "15m" or "1d" to an
// Alpaca TimeFrame.
func AlpacaTimeFrame(tf string) (marketdata.TimeFrame, error) {
	if len(tf) < 2 {
		return marketdata.TimeFrame{}, fmt.Errorf("unsupported timeframe %q", tf)
	}
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return marketdata.TimeFrame{}, fmt.Errorf("unsupported timeframe %q", tf)
	}
	var unit marketdata.TimeFrameUnit
	switch tf[len(tf)-1] {
	case 'm':
		unit = marketdata.Min
	case 'h', 'H':
		unit = marketdata.Hour
	case 'd', 'D':
		unit = marketdata.Day
	case 'w', 'W':
		unit = marketdata.Week
	case 'M':
		unit = marketdata.Month
	default:
		return marketdata.TimeFrame{}, fmt.Errorf("unsupported timeframe %q", tf)
	}
	return marketdata.NewTimeFrame(n, unit), nil
}
