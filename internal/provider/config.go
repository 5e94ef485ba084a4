package provider

import (
	"fmt"

	"barreplay/internal/config"
	"barreplay/internal/store"
)

// FromConfig builds the provider selected by cfg.Provider. archive backs the
// offline parquet provider and may be nil for the others.
func FromConfig(cfg *config.Config, archive *store.ParquetStore) (Provider, error) {
	switch cfg.Provider {
	case "binance", "":
		return NewBinance(BinanceOptions{
			BaseURL:      cfg.Binance.BaseURL,
			Timeout:      cfg.Binance.Timeout,
			RetryBackoff: cfg.Binance.RetryBackoff,
			PageSpacing:  cfg.Binance.PageSpacing,

			RequestsPerMinute: cfg.Binance.RateLimitPerMin,
		}), nil
	case "alpaca":
		if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
			return nil, fmt.Errorf("alpaca provider requires api_key and api_secret")
		}
		return NewAlpaca(AlpacaOptions{
			APIKey:    cfg.Alpaca.APIKey,
			APISecret: cfg.Alpaca.APISecret,
			DataURL:   cfg.Alpaca.DataURL,
			BaseURL:   cfg.Alpaca.BaseURL,
			Feed:      cfg.Alpaca.Feed,
		}), nil
	case "parquet":
		if archive == nil {
			archive = store.NewParquetStore(cfg.Storage.DataDir)
		}
		return NewParquet(archive, cfg.Fetch.ArchiveExchange, cfg.Fetch.ArchiveTimeframe), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
