package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"barreplay/internal/domain"
)

// ParquetStore archives bar series as yearly Parquet files and exports run
// equity series.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// BarRecord is the Parquet schema for archived bars.
type BarRecord struct {
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    float64 `parquet:"volume"`
}

// EquityRecord is the Parquet schema for an exported equity series.
type EquityRecord struct {
	Timestamp    int64   `parquet:"timestamp,timestamp(millisecond)"`
	Equity       float64 `parquet:"equity"`
	Drawdown     float64 `parquet:"drawdown"`
	PositionSize float64 `parquet:"position_size"`
	Price        float64 `parquet:"price"`
}

// WriteBars merges bars into the archive of a series, one file per UTC
// year:
//
//	<DataDir>/<exchange>/<timeframe>/<SYMBOL>/<YYYY>.parquet
//
// Bars already archived at the same timestamp are replaced.
func (s *ParquetStore) WriteBars(_ context.Context, key domain.SeriesKey, bars []domain.Bar) error {
	groups := make(map[int][]BarRecord)
	for _, b := range bars {
		if !b.Valid() {
			continue
		}
		y := yearOf(b.TS)
		groups[y] = append(groups[y], BarRecord{
			Timestamp: b.TS,
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}

	for year, records := range groups {
		path := s.barPath(key, year)

		// Read existing records to merge.
		existing, _ := readParquetFile[BarRecord](path)
		merged := mergeBarRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing bars for %s/%d: %w", key, year, err)
		}
	}
	return nil
}

// ReadBars returns archived bars of a series within [start, end], ascending.
func (s *ParquetStore) ReadBars(_ context.Context, key domain.SeriesKey, start, end int64) ([]domain.Bar, error) {
	if end < start {
		return nil, nil
	}
	var bars []domain.Bar
	for year := yearOf(start); year <= yearOf(end); year++ {
		records, err := readParquetFile[BarRecord](s.barPath(key, year))
		if err != nil {
			// No file for this year.
			continue
		}
		for _, r := range records {
			if r.Timestamp < start || r.Timestamp > end {
				continue
			}
			bars = append(bars, domain.Bar{
				TS:     r.Timestamp,
				Open:   r.Open,
				High:   r.High,
				Low:    r.Low,
				Close:  r.Close,
				Volume: r.Volume,
			})
		}
	}
	return bars, nil
}

// ListSymbols lists the symbols archived for an exchange and timeframe.
func (s *ParquetStore) ListSymbols(_ context.Context, exchange, timeframe string) ([]string, error) {
	dir := filepath.Join(s.DataDir, exchange, timeframe)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// WriteEquity writes a run's equity series to a standalone Parquet file.
func (s *ParquetStore) WriteEquity(path string, points []domain.EquityPoint) error {
	records := make([]EquityRecord, len(points))
	for i, p := range points {
		records[i] = EquityRecord{
			Timestamp:    p.TS,
			Equity:       p.Equity,
			Drawdown:     p.Drawdown,
			PositionSize: p.PositionSize,
			Price:        p.Price,
		}
	}
	if err := writeParquetFile(path, records); err != nil {
		return fmt.Errorf("writing equity to %s: %w", path, err)
	}
	return nil
}

// ReadEquity reads an equity series written by WriteEquity.
func (s *ParquetStore) ReadEquity(path string) ([]domain.EquityPoint, error) {
	records, err := readParquetFile[EquityRecord](path)
	if err != nil {
		return nil, fmt.Errorf("reading equity from %s: %w", path, err)
	}
	points := make([]domain.EquityPoint, len(records))
	for i, r := range records {
		points[i] = domain.EquityPoint{
			TS:           r.Timestamp,
			Equity:       r.Equity,
			Drawdown:     r.Drawdown,
			PositionSize: r.PositionSize,
			Price:        r.Price,
		}
	}
	return points, nil
}

// barPath returns the filesystem path for one year of a series.
func (s *ParquetStore) barPath(key domain.SeriesKey, year int) string {
	return filepath.Join(s.DataDir, key.Exchange, key.Timeframe,
		strings.ToUpper(key.Symbol), fmt.Sprintf("%d.parquet", year))
}

func yearOf(ts int64) int {
	return time.UnixMilli(ts).UTC().Year()
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeBarRecords deduplicates bar records by timestamp, preferring new
// records over existing ones. Results are sorted by timestamp.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	seen := make(map[int64]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.Timestamp] = r
	}
	for _, r := range incoming {
		seen[r.Timestamp] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
