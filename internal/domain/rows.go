package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrMalformedRow is returned by BarFromRow for rows that cannot become a Bar.
var ErrMalformedRow = errors.New("malformed bar row")

// BarFromRow converts a loosely typed [ts, open, high, low, close, volume]
// row, as returned by exchange REST APIs, into a Bar. Numeric fields may be
// numbers or decimal strings. A nil volume is read as zero.
func BarFromRow(row []any) (Bar, error) {
	if len(row) < 6 {
		return Bar{}, fmt.Errorf("%w: %d fields", ErrMalformedRow, len(row))
	}
	ts, err := toFloat(row[0])
	if err != nil {
		return Bar{}, fmt.Errorf("%w: ts: %v", ErrMalformedRow, err)
	}
	var vals [5]float64
	for i := 1; i <= 5; i++ {
		if i == 5 && row[i] == nil {
			continue
		}
		v, err := toFloat(row[i])
		if err != nil {
			return Bar{}, fmt.Errorf("%w: field %d: %v", ErrMalformedRow, i, err)
		}
		vals[i-1] = v
	}
	return Bar{
		TS:     int64(ts),
		Open:   vals[0],
		High:   vals[1],
		Low:    vals[2],
		Close:  vals[3],
		Volume: vals[4],
	}, nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		return parseDecimal(string(x))
	case string:
		return parseDecimal(x)
	case nil:
		return 0, errors.New("nil value")
	}
	return 0, fmt.Errorf("unsupported type %T", v)
}

func parseDecimal(s string) (float64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return d.InexactFloat64(), nil
}
