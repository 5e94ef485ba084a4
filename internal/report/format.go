package report

import (
	"fmt"
	"strings"
)

// FormatInt formats an integer with comma separators.
func FormatInt(n int) string {
	neg := n < 0
	if neg {
		n = -n
	}
	s := fmt.Sprintf("%d", n)
	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	head := len(s) % 3
	if head == 0 {
		head = 3
	}
	b.WriteString(s[:head])
	for i := head; i < len(s); i += 3 {
		b.WriteByte(',')
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// FormatPct formats a percentage with an explicit sign, e.g. "+12.34%".
func FormatPct(pct float64) string {
	return fmt.Sprintf("%+.2f%%", pct)
}

// FormatMoney formats an amount with K/M suffixes for large magnitudes.
func FormatMoney(v float64) string {
	a := v
	if a < 0 {
		a = -a
	}
	switch {
	case a >= 1e6:
		return fmt.Sprintf("%.2fM", v/1e6)
	case a >= 1e4:
		return fmt.Sprintf("%.1fK", v/1e3)
	default:
		return fmt.Sprintf("%.2f", v)
	}
}

// Summary renders the report as an aligned plain-text block for terminals.
func (r *Report) Summary() string {
	var b strings.Builder
	row := func(label, value string) { fmt.Fprintf(&b, "%-16s %s\n", label, value) }

	row("run", r.RunID)
	row("status", string(r.Status))
	row("trades", FormatInt(r.Stats.NumTrades))
	row("total return", FormatPct(r.Stats.TotalReturnPct))
	row("max drawdown", fmt.Sprintf("%.2f%%", r.Stats.MaxDrawdownPct))
	row("win rate", fmt.Sprintf("%.1f%%", r.Stats.WinRatePct))
	row("profit factor", fmt.Sprintf("%.2f", r.Stats.ProfitFactor))
	if n := len(r.Equity); n > 0 {
		row("final equity", FormatMoney(r.Equity[n-1]))
	}
	return b.String()
}
