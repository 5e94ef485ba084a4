package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"barreplay/internal/domain"
	"barreplay/internal/engine"
	"barreplay/internal/httpapi"
	"barreplay/internal/report"
	"barreplay/internal/strategy"
	"barreplay/pkg/barreplay"
)

func newSymbolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "symbols",
		Short: "List tradable symbols of the configured exchange",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var symbols []string
			var err error
			if serverURL != "" {
				symbols, err = barreplay.NewClient(serverURL).Symbols(cmd.Context())
			} else {
				err = withApp(func(cmd *cobra.Command, a *app, _ []string) error {
					symbols, err = a.orch.Symbols(cmd.Context())
					return err
				})(cmd, nil)
			}
			if err != nil {
				return err
			}
			for _, s := range symbols {
				fmt.Fprintln(cmd.OutOrStdout(), s)
			}
			return nil
		},
	}
}

func newBarsCmd() *cobra.Command {
	var (
		req        httpapi.BarsRequest
		start, end string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "bars SYMBOL TIMEFRAME",
		Short: "Fetch bars through the cache",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Symbol, req.Timeframe = strings.ToUpper(args[0]), args[1]
			var err error
			if req.StartTS, err = parseTime(start); err != nil {
				return err
			}
			if req.EndTS, err = parseTime(end); err != nil {
				return err
			}

			var resp *httpapi.BarsResponse
			if serverURL != "" {
				resp, err = barreplay.NewClient(serverURL).GetBars(cmd.Context(), req)
			} else {
				err = withApp(func(cmd *cobra.Command, a *app, _ []string) error {
					resp, err = httpapi.LoadBars(cmd.Context(), a.orch, req)
					return err
				})(cmd, nil)
			}
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			printBars(cmd.OutOrStdout(), resp.Bars)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Mode, "mode", "", "window, recent, backfill, cached, or full (default window with --end, else recent)")
	cmd.Flags().StringVar(&start, "start", "", "window start: unix ms, RFC3339, or YYYY-MM-DD")
	cmd.Flags().StringVar(&end, "end", "", "window end: unix ms, RFC3339, or YYYY-MM-DD")
	cmd.Flags().IntVar(&req.BarCount, "count", 0, "bar count for recent, backfill, and cached modes")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newBackfillCmd() *cobra.Command {
	var count, rounds int
	cmd := &cobra.Command{
		Use:   "backfill SYMBOL TIMEFRAME",
		Short: "Extend a cached series backwards until the history limit",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			symbol, tf := strings.ToUpper(args[0]), args[1]
			key := a.orch.Key(symbol, tf)

			for round := 1; rounds <= 0 || round <= rounds; round++ {
				before, _, _, err := a.cache.CachedRange(ctx, key)
				if err != nil {
					return err
				}
				if _, err := a.orch.Backfill(ctx, symbol, tf, count, 0, 0); err != nil {
					return err
				}
				minTS, maxTS, ok, err := a.cache.CachedRange(ctx, key)
				if err != nil {
					return err
				}
				limit, err := a.cache.HistoryLimit(ctx, key)
				if err != nil {
					return err
				}
				if ok {
					fmt.Fprintf(cmd.OutOrStdout(), "round %d: %s cached %s .. %s\n",
						round, key, formatTS(minTS), formatTS(maxTS))
				}
				if limit.Reached {
					fmt.Fprintf(cmd.OutOrStdout(), "history limit reached at %s\n", formatTS(limit.OldestTS))
					return nil
				}
				if ok && minTS == before {
					fmt.Fprintln(cmd.OutOrStdout(), "no older bars returned")
					return nil
				}
			}
			return nil
		}),
	}
	cmd.Flags().IntVar(&count, "count", 1000, "bars to request per round")
	cmd.Flags().IntVar(&rounds, "rounds", 1, "backfill rounds; 0 runs until the history limit")
	return cmd
}

func newStrategiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "strategies",
		Short: "List registered strategies and their inputs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var schemas []strategy.Schema
			var err error
			if serverURL != "" {
				schemas, err = barreplay.NewClient(serverURL).Strategies(cmd.Context())
			} else {
				err = withApp(func(_ *cobra.Command, a *app, _ []string) error {
					schemas = httpapi.Schemas(a.engine.Strategies())
					return nil
				})(cmd, nil)
			}
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tINPUTS")
			for _, s := range schemas {
				fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, s.Name, describeInputs(s.Inputs))
			}
			return w.Flush()
		},
	}
}

func newBacktestCmd() *cobra.Command {
	var (
		start, end, runID string
		warmup            int
		params            []string
		asJSON            bool
	)
	cmd := &cobra.Command{
		Use:   "backtest STRATEGY SYMBOL TIMEFRAME",
		Short: "Run a backtest and print its report",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := engine.RunRequest{
				RunID:      runID,
				StrategyID: args[0],
				Symbol:     strings.ToUpper(args[1]),
				Timeframe:  args[2],
			}
			var err error
			if req.StartTS, err = parseTime(start); err != nil {
				return err
			}
			if req.EndTS, err = parseTime(end); err != nil {
				return err
			}
			if req.EndTS == 0 {
				req.EndTS = time.Now().UnixMilli()
			}
			if warmup >= 0 {
				req.WarmupBars = &warmup
			}
			if req.Params, err = parseParams(params); err != nil {
				return err
			}

			var (
				rep    *report.Report
				runErr error
			)
			if serverURL != "" {
				resp, err := barreplay.NewClient(serverURL).Backtest(cmd.Context(), req)
				if err != nil {
					return err
				}
				rep = resp.Report
				if resp.Error != "" {
					runErr = errors.New(resp.Error)
				}
			} else {
				err = withApp(func(cmd *cobra.Command, a *app, _ []string) error {
					rep, runErr = a.engine.Run(cmd.Context(), req)
					if rep == nil {
						return runErr
					}
					return nil
				})(cmd, nil)
				if err != nil {
					return err
				}
			}

			if asJSON {
				if err := printJSON(cmd.OutOrStdout(), rep); err != nil {
					return err
				}
			} else {
				fmt.Fprint(cmd.OutOrStdout(), rep.Summary())
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "first traded bar: unix ms, RFC3339, or YYYY-MM-DD")
	cmd.Flags().StringVar(&end, "end", "", "last bar (default now)")
	cmd.Flags().IntVar(&warmup, "warmup", -1, "warmup bars before start (default from config)")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "strategy parameter as key=value (repeatable)")
	cmd.Flags().StringVar(&runID, "run-id", "", "run ID (UUID) to use instead of a generated one")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full report as JSON")
	return cmd
}

func newRunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List stored backtest runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var runs []barreplay.RunRecord
			var err error
			if serverURL != "" {
				runs, err = barreplay.NewClient(serverURL).Runs(cmd.Context(), limit)
			} else {
				err = withApp(func(cmd *cobra.Command, a *app, _ []string) error {
					runs, err = a.engine.Runs(cmd.Context(), limit)
					return err
				})(cmd, nil)
			}
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tCREATED\tSTRATEGY\tSERIES\tSTATUS")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s/%s\t%s\n", r.RunID, r.CreatedAt.UTC().Format(time.DateTime),
					r.StrategyID, r.Symbol, r.Timeframe, r.Status)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	return cmd
}

func newExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export RUN_ID",
		Short: "Write a stored run's equity series to a Parquet file",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			runID := args[0]
			if _, err := a.cache.GetRun(cmd.Context(), runID); err != nil {
				return err
			}
			res, err := a.cache.LoadResult(cmd.Context(), runID)
			if err != nil {
				return err
			}
			path := out
			if path == "" {
				path = filepath.Join(a.cfg.Storage.DataDir, "runs", runID, "equity.parquet")
			}
			points := res.Points()
			if err := a.archive.WriteEquity(path, points); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d equity points to %s\n", len(points), path)
			return nil
		}),
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output path (default <data_dir>/runs/<run>/equity.parquet)")
	return cmd
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// parseTime accepts unix milliseconds, RFC3339, or a UTC date. Empty input
// yields 0.
func parseTime(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UnixMilli(), nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t.UnixMilli(), nil
	}
	return 0, fmt.Errorf("invalid time %q: want unix ms, RFC3339, or YYYY-MM-DD", s)
}

// parseParams turns key=value pairs into raw strategy parameters. Values
// stay strings; the strategy schema coerces them.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid param %q: want key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

func describeInputs(inputs map[string]strategy.Input) string {
	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s=%v", name, inputs[name].Default)
	}
	return strings.Join(parts, " ")
}

func formatTS(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func printBars(w io.Writer, bars []domain.Bar) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "TIME\tOPEN\tHIGH\tLOW\tCLOSE\tVOLUME\t")
	for _, b := range bars {
		fmt.Fprintf(tw, "%s\t%g\t%g\t%g\t%g\t%g\t\n", formatTS(b.TS), b.Open, b.High, b.Low, b.Close, b.Volume)
	}
	_ = tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
