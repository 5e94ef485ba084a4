// Package barreplay is a Go SDK for the barreplay-server HTTP API.
package barreplay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"barreplay/internal/engine"
	"barreplay/internal/httpapi"
	"barreplay/internal/report"
	"barreplay/internal/store"
	"barreplay/internal/strategy"
)

// Re-exported request and response types.
type (
	BarsRequest  = httpapi.BarsRequest
	BarsResponse = httpapi.BarsResponse
	RunRequest   = engine.RunRequest
	RunResponse  = httpapi.RunResponse
	Report       = report.Report
	RunRecord    = store.RunRecord
	Schema       = strategy.Schema
)

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("barreplay api: %d: %s", e.StatusCode, e.Message)
}

// Client provides a Go SDK for interacting with the barreplay-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new barreplay API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Backtests run synchronously and can take a while.
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// Symbols lists the tradable symbols of the server's exchange.
func (c *Client) Symbols(ctx context.Context) ([]string, error) {
	var out httpapi.SymbolsResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/symbols", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Symbols, nil
}

// GetBars retrieves bars of one series.
func (c *Client) GetBars(ctx context.Context, req BarsRequest) (*BarsResponse, error) {
	q := url.Values{}
	q.Set("symbol", req.Symbol)
	q.Set("timeframe", req.Timeframe)
	if req.Mode != "" {
		q.Set("mode", req.Mode)
	}
	if req.StartTS != 0 {
		q.Set("start", strconv.FormatInt(req.StartTS, 10))
	}
	if req.EndTS != 0 {
		q.Set("end", strconv.FormatInt(req.EndTS, 10))
	}
	if req.BarCount != 0 {
		q.Set("count", strconv.Itoa(req.BarCount))
	}
	var out BarsResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/bars", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Strategies lists the registered strategy schemas.
func (c *Client) Strategies(ctx context.Context) ([]Schema, error) {
	var out httpapi.StrategiesResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/strategies", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Strategies, nil
}

// Backtest runs a backtest and waits for its report.
func (c *Client) Backtest(ctx context.Context, req RunRequest) (*RunResponse, error) {
	var out RunResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/backtests", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Runs lists up to limit stored runs, newest first.
func (c *Client) Runs(ctx context.Context, limit int) ([]RunRecord, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out httpapi.RunsResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/runs", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// Report fetches the report of a stored run.
func (c *Client) Report(ctx context.Context, runID string) (*Report, error) {
	var out Report
	if err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(runID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Latest fetches the report of the newest run of a strategy on a series.
func (c *Client) Latest(ctx context.Context, strategyID, symbol, timeframe string) (*Report, error) {
	q := url.Values{}
	q.Set("strategy", strategyID)
	q.Set("symbol", symbol)
	q.Set("timeframe", timeframe)
	var out Report
	if err := c.do(ctx, http.MethodGet, "/api/v1/runs/latest", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel asks the server to stop an in-flight run. It reports whether the
// run was still running.
func (c *Client) Cancel(ctx context.Context, runID string) (bool, error) {
	var out httpapi.CancelResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/runs/"+url.PathEscape(runID)+"/cancel", nil, nil, &out); err != nil {
		return false, err
	}
	return out.Canceled, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e httpapi.ErrorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
