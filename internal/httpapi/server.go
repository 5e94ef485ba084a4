package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"barreplay/internal/engine"
	"barreplay/internal/metrics"
	"barreplay/internal/provider"
	"barreplay/internal/store"
	"barreplay/internal/strategy"
)

// ErrBadRequest marks malformed API input.
var ErrBadRequest = errors.New("bad request")

// maxBodyBytes bounds backtest request bodies.
const maxBodyBytes = 1 << 20

// Server serves the HTTP API.
type Server struct {
	bars   BarService
	engine *engine.Engine
	live   http.Handler
	log    *slog.Logger
}

// NewServer creates a new HTTP API server. live serves the websocket bar
// stream at /ws and may be nil.
func NewServer(bars BarService, eng *engine.Engine, live http.Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		bars:   bars,
		engine: eng,
		live:   live,
		log:    log.With("component", "httpapi"),
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/v1/symbols", s.handleSymbols)
	mux.HandleFunc("GET /api/v1/bars", s.handleBars)
	mux.HandleFunc("GET /api/v1/strategies", s.handleStrategies)
	mux.HandleFunc("POST /api/v1/backtests", s.handleBacktest)
	mux.HandleFunc("GET /api/v1/runs", s.handleRuns)
	mux.HandleFunc("GET /api/v1/runs/latest", s.handleLatest)
	mux.HandleFunc("GET /api/v1/runs/{id}", s.handleReport)
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", s.handleCancel)
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.live != nil {
		mux.Handle("GET /ws", s.live)
	}
}

// Handler returns an http.Handler with CORS and request metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return metricsMiddleware(corsMiddleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code for metrics. It forwards
// Hijack so the websocket upgrade keeps working behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			// Upgraded connections need the raw writer.
			next.ServeHTTP(w, r)
			metrics.HTTPRequests.WithLabelValues("/ws", "101").Inc()
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: msg})
}

// StatusOf maps an API error to its HTTP status code.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, engine.ErrInvalidRequest),
		errors.Is(err, strategy.ErrInsufficientData):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrUnknownStrategy), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, provider.ErrProviderFailure):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusOf(err)
	if status >= http.StatusInternalServerError {
		s.log.Warn("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	symbols, err := s.bars.Symbols(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if symbols == nil {
		symbols = []string{}
	}
	writeJSON(w, SymbolsResponse{Exchange: s.bars.Exchange(), Symbols: symbols})
}

func (s *Server) handleBars(w http.ResponseWriter, r *http.Request) {
	req, err := parseBarsQuery(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp, err := LoadBars(r.Context(), s.bars, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, resp)
}

// parseBarsQuery reads symbol, timeframe, mode, start, end, and count.
func parseBarsQuery(r *http.Request) (BarsRequest, error) {
	q := r.URL.Query()
	req := BarsRequest{
		Symbol:    strings.ToUpper(q.Get("symbol")),
		Timeframe: q.Get("timeframe"),
		Mode:      q.Get("mode"),
	}
	var err error
	if req.StartTS, err = queryInt(q.Get("start")); err != nil {
		return req, fmt.Errorf("%w: start: %v", ErrBadRequest, err)
	}
	if req.EndTS, err = queryInt(q.Get("end")); err != nil {
		return req, fmt.Errorf("%w: end: %v", ErrBadRequest, err)
	}
	count, err := queryInt(q.Get("count"))
	if err != nil {
		return req, fmt.Errorf("%w: count: %v", ErrBadRequest, err)
	}
	req.BarCount = int(count)
	return req, nil
}

func queryInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func (s *Server) handleStrategies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, StrategiesResponse{Strategies: Schemas(s.engine.Strategies())})
}

func (s *Server) handleBacktest(w http.ResponseWriter, r *http.Request) {
	var req engine.RunRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decoding request: %v", err))
		return
	}

	rep, err := s.engine.Run(r.Context(), req)
	if rep == nil {
		s.fail(w, r, err)
		return
	}
	resp := RunResponse{Report: rep}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, resp)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	runs, err := s.engine.Runs(r.Context(), int(limit))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if runs == nil {
		runs = []store.RunRecord{}
	}
	writeJSON(w, RunsResponse{Runs: runs})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rep, err := s.engine.Latest(r.Context(), q.Get("strategy"), strings.ToUpper(q.Get("symbol")), q.Get("timeframe"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, rep)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.engine.Report(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, rep)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	writeJSON(w, CancelResponse{RunID: id, Canceled: s.engine.Cancel(id)})
}
