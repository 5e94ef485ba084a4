package api

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"barreplay/internal/domain"
	"barreplay/internal/engine"
	"barreplay/internal/httpapi"
	"barreplay/internal/live"
	"barreplay/internal/provider"
	"barreplay/internal/store"
	"barreplay/internal/strategy"
)

// Compile-time interface check.
var _ BacktestServer = (*Service)(nil)

// Service implements the Backtest gRPC service on top of the fetch
// orchestrator, the run engine, and the live bar model.
type Service struct {
	bars   httpapi.BarService
	engine *engine.Engine
	model  *live.Model
	log    *slog.Logger
}

// NewService creates a Service. model may be nil, in which case
// StreamBars fails with Unavailable.
func NewService(bars httpapi.BarService, eng *engine.Engine, model *live.Model, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		bars:   bars,
		engine: eng,
		model:  model,
		log:    log.With("component", "grpc"),
	}
}

// runRef names a stored or in-flight run.
type runRef struct {
	RunID string `json:"run_id"`
}

// GetBars returns the bars selected by an httpapi.BarsRequest.
func (s *Service) GetBars(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req httpapi.BarsRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	resp, err := httpapi.LoadBars(ctx, s.bars, req)
	if err != nil {
		return nil, s.statusErr("GetBars", err)
	}
	return toStruct(resp)
}

// ListSymbols returns the exchange's tradable symbols.
func (s *Service) ListSymbols(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	symbols, err := s.bars.Symbols(ctx)
	if err != nil {
		return nil, s.statusErr("ListSymbols", err)
	}
	if symbols == nil {
		symbols = []string{}
	}
	return toStruct(httpapi.SymbolsResponse{Exchange: s.bars.Exchange(), Symbols: symbols})
}

// ListStrategies returns the registered strategy schemas.
func (s *Service) ListStrategies(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return toStruct(httpapi.StrategiesResponse{Strategies: httpapi.Schemas(s.engine.Strategies())})
}

// RunBacktest executes an engine.RunRequest and returns an
// httpapi.RunResponse. Runs that fail after starting are reported in the
// response rather than as an RPC error.
func (s *Service) RunBacktest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req engine.RunRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	rep, err := s.engine.Run(ctx, req)
	if rep == nil {
		return nil, s.statusErr("RunBacktest", err)
	}
	resp := httpapi.RunResponse{Report: rep}
	if err != nil {
		resp.Error = err.Error()
	}
	return toStruct(resp)
}

// GetReport rebuilds the report of a stored run.
func (s *Service) GetReport(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var ref runRef
	if err := fromStruct(in, &ref); err != nil || ref.RunID == "" {
		return nil, status.Error(codes.InvalidArgument, "run_id is required")
	}
	rep, err := s.engine.Report(ctx, ref.RunID)
	if err != nil {
		return nil, s.statusErr("GetReport", err)
	}
	return toStruct(rep)
}

// CancelRun stops an in-flight run.
func (s *Service) CancelRun(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var ref runRef
	if err := fromStruct(in, &ref); err != nil || ref.RunID == "" {
		return nil, status.Error(codes.InvalidArgument, "run_id is required")
	}
	return toStruct(httpapi.CancelResponse{RunID: ref.RunID, Canceled: s.engine.Cancel(ref.RunID)})
}

// StreamBars sends the latest state of every series matching the
// domain.SeriesKey filter, then streams live.BarEvent updates until the
// client goes away.
func (s *Service) StreamBars(in *structpb.Struct, stream grpc.ServerStream) error {
	if s.model == nil {
		return status.Error(codes.Unavailable, "live stream not configured")
	}
	var filter domain.SeriesKey
	if err := fromStruct(in, &filter); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	// Subscribe before the snapshot so no update falls between them.
	subID, ch := s.model.Subscribe(1024)
	defer s.model.Unsubscribe(subID)
	s.log.Info("grpc client subscribed", "subID", subID, "filter", filter)

	for _, evt := range s.model.Snapshot(filter) {
		if err := sendEvent(stream, evt); err != nil {
			return err
		}
	}

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("grpc client disconnected", "subID", subID)
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			if !live.Matches(filter, evt.Key) {
				continue
			}
			if err := sendEvent(stream, evt); err != nil {
				return err
			}
		}
	}
}

func sendEvent(stream grpc.ServerStream, evt live.BarEvent) error {
	msg, err := toStruct(evt)
	if err != nil {
		return err
	}
	return stream.SendMsg(msg)
}

// statusErr maps domain errors onto gRPC status codes.
func (s *Service) statusErr(method string, err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, httpapi.ErrBadRequest),
		errors.Is(err, engine.ErrInvalidRequest),
		errors.Is(err, strategy.ErrInsufficientData):
		code = codes.InvalidArgument
	case errors.Is(err, engine.ErrUnknownStrategy), errors.Is(err, store.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, provider.ErrProviderFailure):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
		s.log.Warn("rpc failed", "method", method, "error", err)
	}
	return status.Error(code, err.Error())
}
