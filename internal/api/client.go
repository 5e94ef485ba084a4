package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"barreplay/internal/domain"
	"barreplay/internal/engine"
	"barreplay/internal/httpapi"
	"barreplay/internal/live"
	"barreplay/internal/report"
	"barreplay/internal/strategy"
)

// Client is a typed client of the Backtest gRPC service.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial connects to a Backtest service without transport security.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", target, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close closes the connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	req, err := toStruct(in)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), req, resp); err != nil {
		return err
	}
	return fromStruct(resp, out)
}

// GetBars fetches bars of one series.
func (c *Client) GetBars(ctx context.Context, req httpapi.BarsRequest) (*httpapi.BarsResponse, error) {
	var out httpapi.BarsResponse
	if err := c.invoke(ctx, "GetBars", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSymbols lists the exchange's tradable symbols.
func (c *Client) ListSymbols(ctx context.Context) (*httpapi.SymbolsResponse, error) {
	var out httpapi.SymbolsResponse
	if err := c.invoke(ctx, "ListSymbols", struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListStrategies lists registered strategy schemas.
func (c *Client) ListStrategies(ctx context.Context) ([]strategy.Schema, error) {
	var out httpapi.StrategiesResponse
	if err := c.invoke(ctx, "ListStrategies", struct{}{}, &out); err != nil {
		return nil, err
	}
	return out.Strategies, nil
}

// RunBacktest runs a backtest and waits for its report.
func (c *Client) RunBacktest(ctx context.Context, req engine.RunRequest) (*httpapi.RunResponse, error) {
	var out httpapi.RunResponse
	if err := c.invoke(ctx, "RunBacktest", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetReport fetches the report of a stored run.
func (c *Client) GetReport(ctx context.Context, runID string) (*report.Report, error) {
	var out report.Report
	if err := c.invoke(ctx, "GetReport", runRef{RunID: runID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelRun asks the server to stop an in-flight run.
func (c *Client) CancelRun(ctx context.Context, runID string) (bool, error) {
	var out httpapi.CancelResponse
	if err := c.invoke(ctx, "CancelRun", runRef{RunID: runID}, &out); err != nil {
		return false, err
	}
	return out.Canceled, nil
}

// StreamBars calls fn for every bar event matching filter until ctx is
// done, the server ends the stream, or fn returns an error.
func (c *Client) StreamBars(ctx context.Context, filter domain.SeriesKey, fn func(live.BarEvent) error) error {
	req, err := toStruct(filter)
	if err != nil {
		return err
	}
	stream, err := c.cc.NewStream(ctx, &backtestServiceDesc.Streams[0], fullMethod("StreamBars"))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var evt live.BarEvent
		if err := fromStruct(msg, &evt); err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}
