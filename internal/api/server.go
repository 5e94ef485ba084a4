// Package api hosts the barreplay network endpoints: the HTTP JSON API and
// the Backtest gRPC service.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"barreplay/internal/config"
)

// Server is the main API server that hosts HTTP and gRPC endpoints. A zero
// port disables the corresponding listener.
type Server struct {
	httpAddr string
	grpcAddr string
	httpSrv  *http.Server
	grpcSrv  *grpc.Server
	log      *slog.Logger
}

// NewServer creates a new Server serving handler over HTTP and svc over
// gRPC on the addresses in cfg.
func NewServer(cfg config.Server, svc BacktestServer, handler http.Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{log: log.With("component", "api")}
	if cfg.Port > 0 {
		s.httpAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
		s.httpSrv = &http.Server{
			Addr:              s.httpAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	if cfg.GRPCPort > 0 {
		s.grpcAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.GRPCPort))
		s.grpcSrv = NewGRPCServer(svc, s.log)
	}
	return s
}

// NewGRPCServer creates a grpc.Server with the Backtest service registered
// and request logging installed.
func NewGRPCServer(svc BacktestServer, log *slog.Logger) *grpc.Server {
	if log == nil {
		log = slog.Default()
	}
	gs := grpc.NewServer(grpc.UnaryInterceptor(logUnary(log)))
	RegisterBacktestServer(gs, svc)
	return gs
}

func logUnary(log *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		log.Debug("rpc", "method", info.FullMethod, "code", status.Code(err).String(),
			"elapsed", time.Since(start).Round(time.Microsecond))
		return resp, err
	}
}

// ListenAndServe starts the HTTP and gRPC listeners and blocks until the
// context is cancelled or a fatal error occurs. Both addresses are bound
// before anything is served, so a bind failure leaves nothing running.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var httpLis, grpcLis net.Listener
	if s.httpSrv != nil {
		lis, err := net.Listen("tcp", s.httpAddr)
		if err != nil {
			return fmt.Errorf("http listen %s: %w", s.httpAddr, err)
		}
		httpLis = lis
	}
	if s.grpcSrv != nil {
		lis, err := net.Listen("tcp", s.grpcAddr)
		if err != nil {
			if httpLis != nil {
				_ = httpLis.Close()
			}
			return fmt.Errorf("grpc listen %s: %w", s.grpcAddr, err)
		}
		grpcLis = lis
	}

	g, ctx := errgroup.WithContext(ctx)
	if httpLis != nil {
		g.Go(func() error {
			s.log.Info("http listening", "addr", httpLis.Addr().String())
			if err := s.httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}
	if grpcLis != nil {
		lis := grpcLis
		g.Go(func() error {
			s.log.Info("grpc listening", "addr", s.grpcAddr)
			if err := s.grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown performs a graceful shutdown of the HTTP and gRPC servers.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	if s.grpcSrv != nil {
		done := make(chan struct{})
		go func() {
			s.grpcSrv.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.grpcSrv.Stop()
		}
	}
	return err
}
