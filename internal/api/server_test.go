package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"barreplay/internal/config"
)

// freePort returns a loopback port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port
	require.NoError(t, lis.Close())
	return port
}

func TestListenAndServeBindFailureReleasesHTTP(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	httpPort := freePort(t)
	cfg := config.Server{
		Host:     "127.0.0.1",
		Port:     httpPort,
		GRPCPort: busy.Addr().(*net.TCPAddr).Port,
	}
	srv := NewServer(cfg, NewService(&memBars{}, nil, nil, nil), http.NotFoundHandler(), nil)

	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(context.Background()) }()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "grpc listen")
	case <-time.After(5 * time.Second):
		t.Fatal("ListenAndServe did not fail on a busy grpc port")
	}

	lis, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(httpPort)))
	require.NoError(t, err, "http port still bound")
	_ = lis.Close()
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	cfg := config.Server{Host: "127.0.0.1", Port: freePort(t), GRPCPort: freePort(t)}
	srv := NewServer(cfg, NewService(&memBars{}, nil, nil, nil), http.NotFoundHandler(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	url := "http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Port)) + "/"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusNotFound
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("ListenAndServe did not return after cancel")
	}
}

func TestGRPCServerDefaultsLogger(t *testing.T) {
	// A nil logger must not break the logging interceptor.
	f := newFixture(t)
	_, err := f.client.ListSymbols(context.Background())
	require.NoError(t, err)
}
