package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-gateway/config"
	"go.uber.org/zap"
)

func TestNewServer(t *testing.T) {
	cfg := config.ServerConfig{
		Host:         "127.0.0.1",
		Port:         9090,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
	}
	handler := http.NewServeMux()

	srv := newServer(cfg, handler)

	assert.Equal(t, "127.0.0.1:9090", srv.Addr)
	assert.Equal(t, 30*time.Second, srv.ReadTimeout)
	assert.Equal(t, 90*time.Second, srv.WriteTimeout)
	assert.Equal(t, readHeaderTimeout, srv.ReadHeaderTimeout)
	assert.Same(t, handler, srv.Handler)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &http.Server{
		Addr: ln.Addr().String(),
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, srv, func() error { return srv.Serve(ln) }, time.Second, zap.NewNop())
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String())
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusNoContent
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestServe_ListenError(t *testing.T) {
	srv := &http.Server{Addr: "127.0.0.1:0"}
	boom := errors.New("address already in use")

	err := serve(context.Background(), srv, func() error { return boom }, time.Second, zap.NewNop())

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestServe_ClosedServerIsNotAnError(t *testing.T) {
	srv := &http.Server{Addr: "127.0.0.1:0"}

	err := serve(context.Background(), srv, func() error { return http.ErrServerClosed }, time.Second, zap.NewNop())

	assert.NoError(t, err)
}
