// Package server exposes the relay's operator HTTP surface: health,
// Prometheus metrics and a read-only view of the dialog store.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/anonrelay/internal/relay"
)

// StartOpts holds configuration for the operator server.
type StartOpts struct {
	Store   *relay.DialogStore
	Metrics *relay.Metrics // optional; /metrics is served only when set
	Listen  string         // host:port, defaults to 127.0.0.1:9090
	Out     io.Writer
}

// Start launches the operator HTTP server. It blocks until ctx is
// cancelled, then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Store == nil {
		return fmt.Errorf("server: store is required")
	}
	if opts.Listen == "" {
		opts.Listen = "127.0.0.1:9090"
	}

	srv := &http.Server{
		Addr:              opts.Listen,
		Handler:           newRouter(opts.Store, opts.Metrics),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Operator server listening on http://%s\n", opts.Listen)
	}

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// newRouter builds the gin engine with all operator routes.
func newRouter(store *relay.DialogStore, metrics *relay.Metrics) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, store, metrics)
	return router
}
