package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/dalfonso89/exchanger/internal/api"
	"github.com/dalfonso89/exchanger/internal/logger"
	"github.com/dalfonso89/exchanger/internal/notify"
	"github.com/dalfonso89/exchanger/internal/platform"
	"github.com/dalfonso89/exchanger/internal/ratelimit"
	"github.com/dalfonso89/exchanger/internal/session"
)

const serveLongDesc string = `Serve the HTTP API.

Routes:
  GET    /health                          Liveness, sessions and upstream key state
  GET    /metrics                         Prometheus metrics
  GET    /api/v1/rates/:base/:target      One rate
  GET    /api/v1/reference-rates          Reference strip
  POST   /api/v1/sessions                 Open a converter session
  PATCH  /api/v1/sessions/:id/:side       Edit the left or right field`

const serveShortDesc string = "Serve the HTTP API"

type serveCommander struct {
	root            *rootOptions
	port            string
	shutdownTimeout time.Duration
}

func NewServeCmd(root *rootOptions) *cobra.Command {
	cmder := &serveCommander{root: root}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmder.run(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&cmder.port, "port", "p", "", "Override PORT")
	cmd.Flags().DurationVar(&cmder.shutdownTimeout, "shutdown-timeout", 30*time.Second, "Time allowed for outstanding requests on shutdown")

	return cmd
}

func (c *serveCommander) run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := bootstrap(c.root, os.Stdout)
	if err != nil {
		return err
	}
	if c.port != "" {
		a.cfg.Port = c.port
	}

	unsubscribe := a.notifier.Subscribe(func(event notify.ForbiddenEvent) {
		a.log.WithFields(logger.Fields{
			"method": event.Method,
			"path":   event.Path,
		}).Error("Rate service rejected the API key")
	})
	defer unsubscribe()

	rateLimiter := ratelimit.NewLimiter(a.cfg, a.log)
	defer rateLimiter.Stop()

	sessions := session.NewStore(a.cfg, a.rates, a.log, a.metrics)
	defer sessions.CloseAll()

	handlers := api.NewHandlers(api.HandlerConfig{
		Logger:      a.log,
		Rates:       a.rates,
		Sessions:    sessions,
		RateLimiter: rateLimiter,
		Forbidden:   a.notifier,
		Gatherer:    a.registry,
		WaitTimeout: a.cfg.SyncRequestTimeout,
	})

	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Addr:         ":" + a.cfg.Port,
		Handler:      handlers.SetupRoutes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: a.cfg.SyncRequestTimeout + 15*time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		a.log.Info("Starting exchanger on port " + a.cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	shutdownCtx, stop := platform.NewShutdownContext(ctx)
	defer stop()

	select {
	case err := <-errChan:
		return err
	case <-shutdownCtx.Done():
	}

	a.log.Info("Shutting down server...")

	timeoutCtx, cancel := context.WithTimeout(context.Background(), c.shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(timeoutCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	a.log.Info("Server exited")
	return nil
}
