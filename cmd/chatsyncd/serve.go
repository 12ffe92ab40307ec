package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kandev/chatsync/internal/orchestrator/api"
	"github.com/kandev/chatsync/internal/orchestrator/streaming"
)

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := bootstrap(ctx, configPath)
	if err != nil {
		return err
	}
	defer app.close()
	log, cfg, svc := app.log, app.cfg, app.service

	if err := app.start(ctx); err != nil {
		return err
	}

	if !cfg.Server.Enabled {
		log.Info("Control API disabled, running scheduler only")
		<-ctx.Done()
		return shutdown(app, nil)
	}

	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()
	hub := streaming.NewHub(svc, log)
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(hubCtx)
	}()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(svc, log, cfg.Server.RateLimit)
	streaming.SetupRoutes(router.Group("/api/v1"), hub, log)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			log.Error("HTTP server failed", zap.Error(err))
			hubCancel()
			<-hubDone
			return shutdown(app, err)
		}
	}

	log.Info("Shutting down chatsyncd...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	hubCancel()
	<-hubDone

	return shutdown(app, nil)
}

// start reconciles streams left open by a previous run, then launches the
// scheduler. The scheduler does not inherit ctx's cancellation: in-flight
// streams must still be open when shutdown persists them.
func (a *application) start(ctx context.Context) error {
	if ids, err := a.service.EnterForeground(ctx); err != nil {
		a.log.Warn("Failed to recover active streams", zap.Error(err))
	} else if len(ids) > 0 {
		a.log.Info("Recovered interrupted streams", zap.Strings("conversation_ids", ids))
	}

	if err := a.service.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	return nil
}

// shutdown persists open streams so the next start can reconcile them, then
// stops the scheduler.
func shutdown(app *application, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.service.EnterBackground(ctx); err != nil {
		app.log.Warn("Failed to persist active streams", zap.Error(err))
	}
	if err := app.service.Stop(); err != nil {
		app.log.Warn("Service stop error", zap.Error(err))
	}
	app.log.Info("chatsyncd stopped")
	return cause
}

func runDrain(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app, err := bootstrap(ctx, configPath)
	if err != nil {
		return err
	}
	defer app.close()

	start := time.Now()
	if err := app.service.Drain(ctx); err != nil {
		return fmt.Errorf("drain queue: %w", err)
	}
	status := app.service.GetStatus()
	app.log.Info("Queue drained",
		zap.Duration("duration", time.Since(start)),
		zap.Int("queued", status.QueuedTasks),
		zap.Int("total", status.TotalTasks))
	return nil
}
