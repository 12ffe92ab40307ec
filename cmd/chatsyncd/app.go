package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/chatsync/internal/common/config"
	"github.com/kandev/chatsync/internal/common/logger"
	"github.com/kandev/chatsync/internal/common/tracing"
	"github.com/kandev/chatsync/internal/events/bus"
	"github.com/kandev/chatsync/internal/orchestrator"
	"github.com/kandev/chatsync/internal/remote"
	"github.com/kandev/chatsync/internal/storage/kv"
)

// application holds the shared infrastructure of one daemon run.
type application struct {
	cfg     *config.Config
	log     *logger.Logger
	store   kv.Store
	service *orchestrator.Service
	cleanup []func()
}

func bootstrap(ctx context.Context, path string) (*application, error) {
	// 1. Load configuration
	cfg, err := config.LoadWithPath(path)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	logger.SetDefault(log)

	app := &application{cfg: cfg, log: log}
	app.onClose(func() { _ = log.Sync() })
	if err := tracing.Setup(ctx, tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
		Version:     version,
	}); err != nil {
		log.Warn("Tracing disabled", zap.Error(err))
	} else if tracing.Enabled() {
		log.Info("Exporting traces", zap.String("endpoint", cfg.Tracing.Endpoint))
	}
	app.onClose(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "tracing shutdown: %v\n", err)
		}
	})

	// 3. Open storage
	store, err := kv.Provide(ctx, cfg.Storage)
	if err != nil {
		app.close()
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Driver, err)
	}
	app.onClose(func() {
		if err := store.Close(); err != nil {
			log.Warn("Storage close error", zap.Error(err))
		}
	})
	app.store = store
	log.Info("Storage opened", zap.String("driver", cfg.Storage.Driver))

	// 4. Event bus (in-memory, or NATS if configured)
	eventBus, err := provideEventBus(cfg, log)
	if err != nil {
		app.close()
		return nil, err
	}
	app.onClose(eventBus.Close)

	// 5. Remote client
	remoteOpts := remote.OptionsFromConfig(cfg.Remote)
	remoteOpts.Logger = log
	client := remote.NewClient(remoteOpts)

	// 6. Delivery engine
	svc, err := orchestrator.NewService(ctx, orchestrator.ServiceConfigFromConfig(cfg), orchestrator.Deps{
		Store:    store,
		Remote:   client,
		EventBus: eventBus,
	}, log)
	if err != nil {
		app.close()
		return nil, fmt.Errorf("initialize service: %w", err)
	}
	app.onClose(svc.Close)
	app.service = svc

	log.Info("chatsyncd initialized",
		zap.String("remote", cfg.Remote.BaseURL),
		zap.String("transport", cfg.Remote.StreamTransport))
	return app, nil
}

func provideEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, error) {
	if cfg.NATS.URL == "" {
		log.Info("Using in-memory event bus")
		return bus.NewMemoryEventBus(log), nil
	}
	log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
	natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	log.Info("Connected to NATS event bus")
	return natsBus, nil
}

func (a *application) onClose(fn func()) {
	a.cleanup = append(a.cleanup, fn)
}

// close releases resources in reverse order of acquisition.
func (a *application) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}
