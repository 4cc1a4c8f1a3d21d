package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"collabsync/collab/editbus"
	"collabsync/collab/editconfig"
	"collabsync/collab/editop"
	"collabsync/collab/editproc"
	"collabsync/collab/editserver"
	"collabsync/collab/editsession"
	"collabsync/collab/editstore"
	"collabsync/internal/core"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := editconfig.Load("collabserver", os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "collabserver: %v\n", err)
		os.Exit(2)
	}

	if err := core.ConfigureLogger(cfg.Log.Development, cfg.Log.Level); err != nil {
		fmt.Fprintf(os.Stderr, "collabserver: %v\n", err)
		os.Exit(1)
	}
	defer core.GetLogger().Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		core.Named("collabserver").Fatal("Server failed", zap.Error(err))
	}
}

// run wires the server. Components name their own child of the global logger.
func run(ctx context.Context, cfg editconfig.Config) error {
	base := core.GetLogger()
	logger := core.Named("collabserver")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	storeOpts := cfg.Storage.StorageOptions()
	storeOpts.Logger = base
	store, err := editstore.Open(ctx, storeOpts)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	busOpts := cfg.Bus.BusOptions()
	busOpts.Executor = editbus.RollupFunc(editstore.RollupFunc(store))
	busOpts.Registerer = registry
	busOpts.Logger = base
	bus, err := editbus.New(ctx, busOpts)
	if err != nil {
		return fmt.Errorf("failed to create %s bus: %w", busOpts.Type, err)
	}
	defer bus.Close()

	metrics := editproc.NewMetrics(registry)
	dispatcher := editproc.NewDispatcher(editproc.NewRegistry(editproc.Dependencies{
		Storage:        store,
		StorageTimeout: cfg.Storage.Timeout,
		Metrics:        metrics,
		Logger:         base,
	}), metrics, base)

	manager := editsession.NewManager(bus, func(ctx context.Context, s *editsession.EditingSession, op editop.Operation) {
		_ = dispatcher.DispatchOperation(ctx, s, nil, op)
	}, base)
	defer manager.Close()

	server, err := editserver.New(manager, dispatcher, store, editserver.Options{
		NodeNumber:   cfg.Server.NodeNumber,
		QueueSize:    cfg.Server.QueueSize,
		WriteTimeout: cfg.Server.WriteTimeout,
		Registerer:   registry,
		Gatherer:     registry,
		Logger:       base,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server",
			zap.String("addr", cfg.Server.Addr),
			zap.String("bus", bus.SessionType()),
			zap.String("node_id", bus.NodeID()),
			zap.String("storage", cfg.Storage.Type))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}
	server.Close()
	return nil
}
