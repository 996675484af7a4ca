package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dgallion1/codecollect/internal/api"
	"github.com/dgallion1/codecollect/internal/config"
	"github.com/dgallion1/codecollect/internal/metrics"
	"github.com/dgallion1/codecollect/internal/pipeline"
	"github.com/dgallion1/codecollect/internal/store"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&servePort, "port", "", "Listen port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

// openStore builds the artifact store named by the config. The returned
// close func releases backend clients.
func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (store.Store, func(), error) {
	if cfg.StorageBackend == "gcs" {
		g, err := store.NewGCS(ctx, cfg.GCSBucket, cfg.GCSPrefix, log)
		if err != nil {
			return nil, nil, err
		}
		return g, func() { g.Close() }, nil
	}
	l, err := store.NewLocal(cfg.OutputDir)
	if err != nil {
		return nil, nil, err
	}
	return l, func() {}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != "" {
		cfg.Port = servePort
	}
	log := newLogger(os.Stdout, cfg.LogLevel, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("open store", "backend", cfg.StorageBackend, "error", err)
		return err
	}
	defer closeStore()
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return err
	}

	m := metrics.New()

	// Evicted tasks take their artifacts with them.
	reg := pipeline.NewRegistry(cfg.TaskTTL)
	reg.OnEvict(func(id string) {
		rmCtx, rmCancel := context.WithTimeout(context.Background(), time.Minute)
		defer rmCancel()
		if err := st.RemoveTask(rmCtx, id); err != nil {
			log.Warn("remove task artifacts", "task_id", id, "error", err)
		}
	})

	orch := pipeline.NewOrchestrator(cfg, reg, m, log)
	orch.Start(ctx)
	pub := pipeline.NewPublisher(reg, cfg.HeartbeatInterval, cfg.PublishInterval, m, log)

	srv := api.NewServer(orch, pub, st, m, log, cfg)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.APIKey == "" {
		log.Warn("api_key is empty; /api routes are unauthenticated")
	}

	// Graceful shutdown. Stopping the orchestrator first finishes every
	// task, which ends open event streams.
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")

		orch.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info("starting codecollect", "port", cfg.Port, "workers", cfg.WorkerCount, "storage", cfg.StorageBackend)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server error", "error", err)
		return err
	}
	<-stopped
	return nil
}
