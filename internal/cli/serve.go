package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"neuropulse/internal/api"
	"neuropulse/internal/worker"
)

const shutdownTimeout = 10 * time.Second

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides basic_config.server_address)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("close storage", "error", err)
		}
	}()

	app.StartCache(ctx)

	var wg sync.WaitGroup
	if err := startUpdateWorkers(ctx, app, &wg); err != nil {
		return err
	}

	router := gin.New()
	router.Use(gin.Recovery(), api.RequestLogger(logger))
	app.Handler().RegisterRoutes(router)

	addr := serveAddr
	if addr == "" {
		addr = cfg.BasicConfig.ServerAddress
	}
	if addr == "" {
		addr = ":8090"
	}
	srv := &http.Server{Addr: addr, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr, "cache_version", app.Offline.Version())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("server stopped: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	stop()
	wg.Wait()
	return nil
}

// startUpdateWorkers runs the manifest watcher and the periodic update check.
func startUpdateWorkers(ctx context.Context, app *App, wg *sync.WaitGroup) error {
	path := app.Config.Cache.ManifestPath
	if path == "" {
		return nil
	}
	checker := worker.NewChecker(path, app.Offline, logger)

	watcher, err := worker.NewWatcher(checker, 0, logger)
	if err != nil {
		logger.Warn("manifest watcher disabled", "path", path, "error", err)
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := watcher.Run(ctx); err != nil {
				logger.Warn("manifest watcher stopped", "error", err)
			}
		}()
	}

	if spec := app.Config.Cache.UpdateSchedule; spec != "" {
		scheduler, err := worker.NewScheduler(spec, checker, logger)
		if err != nil {
			return fmt.Errorf("cache.update_schedule: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := scheduler.Run(ctx); err != nil {
				logger.Warn("update scheduler stopped", "error", err)
			}
		}()
	}
	return nil
}
