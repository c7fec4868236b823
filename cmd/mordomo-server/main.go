package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mfigueira/mordomo/internal/audit"
	"github.com/mfigueira/mordomo/internal/config"
	"github.com/mfigueira/mordomo/internal/router"
	"github.com/mfigueira/mordomo/internal/safety"
	"github.com/mfigueira/mordomo/internal/server"
	"github.com/mfigueira/mordomo/internal/skill"
	"github.com/mfigueira/mordomo/internal/task"
	"github.com/mfigueira/mordomo/pkg/clog"
)

func main() {
	// The bare binary runs the sentinel supervisor, which spawns itself
	// with "run" as the supervised child.
	if len(os.Args) > 1 && os.Args[1] == "run" {
		serve()
		return
	}
	runSentinel()
}

func serve() {
	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load env", "error", err)
		os.Exit(1)
	}

	// Setup logger
	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(clog.NewAttributesHandler(handler))
	slog.SetDefault(logger)

	// Setup audit store
	store, err := audit.Open(filepath.Join(env.DataDir, "audit.db"))
	if err != nil {
		slog.Error("failed to open audit store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Setup safety policy
	policy, err := safety.Load(env.RulesPath)
	if err != nil {
		slog.Error("failed to load safety rules", "error", err)
		os.Exit(1)
	}

	// Setup skill registry, router and executor
	registry := skill.NewRegistry(logger)
	rt := router.New(registry)
	executor := task.NewExecutor(task.Config{
		Workers:             env.Workers,
		QueueBacklog:        env.QueueBacklog,
		TaskTimeout:         env.TaskTimeout,
		ConfirmationTimeout: env.ConfirmationTimeout,
	}, registry, policy, store, logger)

	// Graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	core := &coreHandle{router: rt, executor: executor, registry: registry, logger: logger}
	if err := registry.LoadAll(ctx, env.PluginDir, core); err != nil {
		slog.Error("failed to load skills", "dir", env.PluginDir, "error", err)
		os.Exit(1)
	}

	if err := executor.Start(ctx); err != nil {
		slog.Error("failed to start executor", "error", err)
		os.Exit(1)
	}

	if env.Retention > 0 {
		go retentionLoop(ctx, store, env.Retention)
	}

	srv := server.NewServer(env, rt, executor, registry, store)
	go func() {
		if err := srv.ListenAndServe(ctx); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()
	slog.Info("mordomo started", "addr", env.HTTPHost+":"+env.HTTPPort, "skills", len(registry.Skills()))

	<-ctx.Done()
	slog.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	executor.Wait()
	registry.ShutdownAll(shutdownCtx)
}

// retentionLoop prunes audit records older than the retention window once an
// hour.
func retentionLoop(ctx context.Context, store *audit.Store, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				slog.Error("audit prune failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("pruned audit records", "count", n)
			}
		}
	}
}
