package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ricirt/karnak/internal/api"
	"github.com/ricirt/karnak/internal/domain"
	"github.com/ricirt/karnak/internal/fetcher"
	"github.com/ricirt/karnak/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run workers, the consolidator and the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), false, runServe)
	},
}

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run the worker pools only, until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), false, func(ctx context.Context, a *app) error {
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.pipeline.RunWorkers(ctx)
		})
	},
}

var (
	kickoffTable         string
	kickoffMaxKeys       int
	kickoffAddKeys       []string
	kickoffMethod        string
	kickoffPriority      int
	kickoffCohort        string
	kickoffEmptyPriority int
	kickoffForce         bool
)

var kickoffCmd = &cobra.Command{
	Use:   "kickoff",
	Short: "Enumerate keys and populate the work queues",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := service.KickoffRequest{
			KickoffRequest: fetcher.KickoffRequest{
				KeyQuery: fetcher.KeyQuery{
					Table:   kickoffTable,
					MaxKeys: kickoffMaxKeys,
					AddKeys: kickoffAddKeys,
					Method:  kickoffMethod,
				},
				Cohort: kickoffCohort,
			},
			Force: kickoffForce,
		}
		if cmd.Flags().Changed("priority") {
			req.Priority = domain.IntPtr(kickoffPriority)
		}
		if cmd.Flags().Changed("empty-priority") {
			req.EmptyPriority = domain.IntPtr(kickoffEmptyPriority)
		}

		return withApp(cmd.Context(), true, func(ctx context.Context, a *app) error {
			queued, err := a.pipeline.Kickoff(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"queued": queued})
		})
	},
}

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Drain the results queue into the sink once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(ctx context.Context, a *app) error {
			stats, err := a.pipeline.Consolidate(ctx)
			if err != nil {
				return err
			}
			return printJSON(stats)
		})
	},
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print the fetcher state and queue sizes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(ctx context.Context, a *app) error {
			report, err := a.pipeline.State(ctx)
			if err != nil {
				return err
			}
			return printJSON(report)
		})
	},
}

func init() {
	f := kickoffCmd.Flags()
	f.StringVar(&kickoffTable, "table", "", "Table the keys belong to")
	f.IntVar(&kickoffMaxKeys, "max-keys", 0, "Maximum keys to enumerate (0 = no limit)")
	f.StringSliceVar(&kickoffAddKeys, "add-key", nil, "Key to include regardless of the source (repeatable)")
	f.StringVar(&kickoffMethod, "method", "", "Key source method (all, missing)")
	f.IntVar(&kickoffPriority, "priority", 0, "Priority applied to every key (1 = most urgent)")
	f.StringVar(&kickoffCohort, "cohort", "", "Cohort label applied to every key")
	f.IntVar(&kickoffEmptyPriority, "empty-priority", 0, "Allow kickoff while only backlog less urgent than this remains")
	f.BoolVar(&kickoffForce, "force", false, "Skip the readiness check")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runServe(ctx context.Context, a *app) error {
	cfg := a.cfg

	// Context for all background goroutines; cancelled on shutdown signal.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	done := make(chan error, 1)
	go func() { done <- a.pipeline.Run(runCtx) }()

	// ---- HTTP server ----
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      api.NewRouter(a.pipeline, a.registry, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// ---- graceful shutdown ----
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case runErr = <-serveErr:
		logger.Error("server error", zap.Error(runErr))
	}

	// 1. Stop accepting new HTTP requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// 2. Signal workers and the consolidator to stop.
	cancelRun()

	// 3. Wait for in-flight items; anything unfinished is redelivered after
	// its visibility timeout.
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("pipeline stopped with error", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out waiting for workers")
	}

	logger.Info("server stopped cleanly")
	return runErr
}
