// Command dashboard runs the deployment convergence dashboard API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/christippett/7apps-in-7minutes/internal/broker"
	"github.com/christippett/7apps-in-7minutes/internal/buildsvc"
	"github.com/christippett/7apps-in-7minutes/internal/config"
	"github.com/christippett/7apps-in-7minutes/internal/domain"
	"github.com/christippett/7apps-in-7minutes/internal/httpx"
	"github.com/christippett/7apps-in-7minutes/internal/orchestrator"
	"github.com/christippett/7apps-in-7minutes/internal/registry"
	"github.com/christippett/7apps-in-7minutes/pkg/logger"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "dashboard",
		Short: "7apps deployment dashboard",
		Long:  `Orchestrates rolling deployments across the demo fleet and streams their progress to connected observers.`,
		RunE:  run,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "7apps.yaml", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	log := logger.New("dashboard", level, cfg.Debug)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	apps := make([]domain.Application, 0, len(cfg.Apps))
	for _, app := range cfg.Apps {
		apps = append(apps, domain.Application{Name: app.Name, Title: app.Title, URL: app.URL})
	}
	fleet, err := registry.Load(apps)
	if err != nil {
		return err
	}

	builds := buildsvc.New(buildsvc.Config{
		APIURL:      cfg.Build.APIURL,
		ProjectID:   cfg.Build.ProjectID,
		TriggerID:   cfg.Build.TriggerID,
		LogEndpoint: cfg.Build.LogEndpoint,
		RepoName:    cfg.Build.RepoName,
		BranchName:  cfg.Build.BranchName,
	}, nil, log)

	events := broker.New(cfg.Broker.HistorySize, log)

	orch := orchestrator.New(fleet, builds, events, nil, log, orchestrator.Options{
		PollInterval: cfg.Monitor.PollIntervalDuration(),
		Timeout:      cfg.Monitor.TimeoutDuration(),
		AppTimeout:   cfg.Monitor.AppTimeoutDuration(),
	})
	defer orch.Shutdown()

	// Prime the fleet snapshot so the dashboard opens with live versions.
	orch.RefreshFleet(ctx)

	router := httpx.NewRouter(log, fleet, orch, builds, events, httpx.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AuthToken:      cfg.Server.AuthToken,
	})

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("dashboard server starting", "addr", cfg.Server.ListenAddr, "fleet_size", len(apps))
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("dashboard server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}
	return nil
}
