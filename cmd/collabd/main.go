package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/synclab/collabd/internal/collab"
	"github.com/synclab/collabd/internal/common/cnst"
	"github.com/synclab/collabd/internal/common/config"
	"github.com/synclab/collabd/internal/events"
	"github.com/synclab/collabd/internal/messenger"
	"github.com/synclab/collabd/internal/permissions"
	"github.com/synclab/collabd/internal/settings"
	"github.com/synclab/collabd/pkg/logger"
	"github.com/synclab/collabd/pkg/metrics"
	"github.com/synclab/collabd/pkg/version"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "collabd",
	Short: "Real-time collaborative editing coordination engine",
	Run: func(cmd *cobra.Command, args []string) {
		run()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of collabd",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("collabd version %s\n", version.Get())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "conf", "c", "configs/collabd.yaml", "path to configuration file")
	rootCmd.AddCommand(versionCmd)
}

func run() {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config from %s: %v\n", configPath, err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting collabd",
		zap.String("version", version.Get()),
		zap.String("messenger", cfg.Messenger.Type),
		zap.String("events", cfg.Events.Type))

	msgr, err := messenger.NewMessenger(log, cfg)
	if err != nil {
		log.Fatal("failed to create messenger", zap.Error(err))
	}
	defer func() { _ = msgr.Close() }()
	log.Info("messenger ready", zap.String("instance", msgr.UID()))

	notifier, err := events.NewNotifier(log, cfg)
	if err != nil {
		log.Fatal("failed to create event notifier", zap.Error(err))
	}

	m := metrics.New(cfg.Metrics)

	cache := permissions.NewCache(log, cfg.Collab.PermissionCacheCapacity)
	// The platform's policy evaluator plugs in here; standalone deployments
	// run permissive.
	perms := permissions.NewService(log, permissions.AllowAll{}, cache, cfg.Collab.PermissionCacheMaxTTL)

	store := settings.NewStore(log, settings.NewStaticSource(map[string]any{
		cnst.SettingCollabEnabled: true,
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler := collab.NewHandler(log, cfg.Collab, msgr, perms, store, notifier, m)
	if err := handler.Start(ctx); err != nil {
		log.Fatal("failed to start collab handler", zap.Error(err))
	}
	defer handler.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
	go func() {
		log.Info("metrics endpoint listening", zap.String("addr", cfg.Metrics.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown failed", zap.Error(err))
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
