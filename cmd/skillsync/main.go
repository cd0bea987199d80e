package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/skillsync/internal/httpapi"
	"github.com/agentworkforce/skillsync/internal/ledgerstore"
	"github.com/agentworkforce/skillsync/internal/progress"
	"github.com/agentworkforce/skillsync/internal/syncer"
	"github.com/agentworkforce/skillsync/internal/telemetry"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := newViper()
	cmd := &cobra.Command{
		Use:          "skillsync",
		Short:        "Progress reconciliation and badge issuance service",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), v)
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().Bool("debug", false, "enable debug logging")
	cmd.Flags().String("maps-file", "", "YAML skill map catalog")
	_ = v.BindPFlag(keyAddr, cmd.Flags().Lookup("addr"))
	_ = v.BindPFlag(keyDebug, cmd.Flags().Lookup("debug"))
	_ = v.BindPFlag(keyMapsFile, cmd.Flags().Lookup("maps-file"))
	return cmd
}

func newLogger(debug bool) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if debug {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

func serve(ctx context.Context, v *viper.Viper) error {
	logger, err := newLogger(v.GetBool(keyDebug))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := loadConfig(v, logger)
	if err != nil {
		return err
	}

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.OTelEnabled,
		Stdout:      cfg.OTelStdout,
		ServiceName: "skillsync",
		Version:     version,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()
	metrics := telemetry.NewMetrics(telemetry.Meter(""))

	local, err := ledgerstore.BuildBackendFromDSN(cfg.LocalLedgerDSN)
	if err != nil {
		return fmt.Errorf("local ledger backend: %w", err)
	}
	defer closeBackend(local, logger)
	cloud, err := ledgerstore.BuildBackendFromDSN(cfg.CloudLedgerDSN)
	if err != nil {
		return fmt.Errorf("cloud ledger backend: %w", err)
	}
	defer closeBackend(cloud, logger)

	catalog := progress.Catalog{}
	if cfg.MapsFile != "" {
		catalog, err = progress.LoadCatalogFile(cfg.MapsFile)
		if err != nil {
			return fmt.Errorf("load skill maps: %w", err)
		}
	}

	store := syncer.NewStateStore(syncer.Snapshot{
		SourceURL:    cfg.SourceURL,
		SourceStatus: progress.ParseSourceStatus(cfg.SourceStatus),
	})
	defer store.Close()

	orch, err := syncer.New(syncer.Options{
		Store:      store,
		Ledgers:    ledgerstore.NewRouter(local, cloud),
		Backend:    syncer.NewHTTPClient(cfg.BackendURL, cfg.BackendToken, nil),
		Catalog:    catalog,
		Timeout:    cfg.SyncTimeout,
		DebugFlags: progress.ParseDebugFlags(cfg.DebugFlags),
		Logger:     logger.Named("syncer"),
		Metrics:    metrics,
	})
	if err != nil {
		return err
	}

	handler := httpapi.NewServerWithConfig(store, orch, httpapi.ServerConfig{
		JWTSecret:       cfg.JWTSecret,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		FeedOrigins:     cfg.FeedOrigins,
		Logger:          logger.Named("httpapi"),
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	watchPath := ledgerstore.FilePath(cfg.LocalLedgerDSN)
	if watchPath != "" {
		if err := os.MkdirAll(filepath.Dir(watchPath), 0o755); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("skillsync listening", zap.String("addr", cfg.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if watchPath != "" {
		g.Go(func() error {
			return ledgerstore.Watch(gctx, watchPath, 0, logger.Named("watch"), func() {
				if err := orch.ReloadLocal(gctx); err != nil {
					logger.Warn("reload local ledger failed", zap.Error(err))
				}
			})
		})
	}

	err = g.Wait()
	orch.Wait()
	logger.Info("skillsync stopped")
	return err
}

func closeBackend(backend ledgerstore.Backend, logger *zap.Logger) {
	closer, ok := backend.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warn("close ledger backend failed", zap.Error(err))
	}
}
