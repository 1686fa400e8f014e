package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/uplinelabs/upline/backend/internal/config"
	"github.com/uplinelabs/upline/backend/internal/database"
	"github.com/uplinelabs/upline/backend/internal/leveling"
	"github.com/uplinelabs/upline/backend/internal/logging"
	"github.com/uplinelabs/upline/backend/internal/referral"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "upline-worker",
		Short: "Upline level recalculation worker",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("mode", defaults.GetString("worker.mode"), "Run mode (once or loop)")
	cmd.PersistentFlags().Int("burst-runs", defaults.GetInt("worker.burst_runs"), "Cycles to run in once mode")
	cmd.PersistentFlags().String("config-key", defaults.GetString("worker.config_key"), "Stored worker config row key")
	cmd.PersistentFlags().Int64("rescue-every-ms", defaults.GetInt64("worker.rescue_every_ms"), "Rescue sweep interval in milliseconds")

	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "worker.mode", "mode")
	bindFlag(cmd, "worker.burst_runs", "burst-runs")
	bindFlag(cmd, "worker.config_key", "config-key")
	bindFlag(cmd, "worker.rescue_every_ms", "rescue-every-ms")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runWorker(ctx context.Context) error {
	workerConfig, err := config.LoadWorker(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(workerConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(workerConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	graphService, err := referral.NewService(referral.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	worker, err := leveling.NewWorker(leveling.WorkerOptions{
		Database:  db,
		Graph:     graphService,
		Clock:     time.Now,
		Logger:    logger,
		ConfigKey: workerConfig.ConfigKey,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("worker starting",
		zap.String("worker_id", worker.WorkerID()),
		zap.String("mode", workerConfig.Mode),
		zap.String("config_key", workerConfig.ConfigKey))

	if workerConfig.Mode == leveling.ModeOnce {
		if err := worker.RunBurst(signalCtx, workerConfig.BurstRuns); err != nil {
			return err
		}
		logger.Info("worker burst completed", zap.Int("burst_runs", workerConfig.BurstRuns))
		return nil
	}

	// The claim loop heartbeats its own leases; a second timer sweeps for
	// leases other processes abandoned.
	go runRescueSweep(signalCtx, worker, workerConfig.RescueEveryMs, logger)

	err = worker.RunLoop(signalCtx)
	logger.Info("worker shutdown")
	return err
}

func runRescueSweep(ctx context.Context, worker *leveling.Worker, everyMs int64, logger *zap.Logger) {
	if everyMs <= 0 {
		everyMs = 15000
	}
	ticker := time.NewTicker(time.Duration(everyMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cfg, err := worker.LoadConfig(ctx)
			if err != nil {
				logger.Error("rescue config load failed", zap.Error(err))
				continue
			}
			rescued, err := worker.RescueStalled(ctx, cfg)
			if err != nil {
				logger.Error("rescue sweep failed", zap.Error(err))
				continue
			}
			if rescued > 0 {
				logger.Info("rescue sweep reclaimed jobs", zap.Int("rescued", rescued))
			}
		}
	}
}
