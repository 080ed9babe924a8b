package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/draftgate/draftgate/internal/config"
	"github.com/draftgate/draftgate/internal/database"
	"github.com/draftgate/draftgate/internal/logging"
	"github.com/draftgate/draftgate/internal/mcptool"
	"github.com/draftgate/draftgate/internal/notestore"
	"github.com/draftgate/draftgate/internal/preview"
	"github.com/draftgate/draftgate/internal/server"
	"github.com/draftgate/draftgate/internal/workflow"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const version = "1.0.0"

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "draftgate",
		Short: "Previewed, reversible note edits for Bear",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
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
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Review UI listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "Draftgate SQLite database path")
	cmd.PersistentFlags().String("bear-database-path", defaults.GetString("bear.database_path"), "Bear SQLite database path")
	cmd.PersistentFlags().String("review-base-url", defaults.GetString("review.base_url"), "Base URL for preview links")
	cmd.PersistentFlags().Int("preview-expiry-minutes", defaults.GetInt("preview.expiry_minutes"), "Minutes before a pending preview expires")
	cmd.PersistentFlags().Int("retention-days", defaults.GetInt("retention.days"), "Days to retain preview and rollback records")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Bool("mcp", defaults.GetBool("mcp.enabled"), "Serve MCP tools on stdio")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "bear.database_path", "bear-database-path")
	bindFlag(cmd, "review.base_url", "review-base-url")
	bindFlag(cmd, "preview.expiry_minutes", "preview-expiry-minutes")
	bindFlag(cmd, "retention.days", "retention-days")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "mcp.enabled", "mcp")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	// A local .env is optional; environment wins either way.
	_ = godotenv.Load()

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

func run(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := preview.NewStore(preview.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: preview.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	bearStore, err := notestore.NewBearStore(notestore.BearConfig{
		DatabasePath: appConfig.BearDatabasePath,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	workflowService, err := workflow.NewService(workflow.ServiceConfig{
		Store:         store,
		NoteStore:     bearStore,
		Clock:         time.Now,
		Logger:        logger,
		ReviewBaseURL: appConfig.ReviewBaseURL,
		PreviewExpiry: appConfig.PreviewExpiry,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Workflow: workflowService,
		Search:   bearStore,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := workflow.NewSweeper(workflow.SweeperConfig{
		Store:        store,
		Interval:     appConfig.SweepInterval,
		ExpiredGrace: appConfig.ExpiredGrace,
		Retention:    appConfig.Retention,
		Logger:       logger,
	})
	go sweeper.Run(signalCtx)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("review server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if appConfig.MCPEnabled {
		toolServer, err := mcptool.NewServer(mcptool.Config{
			Workflow: workflowService,
			Logger:   logger,
			Version:  version,
		})
		if err != nil {
			return err
		}
		go func() {
			logger.Info("mcp stdio server starting")
			if err := toolServer.Serve(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
			}
		}()
	}

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
