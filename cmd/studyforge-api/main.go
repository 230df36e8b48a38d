package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pensarlabs/studyforge/backend/internal/auth"
	"github.com/pensarlabs/studyforge/backend/internal/config"
	"github.com/pensarlabs/studyforge/backend/internal/dashboard"
	"github.com/pensarlabs/studyforge/backend/internal/database"
	"github.com/pensarlabs/studyforge/backend/internal/extract"
	"github.com/pensarlabs/studyforge/backend/internal/filestore"
	"github.com/pensarlabs/studyforge/backend/internal/genai"
	"github.com/pensarlabs/studyforge/backend/internal/logging"
	"github.com/pensarlabs/studyforge/backend/internal/quota"
	"github.com/pensarlabs/studyforge/backend/internal/server"
	"github.com/pensarlabs/studyforge/backend/internal/study"
	"github.com/pensarlabs/studyforge/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "studyforge-api",
		Short: "StudyForge learning content backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
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
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("uploads-dir", defaults.GetString("uploads.dir"), "Directory for stored uploads")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Backend token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")
	cmd.PersistentFlags().String("ai-api-key", "", "AI provider API key (overrides env)")
	cmd.PersistentFlags().String("ai-base-url", defaults.GetString("ai.base_url"), "AI provider base URL")
	cmd.PersistentFlags().String("ai-model", defaults.GetString("ai.model"), "AI model identifier")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "uploads.dir", "uploads-dir")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "ai.api_key", "ai-api-key")
	bindFlag(cmd, "ai.base_url", "ai-base-url")
	bindFlag(cmd, "ai.model", "ai-model")
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

func runServer(ctx context.Context) error {
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

	files, err := filestore.NewLocalStore(appConfig.UploadDir)
	if err != nil {
		return err
	}

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "studyforge-auth",
		Audience:      "studyforge-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	usersService, err := users.NewService(users.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: users.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ledger, err := quota.NewLedger(quota.LedgerConfig{
		Database: db,
		Resolver: usersService,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	generator := genai.NewClient(genai.Config{
		APIKey:        appConfig.AIAPIKey,
		BaseURL:       appConfig.AIBaseURL,
		Model:         appConfig.AIModel,
		Timeout:       appConfig.AITimeout,
		RetryAttempts: appConfig.AIRetryAttempts,
	})

	studyService, err := study.NewService(study.ServiceConfig{
		Database:   db,
		Ledger:     ledger,
		Generator:  generator,
		Extractor:  extract.NewTextExtractor(extract.Config{MaxChars: appConfig.ExtractorMaxChars}),
		Files:      files,
		Limits:     usersService,
		Clock:      time.Now,
		IDProvider: study.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	aggregator, err := dashboard.NewAggregator(dashboard.AggregatorConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		UsersService: usersService,
		StudyService: studyService,
		Aggregator:   aggregator,
		Logger:       logger,
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

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
