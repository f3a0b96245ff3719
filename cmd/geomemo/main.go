package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/geomemo/internal/app"
	"github.com/MarcoPoloResearchLab/geomemo/internal/auth"
	"github.com/MarcoPoloResearchLab/geomemo/internal/config"
	"github.com/MarcoPoloResearchLab/geomemo/internal/database"
	"github.com/MarcoPoloResearchLab/geomemo/internal/geo"
	"github.com/MarcoPoloResearchLab/geomemo/internal/logging"
	"github.com/MarcoPoloResearchLab/geomemo/internal/metrics"
	"github.com/MarcoPoloResearchLab/geomemo/internal/notes"
	"github.com/MarcoPoloResearchLab/geomemo/internal/remotestore"
	"github.com/MarcoPoloResearchLab/geomemo/internal/server"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "geomemo",
		Short:         "Location memos: sync server and local-first client",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")
	rootCmd.PersistentFlags().String("signing-secret", "", "Token signing secret for serve and token (overrides env)")
	bindFlag(rootCmd, "log.level", "log-level")
	bindFlag(rootCmd, "auth.signing_secret", "signing-secret")
	bindFlag(rootCmd, "log.encoding", "log-encoding")

	rootCmd.AddCommand(newServeCommand(defaults), newTokenCommand(defaults), newClientCommand(defaults))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCommand(defaults *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	cmd.Flags().String("http-address", defaults.GetString("server.address"), "HTTP listen address")
	cmd.Flags().String("database-path", defaults.GetString("server.database_path"), "SQLite database path")
	cmd.Flags().StringSlice("allowed-origins", nil, "CORS origins allowed to call the API")
	bindLocalFlag(cmd, "server.address", "http-address")
	bindLocalFlag(cmd, "server.database_path", "database-path")
	bindLocalFlag(cmd, "server.allowed_origins", "allowed-origins")
	return cmd
}

func newTokenCommand(defaults *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue an access token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd.Context(), cmd, args[0])
		},
	}
	cmd.Flags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Token TTL in minutes")
	bindLocalFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	return cmd
}

func newClientCommand(defaults *viper.Viper) *cobra.Command {
	var latitude, longitude float64
	var watch bool
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Restore unsynced edits, load the region around a position and report it",
		RunE: func(cmd *cobra.Command, args []string) error {
			position, err := geo.NewPosition(latitude, longitude)
			if err != nil {
				return err
			}
			return runClient(cmd.Context(), cmd, position, watch)
		},
	}
	cmd.Flags().String("remote-url", defaults.GetString("client.remote_url"), "Sync server base URL")
	cmd.Flags().String("access-token", "", "Access token issued by the sync server")
	cmd.Flags().String("database-path", defaults.GetString("client.database_path"), "Local SQLite database path")
	cmd.Flags().String("cache-path", defaults.GetString("client.cache_path"), "Region cache directory")
	cmd.Flags().String("cache-strategy", defaults.GetString("cache.strategy"), "Region cache strategy (memory, durable, tiered)")
	cmd.Flags().Float64Var(&latitude, "lat", 0, "Latitude of the region to load")
	cmd.Flags().Float64Var(&longitude, "lon", 0, "Longitude of the region to load")
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep running and log marker changes until interrupted")
	bindLocalFlag(cmd, "client.remote_url", "remote-url")
	bindLocalFlag(cmd, "client.access_token", "access-token")
	bindLocalFlag(cmd, "client.database_path", "database-path")
	bindLocalFlag(cmd, "client.cache_path", "cache-path")
	bindLocalFlag(cmd, "cache.strategy", "cache-strategy")
	return cmd
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func bindLocalFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newLogger(appConfig config.AppConfig) (*zap.Logger, error) {
	return logging.NewLogger(appConfig.Log.Level, appConfig.Log.Encoding)
}

func newIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.Server.SigningSecret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      appConfig.Server.TokenTTL,
	})
}

func runServer(ctx context.Context) error {
	appConfig := config.Load(viper.GetViper())
	if err := appConfig.ValidateServer(); err != nil {
		return err
	}

	logger, err := newLogger(appConfig)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.Server.DatabasePath, logger, database.ServerSchema())
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager, err := newIssuer(appConfig)
	if err != nil {
		return err
	}

	store, err := remotestore.NewService(remotestore.ServiceConfig{
		Database:      db,
		Clock:         time.Now,
		IDProvider:    notes.NewUUIDProvider(),
		Logger:        logger,
		Precision:     appConfig.Client.GeoPrecision,
		MemoCap:       appConfig.Client.MemoCap,
		MemoMaxLength: appConfig.Client.MemoMaxLength,
	})
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	serverMetrics, err := metrics.New(registry)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Store:          store,
		TokenValidator: tokenManager,
		Logger:         logger,
		Metrics:        serverMetrics,
		Gatherer:       registry,
		Realtime:       server.NewRealtimeDispatcher(),
		AllowedOrigins: appConfig.Server.AllowedOrigins,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.Server.Address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.Server.Address))
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

func runToken(ctx context.Context, cmd *cobra.Command, subject string) error {
	appConfig := config.Load(viper.GetViper())
	if err := appConfig.ValidateServer(); err != nil {
		return err
	}
	tokenManager, err := newIssuer(appConfig)
	if err != nil {
		return err
	}
	token, expiresAt, err := tokenManager.Issue(ctx, subject)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.UTC().Format(time.RFC3339))
	return nil
}

func runClient(ctx context.Context, cmd *cobra.Command, position geo.Position, watch bool) error {
	appConfig := config.Load(viper.GetViper())
	if err := appConfig.ValidateClient(); err != nil {
		return err
	}

	logger, err := newLogger(appConfig)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	runtime, err := app.New(app.Config{Client: appConfig.Client, Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := runtime.Close(); closeErr != nil {
			logger.Error("client shutdown failed", zap.Error(closeErr))
		}
	}()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runtime.Start(signalCtx); err != nil {
		return err
	}

	result, err := runtime.LoadAround(signalCtx, position)
	if err != nil {
		logger.Warn("region load failed, reporting local markers only", zap.Error(err))
		offline, offlineErr := runtime.OfflineMarkers(signalCtx, position)
		if offlineErr != nil {
			return offlineErr
		}
		fmt.Fprintf(cmd.OutOrStdout(), "offline: %d local markers\n", len(offline))
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "region %s from %s: %d markers, %d memos\n",
			result.Region.Primary, result.Source, len(result.Snapshot.Markers), len(result.Snapshot.Memos))
	}

	if !watch {
		return nil
	}
	attachment := runtime.Attach(signalCtx)
	defer attachment.Close()
	attachment.ObserveMarkers(func(state notes.MarkerState) {
		logger.Info("markers changed", zap.Int("count", len(state.Markers)))
	})
	attachment.ObserveErrors(func(err error) {
		logger.Warn("background sync failed", zap.Error(err))
	})
	<-attachment.Done()
	return nil
}
