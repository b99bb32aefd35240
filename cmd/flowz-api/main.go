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

	"github.com/MarcoPoloResearchLab/flowz/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/flowz/backend/internal/config"
	"github.com/MarcoPoloResearchLab/flowz/backend/internal/database"
	"github.com/MarcoPoloResearchLab/flowz/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/flowz/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/flowz/backend/internal/products"
	"github.com/MarcoPoloResearchLab/flowz/backend/internal/server"
	"github.com/MarcoPoloResearchLab/flowz/backend/internal/studio"
	"github.com/MarcoPoloResearchLab/flowz/backend/internal/versions"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "flowz-api",
		Short: "FLOWZ product editor backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

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
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("studio-endpoint", "", "Photo Studio processing endpoint")
	cmd.PersistentFlags().String("studio-callback-url", "", "Public base URL the processing service reports results to")
	cmd.PersistentFlags().String("studio-presets", "", "Path to a YAML scene preset catalog")
	cmd.PersistentFlags().Int("studio-concurrency", defaults.GetInt("studio.concurrency"), "Concurrent processing requests per batch")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "studio.endpoint", "studio-endpoint")
	bindFlag(cmd, "studio.callback_base_url", "studio-callback-url")
	bindFlag(cmd, "studio.concurrency", "studio-concurrency")
	bindFlag(cmd, "studio.presets_path", "studio-presets")
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

// newTokenCommand mints a session token for local development and storefront tooling.
func newTokenCommand() *cobra.Command {
	var (
		userID   string
		email    string
		storeIDs []string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SessionSigningKey),
				Issuer:        appConfig.SessionIssuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(auth.Identity{
				UserID:   userID,
				Email:    email,
				StoreIDs: storeIDs,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User identifier (required)")
	cmd.Flags().StringVar(&email, "email", "", "User email")
	cmd.Flags().StringSliceVar(&storeIDs, "store", nil, "Store the token may access; repeat for several, omit for all")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to the issuer TTL)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
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

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningKey),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	productService, err := products.NewService(products.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: ids.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	versionService, err := versions.NewService(versions.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: ids.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	studioService, err := studio.NewService(studio.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		JobIDs:   ids.NewUUIDProvider(),
		BatchIDs: ids.NewULIDProvider(time.Now),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	var dispatcher *studio.Dispatcher
	if appConfig.Studio.Endpoint != "" {
		dispatcher, err = studio.NewDispatcher(studio.DispatcherConfig{
			Store:           studioService,
			Endpoint:        appConfig.Studio.Endpoint,
			CallbackBaseURL: appConfig.Studio.CallbackBaseURL,
			Concurrency:     appConfig.Studio.Concurrency,
			RequestTimeout:  appConfig.Studio.RequestTimeout,
			BatchTimeout:    appConfig.Studio.BatchTimeout,
			Logger:          logger,
		})
		if err != nil {
			return err
		}
	} else {
		logger.Warn("studio endpoint not configured; batch creation disabled")
	}

	catalog, err := studio.LoadCatalogFile(afero.NewOsFs(), appConfig.Studio.PresetsPath)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:          sessionValidator,
		Products:          productService,
		Versions:          versionService,
		Studio:            studioService,
		Dispatcher:        dispatcher,
		Watcher:           studio.NewWatcher(studioService, appConfig.Studio.PollInterval, logger),
		Presets:           catalog,
		Realtime:          server.NewRealtimeDispatcher(),
		Timing:            appConfig.Editor,
		ReadOnlyFields:    appConfig.ReadOnlyFields,
		AllowedOrigins:    appConfig.AllowedOrigins,
		CallbackToken:     appConfig.Studio.CallbackToken,
		HeartbeatInterval: appConfig.HeartbeatInterval,
		Logger:            logger,
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
