package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/datesky/datesky-indexer/internal/config"
	"github.com/datesky/datesky-indexer/internal/database"
	"github.com/datesky/datesky-indexer/internal/identity"
	"github.com/datesky/datesky-indexer/internal/ingest"
	"github.com/datesky/datesky-indexer/internal/listsync"
	"github.com/datesky/datesky-indexer/internal/logging"
	"github.com/datesky/datesky-indexer/internal/profiles"
	"github.com/datesky/datesky-indexer/internal/server"
	"github.com/datesky/datesky-indexer/internal/stream"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "datesky-indexer",
		Short: "DateSky firehose indexer and list mirror",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the ingestion pipeline (and the read API when enabled)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context())
		},
	}

	backfillCmd := &cobra.Command{
		Use:   "backfill",
		Short: "Reconcile the curated list against all indexed profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackfill(cmd.Context())
		},
	}

	rootCmd.AddCommand(runCmd, backfillCmd)
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
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Read API listen address (empty disables)")
	cmd.PersistentFlags().String("jetstream-url", defaults.GetString("jetstream.url"), "Jetstream subscription endpoint")
	cmd.PersistentFlags().String("collection", defaults.GetString("jetstream.collection"), "Tracked record collection")
	cmd.PersistentFlags().String("list-owner-did", "", "DID owning the mirrored list")
	cmd.PersistentFlags().String("list-uri", "", "AT-URI of the mirrored list")

	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "jetstream.url", "jetstream-url")
	bindFlag(cmd, "jetstream.collection", "collection")
	bindFlag(cmd, "list.owner_did", "list-owner-did")
	bindFlag(cmd, "list.uri", "list-uri")
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

func runIngest(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := profiles.NewStore(profiles.StoreConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	resolver := identity.NewResolver(identity.ResolverConfig{
		PLCDirectoryURL: appConfig.PLCDirectoryURL,
		Timeout:         appConfig.ResolverTimeout,
		Logger:          logger,
	})

	listManager, err := newListManager(appConfig, logger)
	if err != nil {
		return err
	}
	if listManager == nil {
		logger.Warn("list sync disabled: list owner, uri, or pds credentials not configured")
	}

	var dispatcher *server.UpdateDispatcher
	if appConfig.HTTPAddress != "" {
		dispatcher = server.NewUpdateDispatcher()
	}

	applierConfig := ingest.ApplierConfig{
		Store:      store,
		Collection: appConfig.Collection,
		Resolver:   resolver,
		SaveEvery:  appConfig.CursorSaveInterval,
		Logger:     logger,
	}
	if listManager != nil {
		applierConfig.ListSync = listManager
	}
	if dispatcher != nil {
		applierConfig.OnApplied = func(did string, operation string) {
			dispatcher.Publish(server.UpdateMessage{
				DID:       did,
				Operation: operation,
				Timestamp: time.Now(),
			})
		}
	}

	applier, err := ingest.NewApplier(applierConfig)
	if err != nil {
		return err
	}

	client, err := stream.NewClient(stream.ClientConfig{
		URL:          appConfig.JetstreamURL,
		Collection:   appConfig.Collection,
		Cursor:       store.Cursor,
		OnDisconnect: applier.PersistCursor,
		Handler:      applier,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var httpServer *http.Server
	if appConfig.HTTPAddress != "" {
		handler, err := server.NewHTTPHandler(server.Dependencies{
			Profiles: store,
			Updates:  dispatcher,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		httpServer = &http.Server{Addr: appConfig.HTTPAddress, Handler: handler}
		go func() {
			logger.Info("read api listening", zap.String("address", appConfig.HTTPAddress))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("read api failed", zap.Error(err))
			}
		}()
	}

	logger.Info("ingestion starting",
		zap.String("feed", appConfig.JetstreamURL),
		zap.String("collection", appConfig.Collection))

	errCh := make(chan error, 1)
	go func() {
		errCh <- client.Run(signalCtx)
	}()

	var runErr error
	select {
	case <-signalCtx.Done():
		logger.Info("shutdown signal received")
		runErr = <-errCh
	case runErr = <-errCh:
	}

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("read api shutdown failed", zap.Error(err))
		}
	}

	applier.WaitForSideEffects()
	logger.Info("shutdown complete")
	return runErr
}

func runBackfill(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if err := appConfig.ValidateForBackfill(); err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := profiles.NewStore(profiles.StoreConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	dids, err := store.AllDIDs(ctx)
	if err != nil {
		return err
	}
	logger.Info("local profiles loaded", zap.Int("profiles", len(dids)))

	listManager, err := newListManager(appConfig, logger)
	if err != nil {
		return err
	}

	backfill, err := listsync.NewBackfill(listsync.BackfillConfig{
		Manager: listManager,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := backfill.Run(signalCtx, dids)
	logger.Info("backfill finished",
		zap.Int("profiles", result.Profiles),
		zap.Int("existing", result.Existing),
		zap.Int("candidates", result.Candidates),
		zap.Int("added", result.Added),
		zap.Int("errored", result.Errored))
	return err
}

// newListManager builds the list-sync manager, or nil when the optional list
// mirror is not configured. Backfill callers validate configuration first and
// never see nil.
func newListManager(appConfig config.AppConfig, logger *zap.Logger) (*listsync.Manager, error) {
	if !appConfig.ListSyncConfigured() {
		return nil, nil
	}

	session, err := listsync.NewSession(listsync.SessionConfig{
		Host:        appConfig.PDSHost,
		Identifier:  appConfig.PDSIdentifier,
		AppPassword: appConfig.PDSAppPassword,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	client, err := listsync.NewClient(listsync.ClientConfig{
		Host:    appConfig.PDSHost,
		Session: session,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	return listsync.NewManager(listsync.ManagerConfig{
		Client:   client,
		OwnerDID: appConfig.ListOwnerDID,
		ListURI:  appConfig.ListURI,
		Logger:   logger,
	})
}
