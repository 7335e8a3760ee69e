package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/NaumSimi11/md-mindmap-sub000/internal/audit"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/auth"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/batch"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/config"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/database"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/documents"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/domain"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/logging"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/mailer"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/permissions"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/presence"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/realtime"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/server"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/snapshots"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "collab-api",
		Short: "Collaboration backend: presence, offline batch sync, sharing and snapshots",
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
	cmd.PersistentFlags().StringSlice("allowed-origins", defaults.GetStringSlice("http.allowed_origins"), "CORS allowed origins")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")
	cmd.PersistentFlags().String("auth-issuer", defaults.GetString("auth.issuer"), "Expected session token issuer")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Redis URL for cross-instance room fan-out")
	cmd.PersistentFlags().Duration("backup-max-age", defaults.GetDuration("snapshots.backup_max_age"), "Maximum age of a restore-backup snapshot for overwrite")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.issuer", "auth-issuer")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "snapshots.backup_max_age", "backup-max-age")
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

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ids := domain.NewUUIDProvider()

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
	})
	if err != nil {
		return err
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}
	recorder, err := audit.NewRecorder(audit.RecorderConfig{Database: db, IDProvider: ids, Logger: logger})
	if err != nil {
		return err
	}
	store, err := documents.NewStore(documents.StoreConfig{Database: db, IDProvider: ids, Logger: logger})
	if err != nil {
		return err
	}
	resolver, err := permissions.NewResolver(permissions.ResolverConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	dispatcher, err := mailer.NewDispatcher(mailer.DispatcherConfig{
		Sender: mailer.NewSender(mailer.SMTPConfig{
			Host:     appConfig.Mail.SMTPHost,
			Port:     strconv.Itoa(appConfig.Mail.SMTPPort),
			Username: appConfig.Mail.Username,
			Password: appConfig.Mail.Password,
			From:     appConfig.Mail.From,
			FromName: appConfig.Mail.FromName,
		}, logger),
		Workers:     appConfig.Mail.Workers,
		Capacity:    appConfig.Mail.QueueCapacity,
		MaxAttempts: appConfig.Mail.MaxAttempts,
		RetryDelay:  appConfig.Mail.RetryDelay,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	dispatcher.Start()

	permissionService, err := permissions.NewService(permissions.ServiceConfig{
		Database:      db,
		Resolver:      resolver,
		Audit:         recorder,
		Mail:          dispatcher,
		IDProvider:    ids,
		Logger:        logger,
		InvitationTTL: appConfig.InvitationTTL,
		LinkTTL:       appConfig.LinkTTL,
		PublicURL:     appConfig.PublicURL,
	})
	if err != nil {
		return err
	}
	engine, err := batch.NewEngine(batch.EngineConfig{Database: db, Store: store, Resolver: resolver, Logger: logger})
	if err != nil {
		return err
	}
	snapshotService, err := snapshots.NewService(snapshots.ServiceConfig{
		Database:     db,
		Store:        store,
		Resolver:     resolver,
		Audit:        recorder,
		IDProvider:   ids,
		Logger:       logger,
		BackupMaxAge: appConfig.SnapshotBackupMaxAge,
	})
	if err != nil {
		return err
	}
	tracker, err := presence.NewTracker(presence.TrackerConfig{Database: db, IDProvider: ids, Logger: logger})
	if err != nil {
		return err
	}

	manager, err := realtime.NewManager(realtime.ManagerConfig{IDProvider: ids, Logger: logger})
	if err != nil {
		return err
	}
	if appConfig.RedisURL != "" {
		broker, err := startRedisBroker(signalCtx, appConfig.RedisURL, manager, ids, logger)
		if err != nil {
			return err
		}
		defer broker.Close() //nolint:errcheck
	}
	hub, err := realtime.NewHub(realtime.HubConfig{
		Manager:       manager,
		Presence:      tracker,
		Authenticator: server.NewSessionAuthenticator(sessionValidator, userService),
		Access:        resolver,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       sessionValidator,
		Users:          userService,
		Batch:          engine,
		Permissions:    permissionService,
		Snapshots:      snapshotService,
		Store:          store,
		Presence:       tracker,
		Audit:          recorder,
		Rooms:          manager,
		Realtime:       hub,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	go runPresenceCleanup(signalCtx, tracker, appConfig.PresenceStaleAfter, appConfig.PresenceCleanupInterval, logger)

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress), zap.String("database_driver", appConfig.DatabaseDriver))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-signalCtx.Done():
		logger.Info("shutdown requested")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		logger.Warn("mail dispatcher did not drain", zap.Error(err))
	}
	return serveErr
}

func startRedisBroker(ctx context.Context, url string, manager *realtime.Manager, ids domain.IDProvider, logger *zap.Logger) (*realtime.RedisBroker, error) {
	client, err := realtime.NewRedisClient(ctx, url)
	if err != nil {
		return nil, err
	}
	instanceID, err := ids.NewID()
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	broker, err := realtime.NewRedisBroker(realtime.RedisBrokerConfig{
		Client:     client,
		Manager:    manager,
		InstanceID: instanceID,
		Logger:     logger,
	})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := broker.Start(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	logger.Info("redis fan-out enabled", zap.String("instance_id", instanceID))
	return broker, nil
}

// runPresenceCleanup periodically deactivates sessions that stopped
// heartbeating, together with their presences.
func runPresenceCleanup(ctx context.Context, tracker *presence.Tracker, staleAfter, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := tracker.CleanupStale(ctx, staleAfter)
			if err != nil {
				logger.Warn("presence cleanup failed", zap.Error(err))
				continue
			}
			if count > 0 {
				logger.Info("presence cleanup deactivated sessions", zap.Int("sessions", count))
			}
		}
	}
}
