package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/activity"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/auth"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/comments"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/config"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/coordinator"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/database"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/logging"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/notify"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/realtime"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/server"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/users"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/wire"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const redisPingTimeout = 3 * time.Second

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.Log.Level, appConfig.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Options{
		Driver: appConfig.Database.Driver,
		Path:   appConfig.Database.Path,
		DSN:    appConfig.Database.DSN,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenIssuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}
	userService, err := users.NewService(users.ServiceConfig{
		Database:  db,
		Validator: tokenIssuer,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	activityStore, err := activity.NewStore(db, logger)
	if err != nil {
		return err
	}
	activityLog, err := activity.NewLog(activity.LogConfig{
		Backend:  activityStore,
		Attempts: appConfig.Activity.AppendAttempts,
		Backoff:  appConfig.Activity.RetryBackoff,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	commentStore, err := comments.NewStore(db)
	if err != nil {
		return err
	}
	commentService, err := comments.NewService(comments.ServiceConfig{
		Store:  commentStore,
		Log:    activityLog,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	mentions := notify.NewDispatcher(newNotifier(ctx, appConfig, logger), appConfig.Notify.Workers, appConfig.Notify.QueueSize, logger)
	defer mentions.Shutdown()

	dispatcher := realtime.NewDispatcher(appConfig.Activity.SubscriberBuffer)
	defer dispatcher.Close()

	coord, err := coordinator.New(coordinator.Config{
		Log:              activityLog,
		Comments:         commentService,
		Realtime:         dispatcher,
		Mentions:         mentions,
		PresenceTTL:      appConfig.Presence.TTL,
		TypingTTL:        appConfig.Typing.TTL,
		LockIdleTimeout:  appConfig.Locks.IdleTimeout,
		SignalsPerSecond: appConfig.Limits.SignalsPerSecond,
		SignalBurst:      appConfig.Limits.SignalBurst,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Coordinator:    coord,
		Users:          userService,
		Preferences:    userService,
		Settings:       clientSettings(appConfig),
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	go coord.RunReaper(reaperCtx, appConfig.Reaper.Interval)

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
		logger.Info("server stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Open channels are hijacked connections; closing the dispatcher ends their streams.
		dispatcher.Close()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.Auth.SigningSecret),
		Issuer:        appConfig.Auth.Issuer,
		Audience:      appConfig.Auth.Audience,
		TokenTTL:      appConfig.Auth.TokenTTL,
	})
}

// newNotifier publishes mentions to Redis when configured and reachable, and logs them otherwise.
func newNotifier(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) notify.Notifier {
	if appConfig.Redis.Address == "" {
		return notify.NewLogNotifier(logger)
	}
	client := notify.NewRedisClient(appConfig.Redis.Address, appConfig.Redis.Password, appConfig.Redis.DB)
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unavailable, logging mentions instead",
			zap.String("address", appConfig.Redis.Address),
			zap.Error(err))
		_ = client.Close()
		return notify.NewLogNotifier(logger)
	}
	logger.Info("mention notifications published to redis",
		zap.String("address", appConfig.Redis.Address),
		zap.String("channel", appConfig.Redis.Channel))
	return notify.NewRedisNotifier(client, appConfig.Redis.Channel)
}

func clientSettings(appConfig config.AppConfig) wire.Settings {
	return wire.Settings{
		PresenceTTLMillis:     appConfig.Presence.TTL.Milliseconds(),
		HeartbeatMillis:       (appConfig.Presence.TTL / 2).Milliseconds(),
		CursorRate:            appConfig.Presence.CursorRate,
		TypingTTLMillis:       appConfig.Typing.TTL.Milliseconds(),
		TypingDebounceMillis:  appConfig.Typing.StopDebounce.Milliseconds(),
		LockIdleTimeoutMillis: appConfig.Locks.IdleTimeout.Milliseconds(),
		FeedCapacity:          appConfig.Activity.FeedCapacity,
	}
}
