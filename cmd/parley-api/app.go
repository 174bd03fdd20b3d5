package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/auth"
	"github.com/MarcoPoloResearchLab/parley/internal/blobstore"
	"github.com/MarcoPoloResearchLab/parley/internal/config"
	"github.com/MarcoPoloResearchLab/parley/internal/conversations"
	"github.com/MarcoPoloResearchLab/parley/internal/database"
	"github.com/MarcoPoloResearchLab/parley/internal/identity"
	"github.com/MarcoPoloResearchLab/parley/internal/ids"
	"github.com/MarcoPoloResearchLab/parley/internal/messages"
	"github.com/MarcoPoloResearchLab/parley/internal/metrics"
	"github.com/MarcoPoloResearchLab/parley/internal/notify"
	"github.com/MarcoPoloResearchLab/parley/internal/quotes"
	"github.com/MarcoPoloResearchLab/parley/internal/realtime"
	"github.com/MarcoPoloResearchLab/parley/internal/server"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const bridgeRetryBackoff = 5 * time.Second

// application holds the wired services and the resources that must be released on exit.
type application struct {
	handler    http.Handler
	instanceID string
	engine     *quotes.Engine
	sweeper    *quotes.Sweeper
	bridge     *realtime.RedisBridge
	config     config.AppConfig
	logger     *zap.Logger
	closers    []func()
}

func buildApplication(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (*application, error) {
	app := &application{config: appConfig, logger: logger}
	ok := false
	defer func() {
		if !ok {
			app.close()
		}
	}()

	idProvider := ids.NewUUIDProvider()
	app.instanceID = appConfig.InstanceID
	if app.instanceID == "" {
		generated, err := idProvider.NewID()
		if err != nil {
			return nil, err
		}
		app.instanceID = generated
	}

	db, err := database.Open(database.Options{
		Driver: appConfig.DatabaseDriver,
		DSN:    appConfig.DatabaseDSN,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, func() { _ = sqlDB.Close() })

	collector := metrics.NewCollector()
	dispatcher := realtime.NewDispatcher(realtime.DispatcherConfig{Metrics: collector})
	var publisher realtime.Publisher = dispatcher
	if appConfig.RedisURL != "" {
		client, err := realtime.NewRedisClient(ctx, appConfig.RedisURL)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, func() { _ = client.Close() })
		bridge, err := realtime.NewRedisBridge(realtime.RedisBridgeConfig{
			Client: client,
			Origin: app.instanceID,
			Local:  dispatcher,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		app.bridge = bridge
		publisher = bridge
	}

	sink, err := newNotificationSink(appConfig, logger)
	if err != nil {
		return nil, err
	}
	if closer, isCloser := sink.(interface{ Close() error }); isCloser {
		app.closers = append(app.closers, func() { _ = closer.Close() })
	}
	notifier, err := notify.NewDispatcher(notify.DispatcherConfig{Sink: sink, Logger: logger, Metrics: collector})
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, notifier.Close)

	signer, err := blobstore.NewURLSigner(blobstore.URLSignerConfig{SigningSecret: []byte(appConfig.BlobURLSecret)})
	if err != nil {
		return nil, err
	}
	blobs, err := blobstore.NewFilesystemStore(blobstore.FilesystemConfig{
		Root:          appConfig.BlobRoot,
		PublicBaseURL: appConfig.BlobPublicBaseURL,
		Signer:        signer,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	registry, err := conversations.NewRegistry(conversations.RegistryConfig{
		Database:   db,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	store, err := messages.NewStore(messages.StoreConfig{
		Database:    db,
		IDProvider:  idProvider,
		Logger:      logger,
		Registry:    registry,
		ObjectStore: blobs,
		Publisher:   publisher,
		Notifier:    notifier,
		Metrics:     collector,
	})
	if err != nil {
		return nil, err
	}
	linker, err := messages.NewAttachmentLinker(messages.LinkerConfig{
		Database:    db,
		IDProvider:  idProvider,
		Logger:      logger,
		Registry:    registry,
		ObjectStore: blobs,
		Metrics:     collector,
	})
	if err != nil {
		return nil, err
	}
	engine, err := quotes.NewEngine(quotes.EngineConfig{
		Database:     db,
		IDProvider:   idProvider,
		RefGenerator: quotes.NewRandomRefGenerator(),
		Logger:       logger,
		Registry:     registry,
		Messages:     store,
		Publisher:    publisher,
		Notifier:     notifier,
		Metrics:      collector,
	})
	if err != nil {
		return nil, err
	}
	app.engine = engine

	if appConfig.ExpiryEnabled {
		sweeper, err := quotes.NewSweeper(quotes.SweeperConfig{
			Engine: engine,
			Policy: quotes.MaxAgePolicy{MaxAge: appConfig.ExpiryMaxAge},
			Cron:   appConfig.ExpiryCron,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		app.sweeper = sweeper
	}

	identities, err := identity.NewService(identity.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return nil, err
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningKey),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return nil, err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: validator,
		Actors:           identities,
		Conversations:    registry,
		Quotes:           engine,
		Messages:         store,
		Attachments:      linker,
		Blobs:            blobs,
		Realtime:         dispatcher,
		Database:         db,
		Metrics:          collector,
		Logger:           logger,
		AllowedOrigins:   appConfig.AllowedOrigins,
		RequestTimeout:   appConfig.RequestTimeout,
		RateLimit: server.RateLimitConfig{
			RPS:   appConfig.RateLimitRPS,
			Burst: appConfig.RateLimitBurst,
		},
	})
	if err != nil {
		return nil, err
	}
	app.handler = handler

	ok = true
	return app, nil
}

func newNotificationSink(appConfig config.AppConfig, logger *zap.Logger) (notify.Sink, error) {
	if !appConfig.AsynqEnabled {
		return notify.NewLogSink(logger), nil
	}
	return notify.NewAsynqSink(notify.AsynqSinkConfig{
		RedisURL: appConfig.RedisURL,
		Queue:    appConfig.NotifyQueue,
	})
}

// startBackground launches the redis relay and the expiry sweeper; both stop with ctx.
func (a *application) startBackground(ctx context.Context) {
	if a.bridge != nil {
		go a.runBridge(ctx)
	}
	if a.sweeper != nil {
		go a.sweeper.Run(ctx)
	}
}

func (a *application) runBridge(ctx context.Context) {
	for {
		err := a.bridge.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, redis.ErrClosed) {
			a.logger.Warn("realtime bridge disconnected", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(bridgeRetryBackoff):
		}
	}
}

func (a *application) expireOnce(ctx context.Context) (quotes.SweepResult, error) {
	return a.engine.Sweep(ctx, quotes.MaxAgePolicy{MaxAge: a.config.ExpiryMaxAge}, 0)
}

func (a *application) close() {
	for index := len(a.closers) - 1; index >= 0; index-- {
		a.closers[index]()
	}
	a.closers = nil
}
