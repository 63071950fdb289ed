package main

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"signflow/auth"
	"signflow/blob"
	"signflow/bus"
	"signflow/config"
	"signflow/db"
	"signflow/httpapi"
	"signflow/notify"
	"signflow/realtime"
	"signflow/signing"
	"signflow/store"
	"signflow/store/postgres"
	"signflow/store/sqlite"
	"signflow/token"
)

// backend is the storage the process runs on.
type backend struct {
	store    store.Store
	users    auth.Repository
	failures notify.FailureRecorder
	ping     func(ctx context.Context) error
	close    func()
}

func openBackend(ctx context.Context, cfg config.Config, logger *zap.Logger) (*backend, error) {
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		st := postgres.New(pool)
		logger.Info("storage ready", zap.String("driver", "postgres"))
		return &backend{
			store:    st,
			users:    auth.NewRepository(pool),
			failures: st,
			ping:     pool.Ping,
			close:    pool.Close,
		}, nil
	}

	st, err := sqlite.Open(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	logger.Info("storage ready", zap.String("driver", "sqlite"), zap.String("path", cfg.SQLitePath))
	return &backend{
		store:    st,
		users:    st,
		failures: st,
		ping:     st.Ping,
		close:    func() { _ = st.Close() },
	}, nil
}

func newArchive(ctx context.Context, cfg config.Config, logger *zap.Logger) (blob.Archive, error) {
	if cfg.S3.Endpoint == "" {
		logger.Warn("S3_ENDPOINT not set, signature images are kept in memory")
		return blob.NewMemoryArchive(), nil
	}
	archive, err := blob.NewMinioArchive(blob.MinioConfig{
		Endpoint:  cfg.S3.Endpoint,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
		Bucket:    cfg.S3.Bucket,
		UseSSL:    cfg.S3.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	if err := archive.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return archive, nil
}

func newMailer(cfg config.Config, logger *zap.Logger) (notify.Mailer, error) {
	if cfg.SMTP.Host == "" {
		logger.Warn("SMTP_HOST not set, outgoing mail is only logged")
		return notify.LogMailer{Sent: func(msg notify.Message) {
			logger.Info("mail not sent", zap.String("to", msg.To), zap.String("subject", msg.Subject))
		}}, nil
	}
	return notify.NewSMTPMailer(notify.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.EmailFrom,
		FromName: cfg.AppName,
		Timeout:  mailTimeout,
	})
}

// app holds the wired components of one process.
type app struct {
	handler  http.Handler
	sweeper  *signing.Sweeper
	outcomes *bus.Bus[signing.Outcome]
	backend  *backend
}

func (a *app) Close() {
	a.outcomes.Close()
	a.backend.close()
}

func buildApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	archive, err := newArchive(ctx, cfg, logger)
	if err != nil {
		be.close()
		return nil, fmt.Errorf("open archive: %w", err)
	}
	mailer, err := newMailer(cfg, logger)
	if err != nil {
		be.close()
		return nil, fmt.Errorf("configure mail: %w", err)
	}
	dispatcher, err := notify.NewDispatcher(notify.Config{
		AppName:     cfg.AppName,
		BaseURL:     cfg.AppURL,
		Locale:      cfg.MailLocale,
		SendTimeout: mailTimeout,
	}, mailer, be.failures, logger.Named("notify"))
	if err != nil {
		be.close()
		return nil, err
	}

	tokens := token.NewService(cfg.JWTSecret, token.WithTTLs(cfg.SignatureTokenTTL, cfg.AccessTokenTTL))

	registry := realtime.NewRegistry()
	broadcaster := realtime.NewBroadcaster(registry, logger.Named("realtime"))

	outcomes := bus.New[signing.Outcome](cfg.BusBuffer, logger.Named("bus"))
	signing.Subscribe(outcomes, dispatcher, broadcaster, be.failures, 2*mailTimeout, logger.Named("signing"))

	coord := signing.NewCoordinator(be.store, tokens,
		signing.WithArchive(archive),
		signing.WithPublisher(outcomes),
		signing.WithLogger(logger.Named("signing")),
		signing.WithConfig(signing.Config{
			ContractTTL:  cfg.ContractExpiresIn,
			SignatureTTL: cfg.SignatureTokenTTL,
		}),
	)

	ws := realtime.NewHandler(realtime.HandlerConfig{
		Registry:      registry,
		Broadcaster:   broadcaster,
		Authenticator: realtime.TokenAuthenticator{Tokens: tokens},
		Authorizer:    httpapi.WatchAuthorizer{Coordinator: coord},
		Starter:       coord,
		Logger:        logger.Named("realtime"),
	})

	server := httpapi.New(httpapi.Config{
		Coordinator: coord,
		Accounts:    auth.NewService(be.users, tokens),
		Tokens:      tokens,
		Realtime:    ws,
		Ready:       be.ping,
		Logger:      logger.Named("http"),
	})

	return &app{
		handler:  server.Routes(),
		sweeper:  signing.NewSweeper(coord, cfg.ExpirySweepInterval, logger.Named("sweeper")),
		outcomes: outcomes,
		backend:  be,
	}, nil
}
