package app

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/tsudoi/internal/auth"
	"github.com/hitoshi/tsudoi/internal/config"
	"github.com/hitoshi/tsudoi/internal/events"
	"github.com/hitoshi/tsudoi/internal/metrics"
	"github.com/hitoshi/tsudoi/internal/repository"
	"github.com/hitoshi/tsudoi/internal/security"
	"github.com/hitoshi/tsudoi/internal/user"
)

// buildRegistry は設定からprovider registryを組み立てる。
func buildRegistry(cfg *config.Config) *auth.Registry {
	creds := make(map[string]auth.Credentials, len(cfg.Providers))
	for key, p := range cfg.Providers {
		creds[key] = auth.Credentials{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			RedirectURL:  p.RedirectURL,
		}
	}
	apple := auth.AppleCredentials{
		TeamID:     cfg.Apple.TeamID,
		KeyID:      cfg.Apple.KeyID,
		PrivateKey: cfg.Apple.PrivateKey,
	}
	return auth.NewRegistry(cfg.BaseURL, auth.BuiltinDescriptors(), creds, apple)
}

// validateEndpoints は設定済みproviderの外向きエンドポイントを起動時に検証する。
// https以外やプライベートアドレスを指すエンドポイントがあれば起動を止める。
func validateEndpoints(guard security.OutboundGuard, registry *auth.Registry) error {
	for _, p := range registry.Configured() {
		for _, endpoint := range p.Endpoints() {
			if err := guard.ValidateEndpoint(endpoint); err != nil {
				return fmt.Errorf("provider %s endpoint %q rejected: %w", p.Key, endpoint, err)
			}
		}
	}
	return nil
}

// newPublisher はREDIS_URLが設定されていればRedisPublisherを、なければLogPublisherを返す。
// 返すcloseはRedisクライアントを閉じる。
func newPublisher(cfg *config.Config) (events.Publisher, func(), error) {
	if cfg.RedisURL == "" {
		slog.Info("REDIS_URL not set, identity events are logged only")
		return events.LogPublisher{}, func() {}, nil
	}

	client, err := events.NewRedisClient(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := client.Close(); err != nil {
			slog.Warn("failed to close redis client", slog.String("error", err.Error()))
		}
	}
	return events.NewRedisPublisher(client, cfg.EventsChannel), closeFn, nil
}

// services はserveモードで組み立てるドメインサービス群。
type services struct {
	auth       *auth.Service
	user       *user.Service
	dispatcher *events.Dispatcher
	close      func()
}

// buildServices はリポジトリ、外向きクライアント、通知、メトリクスをワイヤリングする。
func buildServices(cfg *config.Config, db *sql.DB, collector *metrics.Collector) (*services, error) {
	userRepo := repository.NewPostgresUserRepo(db)
	identRepo := repository.NewPostgresIdentityRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	accounts := repository.NewPostgresAccountStore(db)

	registry := buildRegistry(cfg)
	guard := security.NewOutboundGuard()
	if err := validateEndpoints(guard, registry); err != nil {
		return nil, err
	}

	publisher, closePublisher, err := newPublisher(cfg)
	if err != nil {
		return nil, err
	}
	dispatcher := events.NewDispatcher(publisher, events.DispatcherOptions{Recorder: collector})

	resolver := auth.NewResolver(userRepo, identRepo, dispatcher, auth.ResolverConfig{
		AdminUsernames: cfg.AdminUsernames,
	})
	sessions := auth.NewSessionManager(
		sessionRepo, userRepo,
		time.Duration(cfg.SessionMaxAge)*time.Second,
		collector,
	)

	authService := auth.NewService(auth.ServiceDeps{
		Registry:   registry,
		HTTPClient: guard.NewClient(cfg.OutboundTimeout),
		Normalizer: auth.NewNormalizer(security.NewTextSanitizer()),
		Resolver:   resolver,
		Sessions:   sessions,
		Users:      userRepo,
		Identities: identRepo,
		Recorder:   collector,
	})

	configured := registry.Configured()
	keys := make([]string, 0, len(configured))
	for _, p := range configured {
		keys = append(keys, p.Key)
	}
	slog.Info("oauth providers configured", slog.Any("providers", keys))

	return &services{
		auth:       authService,
		user:       user.NewService(userRepo, sessionRepo, accounts, collector),
		dispatcher: dispatcher,
		close: func() {
			dispatcher.Close()
			closePublisher()
		},
	}, nil
}
