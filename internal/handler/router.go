package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/tsudoi/internal/middleware"
	"github.com/hitoshi/tsudoi/internal/model"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	HealthChecker      HealthChecker
	SessionValidator   middleware.SessionValidator
	CORSAllowedOrigins []string
	RateLimiter        *middleware.RateLimiter
	Logger             *slog.Logger

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// ユーザー
	UserService UserServiceInterface
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Recovery → SecurityHeaders → Logging → CORS → routes
//
// /auth のフローには送信元IPごとのレート制限を、/api にはセッション必須とCSRF検証を適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cookie := middleware.SessionConfig{
		CookieSecure: deps.AuthConfig.CookieSecure,
		CookieDomain: deps.AuthConfig.CookieDomain,
	}
	csrf := middleware.CSRFConfig{
		CookieSecure: deps.AuthConfig.CookieSecure,
		CookieDomain: deps.AuthConfig.CookieDomain,
	}
	requireSession := middleware.NewSessionMiddleware(deps.SessionValidator, cookie)
	optionalSession := middleware.NewOptionalSessionMiddleware(deps.SessionValidator, cookie)

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.AuthConfig.CookieSecure))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigins))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	userHandler := NewUserHandler(deps.UserService, cookie)

	r.Get("/health", NewHealthHandler(deps.HealthChecker))

	r.Route("/auth", func(r chi.Router) {
		r.Get("/providers", authHandler.Providers)
		r.With(optionalSession).Get("/me", authHandler.Me)
		r.Post("/logout", authHandler.Logout)
		r.With(requireSession, middleware.NewCSRFMiddleware(csrf)).
			Delete("/identities/{provider}", authHandler.Unlink)

		// OAuthフロー（レート制限付き）
		r.Group(func(r chi.Router) {
			if deps.RateLimiter != nil {
				r.Use(deps.RateLimiter.Middleware())
			}
			r.Post("/dev", authHandler.Dev)
			r.Post("/apple/callback", authHandler.AppleCallback)
			r.With(optionalSession).Get("/{provider}", authHandler.Authorize)
			r.Get("/{provider}/callback", authHandler.Callback)
		})
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → CSRF
	r.Route("/api", func(r chi.Router) {
		r.Use(requireSession)
		r.Use(middleware.NewCSRFMiddleware(csrf))

		r.Method(http.MethodGet, "/csrf-token", middleware.NewCSRFTokenHandler(csrf))
		r.Delete("/users/me", userHandler.Withdraw)

		r.With(middleware.NewRequireRoleMiddleware(model.RoleSuperAdmin)).
			Post("/admin/users/merge", userHandler.Merge)
	})

	return r
}
