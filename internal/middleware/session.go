// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/tsudoi/internal/auth"
	"github.com/hitoshi/tsudoi/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// userContextKey はリクエストコンテキストに認証済みユーザーを格納するためのキー。
var userContextKey = contextKey("user")

// SessionValidator はセッショントークンからユーザーを解決する。
// auth.SessionManagerが実装する。
type SessionValidator interface {
	Validate(ctx context.Context, token string) (*model.User, error)
}

// SessionConfig はセッションミドルウェアの設定。
type SessionConfig struct {
	CookieSecure bool
	CookieDomain string
}

// NewSessionMiddleware はsession_id Cookieを検証し、ユーザーをコンテキストに注入するミドルウェアを返す。
// 未認証リクエストには401を返す。期限切れなど無効なCookieは削除する。
func NewSessionMiddleware(validator SessionValidator, config SessionConfig) func(next http.Handler) http.Handler {
	return sessionMiddleware(validator, config, true)
}

// NewOptionalSessionMiddleware は未認証でも次のハンドラーに進むセッションミドルウェアを返す。
// /auth/me のように匿名アクセスを正常系として扱うエンドポイントで使う。
func NewOptionalSessionMiddleware(validator SessionValidator, config SessionConfig) func(next http.Handler) http.Handler {
	return sessionMiddleware(validator, config, false)
}

func sessionMiddleware(validator SessionValidator, config SessionConfig, required bool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var token string
			if cookie, err := r.Cookie(auth.SessionCookieName); err == nil {
				token = cookie.Value
			}

			user, err := validator.Validate(r.Context(), token)
			switch {
			case err == nil:
				next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
				return
			case errors.Is(err, auth.ErrUnauthenticated):
				if token != "" {
					ClearSessionCookie(w, config)
				}
			default:
				slog.Error("failed to validate session",
					slog.String("error", err.Error()),
				)
				if required {
					WriteInternalServerError(w)
					return
				}
			}

			if required {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewRequireRoleMiddleware は指定ロールのいずれかを持つユーザーのみ通すミドルウェアを返す。
// セッションミドルウェアの後に配置すること。
func NewRequireRoleMiddleware(roles ...model.Role) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := UserFromContext(r.Context())
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			for _, role := range roles {
				if user.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			slog.Warn("forbidden",
				slog.String("user_id", user.ID),
				slog.String("role", string(user.Role)),
				slog.String("path", r.URL.Path),
			)
			WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
		})
	}
}

// SetSessionCookie はセッションCookieを設定する。
func SetSessionCookie(w http.ResponseWriter, session *model.Session, maxAgeSeconds int, config SessionConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    session.ID,
		Path:     "/",
		Domain:   config.CookieDomain,
		MaxAge:   maxAgeSeconds,
		HttpOnly: true,
		Secure:   config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie はセッションCookieを削除する。
func ClearSessionCookie(w http.ResponseWriter, config SessionConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// UserFromContext はリクエストコンテキストから認証済みユーザーを取得する。
func UserFromContext(ctx context.Context) (*model.User, bool) {
	user, ok := ctx.Value(userContextKey).(*model.User)
	return user, ok && user != nil
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	user, ok := UserFromContext(ctx)
	if !ok || user.ID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return user.ID, nil
}

// ContextWithUser はコンテキストにユーザーを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUser(ctx context.Context, user *model.User) context.Context {
	if holder, ok := ctx.Value(userHolderContextKey).(*userHolder); ok && user != nil {
		holder.userID = user.ID
	}
	return context.WithValue(ctx, userContextKey, user)
}

// userHolderContextKey はアクセスログ用にユーザーIDを受け渡す箱のキー。
var userHolderContextKey = contextKey("user_holder")

type userHolder struct {
	userID string
}

func contextWithUserHolder(ctx context.Context, holder *userHolder) context.Context {
	return context.WithValue(ctx, userHolderContextKey, holder)
}
