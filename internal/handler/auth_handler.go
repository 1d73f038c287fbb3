// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/tsudoi/internal/auth"
	"github.com/hitoshi/tsudoi/internal/middleware"
	"github.com/hitoshi/tsudoi/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Providers() []*auth.Provider
	Authorize(providerKey, returnTo, linkUserID string) (redirectURL, state string, err error)
	HandleCallback(ctx context.Context, req auth.CallbackRequest) (*auth.CallbackResult, error)
	ListIdentities(ctx context.Context, userID string) ([]*model.Identity, error)
	Logout(ctx context.Context, token string) error
	Unlink(ctx context.Context, userID, provider string) error
	DevLogin(ctx context.Context, role model.Role) (*model.User, *model.Session, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	// FrontendURL はログイン後やエラー時のリダイレクト先となるサイトのルート。
	FrontendURL   string
	BaseURL       string
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
	// DevLoginEnabled はAPP_ENVがproductionでない場合のみtrueにする。
	DevLoginEnabled bool
}

// AuthHandler はOAuth認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

func (h *AuthHandler) cookieConfig() middleware.SessionConfig {
	return middleware.SessionConfig{
		CookieSecure: h.config.CookieSecure,
		CookieDomain: h.config.CookieDomain,
	}
}

type providerResponse struct {
	Key          string `json:"key"`
	Name         string `json:"name"`
	AuthorizeURL string `json:"authorizeUrl"`
}

// Providers は設定済みのproviderを表示順に返す。
// GET /auth/providers
func (h *AuthHandler) Providers(w http.ResponseWriter, r *http.Request) {
	base := strings.TrimRight(h.config.BaseURL, "/")
	providers := h.service.Providers()

	resp := make([]providerResponse, 0, len(providers))
	for _, p := range providers {
		resp = append(resp, providerResponse{
			Key:          p.Key,
			Name:         p.Name,
			AuthorizeURL: base + "/auth/" + p.Key,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": resp})
}

// Authorize はOAuthフローを開始する。
// GET /auth/{provider}?returnTo=...&link=1
func (h *AuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	providerKey := chi.URLParam(r, "provider")
	query := r.URL.Query()
	returnTo := h.safeReturnTo(query.Get("returnTo"))

	linkMode := query.Get("link") == "1"
	var linkUserID string
	if linkMode {
		user, ok := middleware.UserFromContext(r.Context())
		if !ok {
			slog.Warn("link requested without session", slog.String("provider", providerKey))
			http.Redirect(w, r, h.failureURL(true, auth.CodeSessionRequired), http.StatusFound)
			return
		}
		linkUserID = user.ID
	}

	redirectURL, state, err := h.service.Authorize(providerKey, returnTo, linkUserID)
	switch {
	case errors.Is(err, auth.ErrProviderNotFound):
		middleware.WriteAPIError(w, model.NewProviderNotFoundError(providerKey))
		return
	case errors.Is(err, auth.ErrProviderNotConfigured):
		slog.Warn("provider not configured", slog.String("provider", providerKey))
		http.Redirect(w, r, h.failureURL(linkMode, auth.CodeNotConfigured), http.StatusFound)
		return
	case err != nil:
		slog.Error("failed to start oauth flow",
			slog.String("provider", providerKey),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.StateCookieName,
		Value:    state,
		Path:     "/",
		MaxAge:   auth.StateMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// Callback はGETで返されるOAuthコールバックを処理する。
// GET /auth/{provider}/callback?code=xxx&state=yyy
// Appleの場合はAppleCallbackから転送された user も受け取る。
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	req := auth.CallbackRequest{
		Provider: chi.URLParam(r, "provider"),
		Code:     query.Get("code"),
		State:    query.Get("state"),
	}
	if req.Provider == "apple" {
		req.AppleUser = query.Get("user")
	}
	h.finishCallback(w, r, req)
}

// AppleCallback はAppleのform_postコールバックを受け、同じサイトのGETに303で転送する。
// クロスサイトのPOSTにはLaxのCookieが付かないため、state検証とセッション確認はGET側で行う。
// POST /auth/apple/callback (code, state, user)
func (h *AuthHandler) AppleCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Warn("failed to parse apple callback form", slog.String("error", err.Error()))
	}
	q := url.Values{}
	for _, key := range []string{"code", "state", "user", "error"} {
		if v := r.PostForm.Get(key); v != "" {
			q.Set(key, v)
		}
	}
	target := strings.TrimRight(h.config.BaseURL, "/") + "/auth/apple/callback"
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (h *AuthHandler) finishCallback(w http.ResponseWriter, r *http.Request, req auth.CallbackRequest) {
	// state Cookieは結果にかかわらず最初に削除する
	if cookie, err := r.Cookie(auth.StateCookieName); err == nil {
		req.StateCookie = cookie.Value
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.StateCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	if cookie, err := r.Cookie(auth.SessionCookieName); err == nil {
		req.SessionToken = cookie.Value
	}

	// 失敗のログはサービス側で出す
	result, err := h.service.HandleCallback(r.Context(), req)
	if err != nil {
		http.Redirect(w, r, h.failureURL(auth.IsLinkMode(err), auth.CodeOf(err)), http.StatusFound)
		return
	}

	if result.Session != nil {
		middleware.SetSessionCookie(w, result.Session, h.config.SessionMaxAge, h.cookieConfig())
	}

	if result.LinkMode {
		http.Redirect(w, r, h.frontendPath("/profile"), http.StatusFound)
		return
	}
	http.Redirect(w, r, h.successURL(result.ReturnTo), http.StatusFound)
}

type identityResponse struct {
	Provider         string    `json:"provider"`
	ProviderUsername string    `json:"providerUsername,omitempty"`
	ProviderEmail    string    `json:"providerEmail,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

type meResponse struct {
	ID         string             `json:"id"`
	Email      string             `json:"email"`
	Name       string             `json:"name"`
	AvatarURL  string             `json:"avatarUrl,omitempty"`
	Username   string             `json:"username,omitempty"`
	Role       model.Role         `json:"role"`
	CreatedAt  time.Time          `json:"createdAt"`
	Identities []identityResponse `json:"identities"`
}

// Me は現在のログインユーザー情報を返す。未ログインでも200で {"user":null} を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"user": nil})
		return
	}

	identities, err := h.service.ListIdentities(r.Context(), user.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := meResponse{
		ID:         user.ID,
		Email:      user.Email,
		Name:       user.Name,
		AvatarURL:  user.AvatarURL,
		Username:   user.Username,
		Role:       user.Role,
		CreatedAt:  user.CreatedAt,
		Identities: make([]identityResponse, 0, len(identities)),
	}
	for _, ident := range identities {
		resp.Identities = append(resp.Identities, identityResponse{
			Provider:         ident.Provider,
			ProviderUsername: ident.ProviderUsername,
			ProviderEmail:    ident.ProviderEmail,
			CreatedAt:        ident.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": resp})
}

// Logout はセッションを破棄する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(auth.SessionCookieName)
	if err == nil && cookie.Value != "" {
		if logoutErr := h.service.Logout(r.Context(), cookie.Value); logoutErr != nil {
			slog.Error("failed to logout", slog.String("error", logoutErr.Error()))
			// ログアウト失敗してもCookieはクリアする
		}
	}

	middleware.ClearSessionCookie(w, h.cookieConfig())
	http.Redirect(w, r, h.frontendPath(""), http.StatusFound)
}

// Unlink は指定providerとの連携を解除する。
// DELETE /auth/identities/{provider}
func (h *AuthHandler) Unlink(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteAPIError(w, model.NewUnauthorizedError())
		return
	}
	provider := chi.URLParam(r, "provider")

	err = h.service.Unlink(r.Context(), userID, provider)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, auth.ErrLastIdentity):
		middleware.WriteAPIError(w, model.NewLastIdentityError())
	case errors.Is(err, auth.ErrIdentityNotFound):
		middleware.WriteAPIError(w, model.NewIdentityNotFoundError(provider))
	default:
		handleServiceError(w, err)
	}
}

// Dev はOAuthを経由しない開発用ログイン。ローカルホスト以外では404を返す。
// POST /auth/dev (role=member|admin|super_admin)
func (h *AuthHandler) Dev(w http.ResponseWriter, r *http.Request) {
	if !h.config.DevLoginEnabled || !isLocalHost(r.Host) {
		http.NotFound(w, r)
		return
	}

	if err := r.ParseForm(); err != nil {
		middleware.WriteAPIError(w, model.NewInvalidRequestError("invalid form"))
		return
	}
	role := model.RoleMember
	if raw := r.PostForm.Get("role"); raw != "" {
		parsed, ok := model.ParseRole(raw)
		if !ok {
			middleware.WriteAPIError(w, model.NewInvalidRequestError("unknown role"))
			return
		}
		role = parsed
	}

	_, session, err := h.service.DevLogin(r.Context(), role)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	middleware.SetSessionCookie(w, session, h.config.SessionMaxAge, h.cookieConfig())
	http.Redirect(w, r, h.frontendPath(""), http.StatusFound)
}

// frontendPath はFRONTEND_URLにパスを連結する。
func (h *AuthHandler) frontendPath(path string) string {
	base := strings.TrimRight(h.config.FrontendURL, "/")
	if path == "" {
		if base == "" {
			return "/"
		}
		return base + "/"
	}
	return base + path
}

// failureURL はフロー失敗時のリダイレクト先を返す。link modeの失敗はプロフィール画面に戻す。
func (h *AuthHandler) failureURL(linkMode bool, code auth.ErrorCode) string {
	path := "/login"
	if linkMode {
		path = "/profile"
	}
	return h.frontendPath(path) + "?error=" + url.QueryEscape(string(code))
}

// successURL はサインイン成功時のリダイレクト先を返す。
func (h *AuthHandler) successURL(returnTo string) string {
	switch safe := h.safeReturnTo(returnTo); {
	case safe == "":
		return h.frontendPath("")
	case strings.HasPrefix(safe, "/"):
		return h.frontendPath(safe)
	default:
		return safe
	}
}

// safeReturnTo は同一サイトのreturnToだけを残す。
// 相対パス（//や/\で始まるものは除く）か、FRONTEND_URLのホストまたはCookieドメイン配下の絶対URLのみ許可する。
func (h *AuthHandler) safeReturnTo(raw string) string {
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(raw, "/") {
		if strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
			return ""
		}
		return raw
	}

	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.User != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return ""
	}

	if frontend, err := url.Parse(h.config.FrontendURL); err == nil && host == strings.ToLower(frontend.Hostname()) {
		return raw
	}
	domain := strings.TrimPrefix(strings.ToLower(h.config.CookieDomain), ".")
	if domain != "" && (host == domain || strings.HasSuffix(host, "."+domain)) {
		return raw
	}
	return ""
}

// isLocalHost はHostヘッダーがローカル開発環境を指しているかを返す。
func isLocalHost(hostport string) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = strings.ToLower(strings.Trim(host, "[]"))
	return host == "localhost" || host == "127.0.0.1" || host == "::1" || strings.HasSuffix(host, ".localhost")
}
