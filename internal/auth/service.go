// Package auth はOAuthログイン、identity連携、セッション管理を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/tsudoi/internal/model"
	"github.com/hitoshi/tsudoi/internal/repository"
)

// devProvider は開発用ログインで作るidentityのprovider key。
const devProvider = "dev"

// LoginRecorder はログイン結果とprovider通信時間を記録する。
type LoginRecorder interface {
	RecordLogin(provider, result string)
	ObserveProviderRequest(provider, step string, d time.Duration)
}

type nopLoginRecorder struct{}

func (nopLoginRecorder) RecordLogin(string, string)                           {}
func (nopLoginRecorder) ObserveProviderRequest(string, string, time.Duration) {}

// ServiceDeps はServiceの依存。
type ServiceDeps struct {
	Registry   *Registry
	HTTPClient *http.Client
	Normalizer *Normalizer
	Resolver   *Resolver
	Sessions   *SessionManager
	Users      repository.UserRepository
	Identities repository.IdentityRepository
	Recorder   LoginRecorder
}

// Service はOAuthフロー全体を組み立てる。
type Service struct {
	registry   *Registry
	client     *http.Client
	exchanger  *Exchanger
	normalizer *Normalizer
	resolver   *Resolver
	sessions   *SessionManager
	users      repository.UserRepository
	identities repository.IdentityRepository
	recorder   LoginRecorder
	now        func() time.Time
}

// NewService はServiceを生成する。
func NewService(deps ServiceDeps) *Service {
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = nopLoginRecorder{}
	}
	return &Service{
		registry:   deps.Registry,
		client:     client,
		exchanger:  NewExchanger(client),
		normalizer: deps.Normalizer,
		resolver:   deps.Resolver,
		sessions:   deps.Sessions,
		users:      deps.Users,
		identities: deps.Identities,
		recorder:   recorder,
		now:        time.Now,
	}
}

// Providers は設定済みproviderを表示順に返す。
func (s *Service) Providers() []*Provider {
	return s.registry.Configured()
}

// Sessions はSessionManagerを返す。
func (s *Service) Sessions() *SessionManager {
	return s.sessions
}

// Authorize はstateを発行し、providerの認可URLを返す。
// 返したstateは呼び出し側でCookieにも保存すること。
func (s *Service) Authorize(providerKey, returnTo, linkUserID string) (redirectURL, state string, err error) {
	p, ok := s.registry.Get(providerKey)
	if !ok {
		return "", "", ErrProviderNotFound
	}
	if !p.Configured() {
		return "", "", ErrProviderNotConfigured
	}

	nonce, err := NewCSRFNonce()
	if err != nil {
		return "", "", err
	}
	state, err = EncodeState(State{
		CSRF:       nonce,
		ReturnTo:   returnTo,
		LinkUserID: linkUserID,
		Provider:   p.Key,
	})
	if err != nil {
		return "", "", err
	}
	return p.AuthCodeURL(state), state, nil
}

// CallbackRequest はproviderからのコールバックの内容。
type CallbackRequest struct {
	Provider     string
	Code         string
	State        string
	StateCookie  string
	SessionToken string
	// AppleUser はAppleのform_postに含まれる user フィールド（初回のみ）。
	AppleUser string
}

// CallbackResult はコールバック処理の結果。
type CallbackResult struct {
	User *model.User
	// Session はsign-in modeで新しく発行したセッション。link modeではnil。
	Session  *model.Session
	LinkMode bool
	ReturnTo string
}

// HandleCallback はstate検証、コード交換、プロフィール取得、ユーザー解決、セッション発行を順に行う。
// 失敗は常に*FlowErrorで返す。
func (s *Service) HandleCallback(ctx context.Context, req CallbackRequest) (*CallbackResult, error) {
	res, err := s.handleCallback(ctx, req)
	if err != nil {
		code := CodeOf(err)
		s.recorder.RecordLogin(req.Provider, string(code))
		slog.Warn("oauth callback failed",
			slog.String("provider", req.Provider),
			slog.String("code", string(code)),
			slog.Bool("link_mode", IsLinkMode(err)),
			slog.String("error", err.Error()),
		)
		var fe *FlowError
		if !errors.As(err, &fe) {
			err = newFlowError(CodeOAuthFailed, err)
		}
		return nil, err
	}

	result := "signed_in"
	if res.LinkMode {
		result = "linked"
	}
	s.recorder.RecordLogin(req.Provider, result)
	return res, nil
}

func (s *Service) handleCallback(ctx context.Context, req CallbackRequest) (*CallbackResult, error) {
	state, err := VerifyState(req.State, req.StateCookie, req.Provider)
	if err != nil {
		return nil, newFlowError(CodeInvalidState, err)
	}

	linkMode := state.LinkUserID != ""
	fail := func(code ErrorCode, err error) error {
		return &FlowError{Code: code, LinkMode: linkMode, Err: err}
	}

	p, ok := s.registry.Get(req.Provider)
	if !ok || !p.Configured() {
		return nil, fail(CodeNotConfigured, fmt.Errorf("provider %q is not configured", req.Provider))
	}
	if req.Code == "" {
		return nil, fail(CodeNoCode, errors.New("authorization code missing"))
	}

	var sessionUserID string
	if linkMode {
		user, err := s.sessions.Validate(ctx, req.SessionToken)
		if err != nil {
			return nil, fail(CodeSessionRequired, err)
		}
		if user.ID != state.LinkUserID {
			return nil, fail(CodeSessionRequired, errors.New("session user does not match link target"))
		}
		sessionUserID = user.ID
	}

	raw, accessToken, err := s.fetchProfile(ctx, p, req)
	if err != nil {
		var fe *FlowError
		if errors.As(err, &fe) {
			fe.LinkMode = linkMode
			return nil, fe
		}
		return nil, fail(CodeOAuthFailed, err)
	}

	profile, err := s.normalizer.Normalize(raw)
	if err != nil {
		return nil, fail(CodeOAuthFailed, err)
	}

	resolution, err := s.resolver.Resolve(ctx, ResolveInput{
		Provider:      p.Key,
		Profile:       profile,
		AccessToken:   accessToken,
		LinkUserID:    state.LinkUserID,
		SessionUserID: sessionUserID,
	})
	if err != nil {
		var fe *FlowError
		if errors.As(err, &fe) {
			fe.LinkMode = linkMode
			return nil, fe
		}
		return nil, fail(CodeOAuthFailed, err)
	}

	if linkMode {
		slog.Info("identity linked",
			slog.String("user_id", resolution.User.ID),
			slog.String("provider", p.Key),
			slog.Bool("created", resolution.IdentityCreated),
		)
		return &CallbackResult{User: resolution.User, LinkMode: true}, nil
	}

	session, err := s.sessions.Issue(ctx, resolution.User.ID)
	if err != nil {
		return nil, fail(CodeOAuthFailed, err)
	}

	slog.Info("user signed in",
		slog.String("user_id", resolution.User.ID),
		slog.String("provider", p.Key),
		slog.Bool("user_created", resolution.UserCreated),
	)
	return &CallbackResult{User: resolution.User, Session: session, ReturnTo: state.ReturnTo}, nil
}

// fetchProfile はproviderの種別に応じてコード交換とプロフィール取得を行う。
func (s *Service) fetchProfile(ctx context.Context, p *Provider, req CallbackRequest) (Profile, string, error) {
	tr := TokenRequest{
		TokenURL:     p.TokenURL,
		Encoding:     p.TokenEncoding,
		TokenPath:    p.TokenPath,
		ClientID:     p.Credentials.ClientID,
		ClientSecret: p.Credentials.ClientSecret,
		RedirectURL:  p.Credentials.RedirectURL,
		Code:         req.Code,
	}

	if p.Kind == KindApple {
		minter, err := NewAppleSecretMinter(p.Credentials.ClientID, p.Apple)
		if err != nil {
			return Profile{}, "", newFlowError(CodeTokenExchangeFailed, err)
		}
		secret, err := minter.Mint()
		if err != nil {
			return Profile{}, "", newFlowError(CodeTokenExchangeFailed, err)
		}
		tr.ClientSecret = secret
	}

	started := s.now()
	token, err := s.exchanger.Exchange(ctx, tr)
	s.recorder.ObserveProviderRequest(p.Key, "token", s.now().Sub(started))
	if err != nil {
		return Profile{}, "", newFlowError(CodeTokenExchangeFailed, err)
	}

	started = s.now()
	defer func() {
		if p.Kind != KindApple {
			s.recorder.ObserveProviderRequest(p.Key, "userinfo", s.now().Sub(started))
		}
	}()

	switch p.Kind {
	case KindGitHub:
		profile, err := fetchGitHubProfile(ctx, s.client, p, token.AccessToken)
		if errors.Is(err, errNoEmail) {
			return Profile{}, "", newFlowError(CodeNoEmail, err)
		}
		if err != nil {
			return Profile{}, "", newFlowError(CodeOAuthFailed, err)
		}
		return profile, token.AccessToken, nil

	case KindApple:
		idToken, _ := token.Raw["id_token"].(string)
		claims, err := parseAppleIDToken(idToken)
		if err != nil {
			return Profile{}, "", newFlowError(CodeOAuthFailed, err)
		}
		name, userEmail := parseAppleUser(req.AppleUser)
		profile := Profile{
			ExternalID:    claims.Subject,
			Email:         claims.Email,
			EmailVerified: claims.Email != "" && claims.EmailVerified,
			Name:          name,
		}
		// userフィールドはブラウザ経由で届くため、メールは未検証の扱いにする
		if profile.Email == "" {
			profile.Email = userEmail
		}
		return profile, token.AccessToken, nil

	default:
		headers := bearer(token.AccessToken)
		if p.UserInfoHeaders != nil {
			headers = p.UserInfoHeaders(token.AccessToken)
		}
		httpReq, err := newUserInfoRequest(ctx, p.UserInfoMethod, p.UserInfoURL, headers)
		if err != nil {
			return Profile{}, "", newFlowError(CodeOAuthFailed, err)
		}
		raw, err := doJSON(s.client, httpReq)
		if err != nil {
			return Profile{}, "", newFlowError(CodeOAuthFailed, fmt.Errorf("failed to fetch user info: %w", err))
		}
		if msg := stringAt(raw, "error"); msg != "" {
			return Profile{}, "", newFlowError(CodeOAuthFailed, fmt.Errorf("user info error: %s", msg))
		}
		if p.Profile == nil {
			return Profile{}, "", newFlowError(CodeOAuthFailed, fmt.Errorf("provider %q has no profile mapping", p.Key))
		}
		return p.Profile(raw), token.AccessToken, nil
	}
}

// ListIdentities はユーザーの連携済みidentityを作成順に返す。
func (s *Service) ListIdentities(ctx context.Context, userID string) ([]*model.Identity, error) {
	identities, err := s.identities.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}
	return identities, nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, token string) error {
	if err := s.sessions.Revoke(ctx, token); err != nil {
		return err
	}
	slog.Info("user logged out")
	return nil
}

// Unlink はユーザーから指定providerのidentityを外す。
// 最後のidentityは外せない（ErrLastIdentity）。件数の判定を先に行う。
func (s *Service) Unlink(ctx context.Context, userID, provider string) error {
	total, deleted, err := s.identities.DeleteUnlessLast(ctx, userID, provider)
	if err != nil {
		return fmt.Errorf("failed to unlink identity: %w", err)
	}
	if total <= 1 {
		return ErrLastIdentity
	}
	if !deleted {
		return ErrIdentityNotFound
	}

	slog.Info("identity unlinked",
		slog.String("user_id", userID),
		slog.String("provider", provider),
	)
	return nil
}

// DevLogin はOAuthを経由せずにロール別の開発用ユーザーでセッションを発行する。
// 呼び出し可否の判定はハンドラー側で行う。
func (s *Service) DevLogin(ctx context.Context, role model.Role) (*model.User, *model.Session, error) {
	user, err := s.devUser(ctx, role)
	if err != nil {
		return nil, nil, err
	}
	session, err := s.sessions.Issue(ctx, user.ID)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("dev login", slog.String("user_id", user.ID), slog.String("role", string(role)))
	return user, session, nil
}

func (s *Service) devUser(ctx context.Context, role model.Role) (*model.User, error) {
	for attempt := 1; attempt <= maxResolveAttempts; attempt++ {
		identity, err := s.identities.FindByProviderAndProviderUserID(ctx, devProvider, string(role))
		if err != nil {
			return nil, err
		}
		if identity != nil {
			user, err := s.users.FindByID(ctx, identity.UserID)
			if err != nil {
				return nil, err
			}
			if user == nil {
				return nil, fmt.Errorf("dev user %s not found", identity.UserID)
			}
			return user, nil
		}

		now := s.now()
		user := &model.User{
			ID:        uuid.NewString(),
			Email:     "dev-" + string(role) + "@localhost",
			Name:      "Dev " + string(role),
			Role:      role,
			CreatedAt: now,
			UpdatedAt: now,
		}
		identity = &model.Identity{
			ID:             uuid.NewString(),
			UserID:         user.ID,
			Provider:       devProvider,
			ProviderUserID: string(role),
			ProviderEmail:  user.Email,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		err = s.users.CreateWithIdentity(ctx, user, identity)
		if errors.Is(err, repository.ErrDuplicateIdentity) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create dev user: %w", err)
		}
		return user, nil
	}
	return nil, errors.New("failed to resolve dev user")
}
