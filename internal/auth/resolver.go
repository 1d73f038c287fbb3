package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/tsudoi/internal/events"
	"github.com/hitoshi/tsudoi/internal/model"
	"github.com/hitoshi/tsudoi/internal/repository"
)

// maxResolveAttempts は一意制約違反で解決をやり直す最大回数。
const maxResolveAttempts = 2

// IdentityEventPublisher はidentity連携イベントを非同期に送る。
// 実装は呼び出し元をブロックしてはならない。
type IdentityEventPublisher interface {
	Publish(event events.IdentityLinked)
}

// ResolverConfig はResolverの設定。
type ResolverConfig struct {
	// AdminUsernames はユーザー作成時にadminロールを付与するproviderユーザー名（大文字小文字を区別しない）。
	AdminUsernames []string
}

// Resolver は正規化済みの外部identityをローカルユーザーに対応付ける。
type Resolver struct {
	users      repository.UserRepository
	identities repository.IdentityRepository
	publisher  IdentityEventPublisher
	admins     map[string]struct{}

	group singleflight.Group
	now   func() time.Time
	newID func() string
}

// NewResolver はResolverを生成する。publisherがnilの場合はイベントを送らない。
func NewResolver(users repository.UserRepository, identities repository.IdentityRepository, publisher IdentityEventPublisher, cfg ResolverConfig) *Resolver {
	admins := make(map[string]struct{}, len(cfg.AdminUsernames))
	for _, name := range cfg.AdminUsernames {
		if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
			admins[name] = struct{}{}
		}
	}
	return &Resolver{
		users:      users,
		identities: identities,
		publisher:  publisher,
		admins:     admins,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// ResolveInput はResolveの入力。
type ResolveInput struct {
	Provider    string
	Profile     Profile
	AccessToken string
	// LinkUserID はlink modeの連携先ユーザー。空ならsign-in mode。
	LinkUserID string
	// SessionUserID はリクエストの有効なセッションの持ち主。なければ空。
	SessionUserID string
}

// Resolution はResolveの結果。
type Resolution struct {
	User            *model.User
	Identity        *model.Identity
	UserCreated     bool
	IdentityCreated bool
}

// Resolve はlink modeとsign-in modeの解決アルゴリズムを実行する。
func (r *Resolver) Resolve(ctx context.Context, in ResolveInput) (*Resolution, error) {
	if in.LinkUserID != "" {
		return r.resolveLink(ctx, in)
	}

	// 同じ外部identityの初回ログインが同時に来た場合はプロセス内で1回にまとめる。
	// まとめた処理は最初の呼び出し元の切断では止めない
	key := in.Provider + "\x00" + in.Profile.ExternalID
	shared := context.WithoutCancel(ctx)
	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.resolveSignIn(shared, in)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Resolution), nil
}

func (r *Resolver) resolveLink(ctx context.Context, in ResolveInput) (*Resolution, error) {
	if in.SessionUserID == "" || in.SessionUserID != in.LinkUserID {
		return nil, newFlowError(CodeSessionRequired, errors.New("link target does not match session"))
	}

	existing, err := r.identities.FindByProviderAndProviderUserID(ctx, in.Provider, in.Profile.ExternalID)
	if err != nil {
		return nil, newFlowError(CodeOAuthFailed, err)
	}
	if existing != nil && existing.UserID != in.LinkUserID {
		return nil, newFlowError(CodeIdentityAlreadyLinked, fmt.Errorf("identity owned by %s", existing.UserID))
	}

	user, err := r.users.FindByID(ctx, in.LinkUserID)
	if err != nil {
		return nil, newFlowError(CodeOAuthFailed, err)
	}
	if user == nil {
		return nil, newFlowError(CodeSessionRequired, errors.New("link target user not found"))
	}

	res := &Resolution{User: user}
	if existing != nil {
		res.Identity = existing
		if err := r.refreshIdentity(ctx, existing, in); err != nil {
			return nil, newFlowError(CodeOAuthFailed, err)
		}
	} else {
		owned, err := r.identities.ListByUserID(ctx, user.ID)
		if err != nil {
			return nil, newFlowError(CodeOAuthFailed, err)
		}
		if hasProvider(owned, in.Provider) {
			return nil, newFlowError(CodeIdentityAlreadyLinked, fmt.Errorf("user already has a %s identity", in.Provider))
		}

		identity := r.newIdentity(user.ID, in)
		if err := r.identities.Create(ctx, identity); err != nil {
			if !errors.Is(err, repository.ErrDuplicateIdentity) {
				return nil, newFlowError(CodeOAuthFailed, err)
			}
			// 同時に別のリクエストが作成した。持ち主を確認し直す
			winner, lookupErr := r.identities.FindByProviderAndProviderUserID(ctx, in.Provider, in.Profile.ExternalID)
			if lookupErr != nil {
				return nil, newFlowError(CodeOAuthFailed, lookupErr)
			}
			if winner == nil || winner.UserID != user.ID {
				return nil, newFlowError(CodeIdentityAlreadyLinked, err)
			}
			res.Identity = winner
		} else {
			res.Identity = identity
			res.IdentityCreated = true
		}
	}

	// link modeでは既存のプロフィールを上書きせず、空の項目だけ埋める
	if fillEmptyProfile(user, in.Profile) {
		user.UpdatedAt = r.now()
		if err := r.users.UpdateProfile(ctx, user); err != nil {
			return nil, newFlowError(CodeOAuthFailed, err)
		}
	}

	if res.IdentityCreated {
		r.emitLinked(res.Identity)
	}
	return res, nil
}

func (r *Resolver) resolveSignIn(ctx context.Context, in ResolveInput) (*Resolution, error) {
	for attempt := 1; attempt <= maxResolveAttempts; attempt++ {
		existing, err := r.identities.FindByProviderAndProviderUserID(ctx, in.Provider, in.Profile.ExternalID)
		if err != nil {
			return nil, newFlowError(CodeOAuthFailed, err)
		}
		if existing != nil {
			return r.signInExisting(ctx, existing, in)
		}

		if in.Profile.Email == "" {
			return nil, newFlowError(CodeNoEmail, errors.New("cannot create or auto-link without email"))
		}

		res, err := r.attachOrCreate(ctx, in)
		if errors.Is(err, repository.ErrDuplicateIdentity) {
			slog.Info("identity created concurrently, retrying lookup",
				slog.String("provider", in.Provider),
				slog.Int("attempt", attempt),
			)
			continue
		}
		if err != nil {
			return nil, err
		}
		return res, nil
	}
	return nil, newFlowError(CodeOAuthFailed, errors.New("identity resolution did not converge"))
}

func (r *Resolver) signInExisting(ctx context.Context, identity *model.Identity, in ResolveInput) (*Resolution, error) {
	user, err := r.users.FindByID(ctx, identity.UserID)
	if err != nil {
		return nil, newFlowError(CodeOAuthFailed, err)
	}
	if user == nil {
		return nil, newFlowError(CodeOAuthFailed, fmt.Errorf("owner %s of identity %s not found", identity.UserID, identity.ID))
	}

	if err := r.refreshIdentity(ctx, identity, in); err != nil {
		return nil, newFlowError(CodeOAuthFailed, err)
	}
	if err := r.refreshProfile(ctx, user, in.Profile); err != nil {
		return nil, newFlowError(CodeOAuthFailed, err)
	}
	return &Resolution{User: user, Identity: identity}, nil
}

// attachOrCreate はメールが一致する既存ユーザーにidentityを追加するか、新しいユーザーを作成する。
// 自動連携はproviderがメールを検証済みとした場合だけ行う。
// identityの一意制約違反はrepository.ErrDuplicateIdentityのまま返し、呼び出し側で再検索させる。
func (r *Resolver) attachOrCreate(ctx context.Context, in ResolveInput) (*Resolution, error) {
	if !in.Profile.EmailVerified {
		slog.Info("email not verified by provider, skipping auto-link",
			slog.String("provider", in.Provider),
		)
		return r.createUser(ctx, in)
	}

	user, err := r.users.FindByEmail(ctx, in.Profile.Email)
	if err != nil {
		return nil, newFlowError(CodeOAuthFailed, err)
	}

	if user != nil {
		owned, err := r.identities.ListByUserID(ctx, user.ID)
		if err != nil {
			return nil, newFlowError(CodeOAuthFailed, err)
		}
		// 同じproviderの別アカウントを既に持つユーザーには自動連携しない
		if !hasProvider(owned, in.Provider) {
			identity := r.newIdentity(user.ID, in)
			if err := r.identities.Create(ctx, identity); err != nil {
				if errors.Is(err, repository.ErrDuplicateIdentity) {
					return nil, err
				}
				return nil, newFlowError(CodeOAuthFailed, err)
			}
			if err := r.refreshProfile(ctx, user, in.Profile); err != nil {
				return nil, newFlowError(CodeOAuthFailed, err)
			}

			slog.Info("identity auto-linked by email",
				slog.String("user_id", user.ID),
				slog.String("provider", in.Provider),
			)
			r.emitLinked(identity)
			return &Resolution{User: user, Identity: identity, IdentityCreated: true}, nil
		}
	}

	return r.createUser(ctx, in)
}

func (r *Resolver) createUser(ctx context.Context, in ResolveInput) (*Resolution, error) {
	username := in.Profile.Username
	if username != "" {
		taken, err := r.users.FindByUsername(ctx, username)
		if err != nil {
			return nil, newFlowError(CodeUserCreationFailed, err)
		}
		if taken != nil {
			username = ""
		}
	}

	now := r.now()
	user := &model.User{
		ID:        r.newID(),
		Email:     verifiedEmail(in.Profile),
		Name:      in.Profile.Name,
		AvatarURL: in.Profile.AvatarURL,
		Role:      r.roleFor(in.Profile.Username),
		Username:  username,
		CreatedAt: now,
		UpdatedAt: now,
	}
	identity := r.newIdentity(user.ID, in)

	err := r.users.CreateWithIdentity(ctx, user, identity)
	if errors.Is(err, repository.ErrDuplicateUsername) && user.Username != "" {
		user.Username = ""
		err = r.users.CreateWithIdentity(ctx, user, identity)
	}
	if errors.Is(err, repository.ErrDuplicateIdentity) {
		return nil, err
	}
	if err != nil {
		return nil, newFlowError(CodeUserCreationFailed, err)
	}

	slog.Info("new user created",
		slog.String("user_id", user.ID),
		slog.String("provider", in.Provider),
		slog.String("role", string(user.Role)),
	)
	r.emitLinked(identity)
	return &Resolution{User: user, Identity: identity, UserCreated: true, IdentityCreated: true}, nil
}

func (r *Resolver) roleFor(providerUsername string) model.Role {
	if _, ok := r.admins[strings.ToLower(providerUsername)]; ok && providerUsername != "" {
		return model.RoleAdmin
	}
	return model.RoleMember
}

func (r *Resolver) newIdentity(userID string, in ResolveInput) *model.Identity {
	now := r.now()
	return &model.Identity{
		ID:               r.newID(),
		UserID:           userID,
		Provider:         in.Provider,
		ProviderUserID:   in.Profile.ExternalID,
		ProviderUsername: in.Profile.Username,
		ProviderEmail:    in.Profile.Email,
		AccessToken:      in.AccessToken,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// refreshIdentity はログインのたびにprovider側の値で更新する。空の値では上書きしない。
func (r *Resolver) refreshIdentity(ctx context.Context, identity *model.Identity, in ResolveInput) error {
	if in.Profile.Username != "" {
		identity.ProviderUsername = in.Profile.Username
	}
	if in.Profile.Email != "" {
		identity.ProviderEmail = in.Profile.Email
	}
	if in.AccessToken != "" {
		identity.AccessToken = in.AccessToken
	}
	identity.UpdatedAt = r.now()
	return r.identities.UpdateCredentials(ctx, identity)
}

// refreshProfile はsign-in modeでproviderから得た空でない名前とavatarで上書きする。
func (r *Resolver) refreshProfile(ctx context.Context, user *model.User, p Profile) error {
	changed := false
	if p.Name != "" && p.Name != user.Name {
		user.Name = p.Name
		changed = true
	}
	if p.AvatarURL != "" && p.AvatarURL != user.AvatarURL {
		user.AvatarURL = p.AvatarURL
		changed = true
	}
	if !changed {
		return nil
	}
	user.UpdatedAt = r.now()
	return r.users.UpdateProfile(ctx, user)
}

func fillEmptyProfile(user *model.User, p Profile) bool {
	changed := false
	if user.Name == "" && p.Name != "" {
		user.Name = p.Name
		changed = true
	}
	if user.AvatarURL == "" && p.AvatarURL != "" {
		user.AvatarURL = p.AvatarURL
		changed = true
	}
	return changed
}

func (r *Resolver) emitLinked(identity *model.Identity) {
	if r.publisher == nil {
		return
	}
	r.publisher.Publish(events.IdentityLinked{
		UserID:     identity.UserID,
		Provider:   identity.Provider,
		ExternalID: identity.ProviderUserID,
		At:         r.now(),
	})
}

// verifiedEmail はusers.emailに保存するメールを返す。自動連携で照合されるのは検証済みのメールだけ。
func verifiedEmail(p Profile) string {
	if !p.EmailVerified {
		return ""
	}
	return p.Email
}

func hasProvider(identities []*model.Identity, provider string) bool {
	for _, id := range identities {
		if id.Provider == provider {
			return true
		}
	}
	return false
}
