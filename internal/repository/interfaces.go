// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"

	"github.com/hitoshi/tsudoi/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレス（大文字小文字を区別しない）でユーザーを検索する。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// FindByUsername はusernameでユーザーを検索する。見つからない場合はnilを返す。
	FindByUsername(ctx context.Context, username string) (*model.User, error)

	// CreateWithIdentity はユーザーとidentityを同一トランザクションで作成する。
	// 一意制約違反はErrDuplicateIdentityまたはErrDuplicateUsernameでラップして返す。
	CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error

	// UpdateProfile はname、avatar_url、updated_atを更新する。
	UpdateProfile(ctx context.Context, user *model.User) error

	// DeleteByID は指定IDのユーザーを削除する。
	// 関連するidentities、sessions、user_favoritesはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)

	// ListByUserID はユーザーに紐付く全identityを作成順に返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.Identity, error)

	// Create はidentityを作成する。(provider, provider_user_id) の重複はErrDuplicateIdentityを返す。
	Create(ctx context.Context, identity *model.Identity) error

	// UpdateCredentials はprovider_username、provider_email、access_token、updated_atを更新する。
	UpdateCredentials(ctx context.Context, identity *model.Identity) error

	// DeleteUnlessLast はユーザーのidentityが2件以上ある場合に限り、指定providerのidentityを削除する。
	// 件数確認と削除は同一トランザクションで行う。
	// total は削除前のidentity件数、deleted は削除が行われたかを表す。
	DeleteUnlessLast(ctx context.Context, userID, provider string) (total int, deleted bool, err error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れでも返すため、呼び出し側で判定すること。
	// 見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。存在しない場合もエラーにしない。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}

// AccountStore は複数テーブルにまたがるアカウント操作をトランザクションで実行する。
type AccountStore interface {
	// InTx はfnを単一トランザクション内で実行する。fnがエラーを返した場合はロールバックする。
	InTx(ctx context.Context, fn func(tx AccountTx) error) error
}

// AccountTx はトランザクション内で利用できるアカウント操作。
type AccountTx interface {
	// LockUser は指定IDのユーザーを行ロック付きで取得する。見つからない場合はnilを返す。
	LockUser(ctx context.Context, id string) (*model.User, error)

	ListIdentities(ctx context.Context, userID string) ([]*model.Identity, error)
	ReassignIdentity(ctx context.Context, identityID, toUserID string) error

	ListFavorites(ctx context.Context, userID string) ([]*model.Favorite, error)
	// ReassignFavorite はお気に入りを付け替える。toUserIDが同じグループを既に持つ場合は何もせずfalseを返す。
	ReassignFavorite(ctx context.Context, fromUserID, toUserID, groupID string) (bool, error)
	DeleteFavorite(ctx context.Context, userID, groupID string) error

	DeleteSessions(ctx context.Context, userID string) (int64, error)
	DeleteIdentities(ctx context.Context, userID string) (int64, error)
	DeleteFavorites(ctx context.Context, userID string) (int64, error)
	DeleteUser(ctx context.Context, userID string) error
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// queryer は*sql.DBと*sql.Txの共通メソッド。
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
