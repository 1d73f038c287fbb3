// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// Role はユーザーの権限レベルを表す。
type Role string

const (
	// RoleMember は一般ユーザー。
	RoleMember Role = "member"
	// RoleAdmin は管理者。ADMIN_USERNAMESに一致したユーザーに作成時付与される。
	RoleAdmin Role = "admin"
	// RoleSuperAdmin は最上位の管理者。アカウント統合などを実行できる。
	RoleSuperAdmin Role = "super_admin"
)

// ParseRole は文字列をRoleに変換する。未知の値の場合はfalseを返す。
func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleMember:
		return RoleMember, true
	case RoleAdmin:
		return RoleAdmin, true
	case RoleSuperAdmin:
		return RoleSuperAdmin, true
	default:
		return "", false
	}
}

// IsElevated はadmin以上の権限を持つかを返す。
func (r Role) IsElevated() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

// User はサービス利用ユーザーを表す。
// OAuthで作成されたユーザーは常に1件以上のIdentityを持つ。
type User struct {
	ID        string
	Email     string
	Name      string
	AvatarURL string
	Role      Role
	Username  string // 任意。設定されている場合は一意
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Identity は外部IdPアカウントとローカルユーザーの紐付けを表す。
// (Provider, ProviderUserID) の組は全体で一意。
type Identity struct {
	ID               string
	UserID           string
	Provider         string
	ProviderUserID   string
	ProviderUsername string
	ProviderEmail    string
	AccessToken      string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Session はユーザーのログインセッションを表す。
// IDはベアラートークンそのもの。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired は指定時刻においてセッションが期限切れかを返す。
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Favorite はユーザーがお気に入り登録したグループを表す。
type Favorite struct {
	UserID    string
	GroupID   string
	CreatedAt time.Time
}

// MergeResult はアカウント統合の結果を表す。
type MergeResult struct {
	KeepUserID            string `json:"keepUserId"`
	MergedUserID          string `json:"mergedUserId"`
	IdentitiesTransferred int    `json:"identitiesTransferred"`
	IdentitiesSkipped     int    `json:"identitiesSkipped"`
	FavoritesTransferred  int    `json:"favoritesTransferred"`
	FavoritesDropped      int    `json:"favoritesDropped"`
	SessionsRevoked       int    `json:"sessionsRevoked"`
}
