package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, account, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodeUserNotFound     = "USER_NOT_FOUND"
	ErrCodeIdentityNotFound = "IDENTITY_NOT_FOUND"
	ErrCodeLastIdentity     = "LAST_IDENTITY"
	ErrCodeMergeSameUser    = "MERGE_SAME_USER"
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeProviderNotFound = "PROVIDER_NOT_FOUND"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeCSRFInvalid      = "CSRF_TOKEN_INVALID"
	ErrCodeRateLimited      = "RATE_LIMIT_EXCEEDED"
)

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作を実行する権限がありません。",
		Category: "auth",
		Action:   "管理者に問い合わせてください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "account",
		Action:   "ユーザーIDを確認してください。",
	}
}

// NewIdentityNotFoundError は指定プロバイダーの連携が存在しない場合のエラーを生成する。
func NewIdentityNotFoundError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeIdentityNotFound,
		Message:  fmt.Sprintf("%s との連携は見つかりません。", provider),
		Category: "account",
		Action:   "連携済みのサインイン方法を確認してください。",
	}
}

// NewLastIdentityError は最後のサインイン方法を解除しようとした場合のエラーを生成する。
func NewLastIdentityError() *APIError {
	return &APIError{
		Code:     ErrCodeLastIdentity,
		Message:  "cannot unlink last sign-in method",
		Category: "account",
		Action:   "別のサインイン方法を連携してから解除してください。",
	}
}

// NewMergeSameUserError は同一ユーザー同士を統合しようとした場合のエラーを生成する。
func NewMergeSameUserError() *APIError {
	return &APIError{
		Code:     ErrCodeMergeSameUser,
		Message:  "同じユーザー同士は統合できません。",
		Category: "validation",
		Action:   "異なる2つのユーザーIDを指定してください。",
	}
}

// NewInvalidRequestError はリクエスト形式が不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewProviderNotFoundError は未知のプロバイダーが指定された場合のエラーを生成する。
func NewProviderNotFoundError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeProviderNotFound,
		Message:  fmt.Sprintf("不明なプロバイダーです: %s", provider),
		Category: "validation",
		Action:   "対応しているプロバイダーを指定してください。",
	}
}

// NewCSRFError はCSRFトークンの検証に失敗した場合のエラーを生成する。
func NewCSRFError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFInvalid,
		Message:  "CSRFトークンの検証に失敗しました。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewRateLimitedError はリクエスト数が上限を超えた場合のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
