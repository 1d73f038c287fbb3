package auth

import (
	"errors"
	"fmt"
)

// ErrorCode はOAuthフロー失敗時にクライアントへ返す機械可読なコード。
type ErrorCode string

const (
	CodeInvalidState          ErrorCode = "invalid_state"
	CodeNoCode                ErrorCode = "no_code"
	CodeNotConfigured         ErrorCode = "not_configured"
	CodeTokenExchangeFailed   ErrorCode = "token_exchange_failed"
	CodeNoEmail               ErrorCode = "no_email"
	CodeUserCreationFailed    ErrorCode = "user_creation_failed"
	CodeSessionRequired       ErrorCode = "session_required"
	CodeIdentityAlreadyLinked ErrorCode = "identity_already_linked"
	CodeOAuthFailed           ErrorCode = "oauth_failed"
)

var (
	// ErrUnauthenticated はセッションが存在しない、期限切れ、またはユーザーが消えたことを表す。
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrLastIdentity は最後のログイン手段を解除しようとしたことを表す。
	ErrLastIdentity = errors.New("cannot unlink last sign-in method")
	// ErrIdentityNotFound は解除対象のidentityが存在しないことを表す。
	ErrIdentityNotFound = errors.New("identity not found")
	// ErrProviderNotFound は未知のprovider keyを表す。
	ErrProviderNotFound = errors.New("provider not found")
	// ErrProviderNotConfigured は認証情報が未設定のproviderを表す。
	ErrProviderNotConfigured = errors.New("provider not configured")

	errNoEmail = errors.New("provider returned no usable email")
)

// FlowError はOAuthフローの失敗を表す。Codeのみがクライアントに渡り、Errはログにだけ出す。
type FlowError struct {
	Code     ErrorCode
	LinkMode bool
	Err      error
}

func (e *FlowError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

func newFlowError(code ErrorCode, err error) *FlowError {
	return &FlowError{Code: code, Err: err}
}

// CodeOf はエラーに対応するErrorCodeを返す。FlowError以外はoauth_failedになる。
func CodeOf(err error) ErrorCode {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeOAuthFailed
}

// IsLinkMode はエラーがlink modeのフローで発生したかを返す。
func IsLinkMode(err error) bool {
	var fe *FlowError
	return errors.As(err, &fe) && fe.LinkMode
}
