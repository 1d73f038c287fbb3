package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// StateCookieName はOAuth stateを保持するCookie名。
const StateCookieName = "oauth_state"

// StateMaxAge はstate Cookieの有効期間（秒）。
const StateMaxAge = 600

var errInvalidState = errors.New("invalid oauth state")

// State はOAuth stateパラメータとCookieの両方で往復させる値。
// 署名は持たず、同じレスポンスで発行したCookieのコピーと一致することだけで正当性を判断する。
type State struct {
	CSRF       string `json:"c"`
	ReturnTo   string `json:"r,omitempty"`
	LinkUserID string `json:"l,omitempty"`
	Provider   string `json:"p,omitempty"`
}

// NewCSRFNonce は16バイトの乱数を16進文字列で返す。
func NewCSRFNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate csrf nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// EncodeState はStateをbase64url（パディングなし）のJSONにする。
func EncodeState(s State) (string, error) {
	if s.CSRF == "" {
		return "", errors.New("csrf nonce is required")
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DecodeState はEncodeStateの逆変換。
func DecodeState(token string) (*State, error) {
	if token == "" {
		return nil, errInvalidState
	}
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidState, err)
	}
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidState, err)
	}
	if s.CSRF == "" {
		return nil, fmt.Errorf("%w: empty nonce", errInvalidState)
	}
	return &s, nil
}

// VerifyState はコールバックで受け取ったstateとCookieの値を照合する。
// どちらかが欠けている、デコードできない、nonceが一致しない、
// またはstateに記録されたproviderがコールバック先と異なる場合は失敗する。
// 返すStateはCookie側のコピー。
func VerifyState(received, cookie, provider string) (*State, error) {
	fromParam, err := DecodeState(received)
	if err != nil {
		return nil, err
	}
	fromCookie, err := DecodeState(cookie)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(fromParam.CSRF), []byte(fromCookie.CSRF)) != 1 {
		return nil, fmt.Errorf("%w: nonce mismatch", errInvalidState)
	}
	if fromCookie.Provider != "" && fromCookie.Provider != provider {
		return nil, fmt.Errorf("%w: provider mismatch", errInvalidState)
	}
	return fromCookie, nil
}
