package auth

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	appleAudience = "https://appleid.apple.com"
	// appleSecretLifetime はAppleが許容する最長（6か月）に近い値。
	appleSecretLifetime = 180 * 24 * time.Hour
)

// AppleSecretMinter はAppleのclient secretとして使うES256署名のJWTを生成する。
type AppleSecretMinter struct {
	clientID string
	teamID   string
	keyID    string
	key      *ecdsa.PrivateKey
	now      func() time.Time
}

// NewAppleSecretMinter はPKCS8 PEMの秘密鍵を読み込んでMinterを生成する。
func NewAppleSecretMinter(clientID string, creds AppleCredentials) (*AppleSecretMinter, error) {
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(creds.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse apple private key: %w", err)
	}
	return &AppleSecretMinter{
		clientID: clientID,
		teamID:   creds.TeamID,
		keyID:    creds.KeyID,
		key:      key,
		now:      time.Now,
	}, nil
}

// Mint はトークン交換1回ごとに新しいclient secretを生成する。
func (m *AppleSecretMinter) Mint() (string, error) {
	now := m.now()
	claims := jwt.RegisteredClaims{
		Issuer:    m.teamID,
		Subject:   m.clientID,
		Audience:  jwt.ClaimStrings{appleAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(appleSecretLifetime)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = m.keyID

	signed, err := token.SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign apple client secret: %w", err)
	}
	return signed, nil
}

// appleIDToken はid_tokenから使うクレーム。
type appleIDToken struct {
	Subject       string
	Email         string
	EmailVerified bool
}

// parseAppleIDToken はid_tokenのペイロードからsub、email、email_verifiedを取り出す。
// トークンはAppleのトークンエンドポイントからTLSで直接受け取ったものなので署名は検証しない。
// email_verifiedは真偽値と"true"文字列のどちらでも届く。
func parseAppleIDToken(idToken string) (appleIDToken, error) {
	if idToken == "" {
		return appleIDToken{}, errors.New("missing id_token")
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return appleIDToken{}, fmt.Errorf("failed to decode id_token: %w", err)
	}
	tok := appleIDToken{
		Subject:       stringAt(claims, "sub"),
		Email:         stringAt(claims, "email"),
		EmailVerified: boolAt(claims, "email_verified"),
	}
	if tok.Subject == "" {
		return appleIDToken{}, errors.New("id_token has no subject")
	}
	return tok, nil
}

// appleUser はAppleが初回認可時にだけformの user フィールドで送ってくるJSON。
type appleUser struct {
	Name struct {
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
	} `json:"name"`
	Email string `json:"email"`
}

// parseAppleUser は user フィールドから表示名とメールを取り出す。壊れた値は無視する。
func parseAppleUser(raw string) (name, email string) {
	if strings.TrimSpace(raw) == "" {
		return "", ""
	}
	var u appleUser
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return "", ""
	}
	name = strings.TrimSpace(strings.TrimSpace(u.Name.FirstName) + " " + strings.TrimSpace(u.Name.LastName))
	return name, u.Email
}
