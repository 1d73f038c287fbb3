package auth

import (
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"strings"

	"github.com/hitoshi/tsudoi/internal/security"
)

// Profile はprovider共通の正規化済みユーザー情報。
type Profile struct {
	ExternalID string
	Email      string
	// EmailVerified はprovider自身がメールの所有を確認済みと示した場合だけtrue。
	// メールによる自動連携とusers.emailへの保存はこれがtrueの場合に限る。
	EmailVerified bool
	Username      string
	Name          string
	AvatarURL     string
}

// Normalizer はproviderから得た生のProfileを保存可能な形に整える。
type Normalizer struct {
	sanitizer security.TextSanitizer
}

// NewNormalizer はNormalizerを生成する。
func NewNormalizer(sanitizer security.TextSanitizer) *Normalizer {
	return &Normalizer{sanitizer: sanitizer}
}

// Normalize はメールを小文字化し、表示名とユーザー名からマークアップを除去する。
// avatarはhttps以外を捨てる。ExternalIDが空の場合はエラーを返す。
func (n *Normalizer) Normalize(p Profile) (Profile, error) {
	out := Profile{
		ExternalID:    strings.TrimSpace(p.ExternalID),
		Email:         strings.ToLower(strings.TrimSpace(p.Email)),
		EmailVerified: p.EmailVerified,
		Username:      n.sanitizer.Sanitize(p.Username),
		Name:          n.sanitizer.Sanitize(p.Name),
		AvatarURL:     normalizeAvatarURL(p.AvatarURL),
	}
	if out.ExternalID == "" {
		return Profile{}, errors.New("provider returned no user id")
	}
	if !strings.Contains(out.Email, "@") {
		out.Email = ""
		out.EmailVerified = false
	}
	return out, nil
}

func normalizeAvatarURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return ""
	}
	return u.String()
}

// lookupPath はドット区切りのパスでネストしたJSONオブジェクトを辿る。
func lookupPath(raw map[string]any, path string) (any, bool) {
	var cur any = raw
	for _, key := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// boolAt はパスの値を真偽値で返す。"true"のような文字列も受け付ける（Appleのid_tokenが使う）。
func boolAt(raw map[string]any, path string) bool {
	v, ok := lookupPath(raw, path)
	if !ok {
		return false
	}
	switch val := v.(type) {
	case bool:
		return val
	case string:
		b, err := strconv.ParseBool(val)
		return err == nil && b
	default:
		return false
	}
}

// stringAt はパスの値を文字列で返す。数値は10進表記にする。
func stringAt(raw map[string]any, path string) string {
	v, ok := lookupPath(raw, path)
	if !ok {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}
