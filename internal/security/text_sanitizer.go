package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// maxProfileTextRunes はIdPから受け取る表示名・ユーザー名の最大文字数。
const maxProfileTextRunes = 200

// TextSanitizer はIdPから受け取ったプロフィール文字列をプレーンテキストに正規化する。
type TextSanitizer interface {
	// Sanitize は全てのHTMLタグを除去し、空白を1つにまとめてトリムする。
	// script/styleの中身は捨てる。結果はmaxProfileTextRunes文字で切り詰める。
	Sanitize(raw string) string
}

type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はbluemondayのStrictPolicyを使うTextSanitizerを生成する。
func NewTextSanitizer() TextSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

func (s *textSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}

	// StrictPolicyは文字参照をエスケープして返すため、保存前にプレーンテキストへ戻す
	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.Join(strings.Fields(text), " ")

	if utf8.RuneCountInString(text) > maxProfileTextRunes {
		runes := []rune(text)
		text = strings.TrimSpace(string(runes[:maxProfileTextRunes]))
	}
	return text
}
