package auth

import (
	"net/http"
	"net/url"
)

// BuiltinDescriptors は対応する全providerの定義を返す。
// 各テストはURLを差し替えたコピーを使う。
func BuiltinDescriptors() []Descriptor {
	return []Descriptor{
		{
			Key:            "github",
			Name:           "GitHub",
			Kind:           KindGitHub,
			Order:          10,
			AuthURL:        "https://github.com/login/oauth/authorize",
			TokenURL:       "https://github.com/login/oauth/access_token",
			UserInfoURL:    "https://api.github.com/user",
			UserInfoMethod: http.MethodGet,
			EmailsURL:      "https://api.github.com/user/emails",
			Scopes:         []string{"read:user", "user:email"},
			TokenEncoding:  EncodingForm,
			UserInfoHeaders: func(token string) http.Header {
				h := bearer(token)
				h.Set("Accept", "application/vnd.github+json")
				h.Set("X-GitHub-Api-Version", "2022-11-28")
				return h
			},
		},
		{
			Key:           "apple",
			Name:          "Apple",
			Kind:          KindApple,
			Order:         20,
			AuthURL:       "https://appleid.apple.com/auth/authorize",
			TokenURL:      "https://appleid.apple.com/auth/token",
			Scopes:        []string{"name", "email"},
			AuthParams:    url.Values{"response_mode": {"form_post"}},
			TokenEncoding: EncodingForm,
		},
		{
			Key:            "google",
			Name:           "Google",
			Kind:           KindGeneric,
			Order:          30,
			AuthURL:        "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL:       "https://oauth2.googleapis.com/token",
			UserInfoURL:    "https://openidconnect.googleapis.com/v1/userinfo",
			UserInfoMethod: http.MethodGet,
			Scopes:         []string{"openid", "email", "profile"},
			TokenEncoding:  EncodingForm,
			Profile:        oidcProfile,
		},
		{
			Key:            "linkedin",
			Name:           "LinkedIn",
			Kind:           KindGeneric,
			Order:          40,
			AuthURL:        "https://www.linkedin.com/oauth/v2/authorization",
			TokenURL:       "https://www.linkedin.com/oauth/v2/accessToken",
			UserInfoURL:    "https://api.linkedin.com/v2/userinfo",
			UserInfoMethod: http.MethodGet,
			Scopes:         []string{"openid", "profile", "email"},
			TokenEncoding:  EncodingForm,
			Profile:        oidcProfile,
		},
		{
			Key:            "slack",
			Name:           "Slack",
			Kind:           KindGeneric,
			Order:          50,
			AuthURL:        "https://slack.com/oauth/v2/authorize",
			TokenURL:       "https://slack.com/api/oauth.v2.access",
			UserInfoURL:    "https://slack.com/api/users.identity",
			UserInfoMethod: http.MethodGet,
			Scopes:         []string{"identity.basic", "identity.email", "identity.avatar"},
			ScopeParam:     "user_scope",
			ScopeSeparator: ",",
			TokenEncoding:  EncodingForm,
			TokenPath:      "authed_user.access_token",
			Profile:        slackProfile,
		},
		{
			Key:            "discord",
			Name:           "Discord",
			Kind:           KindGeneric,
			Order:          60,
			AuthURL:        "https://discord.com/oauth2/authorize",
			TokenURL:       "https://discord.com/api/oauth2/token",
			UserInfoURL:    "https://discord.com/api/users/@me",
			UserInfoMethod: http.MethodGet,
			Scopes:         []string{"identify", "email"},
			TokenEncoding:  EncodingForm,
			Profile:        discordProfile,
		},
		{
			Key:            "atlassian",
			Name:           "Atlassian",
			Kind:           KindGeneric,
			Order:          70,
			AuthURL:        "https://auth.atlassian.com/authorize",
			TokenURL:       "https://auth.atlassian.com/oauth/token",
			UserInfoURL:    "https://api.atlassian.com/me",
			UserInfoMethod: http.MethodGet,
			Scopes:         []string{"read:me", "read:account"},
			AuthParams:     url.Values{"audience": {"api.atlassian.com"}, "prompt": {"consent"}},
			TokenEncoding:  EncodingJSON,
			Profile:        atlassianProfile,
		},
	}
}

func bearer(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	h.Set("Accept", "application/json")
	return h
}

// oidcProfile はOpenID ConnectのuserinfoレスポンスをProfileに変換する。GoogleとLinkedInが使う。
func oidcProfile(raw map[string]any) Profile {
	return Profile{
		ExternalID:    stringAt(raw, "sub"),
		Email:         stringAt(raw, "email"),
		EmailVerified: boolAt(raw, "email_verified"),
		Name:          stringAt(raw, "name"),
		AvatarURL:     stringAt(raw, "picture"),
	}
}

// slackProfile はusers.identityのレスポンスを変換する。
// 検証フラグが付かない限りメールは未検証として扱う。
func slackProfile(raw map[string]any) Profile {
	return Profile{
		ExternalID:    stringAt(raw, "user.id"),
		Email:         stringAt(raw, "user.email"),
		EmailVerified: boolAt(raw, "user.email_verified"),
		Name:          stringAt(raw, "user.name"),
		AvatarURL:     firstNonEmpty(stringAt(raw, "user.image_512"), stringAt(raw, "user.image_192")),
	}
}

func discordProfile(raw map[string]any) Profile {
	id := stringAt(raw, "id")
	p := Profile{
		ExternalID:    id,
		Email:         stringAt(raw, "email"),
		EmailVerified: boolAt(raw, "verified"),
		Username:      stringAt(raw, "username"),
		Name:          firstNonEmpty(stringAt(raw, "global_name"), stringAt(raw, "username")),
	}
	if hash := stringAt(raw, "avatar"); hash != "" && id != "" {
		p.AvatarURL = "https://cdn.discordapp.com/avatars/" + id + "/" + hash + ".png"
	}
	return p
}

func atlassianProfile(raw map[string]any) Profile {
	return Profile{
		ExternalID:    stringAt(raw, "account_id"),
		Email:         stringAt(raw, "email"),
		EmailVerified: boolAt(raw, "email_verified"),
		Username:      stringAt(raw, "nickname"),
		Name:          stringAt(raw, "name"),
		AvatarURL:     stringAt(raw, "picture"),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
