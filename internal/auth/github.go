package auth

import (
	"context"
	"fmt"
	"net/http"
)

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// fetchGitHubProfile は /user を取得し、公開メールがなければ /user/emails から選ぶ。
func fetchGitHubProfile(ctx context.Context, client *http.Client, p *Provider, accessToken string) (Profile, error) {
	headers := bearer(accessToken)
	if p.UserInfoHeaders != nil {
		headers = p.UserInfoHeaders(accessToken)
	}

	req, err := newUserInfoRequest(ctx, http.MethodGet, p.UserInfoURL, headers)
	if err != nil {
		return Profile{}, err
	}
	raw, err := doJSON(client, req)
	if err != nil {
		return Profile{}, fmt.Errorf("failed to fetch github user: %w", err)
	}

	profile := Profile{
		ExternalID: stringAt(raw, "id"),
		Username:   stringAt(raw, "login"),
		Name:       firstNonEmpty(stringAt(raw, "name"), stringAt(raw, "login")),
		AvatarURL:  stringAt(raw, "avatar_url"),
		Email:      stringAt(raw, "email"),
	}
	// GitHubは検証済みのメールしか公開メールに設定できない
	if profile.Email != "" {
		profile.EmailVerified = true
		return profile, nil
	}

	req, err = newUserInfoRequest(ctx, http.MethodGet, p.EmailsURL, headers)
	if err != nil {
		return Profile{}, err
	}
	var emails []githubEmail
	if err := doDecode(client, req, &emails); err != nil {
		return Profile{}, fmt.Errorf("failed to fetch github emails: %w", err)
	}

	chosen := selectGitHubEmail(emails)
	if chosen.Email == "" {
		return Profile{}, errNoEmail
	}
	profile.Email = chosen.Email
	profile.EmailVerified = chosen.Verified
	return profile, nil
}

// selectGitHubEmail はprimaryかつverifiedのメールを優先し、なければ最初のメールを返す。
// 返したエントリのVerifiedがそのままProfile.EmailVerifiedになる。
func selectGitHubEmail(emails []githubEmail) githubEmail {
	for _, e := range emails {
		if e.Primary && e.Verified && e.Email != "" {
			return e
		}
	}
	for _, e := range emails {
		if e.Email != "" {
			return e
		}
	}
	return githubEmail{}
}
