package auth

import (
	"net/url"
	"strings"
	"testing"
)

func descriptorFor(t *testing.T, key string) Descriptor {
	t.Helper()
	for _, d := range BuiltinDescriptors() {
		if d.Key == key {
			return d
		}
	}
	t.Fatalf("descriptor %q not found", key)
	return Descriptor{}
}

func TestProvider_Configured(t *testing.T) {
	full := Credentials{ClientID: "id", ClientSecret: "secret", RedirectURL: "https://app.example.com/cb"}
	appleKeys := AppleCredentials{TeamID: "T", KeyID: "K", PrivateKey: "pem"}

	tests := []struct {
		name string
		p    Provider
		want bool
	}{
		{"汎用で全て揃う", Provider{Descriptor: Descriptor{Kind: KindGeneric}, Credentials: full}, true},
		{"secretなし", Provider{Descriptor: Descriptor{Kind: KindGitHub}, Credentials: Credentials{ClientID: "id", RedirectURL: "https://x/cb"}}, false},
		{"client idなし", Provider{Descriptor: Descriptor{Kind: KindGeneric}, Credentials: Credentials{ClientSecret: "s", RedirectURL: "https://x/cb"}}, false},
		{"Appleはsecret不要", Provider{Descriptor: Descriptor{Kind: KindApple}, Credentials: Credentials{ClientID: "id", RedirectURL: "https://x/cb"}, Apple: appleKeys}, true},
		{"Appleで鍵なし", Provider{Descriptor: Descriptor{Kind: KindApple}, Credentials: full, Apple: AppleCredentials{TeamID: "T", KeyID: "K"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.Configured(); got != tt.want {
				t.Errorf("Configured() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewRegistry_DefaultRedirectAndOrder(t *testing.T) {
	creds := map[string]Credentials{
		"slack":  {ClientID: "s", ClientSecret: "x"},
		"github": {ClientID: "g", ClientSecret: "x", RedirectURL: "https://custom.example.com/gh"},
		"google": {ClientID: "go"}, // secretなし
	}
	r := NewRegistry("https://app.example.com/", BuiltinDescriptors(), creds, AppleCredentials{})

	slack, ok := r.Get("slack")
	if !ok {
		t.Fatal("slack not registered")
	}
	if slack.Credentials.RedirectURL != "https://app.example.com/auth/slack/callback" {
		t.Errorf("slack redirect = %q", slack.Credentials.RedirectURL)
	}
	gh, _ := r.Get("github")
	if gh.Credentials.RedirectURL != "https://custom.example.com/gh" {
		t.Errorf("github redirect = %q, want explicit value", gh.Credentials.RedirectURL)
	}

	configured := r.Configured()
	var keys []string
	for _, p := range configured {
		keys = append(keys, p.Key)
	}
	if strings.Join(keys, ",") != "github,slack" {
		t.Errorf("configured = %v, want [github slack]", keys)
	}

	if _, ok := r.Get("myspace"); ok {
		t.Error("unknown provider should not be found")
	}
}

func TestAuthCodeURL(t *testing.T) {
	tests := []struct {
		key   string
		check func(t *testing.T, q url.Values)
	}{
		{"github", func(t *testing.T, q url.Values) {
			if q.Get("scope") != "read:user user:email" {
				t.Errorf("scope = %q", q.Get("scope"))
			}
		}},
		{"slack", func(t *testing.T, q url.Values) {
			if q.Get("user_scope") != "identity.basic,identity.email,identity.avatar" {
				t.Errorf("user_scope = %q", q.Get("user_scope"))
			}
			if q.Has("scope") {
				t.Error("slack should not send scope")
			}
		}},
		{"apple", func(t *testing.T, q url.Values) {
			if q.Get("response_mode") != "form_post" {
				t.Errorf("response_mode = %q", q.Get("response_mode"))
			}
		}},
		{"atlassian", func(t *testing.T, q url.Values) {
			if q.Get("audience") != "api.atlassian.com" || q.Get("prompt") != "consent" {
				t.Errorf("atlassian params = %v", q)
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			p := &Provider{
				Descriptor:  descriptorFor(t, tt.key),
				Credentials: Credentials{ClientID: "cid", RedirectURL: "https://app.example.com/auth/" + tt.key + "/callback"},
			}
			u, err := url.Parse(p.AuthCodeURL("st"))
			if err != nil {
				t.Fatalf("AuthCodeURL() is not a URL: %v", err)
			}
			q := u.Query()
			if q.Get("state") != "st" || q.Get("client_id") != "cid" || q.Get("response_type") != "code" {
				t.Errorf("common params = %v", q)
			}
			if q.Get("redirect_uri") != p.Credentials.RedirectURL {
				t.Errorf("redirect_uri = %q", q.Get("redirect_uri"))
			}
			tt.check(t, q)
		})
	}
}

func TestProviderProfiles(t *testing.T) {
	slack := slackProfile(map[string]any{
		"ok":   true,
		"user": map[string]any{"id": "U123", "name": "Sam", "email": "sam@example.com", "image_192": "https://img.example.com/192"},
	})
	if slack.ExternalID != "U123" || slack.Email != "sam@example.com" || slack.AvatarURL != "https://img.example.com/192" {
		t.Errorf("slackProfile = %+v", slack)
	}

	discord := discordProfile(map[string]any{"id": "80351110224678912", "username": "nelly", "avatar": "8342729096ea3675442027381ff50dfe"})
	want := "https://cdn.discordapp.com/avatars/80351110224678912/8342729096ea3675442027381ff50dfe.png"
	if discord.AvatarURL != want {
		t.Errorf("discord avatar = %q, want %q", discord.AvatarURL, want)
	}
	if discord.Name != "nelly" {
		t.Errorf("discord name = %q, want username fallback", discord.Name)
	}
}

func TestProviderProfiles_EmailVerified(t *testing.T) {
	tests := []struct {
		name string
		got  Profile
		want bool
	}{
		{"OIDC検証済み", oidcProfile(map[string]any{"sub": "1", "email": "a@example.com", "email_verified": true}), true},
		{"OIDC未検証", oidcProfile(map[string]any{"sub": "1", "email": "a@example.com", "email_verified": false}), false},
		{"OIDCフラグなし", oidcProfile(map[string]any{"sub": "1", "email": "a@example.com"}), false},
		{"Slackフラグなし", slackProfile(map[string]any{"user": map[string]any{"id": "U1", "email": "a@example.com"}}), false},
		{"Discord検証済み", discordProfile(map[string]any{"id": "1", "email": "a@example.com", "verified": true}), true},
		{"Discord未検証", discordProfile(map[string]any{"id": "1", "email": "a@example.com", "verified": false}), false},
		{"Atlassian検証済み", atlassianProfile(map[string]any{"account_id": "1", "email": "a@example.com", "email_verified": true}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got.EmailVerified != tt.want {
				t.Errorf("EmailVerified = %v, want %v", tt.got.EmailVerified, tt.want)
			}
		})
	}
}

func TestProvider_Endpoints(t *testing.T) {
	p := &Provider{Descriptor: descriptorFor(t, "apple")}
	got := p.Endpoints()
	if len(got) != 2 {
		t.Errorf("apple endpoints = %v, want auth and token only", got)
	}
}
