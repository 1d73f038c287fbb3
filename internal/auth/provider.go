package auth

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Kind はproviderのフロー種別。GitHubとAppleだけが専用のコードパスを持つ。
type Kind int

const (
	KindGeneric Kind = iota
	KindGitHub
	KindApple
)

func (k Kind) String() string {
	switch k {
	case KindGitHub:
		return "github"
	case KindApple:
		return "apple"
	default:
		return "generic"
	}
}

// Encoding はトークンリクエストのボディ形式。
type Encoding string

const (
	EncodingForm Encoding = "form"
	EncodingJSON Encoding = "json"
)

// Descriptor はproviderのエンドポイントとレスポンスの解釈方法を表す静的な定義。
type Descriptor struct {
	Key   string
	Name  string
	Kind  Kind
	Order int

	AuthURL  string
	TokenURL string
	// UserInfoURL はGitHubでは /user、Appleでは未使用。
	UserInfoURL    string
	UserInfoMethod string
	// EmailsURL はGitHubのメール一覧エンドポイント。
	EmailsURL string

	Scopes []string
	// ScopeParam は認可URLでスコープを渡すパラメータ名。Slackはuser_scopeを使う。
	ScopeParam     string
	ScopeSeparator string
	AuthParams     url.Values

	TokenEncoding Encoding
	// TokenPath はネストしたトークンレスポンスから取り出すドット区切りのパス。
	TokenPath string

	// UserInfoHeaders はユーザー情報リクエストのヘッダーを組み立てる。nilならBearer認証のみ。
	UserInfoHeaders func(accessToken string) http.Header
	// Profile はユーザー情報レスポンスを正規化前のProfileに変換する。
	Profile func(raw map[string]any) Profile
}

// Credentials はproviderごとのOAuthクライアント認証情報。
type Credentials struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// AppleCredentials はclient secretのJWTを生成するための鍵情報。
type AppleCredentials struct {
	TeamID string
	KeyID  string
	// PrivateKey はPKCS8形式のPEM。
	PrivateKey string
}

// Provider は認証情報を解決済みのprovider。
type Provider struct {
	Descriptor
	Credentials Credentials
	Apple       AppleCredentials
}

// Configured は認証情報が揃っているかを返す。
func (p *Provider) Configured() bool {
	if p.Credentials.ClientID == "" || p.Credentials.RedirectURL == "" {
		return false
	}
	if p.Kind == KindApple {
		return p.Apple.TeamID != "" && p.Apple.KeyID != "" && p.Apple.PrivateKey != ""
	}
	return p.Credentials.ClientSecret != ""
}

// Endpoints はproviderが通信する全エンドポイントURLを返す。
func (p *Provider) Endpoints() []string {
	var urls []string
	for _, u := range []string{p.AuthURL, p.TokenURL, p.UserInfoURL, p.EmailsURL} {
		if u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

// Registry はprovider keyからProviderを引く読み取り専用の表。初期化後は変更しない。
type Registry struct {
	providers map[string]*Provider
}

// NewRegistry はdescriptorに認証情報を結びつけてRegistryを生成する。
// RedirectURLが未設定のproviderには baseURL + /auth/{key}/callback を使う。
func NewRegistry(baseURL string, descriptors []Descriptor, creds map[string]Credentials, apple AppleCredentials) *Registry {
	base := strings.TrimRight(baseURL, "/")
	r := &Registry{providers: make(map[string]*Provider, len(descriptors))}

	for _, d := range descriptors {
		c := creds[d.Key]
		if c.RedirectURL == "" && base != "" {
			c.RedirectURL = base + "/auth/" + d.Key + "/callback"
		}
		p := &Provider{Descriptor: d, Credentials: c}
		if d.Kind == KindApple {
			p.Apple = apple
		}
		r.providers[d.Key] = p
	}
	return r
}

// Get はkeyに対応するProviderを返す。
func (r *Registry) Get(key string) (*Provider, bool) {
	p, ok := r.providers[key]
	return p, ok
}

// Configured は認証情報が揃ったproviderを表示順に返す。
func (r *Registry) Configured() []*Provider {
	var out []*Provider
	for _, p := range r.providers {
		if p.Configured() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// AuthCodeURL は認可エンドポイントへのリダイレクトURLを組み立てる。
func (p *Provider) AuthCodeURL(state string) string {
	params := url.Values{
		"client_id":     {p.Credentials.ClientID},
		"redirect_uri":  {p.Credentials.RedirectURL},
		"response_type": {"code"},
		"state":         {state},
	}
	if len(p.Scopes) > 0 {
		param := p.ScopeParam
		if param == "" {
			param = "scope"
		}
		sep := p.ScopeSeparator
		if sep == "" {
			sep = " "
		}
		params.Set(param, strings.Join(p.Scopes, sep))
	}
	for k, vs := range p.AuthParams {
		for _, v := range vs {
			params.Add(k, v)
		}
	}

	sep := "?"
	if strings.Contains(p.AuthURL, "?") {
		sep = "&"
	}
	return p.AuthURL + sep + params.Encode()
}
