package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// maxResponseBytes はproviderレスポンスの読み込み上限。
const maxResponseBytes = 1 << 20

// TokenRequest は認可コードの交換に必要な値。
type TokenRequest struct {
	TokenURL     string
	Encoding     Encoding
	TokenPath    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Code         string
}

// TokenResult は交換結果。RawはAppleのid_tokenなど追加フィールドの参照に使う。
type TokenResult struct {
	AccessToken string
	Raw         map[string]any
}

// Exchanger は認可コードをアクセストークンに交換する。
// 認可コードは1回しか使えないため、失敗しても再試行しない。
type Exchanger struct {
	client *http.Client
}

// NewExchanger はExchangerを生成する。
func NewExchanger(client *http.Client) *Exchanger {
	return &Exchanger{client: client}
}

// Exchange はトークンエンドポイントにPOSTし、アクセストークンを取り出す。
// 2xx以外、JSONとして読めない、errorフィールドがある、トークンが空の場合はエラーを返す。
func (e *Exchanger) Exchange(ctx context.Context, tr TokenRequest) (*TokenResult, error) {
	fields := map[string]string{
		"grant_type":    "authorization_code",
		"code":          tr.Code,
		"redirect_uri":  tr.RedirectURL,
		"client_id":     tr.ClientID,
		"client_secret": tr.ClientSecret,
	}

	var body io.Reader
	var contentType string
	switch tr.Encoding {
	case EncodingJSON:
		b, err := json.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal token request: %w", err)
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	default:
		form := url.Values{}
		for k, v := range fields {
			form.Set(k, v)
		}
		body = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tr.TokenURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	raw, err := doJSON(e.client, req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}

	if msg := stringAt(raw, "error"); msg != "" {
		return nil, fmt.Errorf("provider returned error: %s", msg)
	}

	path := tr.TokenPath
	if path == "" {
		path = "access_token"
	}
	token := stringAt(raw, path)
	if token == "" {
		return nil, fmt.Errorf("empty access token at %q", path)
	}

	return &TokenResult{AccessToken: token, Raw: raw}, nil
}

// doJSON はリクエストを送り、2xxのJSONオブジェクトをデコードして返す。
func doJSON(client *http.Client, req *http.Request) (map[string]any, error) {
	var raw map[string]any
	if err := doDecode(client, req, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("empty response body")
	}
	return raw, nil
}

// doDecode はリクエストを送り、2xxのレスポンスボディをvにデコードする。数値はjson.Numberのまま保持する。
func doDecode(client *http.Client, req *http.Request, v any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// newUserInfoRequest はユーザー情報系エンドポイントへのリクエストを組み立てる。
func newUserInfoRequest(ctx context.Context, method, rawURL string, headers http.Header) (*http.Request, error) {
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}
