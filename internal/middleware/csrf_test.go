package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/tsudoi/internal/model"
)

func newCSRFTestHandler(t *testing.T) http.Handler {
	t.Helper()
	return NewCSRFMiddleware(CSRFConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestCSRFMiddleware_SafeMethodIssuesCookie(t *testing.T) {
	handler := newCSRFTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	c := findCookie(w.Result(), csrfCookieName)
	if c == nil {
		t.Fatal("CSRF cookie should be issued")
	}
	if c.HttpOnly {
		t.Error("CSRF cookie must be readable from JavaScript")
	}
	if len(c.Value) != 64 {
		t.Errorf("token length = %d, want 64", len(c.Value))
	}
}

func TestCSRFMiddleware_SafeMethodKeepsExistingCookie(t *testing.T) {
	handler := newCSRFTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if c := findCookie(w.Result(), csrfCookieName); c != nil {
		t.Errorf("cookie should not be reissued, got %v", c)
	}
}

func TestCSRFMiddleware_StateChangingMethods(t *testing.T) {
	handler := newCSRFTestHandler(t)

	tests := []struct {
		name   string
		method string
		cookie string
		header string
		want   int
	}{
		{"一致", http.MethodPost, "tok", "tok", http.StatusOK},
		{"DELETEも一致なら通る", http.MethodDelete, "tok", "tok", http.StatusOK},
		{"Cookieなし", http.MethodPost, "", "tok", http.StatusForbidden},
		{"ヘッダーなし", http.MethodPost, "tok", "", http.StatusForbidden},
		{"不一致", http.MethodDelete, "tok", "other", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/users/me", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: tt.cookie})
			}
			if tt.header != "" {
				req.Header.Set(csrfHeaderName, tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want == http.StatusForbidden {
				var body ErrorResponseBody
				if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
					t.Fatalf("failed to decode body: %v", err)
				}
				if body.Code != model.ErrCodeCSRFInvalid {
					t.Errorf("code = %q, want %q", body.Code, model.ErrCodeCSRFInvalid)
				}
			}
		})
	}
}

func TestCSRFTokenHandler(t *testing.T) {
	handler := NewCSRFTokenHandler(CSRFConfig{CookieDomain: "example.com"})

	t.Run("新規発行", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))

		var body map[string]string
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		c := findCookie(w.Result(), csrfCookieName)
		if c == nil || c.Value != body["token"] {
			t.Errorf("cookie = %v, body token = %q", c, body["token"])
		}
		if c != nil && c.Domain != "example.com" {
			t.Errorf("domain = %q, want example.com", c.Domain)
		}
	})

	t.Run("既存Cookieを返す", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil)
		req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "keep-me"})
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		var body map[string]string
		json.NewDecoder(w.Body).Decode(&body)
		if body["token"] != "keep-me" {
			t.Errorf("token = %q, want keep-me", body["token"])
		}
	})
}
