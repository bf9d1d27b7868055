package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequireInternalAuth(t *testing.T) {
	const secret = "ops-secret-61"

	tests := []struct {
		name     string
		secret   string
		header   string
		wantCode int
		wantBody string
	}{
		{"valid secret", secret, "Bearer " + secret, http.StatusOK, "dlq"},
		{"extra spaces", secret, "Bearer   " + secret, http.StatusOK, "dlq"},
		{"missing header", secret, "", http.StatusUnauthorized, `"error":"Missing authorization header"`},
		{"token scheme", secret, "Token " + secret, http.StatusUnauthorized, "Invalid authorization header"},
		{"basic scheme", secret, "Basic " + secret, http.StatusUnauthorized, "Invalid authorization header"},
		{"scheme only", secret, "Bearer", http.StatusUnauthorized, "Invalid authorization header"},
		{"bare secret", secret, secret, http.StatusUnauthorized, "Invalid authorization header"},
		{"wrong secret", secret, "Bearer wrong", http.StatusUnauthorized, "Invalid authorization token"},
		{"secret prefix", secret, "Bearer ops-secret", http.StatusUnauthorized, "Invalid authorization token"},
		{"not configured", "", "Bearer anything", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := RequireInternalAuth(tt.secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.Write([]byte("dlq"))
			}))

			req := httptest.NewRequest(http.MethodGet, "/internal/tasks/dlq", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantCode {
				t.Errorf("got status %d, want %d", rr.Code, tt.wantCode)
			}
			if called != (tt.wantCode == http.StatusOK) {
				t.Errorf("next handler called = %v", called)
			}
			if tt.wantBody != "" && !strings.Contains(rr.Body.String(), tt.wantBody) {
				t.Errorf("got body %q, want it to contain %q", rr.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestParseAuthorization(t *testing.T) {
	tests := []struct {
		header     string
		scheme     string
		credential string
		ok         bool
	}{
		{"", "", "", false},
		{"   ", "", "", false},
		{"Token aa_key", "Token", "aa_key", true},
		{" Bearer  s3cret ", "Bearer", "s3cret", true},
		{"Token", "Token", "", false},
		{"Token a b", "Token", "", false},
	}
	for _, tt := range tests {
		scheme, credential, ok := parseAuthorization(tt.header)
		if scheme != tt.scheme || credential != tt.credential || ok != tt.ok {
			t.Errorf("parseAuthorization(%q) = %q, %q, %v; want %q, %q, %v",
				tt.header, scheme, credential, ok, tt.scheme, tt.credential, tt.ok)
		}
	}
}
