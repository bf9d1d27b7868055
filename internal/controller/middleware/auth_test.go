package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"askanna/internal/auth"
	"askanna/internal/store"

	"github.com/google/uuid"
)

// mockTokenStore resolves exactly one token.
type mockTokenStore struct {
	key  string
	user *store.User
	err  error
}

func (m *mockTokenStore) GetUserByTokenHash(ctx context.Context, hash string) (*store.User, error) {
	if m.err != nil {
		return nil, m.err
	}
	if hash != auth.HashKey(m.key) {
		return nil, store.ErrNotFound
	}
	return m.user, nil
}

func TestAuthMiddleware_AnonymousWithoutHeader(t *testing.T) {
	middleware := AuthMiddleware(&mockTokenStore{})

	called := false
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if _, ok := UserFromContext(r.Context()); ok {
			t.Error("expected anonymous request")
		}
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if !called {
		t.Error("expected handler to be called")
	}
}

func TestAuthMiddleware_InvalidAuthHeaderFormat(t *testing.T) {
	middleware := AuthMiddleware(&mockTokenStore{})

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be called")
	}))

	tests := []struct {
		name   string
		header string
	}{
		{"no prefix", "aa_key123"},
		{"wrong prefix", "Basic aa_key123"},
		{"too many parts", "Token key1 key2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", tt.header)
			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, req)

			if rr.Code != http.StatusUnauthorized {
				t.Errorf("got status %d, want %d", rr.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestAuthMiddleware_StoreError(t *testing.T) {
	middleware := AuthMiddleware(&mockTokenStore{err: errors.New("database error")})

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Token aa_valid")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("got status %d, want %d", rr.Code, http.StatusInternalServerError)
	}
}

func TestAuthMiddleware_UnknownToken(t *testing.T) {
	middleware := AuthMiddleware(&mockTokenStore{key: "aa_valid", user: &store.User{ID: uuid.New(), IsActive: true}})

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Token aa_other")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("got status %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_InactiveUser(t *testing.T) {
	middleware := AuthMiddleware(&mockTokenStore{key: "aa_valid", user: &store.User{ID: uuid.New()}})

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Token aa_valid")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("got status %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_ValidAuth(t *testing.T) {
	userID := uuid.New()
	mockStore := &mockTokenStore{
		key:  "aa_valid",
		user: &store.User{ID: userID, Email: "ada@example.com", IsActive: true},
	}

	for _, scheme := range []string{"Token", "Bearer"} {
		t.Run(scheme, func(t *testing.T) {
			var got *store.User
			handler := AuthMiddleware(mockStore)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got, _ = UserFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", scheme+" aa_valid")
			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, req)

			if rr.Code != http.StatusOK {
				t.Errorf("got status %d, want %d", rr.Code, http.StatusOK)
			}
			if got == nil || got.ID != userID {
				t.Fatalf("expected user %s in context, got %+v", userID, got)
			}
		})
	}
}

func TestRequireUser(t *testing.T) {
	handler := RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("anonymous: got status %d, want %d", rr.Code, http.StatusUnauthorized)
	}

	ctx := NewContextWithUser(context.Background(), &store.User{ID: uuid.New(), IsActive: true})
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx))
	if rr.Code != http.StatusNoContent {
		t.Errorf("authenticated: got status %d, want %d", rr.Code, http.StatusNoContent)
	}
}

func TestUserFromContext_Empty(t *testing.T) {
	user, ok := UserFromContext(context.Background())

	if ok {
		t.Error("expected ok to be false for empty context")
	}
	if user != nil {
		t.Errorf("expected nil user, got %v", user)
	}
}
