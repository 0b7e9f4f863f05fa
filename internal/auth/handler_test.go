package auth

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type mockSessionService struct {
	authenticateFn  func(ctx context.Context, identifier, password string) (*User, error)
	createSessionFn func(ctx context.Context, userID int64, ipAddress, userAgent string) (string, time.Time, error)
	sessionUserFn   func(ctx context.Context, token string) (*User, error)
	revokeFn        func(ctx context.Context, token string) error
}

func (m *mockSessionService) AuthenticatePassword(ctx context.Context, identifier, password string) (*User, error) {
	if m.authenticateFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.authenticateFn(ctx, identifier, password)
}

func (m *mockSessionService) CreateSession(ctx context.Context, userID int64, ipAddress, userAgent string) (string, time.Time, error) {
	if m.createSessionFn == nil {
		return "", time.Time{}, errors.New("not implemented")
	}
	return m.createSessionFn(ctx, userID, ipAddress, userAgent)
}

func (m *mockSessionService) GetSessionUser(ctx context.Context, token string) (*User, error) {
	if m.sessionUserFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.sessionUserFn(ctx, token)
}

func (m *mockSessionService) RevokeSession(ctx context.Context, token string) error {
	if m.revokeFn == nil {
		return nil
	}
	return m.revokeFn(ctx, token)
}

func okHandler(t *testing.T, wantUserID int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ok := CurrentUser(r.Context())
		if !ok {
			t.Fatalf("expected user in context")
		}
		if u.ID != wantUserID {
			t.Fatalf("expected user %d, got %d", wantUserID, u.ID)
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestRequireAuthMissingToken(t *testing.T) {
	h := NewHandler(&mockSessionService{
		sessionUserFn: func(ctx context.Context, token string) (*User, error) {
			t.Fatalf("session lookup must not run without a token")
			return nil, nil
		},
	}, nil, false)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/student/exams", nil)
	w := httptest.NewRecorder()
	h.RequireAuth(okHandler(t, 0)).ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRequireAuthBearerToken(t *testing.T) {
	h := NewHandler(&mockSessionService{
		sessionUserFn: func(ctx context.Context, token string) (*User, error) {
			if token != "tok-123" {
				t.Fatalf("unexpected token %q", token)
			}
			return &User{ID: 7, Role: RoleStudent, AccountStatus: "active"}, nil
		},
	}, nil, false)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/student/exams", nil)
	req.Header.Set("Authorization", "Bearer tok-123")
	w := httptest.NewRecorder()
	h.RequireAuth(okHandler(t, 7)).ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
}

func TestRequireAuthCookiePreferred(t *testing.T) {
	h := NewHandler(&mockSessionService{
		sessionUserFn: func(ctx context.Context, token string) (*User, error) {
			if token != "cookie-tok" {
				t.Fatalf("expected cookie token, got %q", token)
			}
			return &User{ID: 3, Role: RoleStudent}, nil
		},
	}, nil, false)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "cookie-tok"})
	req.Header.Set("Authorization", "Bearer header-tok")
	w := httptest.NewRecorder()
	h.RequireAuth(okHandler(t, 3)).ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
}

func TestRequireAuthExpiredSession(t *testing.T) {
	h := NewHandler(&mockSessionService{
		sessionUserFn: func(ctx context.Context, token string) (*User, error) { return nil, ErrUnauthorized },
	}, nil, false)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer stale")
	w := httptest.NewRecorder()
	h.RequireAuth(okHandler(t, 0)).ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRequireRoles(t *testing.T) {
	h := NewHandler(&mockSessionService{}, nil, false)
	mw := h.RequireRoles(RoleStudent)

	tests := []struct {
		name string
		user *User
		want int
	}{
		{name: "no user", user: nil, want: http.StatusUnauthorized},
		{name: "teacher", user: &User{ID: 1, Role: RoleTeacher}, want: http.StatusForbidden},
		{name: "student", user: &User{ID: 2, Role: RoleStudent}, want: http.StatusNoContent},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.user != nil {
				req = req.WithContext(ContextWithUser(req.Context(), tc.user))
			}
			w := httptest.NewRecorder()
			mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			})).ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, w.Code)
			}
		})
	}
}

func TestLoginPasswordSetsCookie(t *testing.T) {
	expires := time.Now().Add(time.Hour)
	h := NewHandler(&mockSessionService{
		authenticateFn: func(ctx context.Context, identifier, password string) (*User, error) {
			if identifier != "siti" || password != "secret" {
				t.Fatalf("unexpected credentials %q/%q", identifier, password)
			}
			return &User{ID: 11, Username: "siti", Role: RoleStudent}, nil
		},
		createSessionFn: func(ctx context.Context, userID int64, ipAddress, userAgent string) (string, time.Time, error) {
			if userID != 11 {
				t.Fatalf("unexpected user id %d", userID)
			}
			return "new-token", expires, nil
		},
	}, nil, false)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login-password", bytes.NewReader([]byte(`{"identifier":"siti","password":"secret"}`)))
	w := httptest.NewRecorder()
	h.LoginPassword(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var found bool
	for _, c := range w.Result().Cookies() {
		if c.Name == sessionCookieName && c.Value == "new-token" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected session cookie to be set")
	}
}

func TestLoginPasswordInvalidCredentials(t *testing.T) {
	h := NewHandler(&mockSessionService{
		authenticateFn: func(ctx context.Context, identifier, password string) (*User, error) {
			return nil, ErrInvalidCredentials
		},
	}, nil, false)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login-password", bytes.NewReader([]byte(`{"identifier":"x","password":"y"}`)))
	w := httptest.NewRecorder()
	h.LoginPassword(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestLoginPasswordInvalidBody(t *testing.T) {
	h := NewHandler(&mockSessionService{}, nil, false)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login-password", bytes.NewReader([]byte(`{`)))
	w := httptest.NewRecorder()
	h.LoginPassword(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestUserSlotFilledByRequireAuth(t *testing.T) {
	h := NewHandler(&mockSessionService{
		sessionUserFn: func(ctx context.Context, token string) (*User, error) {
			return &User{ID: 5, Role: RoleStudent}, nil
		},
	}, nil, false)

	ctx := WithUserSlot(context.Background())
	if _, ok := SlotUser(ctx); ok {
		t.Fatalf("slot should start empty")
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok")
	h.RequireAuth(okHandler(t, 5)).ServeHTTP(httptest.NewRecorder(), req)

	u, ok := SlotUser(ctx)
	if !ok || u.ID != 5 {
		t.Fatalf("expected slot to hold user 5, got %+v ok=%v", u, ok)
	}
}
