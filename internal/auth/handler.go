package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"examroom/internal/app/apiresp"

	"go.uber.org/zap"
)

type contextKey string

const (
	userContextKey contextKey = "auth_user"
	userSlotKey    contextKey = "auth_user_slot"
)

const sessionCookieName = "examroom_session"

type sessionService interface {
	AuthenticatePassword(ctx context.Context, identifier, password string) (*User, error)
	CreateSession(ctx context.Context, userID int64, ipAddress, userAgent string) (string, time.Time, error)
	GetSessionUser(ctx context.Context, token string) (*User, error)
	RevokeSession(ctx context.Context, token string) error
}

type Handler struct {
	svc          sessionService
	log          *zap.Logger
	secureCookie bool
}

type loginPasswordRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

func NewHandler(svc sessionService, log *zap.Logger, secureCookie bool) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{svc: svc, log: log, secureCookie: secureCookie}
}

func (h *Handler) LoginPassword(w http.ResponseWriter, r *http.Request) {
	var req loginPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.svc.AuthenticatePassword(r.Context(), req.Identifier, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidCredentials):
			apiresp.WriteError(w, r, http.StatusUnauthorized, "invalid credentials")
		case errors.Is(err, ErrForbidden):
			apiresp.WriteError(w, r, http.StatusForbidden, "account is not active")
		default:
			h.log.Error("authenticate password", zap.Error(err))
			apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}

	token, expiresAt, err := h.svc.CreateSession(r.Context(), user.ID, readIP(r), r.UserAgent())
	if err != nil {
		h.log.Error("create session", zap.Int64("user_id", user.ID), zap.Error(err))
		apiresp.WriteError(w, r, http.StatusInternalServerError, "cannot create session")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	apiresp.WriteOK(w, r, http.StatusOK, "Logged in successfully", map[string]any{
		"user":       user,
		"token":      token,
		"expires_at": expiresAt,
	})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.RevokeSession(r.Context(), readSessionToken(r)); err != nil {
		h.log.Warn("revoke session", zap.Error(err))
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
	apiresp.WriteOK(w, r, http.StatusOK, "Logged out successfully", nil)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, "Current user retrieved successfully", map[string]any{"user": user})
}

func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := readSessionToken(r)
		if token == "" {
			apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, err := h.svc.GetSessionUser(r.Context(), token)
		if err != nil {
			if !errors.Is(err, ErrUnauthorized) {
				h.log.Error("resolve session", zap.Error(err))
			}
			apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}

		if slot, ok := r.Context().Value(userSlotKey).(*userSlot); ok {
			slot.user = user
		}
		next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
	})
}

func (h *Handler) RequireRoles(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := CurrentUser(r.Context())
			if !ok {
				apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}
			if _, exists := allowed[user.Role]; !exists {
				apiresp.WriteError(w, r, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func CurrentUser(ctx context.Context) (*User, bool) {
	u, ok := ctx.Value(userContextKey).(*User)
	return u, ok && u != nil
}

// ContextWithUser injects an authenticated user into context.
// Useful for tests and internal handlers.
func ContextWithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

type userSlot struct {
	user *User
}

// WithUserSlot lets middleware mounted outside RequireAuth see the user it
// resolved, via SlotUser after the handler returns.
func WithUserSlot(ctx context.Context) context.Context {
	return context.WithValue(ctx, userSlotKey, &userSlot{})
}

func SlotUser(ctx context.Context) (*User, bool) {
	slot, ok := ctx.Value(userSlotKey).(*userSlot)
	if !ok || slot.user == nil {
		return nil, false
	}
	return slot.user, true
}

// readSessionToken prefers the session cookie and falls back to a bearer
// token for API clients.
func readSessionToken(r *http.Request) string {
	if c, err := r.Cookie(sessionCookieName); err == nil && strings.TrimSpace(c.Value) != "" {
		return strings.TrimSpace(c.Value)
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return ""
}

func readIP(r *http.Request) string {
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	return strings.TrimSpace(r.RemoteAddr)
}
