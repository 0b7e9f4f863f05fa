package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
)

const (
	RoleAdmin   = "admin"
	RoleTeacher = "teacher"
	RoleStudent = "student"
)

type Service struct {
	db         *sql.DB
	sessionTTL time.Duration
}

type ServiceConfig struct {
	SessionTTL time.Duration
}

// User is the authenticated caller resolved from a session token.
type User struct {
	ID            int64   `json:"id"`
	Username      string  `json:"username"`
	Email         *string `json:"email,omitempty"`
	FullName      string  `json:"full_name"`
	Role          string  `json:"role"`
	AccountStatus string  `json:"account_status"`
}

func NewService(db *sql.DB, cfg ServiceConfig) *Service {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	return &Service{db: db, sessionTTL: cfg.SessionTTL}
}

func (s *Service) AuthenticatePassword(ctx context.Context, identifier, password string) (*User, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, full_name, role, account_status, password_hash
		FROM users
		WHERE username = $1 OR email = $1
		LIMIT 1
	`, identifier)

	var (
		u            User
		email        sql.NullString
		passwordHash string
	)
	if err := row.Scan(&u.ID, &u.Username, &email, &u.FullName, &u.Role, &u.AccountStatus, &passwordHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	if email.Valid {
		u.Email = &email.String
	}

	if err := checkPassword(passwordHash, password); err != nil {
		return nil, ErrInvalidCredentials
	}
	if u.AccountStatus != "active" {
		return nil, ErrForbidden
	}
	return &u, nil
}

func (s *Service) CreateSession(ctx context.Context, userID int64, ipAddress, userAgent string) (string, time.Time, error) {
	token, err := generateToken(32)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate session token: %w", err)
	}
	expiresAt := time.Now().Add(s.sessionTTL)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO auth_sessions (
			user_id, session_token_hash, expires_at, ip_address, user_agent, created_at
		) VALUES (
			$1, $2, $3, $4, $5, now()
		)
	`, userID, hashToken(token), expiresAt, nullableString(ipAddress), nullableString(userAgent))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("insert session: %w", err)
	}
	return token, expiresAt, nil
}

func (s *Service) GetSessionUser(ctx context.Context, token string) (*User, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrUnauthorized
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.username, u.email, u.full_name, u.role, u.account_status
		FROM auth_sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.session_token_hash = $1
		  AND s.revoked_at IS NULL
		  AND s.expires_at > now()
		LIMIT 1
	`, hashToken(token))

	var u User
	var email sql.NullString
	if err := row.Scan(&u.ID, &u.Username, &email, &u.FullName, &u.Role, &u.AccountStatus); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("query session user: %w", err)
	}
	if email.Valid {
		u.Email = &email.String
	}
	if u.AccountStatus != "active" {
		return nil, ErrUnauthorized
	}
	return &u, nil
}

func (s *Service) RevokeSession(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE auth_sessions
		SET revoked_at = now()
		WHERE session_token_hash = $1
		  AND revoked_at IS NULL
	`, hashToken(token))
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// HashPassword is used by seeding tools and tests.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(b), nil
}

func checkPassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

func nullableString(s string) interface{} {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return s
}

func generateToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
