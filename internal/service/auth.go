package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"messenger/internal/auth"
	"messenger/internal/domain"
	"messenger/internal/store"
	"messenger/internal/util"
)

type UserStore interface {
	CreateUser(ctx context.Context, u store.User) error
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
}

// Denylist is backed by redis or, without it, Postgres.
type Denylist interface {
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

type Session struct {
	User      store.User
	Token     string
	ExpiresAt time.Time
}

type AuthService struct {
	Users    UserStore
	Tokens   *auth.Tokens
	Denylist Denylist
}

func normalizeEmail(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}

func (s *AuthService) Signup(ctx context.Context, c domain.Credentials) (Session, error) {
	c.Email = normalizeEmail(c.Email)
	if err := c.Validate(); err != nil {
		return Session{}, err
	}
	hash, err := auth.HashPassword(c.Password)
	if err != nil {
		return Session{}, err
	}
	u := store.User{ID: util.NewUserID(), Email: c.Email, PasswordHash: hash, CreatedAt: util.NowUTC()}
	if err := s.Users.CreateUser(ctx, u); err != nil {
		if errors.Is(err, domain.ErrEmailTaken) {
			return Session{}, domain.NewValidationError("Email has already been taken")
		}
		return Session{}, err
	}
	slog.Info("user signed up", "user_id", u.ID)
	return s.issue(u)
}

func (s *AuthService) Login(ctx context.Context, c domain.Credentials) (Session, error) {
	email := normalizeEmail(c.Email)
	if email == "" || c.Password == "" {
		return Session{}, domain.ErrInvalidCredentials
	}
	u, err := s.Users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Session{}, domain.ErrInvalidCredentials
		}
		return Session{}, err
	}
	if !auth.CheckPassword(c.Password, u.PasswordHash) {
		return Session{}, domain.ErrInvalidCredentials
	}
	return s.issue(u)
}

func (s *AuthService) issue(u store.User) (Session, error) {
	token, claims, err := s.Tokens.Issue(u.ID, u.Email)
	if err != nil {
		return Session{}, err
	}
	return Session{User: u, Token: token, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Logout revokes the caller's token until it expires.
func (s *AuthService) Logout(ctx context.Context, p auth.Principal) error {
	if err := s.Denylist.Revoke(ctx, p.TokenID, p.ExpiresAt); err != nil {
		return err
	}
	slog.Info("user logged out", "user_id", p.UserID)
	return nil
}

// Authenticate resolves a raw bearer token. Invalid, expired and revoked
// tokens are all ErrUnauthorized; a denylist failure is returned as is.
func (s *AuthService) Authenticate(ctx context.Context, raw string) (auth.Principal, error) {
	claims, err := s.Tokens.Parse(raw)
	if err != nil {
		return auth.Principal{}, domain.ErrUnauthorized
	}
	revoked, err := s.Denylist.IsRevoked(ctx, claims.ID)
	if err != nil {
		return auth.Principal{}, fmt.Errorf("authenticate: %w", err)
	}
	if revoked {
		return auth.Principal{}, domain.ErrUnauthorized
	}
	return auth.PrincipalFromClaims(claims), nil
}
