package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"messenger/internal/auth"
	"messenger/internal/domain"
	"messenger/internal/service"
)

type AuthService interface {
	Signup(ctx context.Context, c domain.Credentials) (service.Session, error)
	Login(ctx context.Context, c domain.Credentials) (service.Session, error)
	Logout(ctx context.Context, p auth.Principal) error
}

// Sessions serves signup, login and logout under /auth.
type Sessions struct {
	Svc  AuthService
	Auth func(http.Handler) http.Handler
}

func (s *Sessions) Register(r *mux.Router) {
	r.HandleFunc("/auth/signup", s.handleSignup).Methods(http.MethodPost)
	r.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	r.Handle("/auth/logout", s.Auth(http.HandlerFunc(s.handleLogout))).Methods(http.MethodDelete)
}

type userView struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type sessionData struct {
	User      userView  `json:"user"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type sessionResponse struct {
	Status statusBody   `json:"status"`
	Data   *sessionData `json:"data,omitempty"`
	Errors []string     `json:"errors,omitempty"`
}

func writeSession(w http.ResponseWriter, msg string, sess service.Session) {
	w.Header().Set("Authorization", "Bearer "+sess.Token)
	writeJSON(w, http.StatusOK, sessionResponse{
		Status: statusBody{Code: http.StatusOK, Message: msg},
		Data: &sessionData{
			User:      userView{ID: sess.User.ID, Email: sess.User.Email},
			Token:     sess.Token,
			ExpiresAt: sess.ExpiresAt,
		},
	})
}

func writeStatus(w http.ResponseWriter, code int, msg string, errs ...string) {
	writeJSON(w, code, sessionResponse{Status: statusBody{Code: code, Message: msg}, Errors: errs})
}

func decodeCredentials(r *http.Request) (domain.Credentials, bool) {
	var req domain.CredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return domain.Credentials{}, false
	}
	return req.User, true
}

func (s *Sessions) handleSignup(w http.ResponseWriter, r *http.Request) {
	c, ok := decodeCredentials(r)
	if !ok {
		writeError(w, http.StatusBadRequest, ErrInvalidJSON)
		return
	}
	sess, err := s.Svc.Signup(r.Context(), c)
	if err != nil {
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			writeStatus(w, http.StatusUnprocessableEntity, "User could not be created.", ve.Details...)
			return
		}
		slog.Error("signup failed", "err", err)
		writeError(w, http.StatusInternalServerError, ErrInternal)
		return
	}
	writeSession(w, "Signed up successfully.", sess)
}

func (s *Sessions) handleLogin(w http.ResponseWriter, r *http.Request) {
	c, ok := decodeCredentials(r)
	if !ok {
		writeError(w, http.StatusBadRequest, ErrInvalidJSON)
		return
	}
	sess, err := s.Svc.Login(r.Context(), c)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidCredentials) {
			writeStatus(w, http.StatusUnauthorized, "Invalid email or password.")
			return
		}
		slog.Error("login failed", "err", err)
		writeError(w, http.StatusInternalServerError, ErrInternal)
		return
	}
	writeSession(w, "Logged in successfully.", sess)
}

func (s *Sessions) handleLogout(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())
	if err := s.Svc.Logout(r.Context(), p); err != nil {
		slog.Error("logout failed", "err", err, "user_id", p.UserID)
		writeError(w, http.StatusInternalServerError, ErrInternal)
		return
	}
	writeStatus(w, http.StatusOK, "Logged out successfully.")
}
