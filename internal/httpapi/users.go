package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/meshworks/meshchat/internal/auth"
)

// handleMe returns the caller's user row, creating it on first sight so
// clients have a stable numeric id to work with.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	sendJSON(w, http.StatusOK, user)
}

type devTokenRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type devTokenResponse struct {
	Token string `json:"token"`
}

// handleDevToken exchanges the shared development password for a bearer
// token. The endpoint stays dark unless a password hash is configured.
func (s *Server) handleDevToken(w http.ResponseWriter, r *http.Request) {
	if s.dev == nil || !s.dev.Enabled() {
		sendError(w, "dev login disabled", http.StatusForbidden)
		return
	}

	var req devTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Email == "" || req.Password == "" {
		sendError(w, "missing email or password", http.StatusBadRequest)
		return
	}

	token, err := s.dev.Issue(req.Name, req.Email, req.Password)
	switch {
	case errors.Is(err, auth.ErrBadCredentials):
		s.logger.Warn("Dev login failed", zap.String("email", req.Email))
		sendError(w, "invalid email or password", http.StatusUnauthorized)
	case errors.Is(err, auth.ErrDevLoginDisabled):
		sendError(w, "dev login disabled", http.StatusForbidden)
	case err != nil:
		s.logger.Error("Dev token issue failed", zap.Error(err))
		sendError(w, "internal server error", http.StatusInternalServerError)
	default:
		sendJSON(w, http.StatusOK, devTokenResponse{Token: token})
	}
}
