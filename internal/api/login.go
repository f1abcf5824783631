package api

import (
	"context"
	"net/http"
	"time"

	"github.com/shalteor/edbcore/internal/crypto"
	"github.com/shalteor/edbcore/internal/errors"
)

// PrinRef names a principal by type and value
type PrinRef struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// LoginRequest represents the login request body
type LoginRequest struct {
	Type     string `json:"type"`
	Value    string `json:"value"`
	Password string `json:"password"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token       string  `json:"token"`
	Principal   PrinRef `json:"principal"`
	Generic     string  `json:"generic"`
	Fingerprint string  `json:"fingerprint"`
}

// HandleLogin implements POST /v1/login
func (s *Server) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Type == "" || req.Value == "" || req.Password == "" {
		WriteError(w, http.StatusBadRequest, "type, value and password are required")
		return
	}

	prin, err := s.graph.Prin(req.Type, req.Value)
	if err != nil {
		s.writeKeyError(w, r, err)
		return
	}

	key, err := crypto.DeriveRootKey(req.Password, crypto.RootSalt(prin.Value), s.kdf)
	if err != nil {
		s.writeKeyError(w, r, err)
		return
	}
	defer crypto.Zero(key)

	// A logout of the same principal must not run between these two steps.
	s.mu.Lock()
	if err := s.keys.InsertPsswd(r.Context(), prin, key); err != nil {
		s.mu.Unlock()
		s.writeKeyError(w, r, err)
		return
	}
	token, session, err := s.sessions.Create(prin)
	s.mu.Unlock()
	if err != nil {
		s.writeKeyError(w, r, err)
		return
	}
	s.logger.Info("session opened", "principal", prin.ID().String(), "session", session.ID)

	WriteJSON(w, http.StatusOK, LoginResponse{
		Token:       token,
		Principal:   PrinRef{Type: prin.Type, Value: prin.Value},
		Generic:     prin.Gen,
		Fingerprint: crypto.Fingerprint(key),
	})
}

// HandleLogout implements POST /v1/logout. The principal's keys are only
// dropped when its last session closes.
func (s *Server) HandleLogout(w http.ResponseWriter, r *http.Request) {
	session, ok := GetSession(r.Context())
	if !ok {
		WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if remaining := s.sessions.Delete(session.ID); remaining > 0 {
		s.logger.Info("session closed", "principal", session.Prin.ID().String(), "remaining", remaining)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := s.keys.RemovePsswd(r.Context(), session.Prin); err != nil && !errors.Match(errors.NotFound, err) {
		s.writeKeyError(w, r, err)
		return
	}
	s.logger.Info("session closed", "principal", session.Prin.ID().String(), "remaining", 0)
	w.WriteHeader(http.StatusNoContent)
}

// ExpireSessions drops expired sessions and logs out every principal whose
// last session expired.
func (s *Server) ExpireSessions(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.sessions.Expire() {
		if err := s.keys.RemovePsswd(ctx, p); err != nil && !errors.Match(errors.NotFound, err) {
			return err
		}
		s.logger.Info("session expired", "principal", p.ID().String())
	}
	return nil
}

// RunExpiry calls ExpireSessions every interval until ctx is done.
func (s *Server) RunExpiry(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ExpireSessions(ctx); err != nil {
				s.logger.Error("failed to expire sessions", "error", err)
			}
		}
	}
}
