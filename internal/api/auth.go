package api

import (
	"crypto/rand"
	stderrors "errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shalteor/edbcore/internal/access"
)

const sessionIssuer = "edbcore"

var (
	ErrMissingAuthHeader = stderrors.New("missing authorization header")
	ErrInvalidAuthHeader = stderrors.New("invalid authorization header format")
	ErrInvalidToken      = stderrors.New("invalid or expired token")
)

// Claims are the session token claims. The session id is the JWT id.
type Claims struct {
	PrinType  string `json:"prin_type"`
	PrinValue string `json:"prin_value"`
	jwt.RegisteredClaims
}

// Session is one login of a principal
type Session struct {
	ID        string
	Prin      access.Prin
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (s *Session) expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// SessionStore signs session tokens and tracks the live sessions so a
// logout revokes its token before it expires.
type SessionStore struct {
	mu       sync.RWMutex
	secret   []byte
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]*Session
}

// NewSessionStore returns a store signing with secret. A nil secret is
// replaced by 32 random bytes.
func NewSessionStore(secret []byte, ttl time.Duration) (*SessionStore, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate session secret: %w", err)
		}
	}
	return &SessionStore{
		secret:   secret,
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}, nil
}

// Create opens a session for p and returns its signed token.
func (s *SessionStore) Create(p access.Prin) (string, *Session, error) {
	now := s.now()
	session := &Session{
		ID:        uuid.New().String(),
		Prin:      p,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	claims := Claims{
		PrinType:  p.Type,
		PrinValue: p.Value,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        session.ID,
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    sessionIssuer,
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign session token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
	return token, session, nil
}

// Get validates token and returns its live session.
func (s *SessionStore) Get(token string) (*Session, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Method.Alg())
		}
		return s.secret, nil
	}, jwt.WithIssuer(sessionIssuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[claims.ID]
	if !ok || session.expired(s.now()) {
		return nil, ErrInvalidToken
	}
	return session, nil
}

// Delete closes the session id and returns how many unexpired sessions of
// the same principal remain open. Its expired sessions are dropped too.
func (s *SessionStore) Delete(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return 0
	}
	delete(s.sessions, id)
	now := s.now()
	remaining := 0
	for oid, other := range s.sessions {
		if other.Prin.ID() != session.Prin.ID() {
			continue
		}
		if other.expired(now) {
			delete(s.sessions, oid)
			continue
		}
		remaining++
	}
	return remaining
}

// Expire drops every expired session and returns the principals left
// without an open session.
func (s *SessionStore) Expire() []access.Prin {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	closed := make(map[access.PrinID]access.Prin)
	for id, session := range s.sessions {
		if session.expired(now) {
			delete(s.sessions, id)
			closed[session.Prin.ID()] = session.Prin
		}
	}
	for _, session := range s.sessions {
		delete(closed, session.Prin.ID())
	}

	out := make([]access.Prin, 0, len(closed))
	for _, p := range closed {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID().Less(out[j].ID()) })
	return out
}

// Len returns the number of open sessions.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// AuthMiddleware validates the session token
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			WriteError(w, http.StatusUnauthorized, ErrMissingAuthHeader.Error())
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			WriteError(w, http.StatusUnauthorized, ErrInvalidAuthHeader.Error())
			return
		}

		session, err := s.sessions.Get(parts[1])
		if err != nil {
			s.logger.Debug("rejected token", "error", err)
			WriteError(w, http.StatusUnauthorized, ErrInvalidToken.Error())
			return
		}

		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), session)))
	})
}
