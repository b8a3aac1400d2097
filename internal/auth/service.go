// Package auth owns users, login with lockout, JWT issuance and the
// role-permission matrix.
package auth

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/gridscope/scadasim/internal/config"
	"github.com/gridscope/scadasim/internal/metrics"
	"github.com/gridscope/scadasim/internal/scadaerr"
)

// Lockout policy: this many failures inside the window locks the account
// until the oldest failure ages out.
const (
	LockoutThreshold = 5
	LockoutWindow    = 15 * time.Minute
)

type user struct {
	name string
	hash []byte
	role string
}

// Claims is the JWT payload.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Session is the result of a successful login.
type Session struct {
	Token       string
	Username    string
	Role        string
	Permissions []string
	ExpiresAt   time.Time
}

// Service authenticates users and mints tokens.
type Service struct {
	logger   *slog.Logger
	met      *metrics.Metrics
	secret   []byte
	lifetime time.Duration

	mu       sync.Mutex
	users    map[string]*user
	failures map[string][]time.Time

	now func() time.Time
}

// NewService hashes any plaintext seed passwords and builds the user table.
func NewService(logger *slog.Logger, cfg *config.Config, met *metrics.Metrics) (*Service, error) {
	s := &Service{
		logger:   logger.With("component", "auth"),
		met:      met,
		secret:   []byte(cfg.Master.JWTSecret),
		lifetime: cfg.TokenLifetime(),
		users:    make(map[string]*user, len(cfg.Users)),
		failures: make(map[string][]time.Time),
		now:      time.Now,
	}

	for _, entry := range cfg.Users {
		if !KnownRole(entry.Role) {
			return nil, fmt.Errorf("auth: user %s has unknown role %q", entry.Username, entry.Role)
		}
		hash := []byte(entry.PasswordHash)
		if len(hash) == 0 {
			h, err := bcrypt.GenerateFromPassword([]byte(entry.Password), bcrypt.DefaultCost)
			if err != nil {
				return nil, fmt.Errorf("auth: hashing seed password for %s: %w", entry.Username, err)
			}
			hash = h
		}
		s.users[entry.Username] = &user{name: entry.Username, hash: hash, role: entry.Role}
	}
	return s, nil
}

// Login verifies credentials and issues a token. Unknown users and bad
// passwords are indistinguishable to the caller.
func (s *Service) Login(username, password string) (Session, error) {
	now := s.now().UTC()

	s.mu.Lock()
	if s.lockedLocked(username, now) {
		s.mu.Unlock()
		s.countFailure()
		s.logger.Warn("login rejected, account locked", "username", username)
		return Session{}, scadaerr.New(scadaerr.KindAuthFailure, "account temporarily locked")
	}
	u, known := s.users[username]
	s.mu.Unlock()

	// bcrypt runs outside the lock; a dummy compare keeps timing flat for
	// unknown users.
	target := dummyHash
	if known {
		target = u.hash
	}
	matchErr := bcrypt.CompareHashAndPassword(target, []byte(password))

	if !known || matchErr != nil {
		s.mu.Lock()
		s.failures[username] = append(s.pruneLocked(username, now), now)
		s.mu.Unlock()
		s.countFailure()
		s.logger.Warn("login failed", "username", username)
		return Session{}, scadaerr.New(scadaerr.KindAuthFailure, "invalid credentials")
	}

	s.mu.Lock()
	delete(s.failures, username)
	s.mu.Unlock()

	expires := now.Add(s.lifetime)
	claims := Claims{
		Role: u.role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.name,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return Session{}, scadaerr.Wrap(scadaerr.KindInternal, "signing token", err)
	}

	s.logger.Info("login", "username", u.name, "role", u.role)
	return Session{
		Token:       token,
		Username:    u.name,
		Role:        u.role,
		Permissions: Permissions(u.role),
		ExpiresAt:   expires,
	}, nil
}

// ParseToken verifies a bearer token and returns its claims.
func (s *Service) ParseToken(tokenString string) (Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil || !token.Valid {
		s.countFailure()
		return Claims{}, scadaerr.New(scadaerr.KindAuthFailure, "invalid or expired token")
	}
	if !KnownRole(claims.Role) {
		s.countFailure()
		return Claims{}, scadaerr.New(scadaerr.KindAuthFailure, "token carries unknown role")
	}
	return claims, nil
}

// Authorize checks a role against a permission.
func (s *Service) Authorize(role, permission string) error {
	if RoleHasPermission(role, permission) {
		return nil
	}
	return scadaerr.Newf(scadaerr.KindPermissionDenied, "role %s lacks %s", role, permission)
}

// UserInfo is one row of the admin user listing.
type UserInfo struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

// Users lists usernames and roles for the admin surface.
func (s *Service) Users() []UserInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]UserInfo, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, UserInfo{Username: u.name, Role: u.role})
	}
	return out
}

// FailureCount reports recent failures for a user, for the security view.
func (s *Service) FailureCount(username string) int {
	now := s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pruneLocked(username, now))
}

func (s *Service) lockedLocked(username string, now time.Time) bool {
	recent := s.pruneLocked(username, now)
	s.failures[username] = recent
	return len(recent) >= LockoutThreshold
}

// pruneLocked drops failures older than the lockout window.
func (s *Service) pruneLocked(username string, now time.Time) []time.Time {
	hist := s.failures[username]
	cutoff := now.Add(-LockoutWindow)
	var kept []time.Time
	for _, t := range hist {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

func (s *Service) countFailure() {
	if s.met != nil {
		s.met.AuthFailures.Inc()
	}
}

// dummyHash is compared against when the username does not exist.
var dummyHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("scadasim-dummy-credential"), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	return h
}()
