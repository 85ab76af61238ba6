package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/ventisec/ventiscan/pkg/storage"
	"github.com/ventisec/ventiscan/pkg/types"
)

// DefaultTokenLifetime bounds how long an issued token is valid. Tokens are
// not renewable; clients re-authenticate on expiry.
const DefaultTokenLifetime = 24 * time.Hour

// dummyHash is compared against when the login does not exist, so the
// failure path costs the same as a real bcrypt comparison.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("ventiscan-timing-pad"), bcrypt.DefaultCost)

// Service verifies credentials and issues signed bearer tokens.
type Service struct {
	store    storage.Store
	secret   []byte
	lifetime time.Duration
}

// NewService creates a token service signing under the given process
// secret. A zero lifetime means the default; negative lifetimes issue
// already-expired tokens, which the expiry tests rely on.
func NewService(store storage.Store, secret string, lifetime time.Duration) *Service {
	if lifetime == 0 {
		lifetime = DefaultTokenLifetime
	}
	return &Service{
		store:    store,
		secret:   []byte(secret),
		lifetime: lifetime,
	}
}

type tokenClaims struct {
	Role  string `json:"role"`
	Login string `json:"login"`
	jwt.RegisteredClaims
}

// Authenticate verifies a login/password pair and issues a bearer token
// carrying the principal's role as a claim.
func (s *Service) Authenticate(login, password string) (string, *types.Principal, time.Time, error) {
	p, err := s.store.GetPrincipalByLogin(login)
	if err != nil {
		// Burn a comparison anyway so unknown logins are not distinguishable
		// by response time.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return "", nil, time.Time{}, types.ErrInvalidCredentials
	}
	if !p.Active {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return "", nil, time.Time{}, types.ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword(p.PasswordHash, []byte(password)); err != nil {
		return "", nil, time.Time{}, types.ErrInvalidCredentials
	}

	now := time.Now()
	expiresAt := now.Add(s.lifetime)
	claims := tokenClaims{
		Role:  string(p.Role),
		Login: p.Login,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", nil, time.Time{}, fmt.Errorf("sign token: %w", err)
	}

	return token, p, expiresAt, nil
}

// Verify validates a bearer token and returns the live principal. The
// subject is looked up in the store, so tokens for deleted or deactivated
// principals are rejected even before their expiry.
func (s *Service) Verify(tokenString string) (*types.Principal, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, types.ErrExpiredToken
		}
		return nil, types.ErrInvalidToken
	}

	p, err := s.store.GetPrincipal(claims.Subject)
	if err != nil || !p.Active {
		return nil, types.ErrInvalidToken
	}

	return p, nil
}

// RequireRole checks a principal against the required role. Admins satisfy
// every requirement.
func (s *Service) RequireRole(p *types.Principal, required types.Role) error {
	if p == nil {
		return types.ErrForbidden
	}
	if p.Role == types.RoleAdmin || p.Role == required {
		return nil
	}
	return types.ErrForbidden
}

// RequireAdmin re-checks the admin role against the store rather than the
// token claim, closing the window where a demoted admin still holds a
// token with a stale role.
func (s *Service) RequireAdmin(p *types.Principal) error {
	if p == nil {
		return types.ErrForbidden
	}
	fresh, err := s.store.GetPrincipal(p.ID)
	if err != nil || !fresh.Active || fresh.Role != types.RoleAdmin {
		return types.ErrForbidden
	}
	return nil
}

// CreatePrincipal creates a new account with a bcrypt-hashed password.
func (s *Service) CreatePrincipal(login, password string, role types.Role) (*types.Principal, error) {
	if login == "" || password == "" {
		return nil, fmt.Errorf("login and password required: %w", types.ErrBadRequest)
	}
	if role != types.RoleAdmin && role != types.RoleUser {
		return nil, fmt.Errorf("unknown role %q: %w", role, types.ErrBadRequest)
	}
	if existing, err := s.store.GetPrincipalByLogin(login); err == nil && existing != nil {
		return nil, fmt.Errorf("login %s taken: %w", login, types.ErrConflict)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	p := &types.Principal{
		ID:           uuid.New().String(),
		Login:        login,
		Role:         role,
		PasswordHash: hash,
		Active:       true,
		CreatedAt:    time.Now(),
	}
	if err := s.store.CreatePrincipal(p); err != nil {
		return nil, err
	}
	return p, nil
}

// DeactivatePrincipal marks an account inactive. Outstanding tokens for it
// fail verification from the next use on.
func (s *Service) DeactivatePrincipal(login string) error {
	p, err := s.store.GetPrincipalByLogin(login)
	if err != nil {
		return err
	}
	p.Active = false
	return s.store.UpdatePrincipal(p)
}

// SeedAdmin ensures the initial admin principal exists. Called once at
// startup with the configured seed credentials; a no-op if the login is
// already present.
func (s *Service) SeedAdmin(login, password string) error {
	if login == "" || password == "" {
		return nil
	}
	if _, err := s.store.GetPrincipalByLogin(login); err == nil {
		return nil
	}
	_, err := s.CreatePrincipal(login, password, types.RoleAdmin)
	return err
}
