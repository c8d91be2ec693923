package httpapi

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"opstracker/backend/internal/domain"
)

const (
	RoleOperator = "operator"
	RoleViewer   = "viewer"

	tokenIssuer = "opstracker"
)

var (
	errInvalidCredentials = errors.New("invalid credentials")
	errInvalidToken       = errors.New("invalid or expired token")
)

// AuthManager holds the configured logins and issues HS256 bearer tokens.
// Operators may write; viewers only read.
type AuthManager struct {
	mu       sync.RWMutex
	secret   []byte
	tokenTTL time.Duration
	hashCost int
	parser   *jwtlib.Parser
	accounts map[string]account
	now      func() time.Time
}

type account struct {
	hash string
	role string
}

type ledgerClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(secret string, tokenTTL time.Duration) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	return &AuthManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		hashCost: bcrypt.DefaultCost,
		parser: jwtlib.NewParser(
			jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
			jwtlib.WithIssuer(tokenIssuer),
			jwtlib.WithExpirationRequired(),
		),
		accounts: make(map[string]account),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// AddUser registers a login. A password that already is a bcrypt hash is
// stored as it is; anything else is hashed first.
func (a *AuthManager) AddUser(username, password, role string) error {
	name := normalizeUsername(username)
	switch {
	case name == "" || strings.ContainsAny(name, " \t\r\n"):
		return fmt.Errorf("username must be non-empty without spaces")
	case role != RoleOperator && role != RoleViewer:
		return fmt.Errorf("unknown role %q", role)
	case strings.TrimSpace(password) == "":
		return fmt.Errorf("password for %s must not be empty", name)
	}

	hash := password
	if _, err := bcrypt.Cost([]byte(password)); err != nil {
		generated, err := bcrypt.GenerateFromPassword([]byte(password), a.hashCost)
		if err != nil {
			return fmt.Errorf("hash password for %s: %w", name, err)
		}
		hash = string(generated)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.accounts[name] = account{hash: hash, role: role}
	return nil
}

func (a *AuthManager) Login(req domain.LoginRequest) (domain.LoginResponse, error) {
	name := normalizeUsername(req.Username)
	a.mu.RLock()
	acct, ok := a.accounts[name]
	a.mu.RUnlock()
	if !ok || strings.TrimSpace(req.Password) == "" {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(acct.hash), []byte(req.Password)) != nil {
		return domain.LoginResponse{}, errInvalidCredentials
	}

	issuedAt := a.now()
	expiresAt := issuedAt.Add(a.tokenTTL)
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, ledgerClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   name,
			Issuer:    tokenIssuer,
			IssuedAt:  jwtlib.NewNumericDate(issuedAt),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
		},
		Role: acct.role,
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	return domain.LoginResponse{
		AccessToken: signed,
		Role:        acct.role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

// ParseToken verifies signature, issuer and expiry and returns the actor the
// token was issued to.
func (a *AuthManager) ParseToken(raw string) (domain.Actor, error) {
	claims := &ledgerClaims{}
	if _, err := a.parser.ParseWithClaims(raw, claims, a.signingKey); err != nil {
		return domain.Actor{}, errInvalidToken
	}
	if claims.Subject == "" || (claims.Role != RoleOperator && claims.Role != RoleViewer) {
		return domain.Actor{}, errInvalidToken
	}
	return domain.Actor{Username: claims.Subject, Role: claims.Role}, nil
}

func (a *AuthManager) signingKey(*jwtlib.Token) (interface{}, error) {
	return a.secret, nil
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
