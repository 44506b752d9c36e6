package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"seriesview/internal/errors"
)

var (
	ErrMissingAuth       = errors.New(errors.ErrCodeUnauthorized, "missing authentication")
	ErrInvalidAuthFormat = errors.New(errors.ErrCodeUnauthorized, "invalid authentication format")
	ErrInvalidAPIKey     = errors.New(errors.ErrCodeUnauthorized, "invalid API key")
	ErrBadCredentials    = errors.New(errors.ErrCodeUnauthorized, "invalid username or password")
)

// Claims carried by issued tokens.
type Claims struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// AuthConfig configures AuthManager.
type AuthConfig struct {
	Enabled     bool          `yaml:"enabled"`
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
	Issuer      string        `yaml:"issuer"`
	APIKeys     []string      `yaml:"api_keys"`
	// Users maps username to a bcrypt password hash.
	Users map[string]string `yaml:"users"`
}

// AuthManager issues and validates credentials.
type AuthManager struct {
	config    AuthConfig
	jwtSecret []byte
}

// NewAuthManager validates config and builds a manager.
func NewAuthManager(config AuthConfig) (*AuthManager, error) {
	if config.Enabled && config.JWTSecret == "" {
		return nil, errors.ErrInvalidConfiguration.WithDetails("jwt_secret is required when auth is enabled")
	}
	if config.TokenExpiry <= 0 {
		config.TokenExpiry = time.Hour
	}
	if config.Issuer == "" {
		config.Issuer = "seriesview"
	}
	return &AuthManager{
		config:    config,
		jwtSecret: []byte(config.JWTSecret),
	}, nil
}

// Enabled reports whether requests must authenticate.
func (am *AuthManager) Enabled() bool {
	return am.config.Enabled
}

// GenerateToken signs an HS256 token for username.
func (am *AuthManager) GenerateToken(username string, roles []string) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: username,
		Roles:    roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(am.config.TokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    am.config.Issuer,
			Subject:   username,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(am.jwtSecret)
}

// ValidateToken parses and verifies tokenString.
func (am *AuthManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return am.jwtSecret, nil
	})
	if err != nil {
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.Wrap(err, errors.ErrCodeTokenExpired, "token expired")
		}
		return nil, errors.Wrap(err, errors.ErrCodeTokenInvalid, "failed to parse token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.ErrTokenInvalid
	}
	return claims, nil
}

// ValidateAPIKey checks apiKey against the configured keys in constant time.
func (am *AuthManager) ValidateAPIKey(apiKey string) error {
	if apiKey == "" {
		return ErrInvalidAPIKey
	}
	for _, valid := range am.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(valid)) == 1 {
			return nil
		}
	}
	return ErrInvalidAPIKey
}

// Login checks username and password against the bcrypt user table and
// returns a signed token.
func (am *AuthManager) Login(username, password string) (string, error) {
	hash, ok := am.config.Users[username]
	if !ok {
		return "", ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", ErrBadCredentials
	}
	return am.GenerateToken(username, []string{"user"})
}

// HashPassword produces a bcrypt hash for the users table.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Authenticate accepts "Bearer <jwt>" or "ApiKey <key>".
func (am *AuthManager) Authenticate(authHeader string) (*Claims, error) {
	if authHeader == "" {
		return nil, ErrMissingAuth
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 {
		return nil, ErrInvalidAuthFormat
	}

	switch strings.ToLower(parts[0]) {
	case "bearer":
		return am.ValidateToken(parts[1])
	case "apikey":
		if err := am.ValidateAPIKey(parts[1]); err != nil {
			return nil, err
		}
		return &Claims{Username: "api-key", Roles: []string{"api"}}, nil
	default:
		return nil, ErrInvalidAuthFormat
	}
}

// GenerateAPIKey returns a random URL-safe key.
func GenerateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

type authContextKey struct{}

// WithAuthContext stores claims in ctx.
func WithAuthContext(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, authContextKey{}, claims)
}

// FromAuthContext reads claims stored by WithAuthContext.
func FromAuthContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(authContextKey{}).(*Claims)
	return claims, ok
}
