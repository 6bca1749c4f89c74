package ipc

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rjsadow/mortis/internal/middleware"
)

const tokenIssuer = "mortis"

// Claims are the JWT claims of an IPC token.
type Claims struct {
	jwt.RegisteredClaims
	Role     string `json:"role"`
	PluginID string `json:"plugin_id,omitempty"`
}

// TokenService mints and validates IPC bearer tokens. The host UI holds a
// host token; each plugin surface receives a token bound to its id through
// the capability bridge.
type TokenService struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

// NewTokenService creates a service signing with secret. An empty secret
// generates a random one, so tokens do not survive a restart.
func NewTokenService(secret string, expiry time.Duration) (*TokenService, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate ipc secret: %w", err)
		}
	}
	if len(key) < 32 {
		return nil, errors.New("ipc secret must be at least 32 bytes")
	}
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &TokenService{secret: key, expiry: expiry, now: time.Now}, nil
}

// HostToken returns a token for the host UI.
func (s *TokenService) HostToken() (string, error) {
	return s.generate(middleware.RoleHost, "")
}

// PluginToken implements bridge.TokenIssuer.
func (s *TokenService) PluginToken(pluginID string) (string, error) {
	if pluginID == "" {
		return "", errors.New("plugin id is required")
	}
	return s.generate(middleware.RolePlugin, pluginID)
}

func (s *TokenService) generate(role, pluginID string) (string, error) {
	now := s.now()
	subject := role
	if pluginID != "" {
		subject = "plugin:" + pluginID
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			Subject:   subject,
		},
		Role:     role,
		PluginID: pluginID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Authenticate implements middleware.Authenticator.
func (s *TokenService) Authenticate(_ context.Context, tokenString string) (*middleware.AuthResult, error) {
	if tokenString == "" {
		return &middleware.AuthResult{Authenticated: false, Message: "No token provided"}, nil
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return &middleware.AuthResult{Authenticated: false, Message: "Token expired"}, nil
		}
		return &middleware.AuthResult{Authenticated: false, Message: "Invalid token"}, nil
	}
	if !token.Valid {
		return &middleware.AuthResult{Authenticated: false, Message: "Invalid token"}, nil
	}

	switch {
	case claims.Role == middleware.RoleHost:
	case claims.Role == middleware.RolePlugin && claims.PluginID != "":
	default:
		return &middleware.AuthResult{Authenticated: false, Message: "Invalid token role"}, nil
	}

	return &middleware.AuthResult{
		Authenticated: true,
		Principal:     &middleware.Principal{Role: claims.Role, PluginID: claims.PluginID},
	}, nil
}

// WriteHostToken writes a fresh host token to path, readable only by the
// current user, and returns it.
func (s *TokenService) WriteHostToken(path string) (string, error) {
	token, err := s.HostToken()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("create token dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write host token: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(path, 0o600); err != nil {
		return "", fmt.Errorf("restrict host token: %w", err)
	}
	return token, nil
}
