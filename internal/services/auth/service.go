package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/TheMichaelB/marksync/internal/events"
	"github.com/TheMichaelB/marksync/internal/models"
)

// TokenSource supplies the bearer token for batch requests. ok is false when
// no usable token exists; callers skip the request rather than fail it.
type TokenSource interface {
	Token(ctx context.Context) (token string, ok bool)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, bool)

// Token implements TokenSource.
func (f TokenFunc) Token(ctx context.Context) (string, bool) { return f(ctx) }

// StaticTokenSource always returns the same token. An empty token is absent.
type StaticTokenSource string

// Token implements TokenSource.
func (s StaticTokenSource) Token(context.Context) (string, bool) {
	return string(s), s != ""
}

// Service persists a bearer token in a file and serves it as a TokenSource.
type Service struct {
	tokenFile string
	logger    *events.Logger

	// Token cache
	mu    sync.Mutex
	token *models.TokenInfo
}

// NewService creates an auth service backed by tokenFile.
func NewService(tokenFile string, logger *events.Logger) *Service {
	return &Service{
		tokenFile: tokenFile,
		logger:    logger.WithField("service", "auth"),
	}
}

// Login stores a token. JWT expiry is picked up from the exp claim.
func (s *Service) Login(token, email string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("token required")
	}

	info := &models.TokenInfo{Token: token, Email: email}
	if exp, ok := jwtExpiry(token); ok {
		info.ExpiresAt = exp
	}

	if info.IsExpired() {
		return fmt.Errorf("token expired at %s", info.ExpiresAt.Format(time.RFC3339))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.saveToken(info); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	s.token = info

	s.logger.WithField("email", email).Info("Token stored")
	return nil
}

// Logout forgets the token and removes the token file.
func (s *Service) Logout() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = nil

	if s.tokenFile != "" {
		if err := os.Remove(s.tokenFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove token file: %w", err)
		}
	}

	s.logger.Info("Logged out")
	return nil
}

// GetToken returns current token if valid.
func (s *Service) GetToken() (*models.TokenInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != nil && usable(s.token) {
		return s.token, nil
	}

	if err := s.loadToken(); err == nil && usable(s.token) {
		return s.token, nil
	}

	return nil, models.ErrNotAuthenticated
}

// Token implements TokenSource.
func (s *Service) Token(ctx context.Context) (string, bool) {
	info, err := s.GetToken()
	if err != nil {
		return "", false
	}
	return info.Token, true
}

func usable(t *models.TokenInfo) bool {
	if t == nil || t.Token == "" || t.IsExpired() {
		return false
	}
	if exp, ok := jwtExpiry(t.Token); ok && time.Now().After(exp) {
		return false
	}
	return true
}

// jwtExpiry reads the exp claim without verifying the signature; the remote
// side verifies it. Opaque tokens report ok=false.
func jwtExpiry(token string) (time.Time, bool) {
	if strings.Count(token, ".") != 2 {
		return time.Time{}, false
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}

	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Token persistence

func (s *Service) saveToken(info *models.TokenInfo) error {
	if s.tokenFile == "" {
		return nil
	}

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.tokenFile), 0700); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}

	// Save with restricted permissions
	return os.WriteFile(s.tokenFile, data, 0600)
}

func (s *Service) loadToken() error {
	if s.tokenFile == "" {
		return fmt.Errorf("no token file configured")
	}

	data, err := os.ReadFile(s.tokenFile)
	if err != nil {
		return fmt.Errorf("read token file: %w", err)
	}

	var token models.TokenInfo
	if err := json.Unmarshal(data, &token); err != nil {
		return fmt.Errorf("parse token: %w", err)
	}

	s.token = &token
	return nil
}
