package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const (
	csrfKeyPrefix  = "csrf:"
	defaultCSRFTTL = 12 * time.Hour
)

// TokenStore issues and validates CSRF tokens for the operator UI.
type TokenStore struct {
	client   *goredis.Client
	ttl      time.Duration
	newToken func() string
}

func NewTokenStore(client *goredis.Client, ttl time.Duration) (*TokenStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		ttl = defaultCSRFTTL
	}
	return &TokenStore{
		client:   client,
		ttl:      ttl,
		newToken: uuid.NewString,
	}, nil
}

func (s *TokenStore) Issue(ctx context.Context) (string, error) {
	token := s.newToken()
	if err := s.client.Set(ctx, csrfKeyPrefix+token, 1, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("failed to store csrf token: %w", err)
	}
	return token, nil
}

// Validate reports whether token was issued and has not expired.
func (s *TokenStore) Validate(ctx context.Context, token string) (bool, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return false, nil
	}

	err := s.client.Get(ctx, csrfKeyPrefix+token).Err()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to validate csrf token: %w", err)
	}
	return true, nil
}
