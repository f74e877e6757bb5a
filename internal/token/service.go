package token

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	nanoid "github.com/jaevor/go-nanoid"

	"realtime-gateway/internal/config"
)

const (
	linkAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	// MaxLinkAttempts bounds collision probing for new link ids.
	MaxLinkAttempts = 20
)

// Service issues identifiers, bearer tokens and invite link ids.
type Service struct {
	ids     *Generator
	secret  []byte
	clock   clock.Clock
	newLink func() string
}

// NewService creates a token service from configuration.
func NewService(cfg config.TokenConfig, clk clock.Clock) (*Service, error) {
	if cfg.Secret == "" {
		return nil, errors.New("token secret is required")
	}
	if clk == nil {
		clk = clock.New()
	}

	newLink, err := nanoid.CustomASCII(linkAlphabet, cfg.LinkLength)
	if err != nil {
		return nil, fmt.Errorf("link generator: %w", err)
	}

	return &Service{
		ids:     NewGenerator(clk, cfg.Epoch),
		secret:  []byte(cfg.Secret),
		clock:   clk,
		newLink: newLink,
	}, nil
}

// NewID returns a new unique identifier.
func (s *Service) NewID() string {
	return s.ids.NextString()
}

// Sign returns a bearer token bound to id.
func (s *Service) Sign(id string) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:  id,
		IssuedAt: jwt.NewNumericDate(s.clock.Now()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify checks token and returns the identifier it is bound to. A positive
// maxAge rejects tokens issued longer ago than that.
func (s *Service) Verify(tokenString string, maxAge time.Duration) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.clock.Now),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.IssuedAt == nil {
		return "", fmt.Errorf("%w: missing issue time", ErrInvalidToken)
	}
	if maxAge > 0 && s.clock.Since(claims.IssuedAt.Time) > maxAge {
		return "", fmt.Errorf("%w: expired", ErrInvalidToken)
	}
	if _, err := strconv.ParseUint(claims.Subject, 10, 64); err != nil {
		return "", fmt.Errorf("%w: malformed subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// NewLinkID returns a random alphanumeric link id.
func (s *Service) NewLinkID() string {
	return s.newLink()
}

// ProbeLinkID draws link ids until exists reports a free one, giving up with
// ErrResourceExhausted after MaxLinkAttempts.
func (s *Service) ProbeLinkID(ctx context.Context, exists func(context.Context, string) (bool, error)) (string, error) {
	for i := 0; i < MaxLinkAttempts; i++ {
		id := s.NewLinkID()
		taken, err := exists(ctx, id)
		if err != nil {
			return "", err
		}
		if !taken {
			return id, nil
		}
	}
	return "", ErrResourceExhausted
}
