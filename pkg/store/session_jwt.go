package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"versioncoffee/internal/usertoken"
	"versioncoffee/internal/util"
	"versioncoffee/pkg/domain"
)

// DefaultSessionTTL is the lifetime of a login credential.
const DefaultSessionTTL = 7 * 24 * time.Hour

// JWTSessionStore issues HS256 session credentials and tracks logouts.
type JWTSessionStore struct {
	verifier *usertoken.Verifier
	revoker  TokenRevoker
	ttl      time.Duration
	now      func() time.Time
}

// NewJWTSessionStore builds a session store on top of a verifier. A nil
// revoker disables logout revocation.
func NewJWTSessionStore(verifier *usertoken.Verifier, revoker TokenRevoker, ttl time.Duration) (*JWTSessionStore, error) {
	if verifier == nil {
		return nil, errors.New("jwt session store: verifier required")
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &JWTSessionStore{
		verifier: verifier,
		revoker:  revoker,
		ttl:      ttl,
		now:      time.Now,
	}, nil
}

// TTL reports how long issued credentials stay valid.
func (s *JWTSessionStore) TTL() time.Duration { return s.ttl }

// NewSession signs a credential for the user and returns it with its expiry.
func (s *JWTSessionStore) NewSession(user domain.User) (string, time.Time, error) {
	if strings.TrimSpace(user.ID) == "" {
		return "", time.Time{}, errors.New("session subject required")
	}
	now := s.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(s.ttl)
	token, err := s.verifier.Sign(usertoken.SessionClaims{
		Email: user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        util.NewID(),
		},
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session: %w", err)
	}
	return token, expiresAt, nil
}

// Authenticate verifies the credential and rejects logged-out ones.
func (s *JWTSessionStore) Authenticate(ctx context.Context, token string) (usertoken.Claims, error) {
	claims, err := s.verifier.Verify(token)
	if err != nil {
		return usertoken.Claims{}, err
	}
	if s.revoker == nil || claims.ID == "" {
		return claims, nil
	}
	revoked, err := s.revoker.IsRevoked(ctx, claims.ID)
	if err != nil {
		return usertoken.Claims{}, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return usertoken.Claims{}, fmt.Errorf("%w: revoked", usertoken.ErrInvalidCredential)
	}
	return claims, nil
}

// DeleteSession revokes the credential until it expires. Unverifiable
// credentials are ignored.
func (s *JWTSessionStore) DeleteSession(ctx context.Context, token string) error {
	if s.revoker == nil {
		return nil
	}
	claims, err := s.verifier.Verify(token)
	if err != nil {
		return nil
	}
	return s.revoker.Revoke(ctx, claims.ID, claims.ExpiresAt)
}
