package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"versioncoffee/internal/usertoken"
	"versioncoffee/pkg/domain"
)

func newTestSessionStore(t *testing.T, revoker TokenRevoker) *JWTSessionStore {
	t.Helper()
	verifier, err := usertoken.NewVerifier(usertoken.Config{Secret: "0123456789abcdef0123456789abcdef"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	s, err := NewJWTSessionStore(verifier, revoker, 0)
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	return s
}

func TestJWTSessionStoreIssuesSevenDaySessions(t *testing.T) {
	s := newTestSessionStore(t, nil)
	before := time.Now()
	token, expiresAt, err := s.NewSession(domain.User{ID: "u1", Email: "a@example.com"})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if d := expiresAt.Sub(before); d < 7*24*time.Hour-2*time.Second || d > 7*24*time.Hour+time.Second {
		t.Fatalf("unexpected ttl %v", d)
	}
	claims, err := s.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if claims.Subject != "u1" || claims.Email != "a@example.com" || claims.ID == "" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestJWTSessionStoreRevokesByJTI(t *testing.T) {
	s := newTestSessionStore(t, NewMemoryTokenRevoker())
	ctx := context.Background()
	token, _, err := s.NewSession(domain.User{ID: "u1", Email: "a@example.com"})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.DeleteSession(ctx, token); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, err := s.Authenticate(ctx, token); !errors.Is(err, usertoken.ErrInvalidCredential) {
		t.Fatalf("expected revoked token to be invalid, got %v", err)
	}
	if err := s.DeleteSession(ctx, "garbage"); err != nil {
		t.Fatalf("delete of unverifiable token should be ignored: %v", err)
	}
}

func TestRedisTokenRevokerExpiresWithCredential(t *testing.T) {
	mr, client := newTestRedisClient(t)
	r := NewRedisTokenRevoker(client)
	ctx := context.Background()
	if err := r.Revoke(ctx, "jti-1", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	revoked, err := r.IsRevoked(ctx, "jti-1")
	if err != nil || !revoked {
		t.Fatalf("expected revoked, got %v err=%v", revoked, err)
	}
	mr.FastForward(2 * time.Minute)
	revoked, err = r.IsRevoked(ctx, "jti-1")
	if err != nil || revoked {
		t.Fatalf("expected revocation to lapse, got %v err=%v", revoked, err)
	}
}
