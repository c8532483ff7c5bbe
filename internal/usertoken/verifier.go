package usertoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	defaultIssuer   = "versioncoffee-auth"
	defaultAudience = "versioncoffee-api"

	minSecretBytes = 32
)

var (
	// ErrMissingCredential is returned when no credential was presented.
	ErrMissingCredential = errors.New("credential missing")
	// ErrInvalidCredential covers bad signatures, foreign algorithms and absent required claims.
	ErrInvalidCredential = errors.New("credential invalid")
	// ErrExpiredCredential is returned once the current time is past expiresAt.
	ErrExpiredCredential = errors.New("credential expired")
)

// Claims are the identity fields decoded from a verified session credential.
type Claims struct {
	Subject   string
	Email     string
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// SessionClaims is the JWT body shared by the signer and the verifier.
type SessionClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Config configures session credential verification.
type Config struct {
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// Verifier validates HS256 session credentials. It has no side effects and
// does not check whether the subject still exists.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// NewVerifier creates a token verifier.
func NewVerifier(cfg Config) (*Verifier, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if len(secret) < minSecretBytes {
		return nil, fmt.Errorf("token verifier requires a secret of at least %d bytes", minSecretBytes)
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultAudience
	}
	leeway := cfg.Leeway
	if leeway < 0 {
		leeway = 0
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Verifier{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		leeway:   leeway,
		now:      now,
	}, nil
}

// Issuer returns the iss claim the verifier expects.
func (v *Verifier) Issuer() string { return v.issuer }

// Audience returns the aud claim the verifier expects.
func (v *Verifier) Audience() string { return v.audience }

// Sign produces a credential the verifier will accept.
func (v *Verifier) Sign(claims SessionClaims) (string, error) {
	if strings.TrimSpace(claims.Subject) == "" {
		return "", errors.New("token subject required")
	}
	claims.Issuer = v.issuer
	claims.Audience = jwt.ClaimStrings{v.audience}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Verify validates the credential and returns its claims.
func (v *Verifier) Verify(credential string) (Claims, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Claims{}, ErrMissingCredential
	}
	parsed := SessionClaims{}
	token, err := jwt.ParseWithClaims(credential, &parsed, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredCredential
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !token.Valid {
		return Claims{}, ErrInvalidCredential
	}
	claims := Claims{
		Subject: strings.TrimSpace(parsed.Subject),
		Email:   strings.TrimSpace(parsed.Email),
		ID:      strings.TrimSpace(parsed.ID),
	}
	if claims.Subject == "" || claims.Email == "" {
		return Claims{}, fmt.Errorf("%w: subject and email are required", ErrInvalidCredential)
	}
	if parsed.IssuedAt == nil || parsed.ExpiresAt == nil {
		return Claims{}, fmt.Errorf("%w: iat and exp are required", ErrInvalidCredential)
	}
	claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	claims.ExpiresAt = parsed.ExpiresAt.Time.UTC()
	return claims, nil
}
