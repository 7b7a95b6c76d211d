package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultTTL = 24 * time.Hour

// Claims are the JWT claims of a session token.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Config configures a Manager.
type Config struct {
	// Secret signs tokens with HS256. Required.
	Secret string
	// Issuer is written to and checked against the iss claim.
	Issuer string
	// TTL is the token lifetime. Defaults to 24h.
	TTL time.Duration
	// Revocations records logged-out tokens. Defaults to an in-memory list.
	Revocations RevocationList
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// Manager issues and validates session tokens.
type Manager struct {
	secret      []byte
	issuer      string
	ttl         time.Duration
	revocations RevocationList
	now         func() time.Time
}

// NewManager creates a session manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Secret == "" {
		return nil, errors.New("session: secret is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Revocations == nil {
		cfg.Revocations = NewMemoryRevocations()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		secret:      []byte(cfg.Secret),
		issuer:      cfg.Issuer,
		ttl:         cfg.TTL,
		revocations: cfg.Revocations,
		now:         cfg.Now,
	}, nil
}

// Issue signs a token for id.
func (m *Manager) Issue(id Identity) (string, *Claims, error) {
	if err := id.Validate(); err != nil {
		return "", nil, err
	}
	now := m.now().UTC()
	claims := &Claims{
		Email: id.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   id.UserID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign session token: %w", err)
	}
	return token, claims, nil
}

// Login authenticates id and returns its token together with a session handle
// bound to ctx.
func (m *Manager) Login(ctx context.Context, id Identity) (string, *Session, error) {
	token, claims, err := m.Issue(id)
	if err != nil {
		return "", nil, err
	}
	return token, New(ctx, claims.ID, id, claims.ExpiresAt.Time), nil
}

// Validate parses token and returns a session handle bound to ctx.
// Any failure is reported as ErrAuthenticationRequired.
func (m *Manager) Validate(ctx context.Context, token string) (*Session, error) {
	claims, err := m.parse(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationRequired, err)
	}
	revoked, err := m.revocations.Revoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return nil, fmt.Errorf("%w: session revoked", ErrAuthenticationRequired)
	}
	id := Identity{UserID: claims.Subject, Email: claims.Email}
	if err := id.Validate(); err != nil {
		return nil, err
	}
	return New(ctx, claims.ID, id, claims.ExpiresAt.Time), nil
}

// Logout revokes token until it would have expired. Logging out an invalid or
// expired token is a no-op.
func (m *Manager) Logout(ctx context.Context, token string) error {
	claims, err := m.parse(token)
	if err != nil {
		return nil
	}
	return m.revocations.Revoke(ctx, claims.ID, claims.ExpiresAt.Time)
}

func (m *Manager) parse(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if claims.ID == "" {
		return nil, errors.New("token has no id")
	}
	return claims, nil
}
