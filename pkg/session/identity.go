// Package session establishes and validates authenticated identities.
//
// A Session is an explicit handle for one authenticated user. Components that
// act on behalf of a user receive the handle instead of reading ambient state,
// and stop their work when the handle is closed or expires.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	// ErrAuthenticationRequired is returned when no valid session is present
	ErrAuthenticationRequired = errors.New("authentication required")

	// ErrInvalidIdentity is returned for identities without a user id or email
	ErrInvalidIdentity = errors.New("invalid identity")
)

// Identity is the authenticated user.
type Identity struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// Validate rejects anonymous identities. Both fields are required.
func (i Identity) Validate() error {
	if strings.TrimSpace(i.UserID) == "" || strings.TrimSpace(i.Email) == "" {
		return fmt.Errorf("%w: %w", ErrAuthenticationRequired, ErrInvalidIdentity)
	}
	return nil
}

// Session is a handle for one authenticated identity. Its context is canceled
// when the session is closed or expires.
type Session struct {
	id        string
	identity  Identity
	expiresAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// New creates a session handle bound to parent. A zero expiresAt means the
// session lives until closed.
func New(parent context.Context, id string, identity Identity, expiresAt time.Time) *Session {
	var ctx context.Context
	var cancel context.CancelFunc
	if expiresAt.IsZero() {
		ctx, cancel = context.WithCancel(parent)
	} else {
		ctx, cancel = context.WithDeadline(parent, expiresAt)
	}
	return &Session{
		id:        id,
		identity:  identity,
		expiresAt: expiresAt,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// ID returns the session identifier (the token's jti).
func (s *Session) ID() string { return s.id }

// Identity returns the authenticated identity.
func (s *Session) Identity() Identity { return s.identity }

// UserID is shorthand for Identity().UserID.
func (s *Session) UserID() string { return s.identity.UserID }

// ExpiresAt returns the session expiry, zero if none.
func (s *Session) ExpiresAt() time.Time { return s.expiresAt }

// Context returns a context canceled when the session ends.
func (s *Session) Context() context.Context { return s.ctx }

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Active reports whether the session has not ended.
func (s *Session) Active() bool { return s.ctx.Err() == nil }

// Close ends the session. Safe to call more than once.
func (s *Session) Close() {
	s.once.Do(s.cancel)
}

type contextKey struct{}

// WithSession returns a copy of ctx carrying s.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the session stored in ctx, if any.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(contextKey{}).(*Session)
	return s, ok && s != nil
}

// IdentityFromContext returns the identity of an active session stored in ctx.
func IdentityFromContext(ctx context.Context) (Identity, error) {
	s, ok := FromContext(ctx)
	if !ok || !s.Active() {
		return Identity{}, ErrAuthenticationRequired
	}
	return s.identity, nil
}
