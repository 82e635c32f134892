// Package auth is a stand-in for operator sign-in. It checks one fixed
// credential pair and keeps opaque session tokens in process memory.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultSessionTTL = 12 * time.Hour

var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Operators issues and verifies operator session tokens.
type Operators struct {
	source   CredentialSource
	ttl      time.Duration
	now      func() time.Time
	newToken func() string

	mu       sync.Mutex
	sessions map[string]time.Time
}

type Option func(*Operators)

func WithSessionTTL(ttl time.Duration) Option {
	return func(o *Operators) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Operators) {
		o.now = now
	}
}

func NewOperators(source CredentialSource, opts ...Option) (*Operators, error) {
	if source == nil {
		return nil, errors.New("auth: credential source must not be nil")
	}
	o := &Operators{
		source:   source,
		ttl:      DefaultSessionTTL,
		now:      time.Now,
		newToken: uuid.NewString,
		sessions: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// SignIn returns a new session token when username and password match.
func (o *Operators) SignIn(ctx context.Context, username, password string) (string, error) {
	creds, err := o.source.Credentials(ctx)
	if err != nil {
		return "", fmt.Errorf("auth: sign in: %w", err)
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(creds.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(creds.Password)) == 1
	if !userOK || !passOK {
		return "", ErrInvalidCredentials
	}

	now := o.now()
	o.mu.Lock()
	defer o.mu.Unlock()
	for token, expires := range o.sessions {
		if !now.Before(expires) {
			delete(o.sessions, token)
		}
	}
	token := o.newToken()
	o.sessions[token] = now.Add(o.ttl)
	return token, nil
}

// Verify reports whether token belongs to a live operator session.
func (o *Operators) Verify(_ context.Context, token string) bool {
	if token == "" {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	expires, ok := o.sessions[token]
	if !ok {
		return false
	}
	if !o.now().Before(expires) {
		delete(o.sessions, token)
		return false
	}
	return true
}

func (o *Operators) SignOut(_ context.Context, token string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.sessions, token)
}
