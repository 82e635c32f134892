package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"studio-chat/internal/integrations/paramstore"
)

// Credentials is the single operator username/password pair.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (c Credentials) valid() bool {
	return c.Username != "" && c.Password != ""
}

// CredentialSource supplies the operator credential pair.
type CredentialSource interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// StaticCredentials is a fixed in-process credential pair.
type StaticCredentials Credentials

func (s StaticCredentials) Credentials(context.Context) (Credentials, error) {
	c := Credentials(s)
	if !c.valid() {
		return Credentials{}, errors.New("auth: static credentials are incomplete")
	}
	return c, nil
}

// ParamStoreCredentials loads the credential pair from the SSM parameter
// <prefix>/operator/credentials, stored as a JSON object with username and password.
// A successful load is cached for the process lifetime; failures are retried
// on the next call.
type ParamStoreCredentials struct {
	getter paramstore.Getter
	name   string

	mu     sync.RWMutex
	loaded bool
	creds  Credentials
}

func NewParamStoreCredentials(g paramstore.Getter, paramPrefix string) (*ParamStoreCredentials, error) {
	if g == nil {
		return nil, errors.New("auth: param getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("auth: parameter prefix must not be empty")
	}
	return &ParamStoreCredentials{getter: g, name: paramPrefix + "/operator/credentials"}, nil
}

func (p *ParamStoreCredentials) Credentials(ctx context.Context) (Credentials, error) {
	p.mu.RLock()
	if p.loaded {
		defer p.mu.RUnlock()
		return p.creds, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded {
		return p.creds, nil
	}

	var creds Credentials
	if err := paramstore.GetJSON(ctx, p.getter, p.name, &creds); err != nil {
		return Credentials{}, fmt.Errorf("auth: load operator credentials: %w", err)
	}
	if !creds.valid() {
		return Credentials{}, fmt.Errorf("auth: parameter %q has an empty username or password", p.name)
	}
	p.creds = creds
	p.loaded = true
	return creds, nil
}
