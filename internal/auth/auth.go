// Package auth defines the token validation boundary. Token issuance is an
// external concern; the core only consumes a validate-token-to-principal
// capability.
package auth

import (
	"context"
	"fmt"
	"sync"

	"signalhub/pkg/types"
)

// ErrInvalidToken is returned for tokens the validator does not recognize.
var ErrInvalidToken = fmt.Errorf("%w: unknown token", types.ErrAuthenticationFailed)

// Validator resolves a bearer token to a principal.
type Validator interface {
	Validate(ctx context.Context, token string) (*types.Principal, error)
}

// StaticValidator validates against a fixed token table, typically loaded
// from configuration. Suitable for single-process deployments and tests.
type StaticValidator struct {
	mu     sync.RWMutex
	tokens map[string]types.Principal
}

// NewStaticValidator creates a validator over the given token table.
func NewStaticValidator(tokens map[string]types.Principal) *StaticValidator {
	if tokens == nil {
		tokens = make(map[string]types.Principal)
	}
	return &StaticValidator{tokens: tokens}
}

// Validate looks the token up in the table.
func (v *StaticValidator) Validate(_ context.Context, token string) (*types.Principal, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	p, exists := v.tokens[token]
	if !exists {
		return nil, ErrInvalidToken
	}
	principal := p
	return &principal, nil
}

// Add registers a token at runtime. Used by tests and bootstrap code.
func (v *StaticValidator) Add(token string, principal types.Principal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tokens[token] = principal
}
