package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/contextd/contextd/config"
)

// ErrForbidden is returned when a principal may not access a user's memory.
var ErrForbidden = errors.New("assistant: access to user memory denied")

// AuthorizationPolicy decides whether principal may read or modify the
// memory of userID.
type AuthorizationPolicy interface {
	CanAccessUser(ctx context.Context, principal, userID string) bool
}

// AllowAll permits every access. Use it only behind a trusted gateway.
type AllowAll struct{}

// CanAccessUser implements AuthorizationPolicy.
func (AllowAll) CanAccessUser(context.Context, string, string) bool { return true }

// SelfOrAdmin lets principals access their own memory and admins access any.
type SelfOrAdmin struct {
	admins map[string]struct{}
}

// NewSelfOrAdmin creates the policy with the given admin principals.
func NewSelfOrAdmin(admins []string) *SelfOrAdmin {
	p := &SelfOrAdmin{admins: make(map[string]struct{}, len(admins))}
	for _, a := range admins {
		if a = strings.TrimSpace(a); a != "" {
			p.admins[a] = struct{}{}
		}
	}
	return p
}

// CanAccessUser implements AuthorizationPolicy.
func (p *SelfOrAdmin) CanAccessUser(_ context.Context, principal, userID string) bool {
	if principal == "" {
		return false
	}
	if principal == userID {
		return true
	}
	_, ok := p.admins[principal]
	return ok
}

// NewPolicy builds the policy named in cfg.
func NewPolicy(cfg config.AuthConfig) (AuthorizationPolicy, error) {
	switch cfg.Policy {
	case "", "allow_all":
		return AllowAll{}, nil
	case "self_or_admin":
		return NewSelfOrAdmin(cfg.Admins), nil
	default:
		return nil, fmt.Errorf("assistant: unknown auth policy %q", cfg.Policy)
	}
}
