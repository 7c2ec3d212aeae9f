// Package capability resolves caller tokens to principals and gates every
// repository call on role and resource access.
//
// Token issuance is an external concern; the resolver consumes a static
// token table from configuration, the same shape the server's config file
// carries.
package capability

import (
	"sync"

	"github.com/locstore/ldm/internal/types"
)

// Role orders a principal's privilege level.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleUser     Role = "user"
	RoleReadonly Role = "readonly"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleUser || r == RoleReadonly
}

// Principal is a resolved caller.
type Principal struct {
	UserID string
	Role   Role
	// AllowedPlatforms and AllowedProjects open restricted resources to
	// this principal. Unrestricted resources need no grant.
	AllowedPlatforms map[int64]bool
	AllowedProjects  map[int64]bool
}

// IsAdmin reports whether the principal holds the admin role.
func (p *Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// CanWrite reports whether the principal may mutate data at all.
func (p *Principal) CanWrite() bool { return p.Role == RoleAdmin || p.Role == RoleUser }

// TokenEntry is one row of the configured token table.
type TokenEntry struct {
	Token            string  `mapstructure:"token" yaml:"token"`
	UserID           string  `mapstructure:"user" yaml:"user"`
	Role             Role    `mapstructure:"role" yaml:"role"`
	AllowedPlatforms []int64 `mapstructure:"allowed_platforms" yaml:"allowed_platforms"`
	AllowedProjects  []int64 `mapstructure:"allowed_projects" yaml:"allowed_projects"`
}

// Resolver maps bearer tokens to principals.
type Resolver struct {
	mu      sync.RWMutex
	byToken map[string]*Principal
}

// NewResolver builds a resolver from the token table. Entries with an empty
// token or an unknown role are rejected.
func NewResolver(entries []TokenEntry) (*Resolver, error) {
	r := &Resolver{byToken: make(map[string]*Principal, len(entries))}
	for _, e := range entries {
		if e.Token == "" || e.UserID == "" {
			return nil, types.E(types.KindInvalidArgument, "token entry for %q is incomplete", e.UserID)
		}
		if !e.Role.Valid() {
			return nil, types.E(types.KindInvalidArgument, "unknown role %q for user %q", e.Role, e.UserID)
		}
		p := &Principal{
			UserID:           e.UserID,
			Role:             e.Role,
			AllowedPlatforms: make(map[int64]bool, len(e.AllowedPlatforms)),
			AllowedProjects:  make(map[int64]bool, len(e.AllowedProjects)),
		}
		for _, id := range e.AllowedPlatforms {
			p.AllowedPlatforms[id] = true
		}
		for _, id := range e.AllowedProjects {
			p.AllowedProjects[id] = true
		}
		r.byToken[e.Token] = p
	}
	return r, nil
}

// Resolve returns the principal behind token.
func (r *Resolver) Resolve(token string) (*Principal, error) {
	if token == "" {
		return nil, types.E(types.KindUnauthenticated, "missing token")
	}
	r.mu.RLock()
	p, ok := r.byToken[token]
	r.mu.RUnlock()
	if !ok {
		return nil, types.E(types.KindUnauthenticated, "unknown token")
	}
	return p, nil
}

// Replace swaps in a new token table; used on config reload.
func (r *Resolver) Replace(other *Resolver) {
	other.mu.RLock()
	table := other.byToken
	other.mu.RUnlock()
	r.mu.Lock()
	r.byToken = table
	r.mu.Unlock()
}

// RequireWrite rejects readonly principals.
func RequireWrite(p *Principal) error {
	if p == nil {
		return types.E(types.KindUnauthenticated, "no principal")
	}
	if !p.CanWrite() {
		return types.E(types.KindForbidden, "user %s is read-only", p.UserID)
	}
	return nil
}

// RequireAdmin rejects everyone but admins.
func RequireAdmin(p *Principal) error {
	if p == nil {
		return types.E(types.KindUnauthenticated, "no principal")
	}
	if !p.IsAdmin() {
		return types.E(types.KindForbidden, "user %s lacks the admin role", p.UserID)
	}
	return nil
}

// CheckPlatform gates access to a platform. Unrestricted platforms are open
// to every principal; restricted ones require an explicit grant or admin.
func CheckPlatform(p *Principal, platform *types.Platform) error {
	if p == nil {
		return types.E(types.KindUnauthenticated, "no principal")
	}
	if p.IsAdmin() || !platform.IsRestricted || p.AllowedPlatforms[platform.ID] {
		return nil
	}
	return types.E(types.KindForbidden, "user %s may not access platform %q", p.UserID, platform.Name)
}

// CheckProject gates access to a project, same policy as CheckPlatform.
func CheckProject(p *Principal, project *types.Project) error {
	if p == nil {
		return types.E(types.KindUnauthenticated, "no principal")
	}
	if p.IsAdmin() || !project.IsRestricted || p.AllowedProjects[project.ID] {
		return nil
	}
	return types.E(types.KindForbidden, "user %s may not access project %q", p.UserID, project.Name)
}
