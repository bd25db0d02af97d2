package gate

import (
	"errors"
	"sync"

	"daokernel/core/types"
)

var (
	// ErrUnauthorized indicates the caller is not an approved application.
	ErrUnauthorized = errors.New("gate: application is not approved to call this module")
	// ErrNotOwner indicates an owner-restricted operation was called by
	// someone else.
	ErrNotOwner = errors.New("gate: caller is not the kernel owner")
)

// Gate is the approval table deciding which callers may invoke mutating module
// entry points. The owner manages the table; approval is explicit, the owner
// is not implicitly approved.
type Gate struct {
	mu       sync.RWMutex
	owner    types.Address
	approved map[types.Address]struct{}
}

// New constructs a gate owned by the supplied address.
func New(owner types.Address) *Gate {
	return &Gate{
		owner:    owner,
		approved: make(map[types.Address]struct{}),
	}
}

// Owner returns the owning address.
func (g *Gate) Owner() types.Address {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.owner
}

// IsApproved reports whether the caller may invoke gated operations.
func (g *Gate) IsApproved(caller types.Address) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.approved[caller]
	return ok
}

// Approve adds an application to the approval table. Owner only.
func (g *Gate) Approve(caller, app types.Address) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if caller != g.owner {
		return ErrNotOwner
	}
	g.approved[app] = struct{}{}
	return nil
}

// Revoke removes an application from the approval table. Owner only.
func (g *Gate) Revoke(caller, app types.Address) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if caller != g.owner {
		return ErrNotOwner
	}
	delete(g.approved, app)
	return nil
}

// RequireApproved fails with ErrUnauthorized unless the caller is approved.
func (g *Gate) RequireApproved(caller types.Address) error {
	if !g.IsApproved(caller) {
		return ErrUnauthorized
	}
	return nil
}

// RequireOwner fails with ErrNotOwner unless the caller owns the kernel.
func (g *Gate) RequireOwner(caller types.Address) error {
	if caller != g.Owner() {
		return ErrNotOwner
	}
	return nil
}
