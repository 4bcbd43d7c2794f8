// Package authz implements the role registry checked by every
// privileged operation. Grants are (identity, role) pairs; only Admins
// may mutate them.
package authz

import (
	"context"
	"fmt"
	"sync"

	"github.com/obscura-systems/veilmeter/pkg/contracts"
	"github.com/obscura-systems/veilmeter/pkg/events"
)

// Registry is the in-process capability store. It satisfies
// contracts.RoleChecker.
type Registry struct {
	mu     sync.RWMutex
	grants map[string]struct{}
	bus    *events.Bus
}

// NewRegistry creates a registry with root pre-granted the Admin role,
// so the system is administrable from the start.
func NewRegistry(root contracts.Identity, bus *events.Bus) *Registry {
	r := &Registry{
		grants: make(map[string]struct{}),
		bus:    bus,
	}
	if root != contracts.Nobody {
		r.grants[grantKey(root, contracts.RoleAdmin)] = struct{}{}
	}
	return r
}

// Grant gives identity the role. Admin-only. Granting an already-held
// role succeeds without effect but still emits PermissionChanged.
func (r *Registry) Grant(ctx context.Context, actor, identity contracts.Identity, role contracts.Role) error {
	if err := r.checkAdmin(actor); err != nil {
		return err
	}
	if identity == contracts.Nobody || role == "" {
		return fmt.Errorf("grant: %w", contracts.ErrInvalidInput)
	}

	r.mu.Lock()
	r.grants[grantKey(identity, role)] = struct{}{}
	r.mu.Unlock()

	r.bus.Publish(events.PermissionChanged, map[string]any{
		"actor":    string(actor),
		"identity": string(identity),
		"role":     string(role),
		"granted":  true,
	})
	return nil
}

// Revoke removes the role from identity. Admin-only, idempotent, and
// always emits PermissionChanged.
func (r *Registry) Revoke(ctx context.Context, actor, identity contracts.Identity, role contracts.Role) error {
	if err := r.checkAdmin(actor); err != nil {
		return err
	}
	if identity == contracts.Nobody || role == "" {
		return fmt.Errorf("revoke: %w", contracts.ErrInvalidInput)
	}

	r.mu.Lock()
	delete(r.grants, grantKey(identity, role))
	r.mu.Unlock()

	r.bus.Publish(events.PermissionChanged, map[string]any{
		"actor":    string(actor),
		"identity": string(identity),
		"role":     string(role),
		"granted":  false,
	})
	return nil
}

// Has reports whether identity holds role.
func (r *Registry) Has(identity contracts.Identity, role contracts.Role) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.grants[grantKey(identity, role)]
	return ok
}

func (r *Registry) checkAdmin(actor contracts.Identity) error {
	if !r.Has(actor, contracts.RoleAdmin) {
		return fmt.Errorf("authz: actor %q: %w", actor, contracts.ErrPermissionDenied)
	}
	return nil
}

func grantKey(identity contracts.Identity, role contracts.Role) string {
	return fmt.Sprintf("%s@%s", identity, role)
}
