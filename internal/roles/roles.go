// Package roles keeps the capability grants that gate privileged ledger
// operations.
package roles

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"laurel.org/internal/audit"
	"laurel.org/internal/txn"
)

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrUnknownRole     = errors.New("unknown role")
	ErrInvalidIdentity = errors.New("invalid identity")
)

// Role names a capability.
type Role string

const (
	Admin   Role = "admin"
	Minter  Role = "minter"
	Pauser  Role = "pauser"
	Revoker Role = "revoker"
)

// All lists every known role.
var All = []Role{Admin, Minter, Pauser, Revoker}

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range All {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// Checker answers capability checks for other components.
type Checker interface {
	HasRole(ctx context.Context, role Role, who common.Address) bool
	Require(ctx context.Context, role Role, who common.Address) error
}

// Registry is the in-memory grant set. Mutations run on the shared executor.
type Registry struct {
	exec   *txn.Executor
	grants map[Role]map[common.Address]struct{}
}

// NewRegistry creates a registry with admin holding the admin role.
func NewRegistry(exec *txn.Executor, admin common.Address) (*Registry, error) {
	if exec == nil {
		return nil, errors.New("executor is required")
	}
	if admin == (common.Address{}) {
		return nil, fmt.Errorf("%w: bootstrap admin is required", ErrInvalidIdentity)
	}
	r := &Registry{
		exec:   exec,
		grants: make(map[Role]map[common.Address]struct{}, len(All)),
	}
	for _, role := range All {
		r.grants[role] = make(map[common.Address]struct{})
	}
	r.grants[Admin][admin] = struct{}{}
	return r, nil
}

func (r *Registry) HasRole(ctx context.Context, role Role, who common.Address) bool {
	var ok bool
	r.exec.View(ctx, func() {
		_, ok = r.grants[role][who]
	})
	return ok
}

func (r *Registry) Require(ctx context.Context, role Role, who common.Address) error {
	if who == (common.Address{}) {
		return fmt.Errorf("%w: no caller identity", ErrUnauthorized)
	}
	if !r.HasRole(ctx, role, who) {
		return fmt.Errorf("%w: %s lacks role %s", ErrUnauthorized, who.Hex(), role)
	}
	return nil
}

// Grant gives who the role. Granting a held role is a no-op.
func (r *Registry) Grant(ctx context.Context, caller common.Address, role Role, who common.Address) error {
	if err := validate(role, who); err != nil {
		return err
	}
	return r.exec.Do(ctx, "roles.grant", func(ctx context.Context, j *txn.Journal) error {
		if err := r.Require(ctx, Admin, caller); err != nil {
			return err
		}
		r.add(j, caller, role, who)
		return nil
	})
}

// Revoke removes the role from who. Revoking an unheld role is a no-op.
func (r *Registry) Revoke(ctx context.Context, caller common.Address, role Role, who common.Address) error {
	if err := validate(role, who); err != nil {
		return err
	}
	return r.exec.Do(ctx, "roles.revoke", func(ctx context.Context, j *txn.Journal) error {
		if err := r.Require(ctx, Admin, caller); err != nil {
			return err
		}
		r.remove(j, caller, role, who)
		return nil
	})
}

// Renounce drops one of the caller's own roles.
func (r *Registry) Renounce(ctx context.Context, caller common.Address, role Role) error {
	if err := validate(role, caller); err != nil {
		return err
	}
	return r.exec.Do(ctx, "roles.renounce", func(ctx context.Context, j *txn.Journal) error {
		r.remove(j, caller, role, caller)
		return nil
	})
}

// Members lists the holders of role in address order.
func (r *Registry) Members(ctx context.Context, role Role) ([]common.Address, error) {
	if _, err := ParseRole(string(role)); err != nil {
		return nil, err
	}
	var out []common.Address
	r.exec.View(ctx, func() {
		out = make([]common.Address, 0, len(r.grants[role]))
		for who := range r.grants[role] {
			out = append(out, who)
		}
	})
	sort.Slice(out, func(i, k int) bool { return out[i].Cmp(out[k]) < 0 })
	return out, nil
}

func (r *Registry) add(j *txn.Journal, caller common.Address, role Role, who common.Address) {
	set := r.grants[role]
	if _, held := set[who]; held {
		return
	}
	set[who] = struct{}{}
	j.OnRollback(func() { delete(set, who) })
	j.Emit(notification(audit.KindRoleGranted, caller, role, who))
}

func (r *Registry) remove(j *txn.Journal, caller common.Address, role Role, who common.Address) {
	set := r.grants[role]
	if _, held := set[who]; !held {
		return
	}
	delete(set, who)
	j.OnRollback(func() { set[who] = struct{}{} })
	j.Emit(notification(audit.KindRoleRevoked, caller, role, who))
}

func validate(role Role, who common.Address) error {
	if _, err := ParseRole(string(role)); err != nil {
		return err
	}
	if who == (common.Address{}) {
		return fmt.Errorf("%w: null identity", ErrInvalidIdentity)
	}
	return nil
}

func notification(kind audit.Kind, caller common.Address, role Role, who common.Address) audit.Notification {
	return audit.Notification{
		Kind:         kind,
		Actor:        caller.Hex(),
		ResourceType: "role",
		ResourceID:   string(role),
		Metadata:     map[string]string{"account": who.Hex()},
	}
}

// Apply replays a stored grant or revocation. Other kinds are ignored.
func (r *Registry) Apply(n audit.Notification) error {
	if n.Kind != audit.KindRoleGranted && n.Kind != audit.KindRoleRevoked {
		return nil
	}
	role, err := ParseRole(n.ResourceID)
	if err != nil {
		return err
	}
	account := n.Metadata["account"]
	if !common.IsHexAddress(account) {
		return fmt.Errorf("%w: account %q", ErrInvalidIdentity, account)
	}
	who := common.HexToAddress(account)
	return r.exec.Restore(func() error {
		if n.Kind == audit.KindRoleGranted {
			r.grants[role][who] = struct{}{}
		} else {
			delete(r.grants[role], who)
		}
		return nil
	})
}
