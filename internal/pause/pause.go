// Package pause implements the circuit breaker that halts issuance.
package pause

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"laurel.org/internal/audit"
	"laurel.org/internal/roles"
	"laurel.org/internal/txn"
)

var ErrPaused = errors.New("issuance paused")

type State int

const (
	Running State = iota
	Paused
)

func (s State) String() string {
	if s == Paused {
		return "paused"
	}
	return "running"
}

// Gate starts Running. Only pausers move it.
type Gate struct {
	exec   *txn.Executor
	roles  roles.Checker
	paused bool
}

func New(exec *txn.Executor, checker roles.Checker) *Gate {
	return &Gate{exec: exec, roles: checker}
}

func (g *Gate) State(ctx context.Context) State {
	var s State
	g.exec.View(ctx, func() {
		if g.paused {
			s = Paused
		}
	})
	return s
}

// Check fails with ErrPaused while the gate is paused.
func (g *Gate) Check(ctx context.Context) error {
	if g.State(ctx) == Paused {
		return ErrPaused
	}
	return nil
}

func (g *Gate) Pause(ctx context.Context, caller common.Address) error {
	return g.set(ctx, caller, true)
}

func (g *Gate) Unpause(ctx context.Context, caller common.Address) error {
	return g.set(ctx, caller, false)
}

func (g *Gate) set(ctx context.Context, caller common.Address, paused bool) error {
	op, kind := "pause.unpause", audit.KindUnpaused
	if paused {
		op, kind = "pause.pause", audit.KindPaused
	}
	return g.exec.Do(ctx, op, func(ctx context.Context, j *txn.Journal) error {
		if err := g.roles.Require(ctx, roles.Pauser, caller); err != nil {
			return err
		}
		if g.paused == paused {
			return nil
		}
		prev := g.paused
		g.paused = paused
		j.OnRollback(func() { g.paused = prev })
		j.Emit(audit.Notification{Kind: kind, Actor: caller.Hex(), ResourceType: "ledger"})
		return nil
	})
}

// Apply replays a stored pause or unpause. Other kinds are ignored.
func (g *Gate) Apply(n audit.Notification) error {
	if n.Kind != audit.KindPaused && n.Kind != audit.KindUnpaused {
		return nil
	}
	return g.exec.Restore(func() error {
		g.paused = n.Kind == audit.KindPaused
		return nil
	})
}
