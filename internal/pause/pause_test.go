package pause

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"laurel.org/internal/audit"
	"laurel.org/internal/roles"
	"laurel.org/internal/txn"
)

var (
	admin  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	pauser = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func newGate(t *testing.T) (*Gate, *audit.Log) {
	t.Helper()
	log := audit.NewLog()
	exec := txn.NewExecutor(log, nil)
	reg, err := roles.NewRegistry(exec, admin)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if err := reg.Grant(context.Background(), admin, roles.Pauser, pauser); err != nil {
		t.Fatalf("grant: %v", err)
	}
	return New(exec, reg), log
}

func TestPauseUnpause(t *testing.T) {
	ctx := context.Background()
	g, log := newGate(t)
	before := log.Len()

	if err := g.Check(ctx); err != nil {
		t.Fatalf("gate should start running: %v", err)
	}
	if err := g.Pause(ctx, pauser); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !errors.Is(g.Check(ctx), ErrPaused) {
		t.Fatalf("expected ErrPaused")
	}
	if err := g.Pause(ctx, pauser); err != nil {
		t.Fatalf("repeat pause: %v", err)
	}
	if err := g.Unpause(ctx, pauser); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if g.State(ctx) != Running {
		t.Fatalf("expected running")
	}
	page, _ := log.List(uint64(before), 10)
	if len(page) != 2 || page[0].Kind != audit.KindPaused || page[1].Kind != audit.KindUnpaused {
		t.Fatalf("unexpected notifications: %+v", page)
	}
}

func TestPauseRequiresPauser(t *testing.T) {
	ctx := context.Background()
	g, _ := newGate(t)
	if err := g.Pause(ctx, admin); !errors.Is(err, roles.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if g.State(ctx) != Running {
		t.Fatalf("state changed")
	}
}

func TestStateString(t *testing.T) {
	if Running.String() != "running" || Paused.String() != "paused" {
		t.Fatalf("unexpected names")
	}
}
