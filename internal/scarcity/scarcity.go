// Package scarcity tracks per-category supply caps and hands out serial
// numbers for collectibles.
package scarcity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"laurel.org/internal/audit"
	"laurel.org/internal/roles"
	"laurel.org/internal/txn"
)

var (
	ErrSupplyExceeded   = errors.New("supply exceeded")
	ErrInvalidMaxSupply = errors.New("max supply below current supply")
)

// Supply is the read projection of one category. Max 0 means unlimited.
type Supply struct {
	Category common.Hash `json:"category"`
	Max      uint64      `json:"max_supply"`
	Current  uint64      `json:"current_supply"`
}

type counter struct {
	max     uint64
	current uint64
}

type Tracker struct {
	exec       *txn.Executor
	roles      roles.Checker
	categories map[common.Hash]*counter
}

func New(exec *txn.Executor, checker roles.Checker) *Tracker {
	return &Tracker{exec: exec, roles: checker, categories: make(map[common.Hash]*counter)}
}

func (t *Tracker) Supply(ctx context.Context, category common.Hash) Supply {
	out := Supply{Category: category}
	t.exec.View(ctx, func() {
		if c, ok := t.categories[category]; ok {
			out.Max, out.Current = c.max, c.current
		}
	})
	return out
}

// SetMaxSupply caps category at n. A nonzero cap below the issued count is
// rejected.
func (t *Tracker) SetMaxSupply(ctx context.Context, caller common.Address, category common.Hash, n uint64) error {
	return t.exec.Do(ctx, "scarcity.set_max_supply", func(ctx context.Context, j *txn.Journal) error {
		if err := t.roles.Require(ctx, roles.Admin, caller); err != nil {
			return err
		}
		c := t.counter(j, category)
		if n != 0 && n < c.current {
			return fmt.Errorf("%w: %d < %d", ErrInvalidMaxSupply, n, c.current)
		}
		prev := c.max
		c.max = n
		j.OnRollback(func() { c.max = prev })
		j.Emit(audit.Notification{
			Kind:         audit.KindMaxSupply,
			Actor:        caller.Hex(),
			ResourceType: "category",
			ResourceID:   category.Hex(),
			Metadata: map[string]string{
				"previous": strconv.FormatUint(prev, 10),
				"max":      strconv.FormatUint(n, 10),
			},
		})
		return nil
	})
}

// Reserve takes the next serial of category inside the running operation.
func (t *Tracker) Reserve(ctx context.Context, j *txn.Journal, category common.Hash) (uint64, error) {
	if !t.exec.Inside(ctx) {
		return 0, errors.New("scarcity: reserve outside an operation")
	}
	c := t.counter(j, category)
	if c.max != 0 && c.current >= c.max {
		return 0, fmt.Errorf("%w: category %s capped at %d", ErrSupplyExceeded, category.Hex(), c.max)
	}
	serial := c.current
	c.current++
	j.OnRollback(func() { c.current-- })
	return serial, nil
}

func (t *Tracker) counter(j *txn.Journal, category common.Hash) *counter {
	if c, ok := t.categories[category]; ok {
		return c
	}
	c := &counter{}
	t.categories[category] = c
	j.OnRollback(func() { delete(t.categories, category) })
	return c
}

// Apply replays stored caps and collectible issuances. The issued count of
// a category ends one past the highest serial seen.
func (t *Tracker) Apply(n audit.Notification) error {
	switch n.Kind {
	case audit.KindMaxSupply:
		limit, err := strconv.ParseUint(n.Metadata["max"], 10, 64)
		if err != nil {
			return fmt.Errorf("scarcity: max of %s: %w", n.ResourceID, err)
		}
		category := common.HexToHash(n.ResourceID)
		return t.exec.Restore(func() error {
			t.restored(category).max = limit
			return nil
		})
	case audit.KindIssuance:
		raw, ok := n.Metadata["serial_number"]
		if !ok {
			return nil
		}
		serial, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("scarcity: serial of asset %s: %w", n.ResourceID, err)
		}
		first, _, _ := strings.Cut(n.Metadata["tags"], ",")
		category := common.HexToHash(first)
		return t.exec.Restore(func() error {
			if c := t.restored(category); serial+1 > c.current {
				c.current = serial + 1
			}
			return nil
		})
	}
	return nil
}

func (t *Tracker) restored(category common.Hash) *counter {
	c, ok := t.categories[category]
	if !ok {
		c = &counter{}
		t.categories[category] = c
	}
	return c
}
