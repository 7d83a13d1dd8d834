// Package replay rebuilds in-memory ledger state from the stored event
// journal at startup, so ids, nonces, supply counters, roles and the pause
// flag survive a restart.
package replay

import (
	"context"
	"fmt"

	"laurel.org/internal/audit"
)

const pageSize = 500

// Applier folds one stored notification into component state.
type Applier interface {
	Apply(n audit.Notification) error
}

// Run reads src from the start in sequence order and hands every
// notification to each applier. It returns the number of notifications
// replayed. Run must finish before the ledger serves requests.
func Run(ctx context.Context, src audit.Reader, appliers ...Applier) (int, error) {
	var (
		after uint64
		total int
	)
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		page, last, err := src.Read(ctx, after, pageSize)
		if err != nil {
			return total, fmt.Errorf("replay: read after %d: %w", after, err)
		}
		for _, n := range page {
			for _, a := range appliers {
				if err := a.Apply(n); err != nil {
					return total, fmt.Errorf("replay: event %d (%s %s): %w", n.Sequence, n.Kind, n.ResourceID, err)
				}
			}
			total++
		}
		if len(page) == 0 || last <= after {
			return total, nil
		}
		after = last
	}
}
