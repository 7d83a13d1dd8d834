// Package ledger holds the canonical asset records: the dense id
// allocator, ownership, transfer locks and revocation state.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"laurel.org/internal/audit"
	"laurel.org/internal/roles"
	"laurel.org/internal/txn"
)

// Ledger stores assets of a single variant. Ids are slice positions and
// are never reused.
type Ledger struct {
	exec     *txn.Executor
	roles    roles.Checker
	variant  Variant
	assets   []*Asset
	balances map[common.Address]uint64
}

func New(exec *txn.Executor, checker roles.Checker, variant Variant) (*Ledger, error) {
	if exec == nil || checker == nil {
		return nil, errors.New("executor and role checker are required")
	}
	if _, err := ParseVariant(string(variant)); err != nil {
		return nil, err
	}
	return &Ledger{
		exec:     exec,
		roles:    checker,
		variant:  variant,
		balances: make(map[common.Address]uint64),
	}, nil
}

func (l *Ledger) Variant() Variant { return l.variant }

// ValidateTags checks the tag count for the ledger variant.
func (l *Ledger) ValidateTags(tags []common.Hash) error {
	if want := l.variant.TagArity(); len(tags) != want {
		return fmt.Errorf("%w: %s assets carry %d tags, got %d", ErrInvalidTags, l.variant, want, len(tags))
	}
	return nil
}

// Create appends a new record as part of the running operation j and
// returns it. Achievements start transfer locked.
func (l *Ledger) Create(ctx context.Context, j *txn.Journal, d Draft) (Asset, error) {
	if !l.exec.Inside(ctx) {
		return Asset{}, errors.New("ledger: create outside an operation")
	}
	if d.Owner == (common.Address{}) {
		return Asset{}, fmt.Errorf("%w: null owner", ErrInvalidRecipient)
	}
	if err := l.ValidateTags(d.Tags); err != nil {
		return Asset{}, err
	}
	a := &Asset{
		ID:       uint64(len(l.assets)),
		Variant:  l.variant,
		Owner:    d.Owner,
		URI:      d.URI,
		Tags:     append([]common.Hash(nil), d.Tags...),
		IssuedAt: j.Now(),
	}
	switch l.variant {
	case Achievement:
		a.Achievement = &AchievementState{TransferLocked: true}
	case Collectible:
		a.Collectible = &CollectibleState{Series: d.Series, SerialNumber: d.SerialNumber}
	}
	l.assets = append(l.assets, a)
	l.balances[d.Owner]++
	j.OnRollback(func() {
		l.assets = l.assets[:len(l.assets)-1]
		l.debit(d.Owner)
	})
	return a.clone(), nil
}

// Transfer moves id from one owner to another. The caller must be the
// current owner.
func (l *Ledger) Transfer(ctx context.Context, caller common.Address, id uint64, from, to common.Address) error {
	return l.exec.Do(ctx, "ledger.transfer", func(ctx context.Context, j *txn.Journal) error {
		a, err := l.get(id)
		if err != nil {
			return err
		}
		if to == (common.Address{}) {
			return fmt.Errorf("%w: null recipient", ErrInvalidRecipient)
		}
		if caller != from {
			return fmt.Errorf("%w: caller %s is not %s", ErrNotOwner, caller.Hex(), from.Hex())
		}
		if a.Owner != from {
			return fmt.Errorf("%w: asset %d is owned by %s", ErrNotOwner, id, a.Owner.Hex())
		}
		if a.Achievement != nil && a.Achievement.TransferLocked {
			return fmt.Errorf("%w: asset %d", ErrTransferWhileLocked, id)
		}
		a.Owner = to
		l.debit(from)
		l.balances[to]++
		j.OnRollback(func() {
			a.Owner = from
			l.debit(to)
			l.balances[from]++
		})
		j.Emit(audit.Notification{
			Kind:         audit.KindTransfer,
			Actor:        caller.Hex(),
			ResourceType: "asset",
			ResourceID:   strconv.FormatUint(id, 10),
			Metadata:     map[string]string{"from": from.Hex(), "to": to.Hex()},
		})
		return nil
	})
}

// SetTransferLock changes the lock flag of an achievement.
func (l *Ledger) SetTransferLock(ctx context.Context, caller common.Address, id uint64, locked bool) error {
	return l.exec.Do(ctx, "ledger.set_transfer_lock", func(ctx context.Context, j *txn.Journal) error {
		if err := l.roles.Require(ctx, roles.Admin, caller); err != nil {
			return err
		}
		if l.variant != Achievement {
			return fmt.Errorf("%w: transfer lock on %s", ErrWrongVariant, l.variant)
		}
		a, err := l.get(id)
		if err != nil {
			return err
		}
		prev := a.Achievement.TransferLocked
		a.Achievement.TransferLocked = locked
		j.OnRollback(func() { a.Achievement.TransferLocked = prev })
		j.Emit(audit.Notification{
			Kind:         audit.KindTransferLock,
			Actor:        caller.Hex(),
			ResourceType: "asset",
			ResourceID:   strconv.FormatUint(id, 10),
			Metadata:     map[string]string{"locked": strconv.FormatBool(locked)},
		})
		return nil
	})
}

// Revoke marks an achievement revoked. Ownership and lock stay as they are.
func (l *Ledger) Revoke(ctx context.Context, caller common.Address, id uint64, reason string) error {
	return l.exec.Do(ctx, "ledger.revoke", func(ctx context.Context, j *txn.Journal) error {
		if err := l.roles.Require(ctx, roles.Revoker, caller); err != nil {
			return err
		}
		if l.variant != Achievement {
			return fmt.Errorf("%w: revoke on %s", ErrWrongVariant, l.variant)
		}
		a, err := l.get(id)
		if err != nil {
			return err
		}
		st := a.Achievement
		if st.Revoked {
			return fmt.Errorf("%w: asset %d", ErrAlreadyRevoked, id)
		}
		prev := *st
		at := j.Now()
		by := caller
		st.Revoked = true
		st.RevocationReason = reason
		st.RevokedBy = &by
		st.RevokedAt = &at
		j.OnRollback(func() { *st = prev })
		j.Emit(audit.Notification{
			Kind:         audit.KindRevocation,
			Actor:        caller.Hex(),
			ResourceType: "asset",
			ResourceID:   strconv.FormatUint(id, 10),
			Metadata:     map[string]string{"reason": reason, "owner": a.Owner.Hex()},
		})
		return nil
	})
}

// Metadata returns a copy of the record.
func (l *Ledger) Metadata(ctx context.Context, id uint64) (Asset, error) {
	var (
		out Asset
		err error
	)
	l.exec.View(ctx, func() {
		var a *Asset
		if a, err = l.get(id); err == nil {
			out = a.clone()
		}
	})
	return out, err
}

func (l *Ledger) OwnerOf(ctx context.Context, id uint64) (common.Address, error) {
	a, err := l.Metadata(ctx, id)
	return a.Owner, err
}

// IsRevoked is false for collectibles.
func (l *Ledger) IsRevoked(ctx context.Context, id uint64) (bool, error) {
	a, err := l.Metadata(ctx, id)
	if err != nil {
		return false, err
	}
	return a.Achievement != nil && a.Achievement.Revoked, nil
}

func (l *Ledger) BalanceOf(ctx context.Context, owner common.Address) uint64 {
	var n uint64
	l.exec.View(ctx, func() { n = l.balances[owner] })
	return n
}

// TotalSupply is the number of ids allocated so far.
func (l *Ledger) TotalSupply(ctx context.Context) uint64 {
	var n uint64
	l.exec.View(ctx, func() { n = uint64(len(l.assets)) })
	return n
}

func (l *Ledger) get(id uint64) (*Asset, error) {
	if id >= uint64(len(l.assets)) {
		return nil, fmt.Errorf("%w: asset %d", ErrNonexistentRecord, id)
	}
	return l.assets[id], nil
}

func (l *Ledger) debit(owner common.Address) {
	if l.balances[owner] <= 1 {
		delete(l.balances, owner)
		return
	}
	l.balances[owner]--
}
