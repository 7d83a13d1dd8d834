package ledger

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"laurel.org/internal/audit"
)

// Apply replays one stored notification onto the ledger. Kinds the ledger
// does not own are ignored. Ids must arrive dense and in order.
func (l *Ledger) Apply(n audit.Notification) error {
	switch n.Kind {
	case audit.KindIssuance, audit.KindTransfer, audit.KindTransferLock, audit.KindRevocation:
	default:
		return nil
	}
	id, err := strconv.ParseUint(n.ResourceID, 10, 64)
	if err != nil {
		return fmt.Errorf("ledger: asset id %q: %w", n.ResourceID, err)
	}
	return l.exec.Restore(func() error {
		if n.Kind == audit.KindIssuance {
			return l.restoreIssuance(id, n)
		}
		a, err := l.get(id)
		if err != nil {
			return err
		}
		switch n.Kind {
		case audit.KindTransfer:
			to, err := metaAddress(n, "to")
			if err != nil {
				return err
			}
			l.debit(a.Owner)
			a.Owner = to
			l.balances[to]++
		case audit.KindTransferLock:
			if a.Achievement == nil {
				return fmt.Errorf("%w: transfer lock on %s", ErrWrongVariant, l.variant)
			}
			locked, err := strconv.ParseBool(n.Metadata["locked"])
			if err != nil {
				return fmt.Errorf("ledger: asset %d lock flag: %w", id, err)
			}
			a.Achievement.TransferLocked = locked
		case audit.KindRevocation:
			if a.Achievement == nil {
				return fmt.Errorf("%w: revoke on %s", ErrWrongVariant, l.variant)
			}
			by := common.HexToAddress(n.Actor)
			at := n.OccurredAt.UTC()
			a.Achievement.Revoked = true
			a.Achievement.RevocationReason = n.Metadata["reason"]
			a.Achievement.RevokedBy = &by
			a.Achievement.RevokedAt = &at
		}
		return nil
	})
}

func (l *Ledger) restoreIssuance(id uint64, n audit.Notification) error {
	if v := Variant(n.Metadata["variant"]); v != l.variant {
		return fmt.Errorf("%w: stored %q asset on a %s ledger", ErrWrongVariant, v, l.variant)
	}
	if id != uint64(len(l.assets)) {
		return fmt.Errorf("ledger: issuance of asset %d, expected %d", id, len(l.assets))
	}
	owner, err := metaAddress(n, "to")
	if err != nil {
		return err
	}
	var tags []common.Hash
	for _, raw := range strings.Split(n.Metadata["tags"], ",") {
		tag, err := TagFromString(raw)
		if err != nil {
			return err
		}
		tags = append(tags, tag)
	}
	if err := l.ValidateTags(tags); err != nil {
		return err
	}
	a := &Asset{
		ID:       id,
		Variant:  l.variant,
		Owner:    owner,
		URI:      n.Metadata["uri"],
		Tags:     tags,
		IssuedAt: n.OccurredAt.UTC(),
	}
	switch l.variant {
	case Achievement:
		a.Achievement = &AchievementState{TransferLocked: true}
	case Collectible:
		series, err := strconv.ParseUint(n.Metadata["series"], 10, 64)
		if err != nil {
			return fmt.Errorf("ledger: asset %d series: %w", id, err)
		}
		serial, err := strconv.ParseUint(n.Metadata["serial_number"], 10, 64)
		if err != nil {
			return fmt.Errorf("ledger: asset %d serial: %w", id, err)
		}
		a.Collectible = &CollectibleState{Series: series, SerialNumber: serial}
	}
	l.assets = append(l.assets, a)
	l.balances[owner]++
	return nil
}

func metaAddress(n audit.Notification, key string) (common.Address, error) {
	s := n.Metadata[key]
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s %q in %s event", ErrInvalidRecipient, key, s, n.Kind)
	}
	return common.HexToAddress(s), nil
}
