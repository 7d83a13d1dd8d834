package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Variant selects which kind of asset a ledger issues.
type Variant string

const (
	Achievement Variant = "achievement"
	Collectible Variant = "collectible"
)

func ParseVariant(s string) (Variant, error) {
	switch v := Variant(strings.ToLower(strings.TrimSpace(s))); v {
	case Achievement, Collectible:
		return v, nil
	}
	return "", fmt.Errorf("unknown variant %q", s)
}

// TagArity is the number of category tags an asset of v carries:
// event and badge type for achievements, collectible type for collectibles.
func (v Variant) TagArity() int {
	if v == Achievement {
		return 2
	}
	return 1
}

func (v Variant) MarshalText() ([]byte, error) { return []byte(v), nil }

func (v *Variant) UnmarshalText(b []byte) error {
	parsed, err := ParseVariant(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// TagFromString accepts a 0x-prefixed 32-byte hex tag, or hashes any other
// label with keccak256.
func TagFromString(s string) (common.Hash, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return common.Hash{}, fmt.Errorf("%w: empty tag", ErrInvalidTags)
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		raw, err := hexutil.Decode("0x" + s[2:])
		if err != nil || len(raw) != common.HashLength {
			return common.Hash{}, fmt.Errorf("%w: %q is not a 32-byte hex value", ErrInvalidTags, s)
		}
		return common.BytesToHash(raw), nil
	}
	return crypto.Keccak256Hash([]byte(s)), nil
}

// Asset is the canonical record of one issued item.
type Asset struct {
	ID          uint64            `json:"id"`
	Variant     Variant           `json:"variant"`
	Owner       common.Address    `json:"owner"`
	URI         string            `json:"uri"`
	Tags        []common.Hash     `json:"tags"`
	IssuedAt    time.Time         `json:"issued_at"`
	Achievement *AchievementState `json:"achievement,omitempty"`
	Collectible *CollectibleState `json:"collectible,omitempty"`
}

type AchievementState struct {
	TransferLocked   bool            `json:"transfer_locked"`
	Revoked          bool            `json:"revoked"`
	RevocationReason string          `json:"revocation_reason,omitempty"`
	RevokedBy        *common.Address `json:"revoked_by,omitempty"`
	RevokedAt        *time.Time      `json:"revoked_at,omitempty"`
}

type CollectibleState struct {
	Series       uint64 `json:"series"`
	SerialNumber uint64 `json:"serial_number"`
}

// Draft carries the fields of a record about to be created.
type Draft struct {
	Owner        common.Address
	URI          string
	Tags         []common.Hash
	Series       uint64
	SerialNumber uint64
}

func (a Asset) clone() Asset {
	out := a
	out.Tags = append([]common.Hash(nil), a.Tags...)
	if a.Achievement != nil {
		st := *a.Achievement
		if st.RevokedAt != nil {
			at := *st.RevokedAt
			st.RevokedAt = &at
		}
		if st.RevokedBy != nil {
			by := *st.RevokedBy
			st.RevokedBy = &by
		}
		out.Achievement = &st
	}
	if a.Collectible != nil {
		st := *a.Collectible
		out.Collectible = &st
	}
	return out
}

var (
	ErrInvalidRecipient    = errors.New("invalid recipient")
	ErrNonexistentRecord   = errors.New("nonexistent record")
	ErrAlreadyRevoked      = errors.New("already revoked")
	ErrTransferWhileLocked = errors.New("transfer while locked")
	ErrNotOwner            = errors.New("not owner")
	ErrInvalidTags         = errors.New("invalid tags")
	ErrWrongVariant        = errors.New("operation not supported by variant")
)
