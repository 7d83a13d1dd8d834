// Package permit verifies off-line signed issuance permits.
//
// A permit is an EIP-712 style typed-data signature by a minter over one
// issuance request and the recipient's current nonce. Any caller may submit
// it; the nonce makes each permit single use.
package permit

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"

	"laurel.org/internal/audit"
	"laurel.org/internal/ledger"
	"laurel.org/internal/roles"
	"laurel.org/internal/signature"
	"laurel.org/internal/txn"
)

var (
	ErrInvalidSignature = signature.ErrInvalidSignature
	ErrPermitExpired    = errors.New("permit expired")
)

// IssuancePath labels issuances authorized by a permit. Such issuances
// carry the consumed nonce under "nonce".
const IssuancePath = "permit"

const (
	domainType      = "EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"
	achievementType = "MintPermit(address to,bytes32 eventId,bytes32 badgeType,string uri,uint256 nonce,uint256 deadline)"
	collectibleType = "MintPermit(address to,bytes32 collectibleType,string uri,uint256 series,uint256 nonce,uint256 deadline)"
)

var (
	domainTypeHash      = crypto.Keccak256Hash([]byte(domainType))
	achievementTypeHash = crypto.Keccak256Hash([]byte(achievementType))
	collectibleTypeHash = crypto.Keccak256Hash([]byte(collectibleType))
)

// Domain binds signatures to one ledger deployment.
type Domain struct {
	Name              string         `json:"name"`
	Version           string         `json:"version"`
	ChainID           uint64         `json:"chain_id"`
	VerifyingContract common.Address `json:"verifying_contract"`
}

// Separator is the keccak256 hash of the encoded domain.
func (d Domain) Separator() common.Hash {
	return crypto.Keccak256Hash(
		domainTypeHash.Bytes(),
		crypto.Keccak256([]byte(d.Name)),
		crypto.Keccak256([]byte(d.Version)),
		word(d.ChainID),
		common.LeftPadBytes(d.VerifyingContract.Bytes(), 32),
	)
}

// Request is the signed content of a permit. Deadline is a unix timestamp
// in seconds; Series is only hashed for collectibles.
type Request struct {
	To       common.Address
	Tags     []common.Hash
	URI      string
	Series   uint64
	Deadline uint64
}

// TypeString returns the struct schema signed for variant.
func TypeString(variant ledger.Variant) string {
	if variant == ledger.Achievement {
		return achievementType
	}
	return collectibleType
}

// StructHash hashes req with nonce under the schema of variant.
func StructHash(variant ledger.Variant, req Request, nonce uint64) (common.Hash, error) {
	if want := variant.TagArity(); len(req.Tags) != want {
		return common.Hash{}, fmt.Errorf("%w: %s permits carry %d tags, got %d", ledger.ErrInvalidTags, variant, want, len(req.Tags))
	}
	to := common.LeftPadBytes(req.To.Bytes(), 32)
	uri := crypto.Keccak256([]byte(req.URI))
	if variant == ledger.Achievement {
		return crypto.Keccak256Hash(
			achievementTypeHash.Bytes(), to,
			req.Tags[0].Bytes(), req.Tags[1].Bytes(),
			uri, word(nonce), word(req.Deadline),
		), nil
	}
	return crypto.Keccak256Hash(
		collectibleTypeHash.Bytes(), to,
		req.Tags[0].Bytes(),
		uri, word(req.Series), word(nonce), word(req.Deadline),
	), nil
}

// Digest is keccak256(0x19 0x01 || domainSeparator || structHash).
func Digest(domain Domain, variant ledger.Variant, req Request, nonce uint64) (common.Hash, error) {
	sh, err := StructHash(variant, req, nonce)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, domain.Separator().Bytes(), sh.Bytes()), nil
}

// Sign produces the permit signature for req at nonce.
func Sign(domain Domain, variant ledger.Variant, req Request, nonce uint64, key *ecdsa.PrivateKey) ([]byte, error) {
	digest, err := Digest(domain, variant, req, nonce)
	if err != nil {
		return nil, err
	}
	return signature.Sign(digest.Bytes(), key)
}

func word(v uint64) []byte {
	return math.U256Bytes(new(big.Int).SetUint64(v))
}

// Verifier checks permits and owns the per-recipient nonce table.
type Verifier struct {
	exec    *txn.Executor
	roles   roles.Checker
	domain  Domain
	variant ledger.Variant
	nonces  map[common.Address]uint64
}

func NewVerifier(exec *txn.Executor, checker roles.Checker, domain Domain, variant ledger.Variant) *Verifier {
	return &Verifier{
		exec:    exec,
		roles:   checker,
		domain:  domain,
		variant: variant,
		nonces:  make(map[common.Address]uint64),
	}
}

func (v *Verifier) Domain() Domain { return v.domain }

func (v *Verifier) DomainSeparator() common.Hash { return v.domain.Separator() }

// Nonce is the value the next permit for who must be signed with.
func (v *Verifier) Nonce(ctx context.Context, who common.Address) uint64 {
	var n uint64
	v.exec.View(ctx, func() { n = v.nonces[who] })
	return n
}

// Digest builds the digest a signer must sign for req at the current nonce.
func (v *Verifier) Digest(ctx context.Context, req Request) (common.Hash, uint64, error) {
	nonce := v.Nonce(ctx, req.To)
	d, err := Digest(v.domain, v.variant, req, nonce)
	return d, nonce, err
}

// Consume verifies sig over req inside the running operation and advances
// the recipient nonce. It returns the recovered minter.
func (v *Verifier) Consume(ctx context.Context, j *txn.Journal, req Request, sig []byte) (common.Address, error) {
	if !v.exec.Inside(ctx) {
		return common.Address{}, errors.New("permit: consume outside an operation")
	}
	now := j.Now().Unix()
	if now < 0 || uint64(now) > req.Deadline {
		return common.Address{}, fmt.Errorf("%w: deadline %d passed at %d", ErrPermitExpired, req.Deadline, now)
	}
	nonce := v.nonces[req.To]
	digest, err := Digest(v.domain, v.variant, req, nonce)
	if err != nil {
		return common.Address{}, err
	}
	signer, err := signature.Recover(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, err
	}
	if !v.roles.HasRole(ctx, roles.Minter, signer) {
		return common.Address{}, fmt.Errorf("%w: signer %s is not a minter", ErrInvalidSignature, signer.Hex())
	}
	v.nonces[req.To] = nonce + 1
	j.OnRollback(func() {
		if nonce == 0 {
			delete(v.nonces, req.To)
			return
		}
		v.nonces[req.To] = nonce
	})
	return signer, nil
}

// Apply replays a stored permit issuance, leaving the recipient nonce one
// past the consumed one. Other notifications are ignored.
func (v *Verifier) Apply(n audit.Notification) error {
	if n.Kind != audit.KindIssuance || n.Metadata["path"] != IssuancePath {
		return nil
	}
	to := n.Metadata["to"]
	if !common.IsHexAddress(to) {
		return fmt.Errorf("%w: permit issuance %s has recipient %q", ledger.ErrInvalidRecipient, n.ResourceID, to)
	}
	who := common.HexToAddress(to)
	raw, stamped := n.Metadata["nonce"]
	var consumed uint64
	if stamped {
		var err error
		if consumed, err = strconv.ParseUint(raw, 10, 64); err != nil {
			return fmt.Errorf("permit: nonce of issuance %s: %w", n.ResourceID, err)
		}
	}
	return v.exec.Restore(func() error {
		if !stamped {
			consumed = v.nonces[who]
		}
		if consumed+1 > v.nonces[who] {
			v.nonces[who] = consumed + 1
		}
		return nil
	})
}
