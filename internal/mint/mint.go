// Package mint coordinates issuance: direct minting by a minter, minting
// against a signed permit, and all-or-nothing batches.
package mint

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"laurel.org/internal/audit"
	"laurel.org/internal/ledger"
	"laurel.org/internal/obs"
	"laurel.org/internal/pause"
	"laurel.org/internal/permit"
	"laurel.org/internal/roles"
	"laurel.org/internal/scarcity"
	"laurel.org/internal/txn"
)

var ErrArrayLengthMismatch = errors.New("array length mismatch")

// Authorization paths, used as the issuance "path" label.
const (
	PathDirect = "direct"
	PathPermit = permit.IssuancePath
	PathBatch  = "batch"
)

// Request describes one asset to issue. Series is ignored for achievements.
type Request struct {
	To     common.Address
	Tags   []common.Hash
	URI    string
	Series uint64
}

// PermitRequest is a Request authorized by a minter signature.
type PermitRequest struct {
	Request
	Deadline  uint64
	Signature []byte
}

// Batch holds parallel arrays. Series may be empty, otherwise it must match
// Recipients in length.
type Batch struct {
	Recipients []common.Address
	Tags       [][]common.Hash
	URIs       []string
	Series     []uint64
}

// Len validates the array lengths and returns the item count.
func (b Batch) Len() (int, error) {
	n := len(b.Recipients)
	if len(b.Tags) != n || len(b.URIs) != n || (len(b.Series) != 0 && len(b.Series) != n) {
		return 0, fmt.Errorf("%w: recipients=%d tags=%d uris=%d series=%d",
			ErrArrayLengthMismatch, n, len(b.Tags), len(b.URIs), len(b.Series))
	}
	return n, nil
}

func (b Batch) item(i int) Request {
	r := Request{To: b.Recipients[i], Tags: b.Tags[i], URI: b.URIs[i]}
	if len(b.Series) != 0 {
		r.Series = b.Series[i]
	}
	return r
}

// Coordinator wires the issuance components together.
type Coordinator struct {
	exec     *txn.Executor
	roles    roles.Checker
	gate     *pause.Gate
	permits  *permit.Verifier
	ledger   *ledger.Ledger
	scarcity *scarcity.Tracker
}

// Deps are the components a Coordinator drives. Scarcity is required for
// the collectible variant only.
type Deps struct {
	Executor *txn.Executor
	Roles    roles.Checker
	Gate     *pause.Gate
	Permits  *permit.Verifier
	Ledger   *ledger.Ledger
	Scarcity *scarcity.Tracker
}

func New(d Deps) (*Coordinator, error) {
	if d.Executor == nil || d.Roles == nil || d.Gate == nil || d.Permits == nil || d.Ledger == nil {
		return nil, errors.New("mint: executor, roles, gate, permits and ledger are required")
	}
	if d.Ledger.Variant() == ledger.Collectible && d.Scarcity == nil {
		return nil, errors.New("mint: collectible ledger needs a scarcity tracker")
	}
	return &Coordinator{
		exec:     d.Executor,
		roles:    d.Roles,
		gate:     d.Gate,
		permits:  d.Permits,
		ledger:   d.Ledger,
		scarcity: d.Scarcity,
	}, nil
}

// Mint issues one asset on behalf of a minter.
func (c *Coordinator) Mint(ctx context.Context, caller common.Address, req Request) (ledger.Asset, error) {
	var out ledger.Asset
	err := c.exec.Do(ctx, "mint.mint", func(ctx context.Context, j *txn.Journal) error {
		if err := c.gate.Check(ctx); err != nil {
			return err
		}
		if err := c.roles.Require(ctx, roles.Minter, caller); err != nil {
			return err
		}
		var err error
		out, err = c.issue(ctx, j, req, caller, PathDirect, nil)
		return err
	})
	if err != nil {
		c.failed("mint", err)
		return ledger.Asset{}, err
	}
	obs.AssetsIssued(string(c.ledger.Variant()), PathDirect, 1)
	return out, nil
}

// MintWithPermit issues one asset authorized by a signed permit. relayer is
// whoever submitted it and needs no role.
func (c *Coordinator) MintWithPermit(ctx context.Context, relayer common.Address, req PermitRequest) (ledger.Asset, error) {
	var out ledger.Asset
	err := c.exec.Do(ctx, "mint.mint_with_permit", func(ctx context.Context, j *txn.Journal) error {
		if err := c.gate.Check(ctx); err != nil {
			return err
		}
		nonce := c.permits.Nonce(ctx, req.To)
		signer, err := c.permits.Consume(ctx, j, permit.Request{
			To:       req.To,
			Tags:     req.Tags,
			URI:      req.URI,
			Series:   req.Series,
			Deadline: req.Deadline,
		}, req.Signature)
		if err != nil {
			return err
		}
		extra := map[string]string{"signer": signer.Hex(), "nonce": strconv.FormatUint(nonce, 10)}
		if relayer != (common.Address{}) {
			extra["relayer"] = relayer.Hex()
		}
		out, err = c.issue(ctx, j, req.Request, signer, PathPermit, extra)
		return err
	})
	if err != nil {
		c.failed("mint_with_permit", err)
		return ledger.Asset{}, err
	}
	obs.AssetsIssued(string(c.ledger.Variant()), PathPermit, 1)
	return out, nil
}

// BatchMint issues every item of b in order, or none of them.
func (c *Coordinator) BatchMint(ctx context.Context, caller common.Address, b Batch) ([]ledger.Asset, error) {
	n, err := b.Len()
	if err != nil {
		c.failed("batch_mint", err)
		return nil, err
	}
	out := make([]ledger.Asset, 0, n)
	err = c.exec.Do(ctx, "mint.batch_mint", func(ctx context.Context, j *txn.Journal) error {
		if err := c.gate.Check(ctx); err != nil {
			return err
		}
		if err := c.roles.Require(ctx, roles.Minter, caller); err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			a, err := c.issue(ctx, j, b.item(i), caller, PathBatch, nil)
			if err != nil {
				return fmt.Errorf("batch item %d: %w", i, err)
			}
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		c.failed("batch_mint", err)
		return nil, err
	}
	obs.AssetsIssued(string(c.ledger.Variant()), PathBatch, n)
	return out, nil
}

func (c *Coordinator) issue(ctx context.Context, j *txn.Journal, req Request, actor common.Address, path string, extra map[string]string) (ledger.Asset, error) {
	if req.To == (common.Address{}) {
		return ledger.Asset{}, fmt.Errorf("%w: null recipient", ledger.ErrInvalidRecipient)
	}
	if err := c.ledger.ValidateTags(req.Tags); err != nil {
		return ledger.Asset{}, err
	}
	draft := ledger.Draft{Owner: req.To, URI: req.URI, Tags: req.Tags}
	if c.ledger.Variant() == ledger.Collectible {
		serial, err := c.scarcity.Reserve(ctx, j, req.Tags[0])
		if err != nil {
			return ledger.Asset{}, err
		}
		draft.Series = req.Series
		draft.SerialNumber = serial
	}
	a, err := c.ledger.Create(ctx, j, draft)
	if err != nil {
		return ledger.Asset{}, err
	}
	j.Emit(issuance(a, actor, path, extra))
	return a, nil
}

func issuance(a ledger.Asset, actor common.Address, path string, extra map[string]string) audit.Notification {
	tags := make([]string, len(a.Tags))
	for i, t := range a.Tags {
		tags[i] = t.Hex()
	}
	meta := map[string]string{
		"to":      a.Owner.Hex(),
		"uri":     a.URI,
		"tags":    strings.Join(tags, ","),
		"variant": string(a.Variant),
		"path":    path,
	}
	if a.Collectible != nil {
		meta["series"] = strconv.FormatUint(a.Collectible.Series, 10)
		meta["serial_number"] = strconv.FormatUint(a.Collectible.SerialNumber, 10)
	}
	for k, v := range extra {
		meta[k] = v
	}
	return audit.Notification{
		Kind:         audit.KindIssuance,
		OccurredAt:   a.IssuedAt,
		Actor:        actor.Hex(),
		ResourceType: "asset",
		ResourceID:   strconv.FormatUint(a.ID, 10),
		Metadata:     meta,
	}
}

func (c *Coordinator) failed(op string, err error) {
	obs.OperationFailed(op, Reason(err))
}

// Reason classifies an issuance error into a short metric label.
func Reason(err error) string {
	switch {
	case errors.Is(err, pause.ErrPaused):
		return "paused"
	case errors.Is(err, roles.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, permit.ErrPermitExpired):
		return "permit_expired"
	case errors.Is(err, permit.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ledger.ErrInvalidRecipient):
		return "invalid_recipient"
	case errors.Is(err, ledger.ErrInvalidTags):
		return "invalid_tags"
	case errors.Is(err, scarcity.ErrSupplyExceeded):
		return "supply_exceeded"
	case errors.Is(err, ErrArrayLengthMismatch):
		return "array_length_mismatch"
	case errors.Is(err, txn.ErrReentrantCall):
		return "reentrant_call"
	default:
		return "internal"
	}
}
