package mint

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"laurel.org/internal/audit"
	"laurel.org/internal/clock"
	"laurel.org/internal/ledger"
	"laurel.org/internal/pause"
	"laurel.org/internal/permit"
	"laurel.org/internal/roles"
	"laurel.org/internal/scarcity"
	"laurel.org/internal/txn"
)

var (
	admin   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	pauser  = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	revoker = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	alice   = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	bob     = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	relayer = common.HexToAddress("0x00000000000000000000000000000000000000c1")

	event1 = common.HexToHash("0xe1")
	badge1 = common.HexToHash("0xb1")
	catC   = common.HexToHash("0xcc")
	catD   = common.HexToHash("0xdd")

	domain = permit.Domain{Name: "Laurel", Version: "1", ChainID: 31337, VerifyingContract: common.HexToAddress("0x01")}
	start  = time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
)

type env struct {
	exec     *txn.Executor
	log      *audit.Log
	clock    *clock.Fake
	roles    *roles.Registry
	gate     *pause.Gate
	permits  *permit.Verifier
	ledger   *ledger.Ledger
	scarcity *scarcity.Tracker
	mint     *Coordinator
	minter   common.Address
	key      *ecdsa.PrivateKey
}

// newEnv wires every component on one executor. sinks are durable; the
// env log observes committed batches.
func newEnv(t *testing.T, variant ledger.Variant, sinks ...audit.Sink) *env {
	t.Helper()
	return buildEnv(t, variant, audit.Multi(sinks...))
}

func buildEnv(t *testing.T, variant ledger.Variant, durable audit.Sink, observers ...audit.Sink) *env {
	t.Helper()
	ctx := context.Background()
	e := &env{log: audit.NewLog(), clock: clock.NewFake(start)}
	e.exec = txn.NewExecutor(durable, e.clock, append([]audit.Sink{e.log}, observers...)...)

	var err error
	if e.roles, err = roles.NewRegistry(e.exec, admin); err != nil {
		t.Fatalf("registry: %v", err)
	}
	if e.key, err = crypto.HexToECDSA("ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"); err != nil {
		t.Fatalf("key: %v", err)
	}
	e.minter = crypto.PubkeyToAddress(e.key.PublicKey)
	for role, who := range map[roles.Role]common.Address{roles.Minter: e.minter, roles.Pauser: pauser, roles.Revoker: revoker} {
		if err := e.roles.Grant(ctx, admin, role, who); err != nil {
			t.Fatalf("grant %s: %v", role, err)
		}
	}
	e.gate = pause.New(e.exec, e.roles)
	e.permits = permit.NewVerifier(e.exec, e.roles, domain, variant)
	if e.ledger, err = ledger.New(e.exec, e.roles, variant); err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if variant == ledger.Collectible {
		e.scarcity = scarcity.New(e.exec, e.roles)
	}
	e.mint, err = New(Deps{
		Executor: e.exec,
		Roles:    e.roles,
		Gate:     e.gate,
		Permits:  e.permits,
		Ledger:   e.ledger,
		Scarcity: e.scarcity,
	})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	return e
}

func (e *env) signedPermit(t *testing.T, req Request, deadline uint64) PermitRequest {
	t.Helper()
	nonce := e.permits.Nonce(context.Background(), req.To)
	sig, err := permit.Sign(domain, e.ledger.Variant(), permit.Request{
		To: req.To, Tags: req.Tags, URI: req.URI, Series: req.Series, Deadline: deadline,
	}, nonce, e.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return PermitRequest{Request: req, Deadline: deadline, Signature: sig}
}

func (e *env) kinds(after uint64) []audit.Kind {
	page, _ := e.log.List(after, 1000)
	out := make([]audit.Kind, len(page))
	for i, n := range page {
		out[i] = n.Kind
	}
	return out
}

func (e *env) seq() uint64 {
	return uint64(e.log.Len())
}

func achievement(to common.Address) Request {
	return Request{To: to, Tags: []common.Hash{event1, badge1}, URI: "ipfs://badge"}
}

func collectible(to common.Address, cat common.Hash) Request {
	return Request{To: to, Tags: []common.Hash{cat}, URI: "ipfs://item", Series: 1}
}

func TestAchievementScenario(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, ledger.Achievement)

	a, err := e.mint.Mint(ctx, e.minter, achievement(alice))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if a.ID != 0 || !a.Achievement.TransferLocked {
		t.Fatalf("unexpected asset: %+v", a)
	}
	if err := e.ledger.Transfer(ctx, alice, 0, alice, bob); !errors.Is(err, ledger.ErrTransferWhileLocked) {
		t.Fatalf("expected ErrTransferWhileLocked, got %v", err)
	}
	if err := e.ledger.SetTransferLock(ctx, admin, 0, false); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := e.ledger.Transfer(ctx, alice, 0, alice, bob); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if owner, _ := e.ledger.OwnerOf(ctx, 0); owner != bob {
		t.Fatalf("owner = %s", owner.Hex())
	}
	if err := e.ledger.Revoke(ctx, revoker, 0, "fraud"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked, _ := e.ledger.IsRevoked(ctx, 0); !revoked {
		t.Fatalf("expected revoked")
	}
	if err := e.ledger.Revoke(ctx, revoker, 0, "x"); !errors.Is(err, ledger.ErrAlreadyRevoked) {
		t.Fatalf("expected ErrAlreadyRevoked, got %v", err)
	}
	meta, _ := e.ledger.Metadata(ctx, 0)
	if meta.Achievement.RevocationReason != "fraud" {
		t.Fatalf("reason = %q", meta.Achievement.RevocationReason)
	}
}

func TestCollectibleScenario(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, ledger.Collectible)
	if err := e.scarcity.SetMaxSupply(ctx, admin, catC, 2); err != nil {
		t.Fatalf("set max: %v", err)
	}
	for i, to := range []common.Address{alice, bob} {
		a, err := e.mint.Mint(ctx, e.minter, collectible(to, catC))
		if err != nil {
			t.Fatalf("mint %d: %v", i, err)
		}
		if a.Collectible.SerialNumber != uint64(i) || a.Collectible.Series != 1 {
			t.Fatalf("unexpected collectible state: %+v", a.Collectible)
		}
	}
	if got := e.scarcity.Supply(ctx, catC).Current; got != 2 {
		t.Fatalf("current supply = %d", got)
	}
	if _, err := e.mint.Mint(ctx, e.minter, collectible(alice, catC)); !errors.Is(err, scarcity.ErrSupplyExceeded) {
		t.Fatalf("expected ErrSupplyExceeded, got %v", err)
	}
	if err := e.scarcity.SetMaxSupply(ctx, admin, catC, 1); !errors.Is(err, scarcity.ErrInvalidMaxSupply) {
		t.Fatalf("expected ErrInvalidMaxSupply, got %v", err)
	}
	if e.ledger.TotalSupply(ctx) != 2 {
		t.Fatalf("failed mint allocated an id")
	}
}

func TestIDsStrictlyIncrease(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, ledger.Collectible)
	if err := e.scarcity.SetMaxSupply(ctx, admin, catC, 1); err != nil {
		t.Fatalf("set max: %v", err)
	}
	var ids []uint64
	reqs := []Request{collectible(alice, catD), collectible(alice, catC), collectible(bob, catC), collectible(bob, catD)}
	for _, r := range reqs {
		if a, err := e.mint.Mint(ctx, e.minter, r); err == nil {
			ids = append(ids, a.ID)
		}
	}
	want := []uint64{0, 1, 2}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v", ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestMintRequiresMinter(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, ledger.Achievement)
	if _, err := e.mint.Mint(ctx, alice, achievement(alice)); !errors.Is(err, roles.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := e.mint.Mint(ctx, e.minter, achievement(common.Address{})); !errors.Is(err, ledger.ErrInvalidRecipient) {
		t.Fatalf("expected ErrInvalidRecipient, got %v", err)
	}
	if e.ledger.TotalSupply(ctx) != 0 {
		t.Fatalf("rejected mints created records")
	}
}

func TestMintWithPermit(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, ledger.Achievement)
	deadline := uint64(start.Add(time.Hour).Unix())
	p := e.signedPermit(t, achievement(alice), deadline)

	before := e.seq()
	a, err := e.mint.MintWithPermit(ctx, relayer, p)
	if err != nil {
		t.Fatalf("mint with permit: %v", err)
	}
	if a.Owner != alice || e.permits.Nonce(ctx, alice) != 1 {
		t.Fatalf("unexpected state after permit mint")
	}
	page, _ := e.log.List(before, 10)
	if len(page) != 1 || page[0].Kind != audit.KindIssuance {
		t.Fatalf("unexpected notifications: %+v", page)
	}
	meta := page[0].Metadata
	if meta["signer"] != e.minter.Hex() || meta["relayer"] != relayer.Hex() || meta["nonce"] != "0" || meta["path"] != PathPermit {
		t.Fatalf("issuance metadata = %v", page[0].Metadata)
	}

	// Replay fails because the nonce moved on.
	if _, err := e.mint.MintWithPermit(ctx, relayer, p); !errors.Is(err, permit.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature on replay, got %v", err)
	}
	if e.ledger.TotalSupply(ctx) != 1 {
		t.Fatalf("replay created a record")
	}
}

func TestMintWithPermitRejections(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, ledger.Achievement)

	expired := PermitRequest{Request: achievement(alice), Deadline: uint64(start.Unix()) - 1, Signature: make([]byte, 65)}
	if _, err := e.mint.MintWithPermit(ctx, relayer, expired); !errors.Is(err, permit.ErrPermitExpired) {
		t.Fatalf("expected ErrPermitExpired, got %v", err)
	}

	outsider, _ := crypto.HexToECDSA("59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d")
	deadline := uint64(start.Add(time.Hour).Unix())
	sig, _ := permit.Sign(domain, ledger.Achievement, permit.Request{
		To: alice, Tags: []common.Hash{event1, badge1}, URI: "ipfs://badge", Deadline: deadline,
	}, 0, outsider)
	forged := PermitRequest{Request: achievement(alice), Deadline: deadline, Signature: sig}
	if _, err := e.mint.MintWithPermit(ctx, relayer, forged); !errors.Is(err, permit.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	// A valid permit that fails later leaves the nonce untouched.
	nullRecipient := e.signedPermit(t, achievement(common.Address{}), deadline)
	if _, err := e.mint.MintWithPermit(ctx, relayer, nullRecipient); !errors.Is(err, ledger.ErrInvalidRecipient) {
		t.Fatalf("expected ErrInvalidRecipient, got %v", err)
	}
	if e.permits.Nonce(ctx, common.Address{}) != 0 || e.permits.Nonce(ctx, alice) != 0 {
		t.Fatalf("failed permits consumed nonces")
	}
}

func TestPermitExpiresWithClock(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, ledger.Achievement)
	deadline := uint64(start.Add(time.Minute).Unix())
	p := e.signedPermit(t, achievement(alice), deadline)
	e.clock.Advance(2 * time.Minute)
	if _, err := e.mint.MintWithPermit(ctx, relayer, p); !errors.Is(err, permit.ErrPermitExpired) {
		t.Fatalf("expected ErrPermitExpired, got %v", err)
	}
}

func TestBatchMint(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, ledger.Collectible)
	b := Batch{
		Recipients: []common.Address{alice, bob, alice},
		Tags:       [][]common.Hash{{catC}, {catC}, {catD}},
		URIs:       []string{"u0", "u1", "u2"},
		Series:     []uint64{1, 1, 2},
	}
	before := e.seq()
	assets, err := e.mint.BatchMint(ctx, e.minter, b)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(assets) != 3 || assets[2].ID != 2 || assets[1].Collectible.SerialNumber != 1 || assets[2].Collectible.SerialNumber != 0 {
		t.Fatalf("unexpected batch result: %+v", assets)
	}
	if kinds := e.kinds(before); len(kinds) != 3 {
		t.Fatalf("expected 3 issuance notifications, got %v", kinds)
	}
}

func TestBatchMintLengthMismatchChangesNothing(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, ledger.Collectible)
	if _, err := e.mint.Mint(ctx, e.minter, collectible(alice, catC)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	before := e.seq()
	cases := []Batch{
		{Recipients: []common.Address{alice, bob}, Tags: [][]common.Hash{{catC}}, URIs: []string{"a", "b"}},
		{Recipients: []common.Address{alice}, Tags: [][]common.Hash{{catC}}, URIs: []string{"a", "b"}},
		{Recipients: []common.Address{alice}, Tags: [][]common.Hash{{catC}}, URIs: []string{"a"}, Series: []uint64{1, 2}},
	}
	for i, b := range cases {
		if _, err := e.mint.BatchMint(ctx, e.minter, b); !errors.Is(err, ErrArrayLengthMismatch) {
			t.Fatalf("case %d: expected ErrArrayLengthMismatch, got %v", i, err)
		}
	}
	if e.ledger.TotalSupply(ctx) != 1 || e.scarcity.Supply(ctx, catC).Current != 1 || e.seq() != before {
		t.Fatalf("mismatched batch mutated state")
	}
}

func TestBatchMintRollsBackOnScarcity(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, ledger.Collectible)
	if err := e.scarcity.SetMaxSupply(ctx, admin, catC, 2); err != nil {
		t.Fatalf("set max: %v", err)
	}
	before := e.seq()
	// Item 3 is the third catC mint and exceeds the cap.
	b := Batch{
		Recipients: []common.Address{alice, bob, alice, bob},
		Tags:       [][]common.Hash{{catD}, {catC}, {catC}, {catC}},
		URIs:       []string{"u0", "u1", "u2", "u3"},
	}

	if _, err := e.mint.BatchMint(ctx, e.minter, b); !errors.Is(err, scarcity.ErrSupplyExceeded) {
		t.Fatalf("expected ErrSupplyExceeded, got %v", err)
	}
	if e.ledger.TotalSupply(ctx) != 0 {
		t.Fatalf("batch left %d records", e.ledger.TotalSupply(ctx))
	}
	if _, err := e.ledger.Metadata(ctx, 0); !errors.Is(err, ledger.ErrNonexistentRecord) {
		t.Fatalf("expected ErrNonexistentRecord, got %v", err)
	}
	if e.scarcity.Supply(ctx, catC).Current != 0 || e.scarcity.Supply(ctx, catD).Current != 0 {
		t.Fatalf("supply counters not rolled back")
	}
	if e.ledger.BalanceOf(ctx, alice) != 0 || e.ledger.BalanceOf(ctx, bob) != 0 {
		t.Fatalf("balances not rolled back")
	}
	if e.seq() != before {
		t.Fatalf("failed batch emitted notifications")
	}

	// The next mint reuses id 0.
	a, err := e.mint.Mint(ctx, e.minter, collectible(alice, catC))
	if err != nil || a.ID != 0 || a.Collectible.SerialNumber != 0 {
		t.Fatalf("mint after rollback: %+v %v", a, err)
	}
}

func TestPauseBlocksEveryMintPath(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, ledger.Achievement)
	deadline := uint64(start.Add(time.Hour).Unix())
	p := e.signedPermit(t, achievement(bob), deadline)
	batch := Batch{
		Recipients: []common.Address{alice},
		Tags:       [][]common.Hash{{event1, badge1}},
		URIs:       []string{"u"},
	}

	if err := e.gate.Pause(ctx, pauser); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := e.mint.Mint(ctx, e.minter, achievement(alice)); !errors.Is(err, pause.ErrPaused) {
		t.Fatalf("mint: expected ErrPaused, got %v", err)
	}
	if _, err := e.mint.MintWithPermit(ctx, relayer, p); !errors.Is(err, pause.ErrPaused) {
		t.Fatalf("permit: expected ErrPaused, got %v", err)
	}
	if _, err := e.mint.BatchMint(ctx, e.minter, batch); !errors.Is(err, pause.ErrPaused) {
		t.Fatalf("batch: expected ErrPaused, got %v", err)
	}
	if e.permits.Nonce(ctx, bob) != 0 {
		t.Fatalf("paused permit consumed a nonce")
	}

	if err := e.gate.Unpause(ctx, pauser); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if _, err := e.mint.Mint(ctx, e.minter, achievement(alice)); err != nil {
		t.Fatalf("mint after unpause: %v", err)
	}
	if _, err := e.mint.MintWithPermit(ctx, relayer, p); err != nil {
		t.Fatalf("permit after unpause: %v", err)
	}
	if _, err := e.mint.BatchMint(ctx, e.minter, batch); err != nil {
		t.Fatalf("batch after unpause: %v", err)
	}
}

func TestSinkCannotReenter(t *testing.T) {
	ctx := context.Background()
	var (
		e      *env
		nested error
	)
	hook := audit.SinkFunc(func(ctx context.Context, batch []audit.Notification) error {
		for _, n := range batch {
			if n.Kind == audit.KindIssuance && nested == nil {
				_, nested = e.mint.Mint(ctx, e.minter, achievement(bob))
			}
		}
		return nil
	})
	e = newEnv(t, ledger.Achievement, hook)
	if _, err := e.mint.Mint(ctx, e.minter, achievement(alice)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if !errors.Is(nested, txn.ErrReentrantCall) {
		t.Fatalf("expected ErrReentrantCall, got %v", nested)
	}
	if e.ledger.TotalSupply(ctx) != 1 {
		t.Fatalf("reentrant mint created a record")
	}
}

func TestFailingSinkAbortsMint(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("journal unavailable")
	failing := audit.SinkFunc(func(_ context.Context, batch []audit.Notification) error {
		for _, n := range batch {
			if n.Kind == audit.KindIssuance {
				return boom
			}
		}
		return nil
	})
	e := newEnv(t, ledger.Achievement, failing)
	if _, err := e.mint.Mint(ctx, e.minter, achievement(alice)); !errors.Is(err, boom) {
		t.Fatalf("expected sink error, got %v", err)
	}
	if e.ledger.TotalSupply(ctx) != 0 {
		t.Fatalf("mint survived a failing sink")
	}
	for _, k := range e.kinds(0) {
		if k == audit.KindIssuance {
			t.Fatalf("log kept the rolled back issuance")
		}
	}
}

func TestObserverMintsWithFreshContext(t *testing.T) {
	ctx := context.Background()
	var (
		e      *env
		nested error
		seen   ledger.Asset
	)
	observer := audit.SinkFunc(func(_ context.Context, batch []audit.Notification) error {
		for _, n := range batch {
			if n.Kind != audit.KindIssuance || n.ResourceID != "0" {
				continue
			}
			var err error
			if seen, err = e.ledger.Metadata(context.Background(), 0); err != nil {
				nested = err
				return nil
			}
			_, nested = e.mint.Mint(context.Background(), e.minter, achievement(bob))
		}
		return nil
	})
	e = buildEnv(t, ledger.Achievement, nil, observer)

	done := make(chan error, 1)
	go func() {
		_, err := e.mint.Mint(ctx, e.minter, achievement(alice))
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("mint: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("observer calling back into the ledger deadlocked")
	}
	if nested != nil {
		t.Fatalf("observer mint: %v", nested)
	}
	if seen.Owner != alice {
		t.Fatalf("observer read %+v", seen)
	}
	if e.ledger.TotalSupply(ctx) != 2 {
		t.Fatalf("expected two assets, got %d", e.ledger.TotalSupply(ctx))
	}
	if owner, _ := e.ledger.OwnerOf(ctx, 1); owner != bob {
		t.Fatalf("follow-up mint went to %s", owner.Hex())
	}
}

func TestNewValidatesDeps(t *testing.T) {
	e := newEnv(t, ledger.Collectible)
	if _, err := New(Deps{Executor: e.exec, Roles: e.roles, Gate: e.gate, Permits: e.permits, Ledger: e.ledger}); err == nil {
		t.Fatalf("collectible coordinator without scarcity should fail")
	}
	if _, err := New(Deps{}); err == nil {
		t.Fatalf("empty deps should fail")
	}
}

func TestReason(t *testing.T) {
	cases := map[error]string{
		pause.ErrPaused:            "paused",
		ErrArrayLengthMismatch:     "array_length_mismatch",
		scarcity.ErrSupplyExceeded: "supply_exceeded",
		permit.ErrPermitExpired:    "permit_expired",
		errors.New("disk on fire"): "internal",
	}
	for err, want := range cases {
		if got := Reason(err); got != want {
			t.Fatalf("Reason(%v) = %q, want %q", err, got, want)
		}
	}
}
