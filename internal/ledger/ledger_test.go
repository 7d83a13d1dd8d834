package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"laurel.org/internal/audit"
	"laurel.org/internal/clock"
	"laurel.org/internal/roles"
	"laurel.org/internal/txn"
)

var (
	admin   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	revoker = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	alice   = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	bob     = common.HexToAddress("0x00000000000000000000000000000000000000b2")

	event = common.HexToHash("0xe1")
	badge = common.HexToHash("0xb1")
)

type fixture struct {
	exec   *txn.Executor
	ledger *Ledger
	log    *audit.Log
	clock  *clock.Fake
}

func newFixture(t *testing.T, variant Variant) *fixture {
	t.Helper()
	log := audit.NewLog()
	clk := clock.NewFake(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	exec := txn.NewExecutor(log, clk)
	reg, err := roles.NewRegistry(exec, admin)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if err := reg.Grant(context.Background(), admin, roles.Revoker, revoker); err != nil {
		t.Fatalf("grant: %v", err)
	}
	l, err := New(exec, reg, variant)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{exec: exec, ledger: l, log: log, clock: clk}
}

func (f *fixture) create(t *testing.T, d Draft) Asset {
	t.Helper()
	var out Asset
	err := f.exec.Do(context.Background(), "test.create", func(ctx context.Context, j *txn.Journal) error {
		var err error
		out, err = f.ledger.Create(ctx, j, d)
		return err
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return out
}

func TestCreateAllocatesDenseIDs(t *testing.T) {
	f := newFixture(t, Achievement)
	for want := uint64(0); want < 3; want++ {
		a := f.create(t, Draft{Owner: alice, URI: "ipfs://a", Tags: []common.Hash{event, badge}})
		if a.ID != want {
			t.Fatalf("id = %d, want %d", a.ID, want)
		}
		if !a.Achievement.TransferLocked {
			t.Fatalf("achievement should start locked")
		}
		if !a.IssuedAt.Equal(f.clock.Now()) {
			t.Fatalf("issued at = %v", a.IssuedAt)
		}
	}
	if got := f.ledger.BalanceOf(context.Background(), alice); got != 3 {
		t.Fatalf("balance = %d", got)
	}
	if got := f.ledger.TotalSupply(context.Background()); got != 3 {
		t.Fatalf("total supply = %d", got)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, Achievement)
	cases := []struct {
		name  string
		draft Draft
		want  error
	}{
		{"null owner", Draft{Tags: []common.Hash{event, badge}}, ErrInvalidRecipient},
		{"missing badge", Draft{Owner: alice, Tags: []common.Hash{event}}, ErrInvalidTags},
	}
	for _, tc := range cases {
		err := f.exec.Do(context.Background(), "test.create", func(ctx context.Context, j *txn.Journal) error {
			_, err := f.ledger.Create(ctx, j, tc.draft)
			return err
		})
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if _, err := f.ledger.Create(context.Background(), nil, Draft{Owner: alice}); err == nil {
		t.Fatalf("create outside an operation should fail")
	}
}

func TestCreateRollsBack(t *testing.T) {
	f := newFixture(t, Collectible)
	boom := errors.New("boom")
	err := f.exec.Do(context.Background(), "test.create", func(ctx context.Context, j *txn.Journal) error {
		if _, err := f.ledger.Create(ctx, j, Draft{Owner: alice, Tags: []common.Hash{event}}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if f.ledger.TotalSupply(context.Background()) != 0 || f.ledger.BalanceOf(context.Background(), alice) != 0 {
		t.Fatalf("create not rolled back")
	}
	a := f.create(t, Draft{Owner: alice, Tags: []common.Hash{event}, Series: 7, SerialNumber: 3})
	if a.ID != 0 || a.Collectible.Series != 7 || a.Collectible.SerialNumber != 3 {
		t.Fatalf("unexpected asset after rollback: %+v", a)
	}
}

func TestAchievementLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Achievement)
	f.create(t, Draft{Owner: alice, URI: "ipfs://badge", Tags: []common.Hash{event, badge}})

	if err := f.ledger.Transfer(ctx, alice, 0, alice, bob); !errors.Is(err, ErrTransferWhileLocked) {
		t.Fatalf("expected ErrTransferWhileLocked, got %v", err)
	}
	if err := f.ledger.SetTransferLock(ctx, alice, 0, false); !errors.Is(err, roles.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := f.ledger.SetTransferLock(ctx, admin, 0, false); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := f.ledger.Transfer(ctx, alice, 0, alice, bob); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	owner, err := f.ledger.OwnerOf(ctx, 0)
	if err != nil || owner != bob {
		t.Fatalf("owner = %s, %v", owner.Hex(), err)
	}
	if f.ledger.BalanceOf(ctx, alice) != 0 || f.ledger.BalanceOf(ctx, bob) != 1 {
		t.Fatalf("balances not moved")
	}

	if err := f.ledger.Revoke(ctx, admin, 0, "fraud"); !errors.Is(err, roles.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := f.ledger.Revoke(ctx, revoker, 0, "fraud"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := f.ledger.Revoke(ctx, revoker, 0, "x"); !errors.Is(err, ErrAlreadyRevoked) {
		t.Fatalf("expected ErrAlreadyRevoked, got %v", err)
	}
	revoked, err := f.ledger.IsRevoked(ctx, 0)
	if err != nil || !revoked {
		t.Fatalf("IsRevoked = %v, %v", revoked, err)
	}
	a, _ := f.ledger.Metadata(ctx, 0)
	if a.Achievement.RevocationReason != "fraud" || *a.Achievement.RevokedBy != revoker || a.Owner != bob {
		t.Fatalf("unexpected record: %+v", a.Achievement)
	}
}

func TestTransferChecks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Collectible)
	f.create(t, Draft{Owner: alice, Tags: []common.Hash{event}})

	cases := []struct {
		name         string
		caller, from common.Address
		to           common.Address
		id           uint64
		want         error
	}{
		{"missing", alice, alice, bob, 9, ErrNonexistentRecord},
		{"null to", alice, alice, common.Address{}, 0, ErrInvalidRecipient},
		{"caller not from", bob, alice, bob, 0, ErrNotOwner},
		{"from not owner", bob, bob, alice, 0, ErrNotOwner},
	}
	for _, tc := range cases {
		if err := f.ledger.Transfer(ctx, tc.caller, tc.id, tc.from, tc.to); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if err := f.ledger.Transfer(ctx, alice, 0, alice, bob); err != nil {
		t.Fatalf("collectible transfer: %v", err)
	}
	page, _ := f.log.List(0, 100)
	last := page[len(page)-1]
	if last.Kind != audit.KindTransfer || last.Metadata["to"] != bob.Hex() {
		t.Fatalf("unexpected notification: %+v", last)
	}
}

func TestAchievementOnlyOperations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Collectible)
	f.create(t, Draft{Owner: alice, Tags: []common.Hash{event}})
	if err := f.ledger.Revoke(ctx, revoker, 0, "x"); !errors.Is(err, ErrWrongVariant) {
		t.Fatalf("expected ErrWrongVariant, got %v", err)
	}
	if err := f.ledger.SetTransferLock(ctx, admin, 0, true); !errors.Is(err, ErrWrongVariant) {
		t.Fatalf("expected ErrWrongVariant, got %v", err)
	}
	revoked, err := f.ledger.IsRevoked(ctx, 0)
	if err != nil || revoked {
		t.Fatalf("collectible revoked = %v, %v", revoked, err)
	}
}

func TestMetadataIsACopy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Achievement)
	f.create(t, Draft{Owner: alice, Tags: []common.Hash{event, badge}})
	a, _ := f.ledger.Metadata(ctx, 0)
	a.Tags[0] = common.Hash{}
	a.Achievement.TransferLocked = false
	again, _ := f.ledger.Metadata(ctx, 0)
	if again.Tags[0] != event || !again.Achievement.TransferLocked {
		t.Fatalf("metadata leaked internal state")
	}
	if _, err := f.ledger.Metadata(ctx, 1); !errors.Is(err, ErrNonexistentRecord) {
		t.Fatalf("expected ErrNonexistentRecord, got %v", err)
	}
}

func TestTagFromString(t *testing.T) {
	hexTag := "0x00000000000000000000000000000000000000000000000000000000000000e1"
	got, err := TagFromString(hexTag)
	if err != nil || got != event {
		t.Fatalf("hex tag = %s, %v", got.Hex(), err)
	}
	label, err := TagFromString("genesis-event")
	if err != nil || label == (common.Hash{}) {
		t.Fatalf("label tag = %s, %v", label.Hex(), err)
	}
	for _, bad := range []string{"", "0x1234", "0xzz"} {
		if _, err := TagFromString(bad); !errors.Is(err, ErrInvalidTags) {
			t.Fatalf("TagFromString(%q): expected ErrInvalidTags, got %v", bad, err)
		}
	}
}

func TestParseVariant(t *testing.T) {
	var v Variant
	if err := v.UnmarshalText([]byte("Collectible")); err != nil || v != Collectible {
		t.Fatalf("unmarshal: %v %v", v, err)
	}
	if _, err := ParseVariant("coupon"); err == nil {
		t.Fatalf("expected error")
	}
	if Achievement.TagArity() != 2 || Collectible.TagArity() != 1 {
		t.Fatalf("unexpected arity")
	}
}

func TestApplyRejectsGapsAndUnknownIDs(t *testing.T) {
	f := newFixture(t, Achievement)
	issued := audit.Notification{
		Kind:       audit.KindIssuance,
		ResourceID: "1",
		Metadata: map[string]string{
			"to":      alice.Hex(),
			"tags":    event.Hex() + "," + badge.Hex(),
			"variant": string(Achievement),
		},
	}
	if err := f.ledger.Apply(issued); err == nil {
		t.Fatalf("expected a gap in ids to fail")
	}
	issued.ResourceID = "0"
	if err := f.ledger.Apply(issued); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	moved := audit.Notification{Kind: audit.KindTransfer, ResourceID: "3", Metadata: map[string]string{"from": alice.Hex(), "to": bob.Hex()}}
	if err := f.ledger.Apply(moved); !errors.Is(err, ErrNonexistentRecord) {
		t.Fatalf("expected ErrNonexistentRecord, got %v", err)
	}
	moved.ResourceID = "0"
	if err := f.ledger.Apply(moved); err != nil {
		t.Fatalf("Apply transfer: %v", err)
	}
	ctx := context.Background()
	if owner, _ := f.ledger.OwnerOf(ctx, 0); owner != bob || f.ledger.BalanceOf(ctx, alice) != 0 {
		t.Fatalf("transfer not applied")
	}
	if f.log.Len() != 1 {
		t.Fatalf("replay emitted notifications: %d", f.log.Len())
	}
}
