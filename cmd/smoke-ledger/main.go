package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"laurel.org/internal/ledger"
	"laurel.org/internal/ledger/remote"
	"laurel.org/internal/mint"
	"laurel.org/internal/permit"
	"laurel.org/internal/roles"
)

// smoke-ledger drives a running API end to end: it grants the admin the
// minter role, mints directly and by permit, and checks ownership rules.
func main() {
	base := os.Getenv("LAUREL_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	adminKey, err := crypto.HexToECDSA(strings.TrimPrefix(os.Getenv("LAUREL_SMOKE_ADMIN_KEY"), "0x"))
	if err != nil {
		log.Fatalf("LAUREL_SMOKE_ADMIN_KEY: %v", err)
	}
	holderKey, err := crypto.GenerateKey()
	if err != nil {
		log.Fatalf("generate holder key: %v", err)
	}
	admin := crypto.PubkeyToAddress(adminKey.PublicKey)
	holder := crypto.PubkeyToAddress(holderKey.PublicKey)

	ctx, cancel := remote.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client := remote.New(base, nil)
	if err := client.Login(ctx, adminKey); err != nil {
		log.Fatalf("login: %v", err)
	}
	info, err := client.Info(ctx)
	if err != nil {
		log.Fatalf("info: %v", err)
	}
	if err := client.Grant(ctx, roles.Minter, admin); err != nil {
		log.Fatalf("grant minter: %v", err)
	}

	run := time.Now().UnixNano()
	tags := []common.Hash{crypto.Keccak256Hash([]byte(fmt.Sprintf("smoke-%d", run)))}
	if info.Variant == ledger.Achievement {
		tags = append(tags, crypto.Keccak256Hash([]byte("participant")))
	}

	before, err := client.Balance(ctx, holder)
	if err != nil {
		log.Fatalf("balance: %v", err)
	}
	asset, err := client.Mint(ctx, mint.Request{To: holder, Tags: tags, URI: "smoke://direct"})
	if err != nil {
		log.Fatalf("mint: %v", err)
	}

	nonce, err := client.Nonce(ctx, holder)
	if err != nil {
		log.Fatalf("nonce: %v", err)
	}
	domain, err := client.Domain(ctx)
	if err != nil {
		log.Fatalf("domain: %v", err)
	}
	req := permit.Request{To: holder, Tags: tags, URI: "smoke://permit", Deadline: uint64(time.Now().Add(10 * time.Minute).Unix())}
	sig, err := permit.Sign(domain, info.Variant, req, nonce, adminKey)
	if err != nil {
		log.Fatalf("sign permit: %v", err)
	}
	viaPermit, err := remote.New(base, nil).MintWithPermit(ctx, mint.PermitRequest{
		Request:   mint.Request{To: holder, Tags: tags, URI: req.URI},
		Deadline:  req.Deadline,
		Signature: sig,
	})
	if err != nil {
		log.Fatalf("mint with permit: %v", err)
	}
	if viaPermit.ID <= asset.ID {
		log.Fatalf("ids not increasing: %d then %d", asset.ID, viaPermit.ID)
	}

	after, err := client.Balance(ctx, holder)
	if err != nil {
		log.Fatalf("balance: %v", err)
	}
	if after != before+2 {
		log.Fatalf("unexpected balance: before=%d after=%d", before, after)
	}

	// the admin does not own the asset
	err = client.Transfer(ctx, asset.ID, holder, admin)
	if !errors.Is(err, ledger.ErrNotOwner) {
		log.Fatalf("expected not owner, got %v", err)
	}

	fmt.Printf("smoke test passed: variant=%s assets=%d,%d\n", info.Variant, asset.ID, viaPermit.ID)
}
