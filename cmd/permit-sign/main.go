// Command permit-sign produces request bodies signed by a local key: a
// minter permit for POST /v1/assets/permit, or a login proof for
// POST /v1/auth/token.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"laurel.org/internal/auth"
	"laurel.org/internal/ledger"
	"laurel.org/internal/permit"
	"laurel.org/internal/signature"
)

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		log.Fatal("usage: permit-sign [mint|login] -key <hex> ...")
	}
	var err error
	switch os.Args[1] {
	case "mint":
		err = signMint(os.Args[2:])
	case "login":
		err = signLogin(os.Args[2:])
	default:
		log.Fatalf("unknown command %q", os.Args[1])
	}
	if err != nil {
		log.Fatalf("%s: %v", os.Args[1], err)
	}
}

func signMint(args []string) error {
	fs := flag.NewFlagSet("mint", flag.ExitOnError)
	var (
		keyHex   = fs.String("key", os.Getenv("LAUREL_SIGNER_KEY"), "minter private key (hex)")
		variant  = fs.String("variant", "achievement", "achievement or collectible")
		name     = fs.String("domain-name", "Laurel", "signing domain name")
		version  = fs.String("domain-version", "1", "signing domain version")
		chainID  = fs.Uint64("chain-id", 1, "signing domain chain id")
		contract = fs.String("ledger-address", os.Getenv("LAUREL_LEDGER_ADDRESS"), "signing domain verifying address (LAUREL_LEDGER_ADDRESS of the target ledger)")
		to       = fs.String("to", "", "recipient address")
		tags     = fs.String("tags", "", "comma separated tags (labels or 0x hashes)")
		uri      = fs.String("uri", "", "metadata URI")
		series   = fs.Uint64("series", 0, "collectible series")
		nonce    = fs.Uint64("nonce", 0, "recipient nonce (GET /v1/permits/nonce/{to})")
		ttl      = fs.Duration("ttl", time.Hour, "deadline distance from now")
	)
	_ = fs.Parse(args)

	key, err := crypto.HexToECDSA(strings.TrimPrefix(*keyHex, "0x"))
	if err != nil {
		return fmt.Errorf("key: %w", err)
	}
	v, err := ledger.ParseVariant(*variant)
	if err != nil {
		return err
	}
	if !common.IsHexAddress(*to) || !common.IsHexAddress(*contract) {
		return fmt.Errorf("to and ledger-address must be hex addresses")
	}
	if common.HexToAddress(*contract) == (common.Address{}) {
		return fmt.Errorf("ledger-address must be the non-zero address of the target ledger")
	}
	var (
		rawTags []string
		hashes  []common.Hash
	)
	for _, part := range strings.Split(*tags, ",") {
		if part = strings.TrimSpace(part); part == "" {
			continue
		}
		tag, err := ledger.TagFromString(part)
		if err != nil {
			return err
		}
		rawTags = append(rawTags, tag.Hex())
		hashes = append(hashes, tag)
	}

	domain := permit.Domain{
		Name:              *name,
		Version:           *version,
		ChainID:           *chainID,
		VerifyingContract: common.HexToAddress(*contract),
	}
	req := permit.Request{
		To:       common.HexToAddress(*to),
		Tags:     hashes,
		URI:      *uri,
		Series:   *series,
		Deadline: uint64(time.Now().Add(*ttl).Unix()),
	}
	sig, err := permit.Sign(domain, v, req, *nonce, key)
	if err != nil {
		return err
	}
	body := map[string]any{
		"to":        req.To.Hex(),
		"tags":      rawTags,
		"uri":       req.URI,
		"deadline":  req.Deadline,
		"signature": signature.Encode(sig),
	}
	if v == ledger.Collectible {
		body["series"] = req.Series
	}
	return json.NewEncoder(os.Stdout).Encode(body)
}

func signLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	keyHex := fs.String("key", os.Getenv("LAUREL_SIGNER_KEY"), "private key (hex)")
	_ = fs.Parse(args)

	key, err := crypto.HexToECDSA(strings.TrimPrefix(*keyHex, "0x"))
	if err != nil {
		return fmt.Errorf("key: %w", err)
	}
	issuedAt := time.Now().Unix()
	sig, err := auth.SignLogin(key, issuedAt)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(map[string]any{
		"address":   crypto.PubkeyToAddress(key.PublicKey).Hex(),
		"issued_at": issuedAt,
		"signature": signature.Encode(sig),
	})
}
