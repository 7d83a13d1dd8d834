// Package signature recovers and produces recoverable secp256k1 signatures
// over 32-byte digests in the 65-byte r || s || v layout used by Ethereum
// wallets.
package signature

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidEncoding  = errors.New("invalid encoding")
)

// Length is the size of an encoded signature.
const Length = crypto.SignatureLength

// Recover returns the address whose key produced sig over digest.
// v may be 0/1 or 27/28; high-s signatures are rejected.
func Recover(digest []byte, sig []byte) (common.Address, error) {
	if len(digest) != common.HashLength {
		return common.Address{}, fmt.Errorf("%w: digest must be %d bytes", ErrInvalidSignature, common.HashLength)
	}
	if len(sig) != Length {
		return common.Address{}, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidSignature, Length, len(sig))
	}
	normalized := make([]byte, Length)
	copy(normalized, sig)
	if v := normalized[crypto.RecoveryIDOffset]; v >= 27 {
		normalized[crypto.RecoveryIDOffset] = v - 27
	}
	r := new(big.Int).SetBytes(normalized[:32])
	s := new(big.Int).SetBytes(normalized[32:64])
	if !crypto.ValidateSignatureValues(normalized[crypto.RecoveryIDOffset], r, s, true) {
		return common.Address{}, fmt.Errorf("%w: malformed r, s or v", ErrInvalidSignature)
	}
	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign signs digest with key and returns the signature with v in {27, 28}.
func Sign(digest []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Decode parses a 0x-prefixed hex signature. The length is left to
// Recover, which rejects it as an invalid signature.
func Decode(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	raw, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return raw, nil
}

// Encode renders sig as 0x-prefixed hex.
func Encode(sig []byte) string {
	return hexutil.Encode(sig)
}
