package auth

import (
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"laurel.org/internal/signature"
)

// LoginWindow bounds the distance between the signed timestamp and now.
const LoginWindow = 5 * time.Minute

// LoginMessage is the text a wallet personal-signs to obtain a token.
func LoginMessage(who common.Address, issuedAt int64) string {
	return fmt.Sprintf("laurel login %s %d", who.Hex(), issuedAt)
}

// VerifyLogin checks that sig is a personal-sign of LoginMessage by who and
// that issuedAt (unix seconds) is within LoginWindow of now.
func VerifyLogin(who common.Address, issuedAt int64, sig []byte, now time.Time) error {
	if who == (common.Address{}) {
		return fmt.Errorf("%w: address is required", ErrInvalidLogin)
	}
	delta := now.Sub(time.Unix(issuedAt, 0))
	if delta < 0 {
		delta = -delta
	}
	if delta > LoginWindow {
		return ErrLoginExpired
	}
	hash := accounts.TextHash([]byte(LoginMessage(who, issuedAt)))
	signer, err := signature.Recover(hash, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLogin, err)
	}
	if signer != who {
		return fmt.Errorf("%w: signed by %s", ErrInvalidLogin, signer.Hex())
	}
	return nil
}

// SignLogin produces the login signature for key at issuedAt.
func SignLogin(key *ecdsa.PrivateKey, issuedAt int64) ([]byte, error) {
	who := crypto.PubkeyToAddress(key.PublicKey)
	return signature.Sign(accounts.TextHash([]byte(LoginMessage(who, issuedAt))), key)
}
