// Package address validates ledger identifiers (wallet public keys and
// transaction signatures) before any ledger interaction takes place.
package address

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/gagliardetto/solana-go"
)

// Base58 alphabet without 0, O, I and l.
var (
	walletRegex    = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)
	signatureRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{64,88}$`)
)

var (
	ErrInvalidWallet    = errors.New("address: invalid wallet address")
	ErrInvalidSignature = errors.New("address: invalid transaction signature")
)

// ParseWallet checks the base58 shape of s and decodes it into a 32-byte
// public key.
func ParseWallet(s string) (solana.PublicKey, error) {
	if !walletRegex.MatchString(s) {
		return solana.PublicKey{}, fmt.Errorf("%w: %q", ErrInvalidWallet, s)
	}
	pk, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidWallet, err)
	}
	return pk, nil
}

// ParseSignature decodes s into a 64-byte transaction signature.
func ParseSignature(s string) (solana.Signature, error) {
	if !signatureRegex.MatchString(s) {
		return solana.Signature{}, fmt.Errorf("%w: %q", ErrInvalidSignature, s)
	}
	sig, err := solana.SignatureFromBase58(s)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return sig, nil
}
