// Package eip3009 implements gasless transfer authorizations: building the
// TransferWithAuthorization message a payer signs, the EIP-712 typed-data
// encoding wallets expect, signature splitting and recovery, and local
// verification of a submitted authorization against a payment option.
package eip3009

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	x402 "github.com/becomeliminal/x402-evm"
)

// DefaultValidityPeriod is the signing window applied when BuildOptions
// does not set one.
const DefaultValidityPeriod = time.Hour

// Authorization is a single-use, time-boxed permission letting a relayer
// move Value atomic units from From to To. Immutable once signed; the token
// contract consumes the (From, Nonce) pair exactly once.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"` // atomic units, decimal string
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
	Nonce       string `json:"nonce"` // 0x-prefixed 32-byte hex
}

// SignedAuthorization pairs an authorization with its 65-byte signature.
type SignedAuthorization struct {
	Signature     string         `json:"signature"`
	Authorization *Authorization `json:"authorization"`
}

// BuildOptions adjusts authorization construction.
type BuildOptions struct {
	// ValidityPeriod is how long the authorization stays settleable.
	// Must be positive; defaults to DefaultValidityPeriod.
	ValidityPeriod time.Duration
}

// NewAuthorization constructs an authorization valid from now for the
// configured period, with a cryptographically random nonce. The nonce is
// random, not guaranteed fresh against history: uniqueness is enforced at
// settlement by the ledger's consumed-nonce state.
func NewAuthorization(from, to string, value *big.Int, opts *BuildOptions) (*Authorization, error) {
	if !common.IsHexAddress(from) {
		return nil, x402.NewPaymentError(x402.CodeFormatError, fmt.Sprintf("invalid from address %q", from), nil)
	}
	if !common.IsHexAddress(to) {
		return nil, x402.NewPaymentError(x402.CodeFormatError, fmt.Sprintf("invalid to address %q", to), nil)
	}
	if value == nil || value.Sign() < 0 {
		return nil, x402.NewPaymentError(x402.CodeFormatError, "value must be a non-negative integer", nil)
	}

	period := DefaultValidityPeriod
	if opts != nil && opts.ValidityPeriod != 0 {
		if opts.ValidityPeriod < 0 {
			return nil, fmt.Errorf("validity period must be positive, got %s", opts.ValidityPeriod)
		}
		period = opts.ValidityPeriod
	}

	nonce, err := randomNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	now := time.Now().Unix()
	return &Authorization{
		From:        from,
		To:          to,
		Value:       value.String(),
		ValidAfter:  now,
		ValidBefore: now + int64(period.Seconds()),
		Nonce:       nonce,
	}, nil
}

func randomNonce() (string, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}
	return hexutil.Encode(nonce[:]), nil
}

// ValueInt parses the authorization amount into an arbitrary-precision
// integer. Amounts are never represented as floating point.
func (a *Authorization) ValueInt() (*big.Int, error) {
	value, ok := new(big.Int).SetString(a.Value, 10)
	if !ok {
		return nil, x402.NewPaymentError(x402.CodeFormatError, fmt.Sprintf("invalid value %q", a.Value), nil)
	}
	if value.Sign() < 0 {
		return nil, x402.NewPaymentError(x402.CodeFormatError, "value must be non-negative", nil)
	}
	return value, nil
}

// NonceBytes decodes the nonce, enforcing the 32-byte format.
func (a *Authorization) NonceBytes() ([32]byte, error) {
	var out [32]byte
	raw, err := hexutil.Decode(a.Nonce)
	if err != nil {
		return out, x402.NewPaymentError(x402.CodeFormatError, fmt.Sprintf("invalid nonce %q", a.Nonce), err)
	}
	if len(raw) != 32 {
		return out, x402.NewPaymentError(x402.CodeFormatError, fmt.Sprintf("nonce must be 32 bytes, got %d", len(raw)), nil)
	}
	copy(out[:], raw)
	return out, nil
}

// validate checks the structural invariants shared by signing and
// verification paths.
func (a *Authorization) validate() error {
	if a == nil {
		return x402.NewPaymentError(x402.CodeFormatError, "authorization is required", nil)
	}
	if !common.IsHexAddress(a.From) {
		return x402.NewPaymentError(x402.CodeFormatError, fmt.Sprintf("invalid from address %q", a.From), nil)
	}
	if !common.IsHexAddress(a.To) {
		return x402.NewPaymentError(x402.CodeFormatError, fmt.Sprintf("invalid to address %q", a.To), nil)
	}
	if _, err := a.ValueInt(); err != nil {
		return err
	}
	if _, err := a.NonceBytes(); err != nil {
		return err
	}
	return nil
}
