package eip3009

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Signer is the capability a payer needs: an address and the ability to
// sign EIP-712 typed data. One implementation is selected at composition
// time; there is no runtime feature-detection of wallet objects.
type Signer interface {
	// Address returns the account the signatures recover to.
	Address() common.Address

	// SignTypedData signs the EIP-712 digest of the typed data and returns
	// the 0x-prefixed 65-byte signature with v in {27, 28}.
	SignTypedData(typedData apitypes.TypedData) (string, error)
}

// PrivateKeySigner signs with an in-process secp256k1 key. Suitable for
// services and tests; end users sign in their own wallets.
type PrivateKeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewPrivateKeySigner parses a hex-encoded private key (0x prefix optional).
func NewPrivateKeySigner(hexKey string) (*PrivateKeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewPrivateKeySignerFromKey(key), nil
}

// NewPrivateKeySignerFromKey wraps an already-parsed key.
func NewPrivateKeySignerFromKey(key *ecdsa.PrivateKey) *PrivateKeySigner {
	return &PrivateKeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

// Address returns the account the signatures recover to.
func (s *PrivateKeySigner) Address() common.Address {
	return s.address
}

// SignTypedData signs the EIP-712 digest of the typed data.
func (s *PrivateKeySigner) SignTypedData(typedData apitypes.TypedData) (string, error) {
	digest, err := HashTypedData(typedData)
	if err != nil {
		return "", err
	}

	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign digest: %w", err)
	}

	// crypto.Sign yields v in {0, 1}; the wire form uses {27, 28}.
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

// SignAuthorization builds the typed data for an authorization and signs it.
// The signer must control the authorization's from address.
func SignAuthorization(auth *Authorization, domain Domain, signer Signer) (*SignedAuthorization, error) {
	if !strings.EqualFold(auth.From, signer.Address().Hex()) {
		return nil, fmt.Errorf("signer address %s does not match authorization from %s",
			signer.Address().Hex(), auth.From)
	}

	typedData, err := TypedData(auth, domain)
	if err != nil {
		return nil, err
	}

	signature, err := signer.SignTypedData(typedData)
	if err != nil {
		return nil, err
	}

	return &SignedAuthorization{
		Signature:     signature,
		Authorization: auth,
	}, nil
}
