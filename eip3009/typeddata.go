package eip3009

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	x402 "github.com/becomeliminal/x402-evm"
)

// PrimaryType is the EIP-712 primary type of a transfer authorization.
const PrimaryType = "TransferWithAuthorization"

// Domain identifies the EIP-712 signing domain of a token contract.
// Every field is required: the domain separator binds a signature to one
// token on one chain, and a silently-defaulted field produces signatures
// the settlement target will never accept.
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract string
}

// Validate rejects incomplete domains. Missing domain parameters must fail
// loudly here rather than surface later as unverifiable signatures.
func (d Domain) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("domain name is required")
	}
	if d.Version == "" {
		return fmt.Errorf("domain version is required")
	}
	if d.ChainID <= 0 {
		return fmt.Errorf("domain chain id is required")
	}
	if !common.IsHexAddress(d.VerifyingContract) {
		return fmt.Errorf("domain verifying contract %q is not a valid address", d.VerifyingContract)
	}
	return nil
}

// DomainFromOption derives the signing domain a payment option implies.
func DomainFromOption(option *x402.PaymentOption) Domain {
	return Domain{
		Name:              option.TokenName,
		Version:           option.TokenVersion,
		ChainID:           option.ChainID,
		VerifyingContract: option.Asset,
	}
}

// TypedData produces the structured object a wallet signs. Field order and
// type strings are a compatibility contract with the token contract's
// on-chain verification; changing either silently breaks every signature.
func TypedData(auth *Authorization, domain Domain) (apitypes.TypedData, error) {
	if err := domain.Validate(); err != nil {
		return apitypes.TypedData{}, fmt.Errorf("invalid signing domain: %w", err)
	}
	if err := auth.validate(); err != nil {
		return apitypes.TypedData{}, err
	}

	value, err := auth.ValueInt()
	if err != nil {
		return apitypes.TypedData{}, err
	}

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			PrimaryType: []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: PrimaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           math.NewHexOrDecimal256(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From,
			"to":          auth.To,
			"value":       (*math.HexOrDecimal256)(value),
			"validAfter":  (*math.HexOrDecimal256)(big.NewInt(auth.ValidAfter)),
			"validBefore": (*math.HexOrDecimal256)(big.NewInt(auth.ValidBefore)),
			"nonce":       auth.Nonce,
		},
	}, nil
}

// Digest computes the 32-byte hash a signature over the authorization
// commits to.
func Digest(auth *Authorization, domain Domain) ([]byte, error) {
	typedData, err := TypedData(auth, domain)
	if err != nil {
		return nil, err
	}
	return HashTypedData(typedData)
}

// HashTypedData computes the EIP-712 digest of arbitrary typed data.
func HashTypedData(typedData apitypes.TypedData) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("failed to hash typed data: %w", err)
	}
	return hash, nil
}
