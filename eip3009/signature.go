package eip3009

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"

	x402 "github.com/becomeliminal/x402-evm"
)

// SignatureLength is the canonical encoded size: r (32) || s (32) || v (1).
const SignatureLength = 65

// Signature is the three-component form of a 65-byte secp256k1 signature.
// V is always normalized to {27, 28}.
type Signature struct {
	V byte
	R [32]byte
	S [32]byte
}

// SplitSignature decodes a 0x-prefixed 65-byte signature into its
// components, normalizing both the {0, 1} and {27, 28} recovery-id
// conventions to {27, 28}. Anything that is not exactly 65 bytes is a
// FormatError.
func SplitSignature(raw string) (*Signature, error) {
	decoded, err := hexutil.Decode(raw)
	if err != nil {
		return nil, x402.NewPaymentError(x402.CodeFormatError, "signature is not valid hex", err)
	}
	if len(decoded) != SignatureLength {
		return nil, x402.NewPaymentError(x402.CodeFormatError,
			fmt.Sprintf("signature must be %d bytes, got %d", SignatureLength, len(decoded)), nil)
	}

	sig := &Signature{V: decoded[64]}
	copy(sig.R[:], decoded[0:32])
	copy(sig.S[:], decoded[32:64])
	if sig.V < 27 {
		sig.V += 27
	}
	if sig.V != 27 && sig.V != 28 {
		return nil, x402.NewPaymentError(x402.CodeFormatError,
			fmt.Sprintf("invalid recovery id %d", decoded[64]), nil)
	}
	return sig, nil
}

// JoinSignature recombines components into the 0x-prefixed 65-byte form.
// For any well-formed signature, JoinSignature(SplitSignature(x)) == x.
func JoinSignature(sig *Signature) string {
	return hexutil.Encode(sig.bytes(sig.V))
}

// Hex is JoinSignature as a method.
func (sig *Signature) Hex() string {
	return JoinSignature(sig)
}

// recoveryBytes returns the r || s || v form with v in {0, 1}, which is
// what secp256k1 public-key recovery expects.
func (sig *Signature) recoveryBytes() []byte {
	return sig.bytes(sig.V - 27)
}

func (sig *Signature) bytes(v byte) []byte {
	out := make([]byte, SignatureLength)
	copy(out[0:32], sig.R[:])
	copy(out[32:64], sig.S[:])
	out[64] = v
	return out
}
