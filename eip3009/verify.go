package eip3009

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	x402 "github.com/becomeliminal/x402-evm"
)

// Verify checks a signed authorization against the option the server
// offered, at the current time. See VerifyAt.
func Verify(signed *SignedAuthorization, option *x402.PaymentOption, domain Domain) *x402.VerificationResult {
	return VerifyAt(signed, option, domain, time.Now())
}

// VerifyAt runs the sequential checks, short-circuiting on the first
// failure: validity window, amount, recipient, then signature recovery.
// It is pure and idempotent; nonce consumption is the ledger's to answer
// and is re-checked by the settlement layer.
func VerifyAt(signed *SignedAuthorization, option *x402.PaymentOption, domain Domain, now time.Time) *x402.VerificationResult {
	if signed == nil || signed.Authorization == nil {
		return invalid(x402.CodeFormatError, "authorization is required")
	}
	auth := signed.Authorization
	if err := auth.validate(); err != nil {
		return invalidErr(err)
	}

	ts := now.Unix()
	if ts < auth.ValidAfter {
		return invalid(x402.CodeNotYetValid,
			fmt.Sprintf("authorization not valid until %d (now %d)", auth.ValidAfter, ts))
	}
	if ts > auth.ValidBefore {
		return invalid(x402.CodeExpired,
			fmt.Sprintf("authorization expired at %d (now %d)", auth.ValidBefore, ts))
	}

	value, err := auth.ValueInt()
	if err != nil {
		return invalidErr(err)
	}
	required, ok := new(big.Int).SetString(option.Amount, 10)
	if !ok {
		return invalid(x402.CodeFormatError, fmt.Sprintf("invalid required amount %q", option.Amount))
	}
	if value.Cmp(required) < 0 {
		return invalid(x402.CodeInsufficientAmount,
			fmt.Sprintf("authorized value %s is below required amount %s", auth.Value, option.Amount))
	}

	if !strings.EqualFold(auth.To, option.PayTo) {
		return invalid(x402.CodeRecipientMismatch,
			fmt.Sprintf("authorization pays %s, expected recipient %s", auth.To, option.PayTo))
	}

	signer, err := RecoverSigner(signed, domain)
	if err != nil {
		return invalidErr(err)
	}
	if !strings.EqualFold(signer.Hex(), auth.From) {
		return invalid(x402.CodeInvalidSignature,
			fmt.Sprintf("signature recovers to %s, not %s", signer.Hex(), auth.From))
	}

	return &x402.VerificationResult{
		Valid: true,
		Payer: auth.From,
		Details: &x402.AuthorizationDetails{
			From:  auth.From,
			To:    auth.To,
			Value: auth.Value,
			Nonce: auth.Nonce,
		},
	}
}

// RecoverSigner recomputes the typed-data digest and recovers the account
// that produced the signature.
func RecoverSigner(signed *SignedAuthorization, domain Domain) (common.Address, error) {
	sig, err := SplitSignature(signed.Signature)
	if err != nil {
		return common.Address{}, err
	}

	digest, err := Digest(signed.Authorization, domain)
	if err != nil {
		if x402.IsPaymentError(err) {
			return common.Address{}, err
		}
		return common.Address{}, x402.NewPaymentError(x402.CodeFormatError, "cannot encode typed data", err)
	}

	pub, err := crypto.SigToPub(digest, sig.recoveryBytes())
	if err != nil {
		return common.Address{}, x402.NewPaymentError(x402.CodeInvalidSignature, "signature recovery failed", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func invalid(code, message string) *x402.VerificationResult {
	return &x402.VerificationResult{Valid: false, Code: code, Error: message}
}

func invalidErr(err error) *x402.VerificationResult {
	code := x402.GetPaymentErrorCode(err)
	if code == "" {
		code = x402.CodeInvalidSignature
	}
	return &x402.VerificationResult{Valid: false, Code: code, Error: err.Error()}
}
