// Package settle commits verified transfer authorizations to the ledger,
// either through a relay service or by broadcasting the chain call
// directly. Both strategies implement x402.Settler and produce the same
// external contract.
package settle

import (
	"context"
	"encoding/json"
	"fmt"

	x402 "github.com/becomeliminal/x402-evm"
	"github.com/becomeliminal/x402-evm/eip3009"
)

// NonceState answers whether a (from, nonce) pair has been consumed for a
// token. The backing store must be authoritative and atomically updated
// (the chain itself, or the relayer's durable record); settlers re-check it
// immediately before submitting because a "nonce is free" answer must never
// be trusted across the verify-to-settle gap.
type NonceState interface {
	Used(ctx context.Context, token, from, nonce string) (bool, error)
}

// decodePayload extracts the signed authorization from a submitted payment.
func decodePayload(payment *x402.SubmittedPayment) (*eip3009.SignedAuthorization, error) {
	if payment == nil || len(payment.Payload) == 0 {
		return nil, x402.NewPaymentError(x402.CodeFormatError, "payment payload is required", nil)
	}

	var signed eip3009.SignedAuthorization
	if err := json.Unmarshal(payment.Payload, &signed); err != nil {
		return nil, x402.NewPaymentError(x402.CodeFormatError, "cannot parse signed authorization", err)
	}
	if signed.Signature == "" {
		return nil, x402.NewPaymentError(x402.CodeFormatError, "signature is required", nil)
	}
	if signed.Authorization == nil {
		return nil, x402.NewPaymentError(x402.CodeFormatError, "authorization is required", nil)
	}
	return &signed, nil
}

// verifyPayment runs the shared pre-settlement verification: payload shape,
// then the pure authorization checks against the server-side option.
func verifyPayment(payment *x402.SubmittedPayment) (*eip3009.SignedAuthorization, *x402.VerificationResult) {
	signed, err := decodePayload(payment)
	if err != nil {
		return nil, &x402.VerificationResult{
			Valid: false,
			Code:  x402.GetPaymentErrorCode(err),
			Error: err.Error(),
		}
	}

	domain := eip3009.DomainFromOption(&payment.Option)
	result := eip3009.Verify(signed, &payment.Option, domain)
	return signed, result
}

func failedSettlement(code string, format string, args ...interface{}) *x402.SettlementResult {
	return &x402.SettlementResult{
		Success: false,
		Code:    code,
		Error:   fmt.Sprintf(format, args...),
	}
}

func nonceUsedSettlement() *x402.SettlementResult {
	result := failedSettlement(x402.CodeNonceAlreadyUsed, "authorization nonce was already consumed")
	result.Status = x402.StatusFailed
	return result
}

func nonceUsedVerification() *x402.VerificationResult {
	return &x402.VerificationResult{
		Valid: false,
		Code:  x402.CodeNonceAlreadyUsed,
		Error: "authorization nonce was already consumed",
	}
}
