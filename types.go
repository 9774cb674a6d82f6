package x402

import (
	"context"
	"encoding/json"
	"time"
)

// Payment scheme tags carried in PaymentOption.Scheme.
const (
	SchemeTransferWithAuthorization = "transfer-with-authorization"
	SchemeDirectTransfer            = "direct-transfer"
)

// PaymentOption describes one way a resource server accepts payment.
// Networks use CAIP-2 identifiers (e.g., "eip155:8453").
type PaymentOption struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	ChainID           int64  `json:"chainId"`
	Asset             string `json:"asset"`    // token contract address
	Symbol            string `json:"symbol,omitempty"`
	Decimals          int    `json:"decimals"`
	Amount            string `json:"amount"` // atomic units
	PayTo             string `json:"payTo"`  // recipient address
	TokenName         string `json:"tokenName,omitempty"`    // EIP-712 domain name
	TokenVersion      string `json:"tokenVersion,omitempty"` // EIP-712 domain version
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds,omitempty"`
}

// Invoice is the challenge a resource server issues in a 402 response.
// It is ephemeral: the server does not persist it, and the same invoiceId
// may be reused by the client's retry.
type Invoice struct {
	InvoiceID string          `json:"invoiceId"`
	Timestamp int64           `json:"timestamp"`
	Error     string          `json:"error,omitempty"`
	Code      string          `json:"code,omitempty"`
	Accepts   []PaymentOption `json:"accepts"`
}

// SubmittedPayment is the client's answer to an Invoice: the option it
// chose plus a scheme-specific payload (for transfer-with-authorization,
// an eip3009.SignedAuthorization).
type SubmittedPayment struct {
	InvoiceID string          `json:"invoiceId"`
	Option    PaymentOption   `json:"option"`
	Payload   json.RawMessage `json:"payload"`
}

// Receipt is attached to the successful response after settlement.
type Receipt struct {
	InvoiceID string `json:"invoiceId"`
	TxHash    string `json:"txHash"`
	Network   string `json:"network,omitempty"`
	Payer     string `json:"payer,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// AuthorizationDetails echoes the verified authorization fields back to
// the caller on a successful verification.
type AuthorizationDetails struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Value string `json:"value"`
	Nonce string `json:"nonce"`
}

// VerificationResult is the outcome of checking a submitted payment.
// It is a pure function output and is never persisted.
type VerificationResult struct {
	Valid   bool                  `json:"valid"`
	Code    string                `json:"code,omitempty"`
	Error   string                `json:"error,omitempty"`
	Payer   string                `json:"payer,omitempty"`
	Details *AuthorizationDetails `json:"details,omitempty"`
}

// SettlementStatus is the terminal (or in-flight) state of a settlement.
type SettlementStatus string

const (
	StatusPending   SettlementStatus = "pending"
	StatusConfirmed SettlementStatus = "confirmed"
	StatusFailed    SettlementStatus = "failed"
)

// SettlementResult reports the outcome of committing an authorization to
// the underlying ledger. Status is empty when nothing was broadcast
// (e.g., the relay was unreachable).
type SettlementResult struct {
	Success     bool             `json:"success"`
	TxHash      string           `json:"txHash,omitempty"`
	BlockNumber uint64           `json:"blockNumber,omitempty"`
	Status      SettlementStatus `json:"status,omitempty"`
	Code        string           `json:"code,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// Settler verifies and settles submitted payments. Implementations live in
// the settle package (relayed and direct strategies); both must produce the
// same external contract.
type Settler interface {
	// Verify checks the submitted payment against the server-side option
	// without settling it. It must be side-effect-free and safe to call
	// repeatedly. Transport failures reaching the nonce authority are
	// returned as errors; business-rule violations are typed results.
	Verify(ctx context.Context, payment *SubmittedPayment) (*VerificationResult, error)

	// Settle commits the authorization exactly once. A second attempt for
	// an already-consumed (from, nonce) pair returns a NonceAlreadyUsed
	// result rather than a double spend or a silent no-op.
	Settle(ctx context.Context, payment *SubmittedPayment) (*SettlementResult, error)
}

// VerifyAndSettle runs verification followed by settlement. This is the
// primary entry point: never settle a payment that has not just passed
// verification. A nil settlement result with a nil error means the
// verification step rejected the payment.
func VerifyAndSettle(ctx context.Context, s Settler, payment *SubmittedPayment) (*VerificationResult, *SettlementResult, error) {
	verification, err := s.Verify(ctx, payment)
	if err != nil {
		return nil, nil, err
	}
	if !verification.Valid {
		return verification, nil, nil
	}

	settlement, err := s.Settle(ctx, payment)
	if err != nil {
		return verification, nil, err
	}
	return verification, settlement, nil
}

// PaymentContext carries settled-payment information to wrapped handlers.
type PaymentContext struct {
	Verified  bool
	InvoiceID string
	Payer     string
	Amount    string
	Symbol    string
	Network   string
	TxHash    string
	SettledAt time.Time
}

type contextKey string

// PaymentContextKey is the key used to store payment context in request context.
const PaymentContextKey contextKey = "x402-payment"
