// Package grpc carries the payment negotiation over gRPC metadata: the
// invoice travels in the error details of a ResourceExhausted status, the
// submitted payment in incoming metadata, and the receipt in the trailer.
package grpc

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/metadata"

	x402 "github.com/becomeliminal/x402-evm"
)

// Metadata keys, mirroring the HTTP negotiation headers.
const (
	MetadataKeyPayment         = "payment"
	MetadataKeyPaymentRequired = "payment-required"
	MetadataKeyPaymentReceipt  = "payment-receipt"
)

// EncodeInvoice encodes an invoice to base64 JSON.
func EncodeInvoice(invoice *x402.Invoice) (string, error) {
	jsonBytes, err := json.Marshal(invoice)
	if err != nil {
		return "", fmt.Errorf("failed to marshal invoice: %w", err)
	}
	return base64.StdEncoding.EncodeToString(jsonBytes), nil
}

// DecodeInvoice decodes a base64 JSON invoice.
func DecodeInvoice(encoded string) (*x402.Invoice, error) {
	jsonBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var invoice x402.Invoice
	if err := json.Unmarshal(jsonBytes, &invoice); err != nil {
		return nil, fmt.Errorf("failed to unmarshal invoice: %w", err)
	}
	return &invoice, nil
}

// EncodePayment encodes a submitted payment to base64 JSON for metadata.
func EncodePayment(payment *x402.SubmittedPayment) (string, error) {
	jsonBytes, err := json.Marshal(payment)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment: %w", err)
	}
	return base64.StdEncoding.EncodeToString(jsonBytes), nil
}

// DecodePayment decodes a base64 JSON submitted payment.
func DecodePayment(encoded string) (*x402.SubmittedPayment, error) {
	jsonBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var payment x402.SubmittedPayment
	if err := json.Unmarshal(jsonBytes, &payment); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment: %w", err)
	}

	if len(payment.Payload) == 0 {
		return nil, fmt.Errorf("payload is required")
	}
	return &payment, nil
}

// EncodeReceipt encodes a receipt to base64 JSON.
func EncodeReceipt(receipt *x402.Receipt) (string, error) {
	jsonBytes, err := json.Marshal(receipt)
	if err != nil {
		return "", fmt.Errorf("failed to marshal receipt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(jsonBytes), nil
}

// DecodeReceipt decodes a base64 JSON receipt.
func DecodeReceipt(encoded string) (*x402.Receipt, error) {
	jsonBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var receipt x402.Receipt
	if err := json.Unmarshal(jsonBytes, &receipt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal receipt: %w", err)
	}
	return &receipt, nil
}

// ExtractPaymentFromMetadata extracts the submitted payment from incoming
// metadata.
func ExtractPaymentFromMetadata(md metadata.MD) (*x402.SubmittedPayment, error) {
	if values := md.Get(MetadataKeyPayment); len(values) > 0 {
		return DecodePayment(values[0])
	}
	return nil, fmt.Errorf("no payment found in metadata")
}
