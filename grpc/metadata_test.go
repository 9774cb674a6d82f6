package grpc

import (
	"encoding/json"
	"testing"

	"google.golang.org/grpc/metadata"

	x402 "github.com/becomeliminal/x402-evm"
)

func TestInvoiceCodec(t *testing.T) {
	invoice := &x402.Invoice{
		InvoiceID: "inv-1",
		Timestamp: 1700000000,
		Error:     "payment required",
		Accepts: []x402.PaymentOption{
			{Network: "eip155:84532", Asset: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", Amount: "1000000"},
		},
	}

	encoded, err := EncodeInvoice(invoice)
	if err != nil {
		t.Fatalf("EncodeInvoice: %v", err)
	}
	decoded, err := DecodeInvoice(encoded)
	if err != nil {
		t.Fatalf("DecodeInvoice: %v", err)
	}
	if decoded.InvoiceID != invoice.InvoiceID || len(decoded.Accepts) != 1 {
		t.Errorf("roundtrip mismatch: %+v", decoded)
	}

	if _, err := DecodeInvoice("not-base64!!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
	if _, err := DecodeInvoice("bm90LWpzb24="); err == nil {
		t.Error("expected error for non-JSON content")
	}
}

func TestPaymentCodec(t *testing.T) {
	payment := &x402.SubmittedPayment{
		InvoiceID: "inv-1",
		Option:    x402.PaymentOption{Network: "eip155:84532", Amount: "1000000"},
		Payload:   json.RawMessage(`{"signature":"0xsig","authorization":{}}`),
	}

	encoded, err := EncodePayment(payment)
	if err != nil {
		t.Fatalf("EncodePayment: %v", err)
	}
	decoded, err := DecodePayment(encoded)
	if err != nil {
		t.Fatalf("DecodePayment: %v", err)
	}
	if decoded.InvoiceID != payment.InvoiceID {
		t.Errorf("roundtrip mismatch: %+v", decoded)
	}

	empty, err := EncodePayment(&x402.SubmittedPayment{InvoiceID: "inv-2"})
	if err != nil {
		t.Fatalf("EncodePayment: %v", err)
	}
	if _, err := DecodePayment(empty); err == nil {
		t.Error("expected error for payment without payload")
	}
}

func TestReceiptCodec(t *testing.T) {
	receipt := &x402.Receipt{
		InvoiceID: "inv-1",
		TxHash:    "0xabc",
		Network:   "eip155:84532",
		Payer:     "0xpayer",
		Timestamp: 1700000000,
	}

	encoded, err := EncodeReceipt(receipt)
	if err != nil {
		t.Fatalf("EncodeReceipt: %v", err)
	}
	decoded, err := DecodeReceipt(encoded)
	if err != nil {
		t.Fatalf("DecodeReceipt: %v", err)
	}
	if *decoded != *receipt {
		t.Errorf("roundtrip mismatch: %+v", decoded)
	}
}

func TestExtractPaymentFromMetadata(t *testing.T) {
	payment := &x402.SubmittedPayment{
		InvoiceID: "inv-1",
		Payload:   json.RawMessage(`{"signature":"0xsig"}`),
	}
	encoded, err := EncodePayment(payment)
	if err != nil {
		t.Fatalf("EncodePayment: %v", err)
	}

	md := metadata.Pairs(MetadataKeyPayment, encoded)
	extracted, err := ExtractPaymentFromMetadata(md)
	if err != nil {
		t.Fatalf("ExtractPaymentFromMetadata: %v", err)
	}
	if extracted.InvoiceID != "inv-1" {
		t.Errorf("unexpected invoice id %s", extracted.InvoiceID)
	}

	if _, err := ExtractPaymentFromMetadata(metadata.MD{}); err == nil {
		t.Error("expected error for missing payment key")
	}
}
