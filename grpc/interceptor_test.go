package grpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	x402 "github.com/becomeliminal/x402-evm"
)

type mockSettler struct {
	verifyFunc  func(ctx context.Context, payment *x402.SubmittedPayment) (*x402.VerificationResult, error)
	settleFunc  func(ctx context.Context, payment *x402.SubmittedPayment) (*x402.SettlementResult, error)
	settleCalls int
}

func (m *mockSettler) Verify(ctx context.Context, payment *x402.SubmittedPayment) (*x402.VerificationResult, error) {
	if m.verifyFunc != nil {
		return m.verifyFunc(ctx, payment)
	}
	return &x402.VerificationResult{Valid: true, Payer: "0xpayer"}, nil
}

func (m *mockSettler) Settle(ctx context.Context, payment *x402.SubmittedPayment) (*x402.SettlementResult, error) {
	m.settleCalls++
	if m.settleFunc != nil {
		return m.settleFunc(ctx, payment)
	}
	return &x402.SettlementResult{Success: true, TxHash: "0xtxhash", Status: x402.StatusConfirmed}, nil
}

const testMethod = "/quotes.v1.QuoteService/GetQuote"

func testConfig(settler x402.Settler) x402.Config {
	return x402.Config{
		Settler: settler,
		MethodPricing: map[string]x402.PricingRule{
			testMethod: {
				Amount: "1000000",
				Tokens: []x402.TokenRequirement{
					{
						Network:      "eip155:84532",
						ChainID:      84532,
						Asset:        "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
						Symbol:       "USDC",
						Decimals:     6,
						Recipient:    "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
						TokenName:    "USDC",
						TokenVersion: "2",
					},
				},
			},
		},
		SkipMethods: []string{"/grpc.health.v1.Health/*"},
	}
}

func paymentMetadata(t *testing.T, cfg *x402.Config) metadata.MD {
	t.Helper()
	rule := cfg.MethodPricing[testMethod]
	options := rule.Options(5 * time.Minute)
	payment := &x402.SubmittedPayment{
		InvoiceID: "inv-test",
		Option:    options[0],
		Payload:   json.RawMessage(`{"signature":"0xsig","authorization":{}}`),
	}
	encoded, err := EncodePayment(payment)
	if err != nil {
		t.Fatalf("EncodePayment: %v", err)
	}
	return metadata.Pairs(MetadataKeyPayment, encoded)
}

func unaryInfo() *grpc.UnaryServerInfo {
	return &grpc.UnaryServerInfo{FullMethod: testMethod}
}

// invoiceFromStatus decodes the invoice carried by a ResourceExhausted error.
func invoiceFromStatus(t *testing.T, err error) *x402.Invoice {
	t.Helper()
	st, ok := status.FromError(err)
	if !ok {
		t.Fatalf("expected status error, got %v", err)
	}
	if st.Code() != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %s", st.Code())
	}
	invoice, decErr := DecodeInvoice(st.Message())
	if decErr != nil {
		t.Fatalf("decoding invoice from status: %v", decErr)
	}
	return invoice
}

func TestUnaryInterceptorNoPayment(t *testing.T) {
	settler := &mockSettler{}
	interceptor := UnaryServerInterceptor(testConfig(settler))

	var called bool
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		called = true
		return "resp", nil
	}

	_, err := interceptor(context.Background(), nil, unaryInfo(), handler)
	if err == nil {
		t.Fatal("expected payment-required error")
	}
	if called {
		t.Error("handler must not run without payment")
	}

	invoice := invoiceFromStatus(t, err)
	if invoice.InvoiceID == "" || len(invoice.Accepts) != 1 {
		t.Errorf("unexpected invoice %+v", invoice)
	}
}

func TestUnaryInterceptorValidPayment(t *testing.T) {
	settler := &mockSettler{}
	cfg := testConfig(settler)
	interceptor := UnaryServerInterceptor(cfg)

	var gotCtx *x402.PaymentContext
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		gotCtx, _ = GetPaymentFromContext(ctx)
		return "resp", nil
	}

	ctx := metadata.NewIncomingContext(context.Background(), paymentMetadata(t, &cfg))
	resp, err := interceptor(ctx, nil, unaryInfo(), handler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp != "resp" {
		t.Errorf("unexpected response %v", resp)
	}
	if gotCtx == nil || !gotCtx.Verified {
		t.Fatal("expected verified payment context")
	}
	if gotCtx.Payer != "0xpayer" || gotCtx.TxHash != "0xtxhash" {
		t.Errorf("unexpected payment context %+v", gotCtx)
	}
	if settler.settleCalls != 1 {
		t.Errorf("expected one settlement, got %d", settler.settleCalls)
	}
}

func TestUnaryInterceptorRejectedPayment(t *testing.T) {
	settler := &mockSettler{
		verifyFunc: func(ctx context.Context, payment *x402.SubmittedPayment) (*x402.VerificationResult, error) {
			return &x402.VerificationResult{Valid: false, Code: x402.CodeExpired, Error: "window closed"}, nil
		},
	}
	cfg := testConfig(settler)
	interceptor := UnaryServerInterceptor(cfg)

	var called bool
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		called = true
		return "resp", nil
	}

	ctx := metadata.NewIncomingContext(context.Background(), paymentMetadata(t, &cfg))
	_, err := interceptor(ctx, nil, unaryInfo(), handler)
	if err == nil {
		t.Fatal("expected rejection error")
	}
	if called {
		t.Error("handler must not run on rejected payment")
	}
	if settler.settleCalls != 0 {
		t.Error("settlement must not follow a failed verification")
	}

	invoice := invoiceFromStatus(t, err)
	if invoice.Code != x402.CodeExpired {
		t.Errorf("expected code %s, got %s", x402.CodeExpired, invoice.Code)
	}
}

func TestUnaryInterceptorUnofferedOption(t *testing.T) {
	settler := &mockSettler{}
	cfg := testConfig(settler)
	interceptor := UnaryServerInterceptor(cfg)

	rule := cfg.MethodPricing[testMethod]
	options := rule.Options(5 * time.Minute)
	options[0].Network = "eip155:1"
	payment := &x402.SubmittedPayment{
		InvoiceID: "inv-test",
		Option:    options[0],
		Payload:   json.RawMessage(`{"signature":"0xsig"}`),
	}
	encoded, err := EncodePayment(payment)
	if err != nil {
		t.Fatalf("EncodePayment: %v", err)
	}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(MetadataKeyPayment, encoded))
	_, err = interceptor(ctx, nil, unaryInfo(), func(ctx context.Context, req interface{}) (interface{}, error) {
		return "resp", nil
	})
	if err == nil {
		t.Fatal("expected rejection for unoffered option")
	}

	invoice := invoiceFromStatus(t, err)
	if invoice.Code != x402.CodeNoSuitablePaymentOption {
		t.Errorf("expected code %s, got %s", x402.CodeNoSuitablePaymentOption, invoice.Code)
	}
}

func TestUnaryInterceptorSkipsFreeMethods(t *testing.T) {
	settler := &mockSettler{}
	interceptor := UnaryServerInterceptor(testConfig(settler))

	for _, method := range []string{"/grpc.health.v1.Health/Check", "/other.Service/Do"} {
		var called bool
		_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: method},
			func(ctx context.Context, req interface{}) (interface{}, error) {
				called = true
				return "resp", nil
			})
		if err != nil {
			t.Errorf("%s: unexpected error %v", method, err)
		}
		if !called {
			t.Errorf("%s: handler must run without payment", method)
		}
	}
}

func TestUnaryInterceptorInsecureSkipVerify(t *testing.T) {
	settler := &mockSettler{}
	cfg := testConfig(settler)
	cfg.InsecureSkipVerify = true
	interceptor := UnaryServerInterceptor(cfg)

	var gotCtx *x402.PaymentContext
	ctx := metadata.NewIncomingContext(context.Background(), paymentMetadata(t, &cfg))
	_, err := interceptor(ctx, nil, unaryInfo(), func(ctx context.Context, req interface{}) (interface{}, error) {
		gotCtx, _ = GetPaymentFromContext(ctx)
		return "resp", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settler.settleCalls != 0 {
		t.Error("settler must not be invoked with InsecureSkipVerify")
	}
	if gotCtx == nil || gotCtx.Verified {
		t.Error("context must mark the payment as unverified")
	}
}

func TestRequirePaymentGRPC(t *testing.T) {
	if _, err := RequirePayment(context.Background()); err == nil {
		t.Error("expected error without payment context")
	}

	ctx := context.WithValue(context.Background(), x402.PaymentContextKey, &x402.PaymentContext{Verified: true, Payer: "0xpayer"})
	payment, err := RequirePayment(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payment.Payer != "0xpayer" {
		t.Errorf("unexpected payer %s", payment.Payer)
	}
}
