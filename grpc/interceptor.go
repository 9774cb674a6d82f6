package grpc

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	x402 "github.com/becomeliminal/x402-evm"
)

// UnaryServerInterceptor creates a gRPC unary server interceptor that gates
// methods behind the payment negotiation. A call without payment metadata
// fails with ResourceExhausted carrying an encoded invoice; a call with a
// settled payment runs the handler and gets a receipt in the trailer.
func UnaryServerInterceptor(cfg x402.Config) grpc.UnaryServerInterceptor {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 config: %v", err))
	}

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		rule, requiresPayment := cfg.MatchMethod(info.FullMethod)
		if !requiresPayment {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, paymentRequiredStatus(rule, cfg.ValidityDuration)
		}

		payment, err := ExtractPaymentFromMetadata(md)
		if err != nil {
			return nil, paymentRequiredStatus(rule, cfg.ValidityDuration)
		}

		paymentCtx, receipt, stErr := processPayment(ctx, payment, rule, &cfg)
		if stErr != nil {
			return nil, stErr
		}
		ctx = context.WithValue(ctx, x402.PaymentContextKey, paymentCtx)

		resp, err := handler(ctx, req)
		if err != nil {
			return nil, err
		}

		if receipt != nil {
			if encoded, encErr := EncodeReceipt(receipt); encErr == nil {
				grpc.SetTrailer(ctx, metadata.Pairs(MetadataKeyPaymentReceipt, encoded))
			}
		}

		return resp, nil
	}
}

// processPayment drives verification and settlement for a submitted
// payment, shared by the unary and stream interceptors. It returns a gRPC
// status error when the call must not reach the handler.
func processPayment(ctx context.Context, payment *x402.SubmittedPayment, rule *x402.PricingRule, cfg *x402.Config) (*x402.PaymentContext, *x402.Receipt, error) {
	option, ok := rule.MatchOption(&payment.Option, cfg.ValidityDuration)
	if !ok {
		return nil, nil, rejectedStatus(rule, cfg, x402.CodeNoSuitablePaymentOption,
			"submitted payment option is not offered for this method")
	}
	payment.Option = *option

	if cfg.InsecureSkipVerify {
		return &x402.PaymentContext{Verified: false, InvoiceID: payment.InvoiceID}, nil, nil
	}

	verification, settlement, err := x402.VerifyAndSettle(ctx, cfg.Settler, payment)
	if err != nil {
		return nil, nil, status.Error(codes.Internal, fmt.Sprintf("payment processing error: %v", err))
	}
	if !verification.Valid {
		return nil, nil, rejectedStatus(rule, cfg, verification.Code,
			x402.FailureMessage(verification.Code, verification.Error))
	}
	if !settlement.Success {
		return nil, nil, rejectedStatus(rule, cfg, settlement.Code,
			x402.FailureMessage(settlement.Code, settlement.Error))
	}

	settledAt := time.Now()
	paymentCtx := &x402.PaymentContext{
		Verified:  true,
		InvoiceID: payment.InvoiceID,
		Payer:     verification.Payer,
		Amount:    payment.Option.Amount,
		Symbol:    payment.Option.Symbol,
		Network:   payment.Option.Network,
		TxHash:    settlement.TxHash,
		SettledAt: settledAt,
	}
	receipt := &x402.Receipt{
		InvoiceID: payment.InvoiceID,
		TxHash:    settlement.TxHash,
		Network:   payment.Option.Network,
		Payer:     verification.Payer,
		Timestamp: settledAt.Unix(),
	}
	return paymentCtx, receipt, nil
}

func paymentRequiredStatus(rule *x402.PricingRule, validity time.Duration) error {
	invoice := x402.NewInvoice(rule, validity)
	encoded, err := EncodeInvoice(invoice)
	if err != nil {
		return status.Error(codes.Internal, fmt.Sprintf("failed to encode invoice: %v", err))
	}
	return status.Error(codes.ResourceExhausted, encoded)
}

func rejectedStatus(rule *x402.PricingRule, cfg *x402.Config, code, reason string) error {
	invoice := x402.NewInvoice(rule, cfg.ValidityDuration)
	invoice.Code = code
	invoice.Error = reason
	encoded, err := EncodeInvoice(invoice)
	if err != nil {
		return status.Error(codes.Internal, fmt.Sprintf("failed to encode invoice: %v", err))
	}
	return status.Error(codes.ResourceExhausted, encoded)
}

// GetPaymentFromContext extracts payment information from the gRPC context.
func GetPaymentFromContext(ctx context.Context) (*x402.PaymentContext, bool) {
	payment, ok := ctx.Value(x402.PaymentContextKey).(*x402.PaymentContext)
	return payment, ok
}

// RequirePayment extracts payment from context and returns an error if the
// call was not settled.
func RequirePayment(ctx context.Context) (*x402.PaymentContext, error) {
	payment, ok := GetPaymentFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.ResourceExhausted, "payment context not found")
	}
	if !payment.Verified {
		return nil, status.Error(codes.ResourceExhausted, "payment not verified")
	}
	return payment, nil
}
