package x402

import (
	"context"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/metadata"
)

// WithPaymentMetadata returns a ServeMuxOption that propagates settled
// payment information from the HTTP middleware into gRPC metadata, making
// it accessible in gRPC handlers behind a grpc-gateway.
func WithPaymentMetadata() runtime.ServeMuxOption {
	return runtime.WithMetadata(func(ctx context.Context, r *http.Request) metadata.MD {
		md := metadata.MD{}

		payment, ok := GetPaymentFromContext(ctx)
		if !ok || payment == nil {
			return md
		}

		if payment.Verified {
			md.Set("x-payment-verified", "true")
			md.Set("x-payment-invoice-id", payment.InvoiceID)
			md.Set("x-payment-payer", payment.Payer)
			md.Set("x-payment-amount", payment.Amount)
			md.Set("x-payment-network", payment.Network)

			if payment.Symbol != "" {
				md.Set("x-payment-token", payment.Symbol)
			}

			if payment.TxHash != "" {
				md.Set("x-payment-tx-hash", payment.TxHash)
			}
		}

		return md
	})
}

// GetPaymentFromGRPCContext extracts payment information propagated by
// WithPaymentMetadata. Use this in gRPC handlers behind a gateway.
func GetPaymentFromGRPCContext(ctx context.Context) (*PaymentContext, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, false
	}

	verified := md.Get("x-payment-verified")
	if len(verified) == 0 || verified[0] != "true" {
		return nil, false
	}

	payment := &PaymentContext{
		Verified: true,
	}

	if invoiceID := md.Get("x-payment-invoice-id"); len(invoiceID) > 0 {
		payment.InvoiceID = invoiceID[0]
	}

	if payer := md.Get("x-payment-payer"); len(payer) > 0 {
		payment.Payer = payer[0]
	}

	if amount := md.Get("x-payment-amount"); len(amount) > 0 {
		payment.Amount = amount[0]
	}

	if network := md.Get("x-payment-network"); len(network) > 0 {
		payment.Network = network[0]
	}

	if token := md.Get("x-payment-token"); len(token) > 0 {
		payment.Symbol = token[0]
	}

	if txHash := md.Get("x-payment-tx-hash"); len(txHash) > 0 {
		payment.TxHash = txHash[0]
	}

	return payment, true
}

// GetHTTPPathPattern extracts the HTTP path pattern from grpc-gateway
// context, for payment decisions based on the matched route.
func GetHTTPPathPattern(ctx context.Context) (string, bool) {
	pattern, ok := runtime.HTTPPathPattern(ctx)
	return pattern, ok
}
