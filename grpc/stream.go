package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	x402 "github.com/becomeliminal/x402-evm"
)

// StreamServerInterceptor creates a gRPC stream server interceptor that
// gates streams behind the payment negotiation. Payment is settled BEFORE
// the stream begins (upfront payment).
func StreamServerInterceptor(cfg x402.Config) grpc.StreamServerInterceptor {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 config: %v", err))
	}

	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()

		rule, requiresPayment := cfg.MatchMethod(info.FullMethod)
		if !requiresPayment {
			return handler(srv, ss)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return paymentRequiredStatus(rule, cfg.ValidityDuration)
		}

		payment, err := ExtractPaymentFromMetadata(md)
		if err != nil {
			return paymentRequiredStatus(rule, cfg.ValidityDuration)
		}

		paymentCtx, receipt, stErr := processPayment(ctx, payment, rule, &cfg)
		if stErr != nil {
			return stErr
		}
		ctx = context.WithValue(ctx, x402.PaymentContextKey, paymentCtx)

		wrappedStream := &paymentServerStream{
			ServerStream: ss,
			ctx:          ctx,
		}

		handlerErr := handler(srv, wrappedStream)

		if handlerErr == nil && receipt != nil {
			if encoded, encErr := EncodeReceipt(receipt); encErr == nil {
				wrappedStream.SetTrailer(metadata.Pairs(MetadataKeyPaymentReceipt, encoded))
			}
		}

		return handlerErr
	}
}

type paymentServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *paymentServerStream) Context() context.Context {
	return s.ctx
}
