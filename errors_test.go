package x402

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestPaymentErrorFormatting(t *testing.T) {
	err := NewPaymentError(CodeExpired, "authorization window closed", nil)
	if got := err.Error(); got != "EXPIRED: authorization window closed" {
		t.Errorf("unexpected message %q", got)
	}

	cause := errors.New("boom")
	wrapped := NewPaymentError(CodeFormatError, "cannot parse payload", cause)
	if !strings.Contains(wrapped.Error(), "boom") {
		t.Errorf("message must include the cause: %q", wrapped.Error())
	}
	if !errors.Is(wrapped, cause) {
		t.Error("Unwrap must expose the cause")
	}
}

func TestPaymentErrorHelpers(t *testing.T) {
	err := NewPaymentError(CodeInvalidSignature, "recovered signer mismatch", nil)
	if !IsPaymentError(err) {
		t.Error("IsPaymentError must recognize PaymentError")
	}
	if IsPaymentError(fmt.Errorf("plain")) {
		t.Error("IsPaymentError must reject plain errors")
	}
	if got := GetPaymentErrorCode(err); got != CodeInvalidSignature {
		t.Errorf("expected %s, got %s", CodeInvalidSignature, got)
	}
	if got := GetPaymentErrorCode(fmt.Errorf("plain")); got != "" {
		t.Errorf("expected empty code, got %s", got)
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(CodeRelayError) {
		t.Error("relay failures are retryable")
	}
	for _, code := range []string{
		CodeExpired, CodeNotYetValid, CodeInsufficientAmount, CodeRecipientMismatch,
		CodeInvalidSignature, CodeNonceAlreadyUsed, CodeFormatError,
		CodeExecutionReverted, CodeNoSuitablePaymentOption,
	} {
		if IsRetryable(code) {
			t.Errorf("%s must be terminal", code)
		}
	}
}

func TestFailureMessage(t *testing.T) {
	if got := FailureMessage(CodeNonceAlreadyUsed, "nonce consumed"); got != "this payment was already processed" {
		t.Errorf("unexpected replay message %q", got)
	}
	if got := FailureMessage(CodeExpired, "window closed"); got != "window closed" {
		t.Errorf("unexpected message %q", got)
	}
}
