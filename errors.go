package x402

import "fmt"

// PaymentError represents an error related to payment processing.
type PaymentError struct {
	Code    string
	Message string
	Cause   error
}

func (e *PaymentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Cause
}

// Error codes. Terminal codes mean a retry with the same authorization
// cannot succeed; RelayError is the only transport-level, retryable code.
const (
	CodeExpired                 = "EXPIRED"
	CodeNotYetValid             = "NOT_YET_VALID"
	CodeInsufficientAmount      = "INSUFFICIENT_AMOUNT"
	CodeRecipientMismatch       = "RECIPIENT_MISMATCH"
	CodeInvalidSignature        = "INVALID_SIGNATURE"
	CodeNonceAlreadyUsed        = "NONCE_ALREADY_USED"
	CodeFormatError             = "FORMAT_ERROR"
	CodeRelayError              = "RELAY_ERROR"
	CodeExecutionReverted       = "EXECUTION_REVERTED"
	CodeNoSuitablePaymentOption = "NO_SUITABLE_PAYMENT_OPTION"
)

// NewPaymentError creates a new PaymentError.
func NewPaymentError(code, message string, cause error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// IsPaymentError checks if an error is a PaymentError.
func IsPaymentError(err error) bool {
	_, ok := err.(*PaymentError)
	return ok
}

// GetPaymentErrorCode extracts the error code from a PaymentError.
func GetPaymentErrorCode(err error) string {
	if pe, ok := err.(*PaymentError); ok {
		return pe.Code
	}
	return ""
}

// IsRetryable reports whether a failure with the given code may succeed on
// retry. Retrying is safe because nonce consumption is atomic at the
// ledger: a duplicate attempt surfaces as NonceAlreadyUsed, never as a
// second transfer.
func IsRetryable(code string) bool {
	return code == CodeRelayError
}

// FailureMessage maps an error code to a user-presentable message.
// NonceAlreadyUsed means the payment already went through, which callers
// should not present as a generic failure.
func FailureMessage(code, detail string) string {
	if code == CodeNonceAlreadyUsed {
		return "this payment was already processed"
	}
	return detail
}
