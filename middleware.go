package x402

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Negotiation headers. All values are base64-encoded JSON.
const (
	// HeaderPaymentRequired carries the Invoice on a 402 response.
	HeaderPaymentRequired = "Payment-Required"

	// HeaderPayment carries the client's SubmittedPayment on a retry.
	HeaderPayment = "Payment"

	// HeaderPaymentReceipt carries the Receipt on the settled response.
	HeaderPaymentReceipt = "Payment-Receipt"
)

// PaymentMiddleware creates HTTP middleware that gates resources behind the
// 402 negotiation exchange. A request without a Payment header receives an
// Invoice; a request carrying a signed authorization is verified and settled
// before the wrapped handler runs, and the response carries a receipt.
func PaymentMiddleware(cfg Config) func(http.Handler) http.Handler {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 middleware configuration: %v", err))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			rule, requiresPayment := cfg.MatchEndpoint(r.URL.Path)
			if !requiresPayment {
				next.ServeHTTP(w, r)
				return
			}

			paymentHeader := r.Header.Get(HeaderPayment)
			if paymentHeader == "" {
				sendPaymentRequired(w, r, rule, &cfg)
				return
			}

			payment, err := DecodePayment(paymentHeader)
			if err != nil {
				sendError(w, http.StatusBadRequest, fmt.Sprintf("invalid payment header: %v", err))
				return
			}

			// Never trust the amount/recipient the client echoed back:
			// re-derive the option from the server-side rule and reject
			// anything the rule does not actually offer.
			option, ok := rule.MatchOption(&payment.Option, cfg.ValidityDuration)
			if !ok {
				sendPaymentRejected(w, rule, &cfg, CodeNoSuitablePaymentOption,
					"submitted payment option is not offered for this resource")
				return
			}
			payment.Option = *option

			if cfg.InsecureSkipVerify {
				cfg.Logger.Warn("payment verification skipped",
					zap.String("path", r.URL.Path),
					zap.String("invoiceId", payment.InvoiceID),
				)
				ctx = context.WithValue(ctx, PaymentContextKey, &PaymentContext{
					Verified:  false,
					InvoiceID: payment.InvoiceID,
				})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			verification, settlement, err := VerifyAndSettle(ctx, cfg.Settler, payment)
			if err != nil {
				cfg.Logger.Error("payment processing error",
					zap.String("path", r.URL.Path),
					zap.Error(err),
				)
				sendError(w, http.StatusInternalServerError, "payment processing error")
				return
			}

			if !verification.Valid {
				cfg.Logger.Info("payment rejected",
					zap.String("path", r.URL.Path),
					zap.String("code", verification.Code),
					zap.String("reason", verification.Error),
				)
				sendPaymentRejected(w, rule, &cfg, verification.Code,
					FailureMessage(verification.Code, verification.Error))
				return
			}

			if !settlement.Success {
				cfg.Logger.Info("payment settlement failed",
					zap.String("path", r.URL.Path),
					zap.String("code", settlement.Code),
					zap.String("reason", settlement.Error),
				)
				sendPaymentRejected(w, rule, &cfg, settlement.Code,
					FailureMessage(settlement.Code, settlement.Error))
				return
			}

			paymentCtx := &PaymentContext{
				Verified:  true,
				InvoiceID: payment.InvoiceID,
				Payer:     verification.Payer,
				Amount:    payment.Option.Amount,
				Symbol:    payment.Option.Symbol,
				Network:   payment.Option.Network,
				TxHash:    settlement.TxHash,
				SettledAt: time.Now(),
			}
			ctx = context.WithValue(ctx, PaymentContextKey, paymentCtx)

			receipt := Receipt{
				InvoiceID: payment.InvoiceID,
				TxHash:    settlement.TxHash,
				Network:   payment.Option.Network,
				Payer:     verification.Payer,
				Timestamp: paymentCtx.SettledAt.Unix(),
			}
			if encoded, err := EncodeReceipt(&receipt); err == nil {
				w.Header().Set(HeaderPaymentReceipt, encoded)
			}

			cfg.Logger.Info("payment settled",
				zap.String("path", r.URL.Path),
				zap.String("invoiceId", payment.InvoiceID),
				zap.String("payer", verification.Payer),
				zap.String("txHash", settlement.TxHash),
			)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// NewInvoice synthesizes a fresh challenge for a pricing rule.
func NewInvoice(rule *PricingRule, validity time.Duration) *Invoice {
	return &Invoice{
		InvoiceID: uuid.NewString(),
		Timestamp: time.Now().Unix(),
		Error:     "payment required",
		Accepts:   rule.Options(validity),
	}
}

// sendPaymentRequired answers a request that carried no payment.
func sendPaymentRequired(w http.ResponseWriter, r *http.Request, rule *PricingRule, cfg *Config) {
	if cfg.CustomPaywallHTML != "" && isBrowserRequest(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(cfg.CustomPaywallHTML))
		return
	}

	writeInvoice(w, NewInvoice(rule, cfg.ValidityDuration))
}

// sendPaymentRejected answers a submitted payment that failed verification
// or settlement. The wrapped handler is never invoked; the fresh invoice
// lets the client retry where that makes sense.
func sendPaymentRejected(w http.ResponseWriter, rule *PricingRule, cfg *Config, code, reason string) {
	invoice := NewInvoice(rule, cfg.ValidityDuration)
	invoice.Code = code
	invoice.Error = reason
	writeInvoice(w, invoice)
}

func writeInvoice(w http.ResponseWriter, invoice *Invoice) {
	if encoded, err := EncodeInvoice(invoice); err == nil {
		w.Header().Set(HeaderPaymentRequired, encoded)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(invoice)
}

func sendError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

func isBrowserRequest(r *http.Request) bool {
	userAgent := r.Header.Get("User-Agent")
	if userAgent == "" {
		return false
	}

	browserIndicators := []string{"Mozilla/", "Chrome/", "Safari/", "Firefox/", "Edge/", "Opera/"}
	for _, indicator := range browserIndicators {
		if strings.Contains(userAgent, indicator) {
			return true
		}
	}

	return false
}

// GetPaymentFromContext extracts payment information from the request context.
func GetPaymentFromContext(ctx context.Context) (*PaymentContext, bool) {
	payment, ok := ctx.Value(PaymentContextKey).(*PaymentContext)
	return payment, ok
}

// RequirePayment extracts payment from context and returns an error if the
// request was not settled.
func RequirePayment(ctx context.Context) (*PaymentContext, error) {
	payment, ok := GetPaymentFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("payment context not found")
	}
	if !payment.Verified {
		return nil, fmt.Errorf("payment not verified")
	}
	return payment, nil
}

// --- Header codecs, shared by server and client sides ---

// EncodeInvoice encodes an Invoice for the Payment-Required header.
func EncodeInvoice(invoice *Invoice) (string, error) {
	return encodeBase64JSON(invoice, "invoice")
}

// DecodeInvoice decodes a Payment-Required header value.
func DecodeInvoice(header string) (*Invoice, error) {
	var invoice Invoice
	if err := decodeBase64JSON(header, &invoice, "invoice"); err != nil {
		return nil, err
	}
	return &invoice, nil
}

// EncodePayment encodes a SubmittedPayment for the Payment header.
func EncodePayment(payment *SubmittedPayment) (string, error) {
	return encodeBase64JSON(payment, "payment")
}

// DecodePayment decodes a Payment header value.
func DecodePayment(header string) (*SubmittedPayment, error) {
	var payment SubmittedPayment
	if err := decodeBase64JSON(header, &payment, "payment"); err != nil {
		return nil, err
	}
	if len(payment.Payload) == 0 {
		return nil, fmt.Errorf("payload is required")
	}
	return &payment, nil
}

// EncodeReceipt encodes a Receipt for the Payment-Receipt header.
func EncodeReceipt(receipt *Receipt) (string, error) {
	return encodeBase64JSON(receipt, "receipt")
}

// DecodeReceipt decodes a Payment-Receipt header value.
func DecodeReceipt(header string) (*Receipt, error) {
	var receipt Receipt
	if err := decodeBase64JSON(header, &receipt, "receipt"); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// ReadInvoice extracts the invoice from a 402 response, preferring the
// Payment-Required header and falling back to the body.
func ReadInvoice(resp *http.Response) (*Invoice, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("expected status 402, got %d", resp.StatusCode)
	}

	if header := resp.Header.Get(HeaderPaymentRequired); header != "" {
		if invoice, err := DecodeInvoice(header); err == nil {
			return invoice, nil
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var invoice Invoice
	if err := json.Unmarshal(body, &invoice); err != nil {
		return nil, fmt.Errorf("failed to parse invoice: %w", err)
	}

	return &invoice, nil
}

func encodeBase64JSON(v interface{}, what string) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", what, err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodeBase64JSON(encoded string, v interface{}, what string) error {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("failed to decode base64: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", what, err)
	}
	return nil
}
