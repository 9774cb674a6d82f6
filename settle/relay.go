package settle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	x402 "github.com/becomeliminal/x402-evm"
	"github.com/becomeliminal/x402-evm/eip3009"
)

// RelayRequest is the body of POST /relay.
type RelayRequest struct {
	TokenAddress  string                       `json:"tokenAddress"`
	ChainID       int64                        `json:"chainId"`
	TokenName     string                       `json:"tokenName"`
	TokenVersion  string                       `json:"tokenVersion"`
	Authorization *eip3009.SignedAuthorization `json:"authorization"`
}

// RelayResponse is the 2xx body of POST /relay.
type RelayResponse struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	Status      string `json:"status"`
}

// NonceStateResponse is the body of GET /nonce.
type NonceStateResponse struct {
	Used bool `json:"used"`
}

// SupportedKind is one scheme+network pair a relay can settle.
type SupportedKind struct {
	Scheme  string `json:"scheme"`
	Network string `json:"network"`
}

// SupportedResponse is the body of GET /supported.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// RelayHTTPError is a non-2xx answer from the relay.
type RelayHTTPError struct {
	StatusCode int
	Body       string
}

func (e *RelayHTTPError) Error() string {
	return fmt.Sprintf("relay returned status %d: %s", e.StatusCode, e.Body)
}

// RelayClient talks to a relay service that broadcasts authorizations and
// pays the network fee.
type RelayClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewRelayClient creates a relay client with a bounded request timeout.
func NewRelayClient(baseURL string) *RelayClient {
	return &RelayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Relay submits a signed authorization via POST /relay.
func (c *RelayClient) Relay(ctx context.Context, req *RelayRequest) (*RelayResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal relay request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/relay", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create relay request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call relay endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, &RelayHTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(bodyBytes))}
	}

	var relayResp RelayResponse
	if err := json.NewDecoder(resp.Body).Decode(&relayResp); err != nil {
		return nil, fmt.Errorf("failed to decode relay response: %w", err)
	}
	return &relayResp, nil
}

// NonceUsed asks the relay whether (from, nonce) has been consumed for the
// token, via GET /nonce.
func (c *RelayClient) NonceUsed(ctx context.Context, token, from, nonce string) (bool, error) {
	query := url.Values{}
	query.Set("token", token)
	query.Set("from", from)
	query.Set("nonce", nonce)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/nonce?"+query.Encode(), nil)
	if err != nil {
		return false, fmt.Errorf("failed to create nonce request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("failed to call nonce endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return false, &RelayHTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(bodyBytes))}
	}

	var nonceResp NonceStateResponse
	if err := json.NewDecoder(resp.Body).Decode(&nonceResp); err != nil {
		return false, fmt.Errorf("failed to decode nonce response: %w", err)
	}
	return nonceResp.Used, nil
}

// Supported fetches the relay's scheme+network pairs via GET /supported.
func (c *RelayClient) Supported(ctx context.Context) (*SupportedResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supported request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call supported endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, &RelayHTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(bodyBytes))}
	}

	var supported SupportedResponse
	if err := json.NewDecoder(resp.Body).Decode(&supported); err != nil {
		return nil, fmt.Errorf("failed to decode supported response: %w", err)
	}
	return &supported, nil
}

// RelaySettler settles authorizations through a relay service. The relay's
// durable nonce record is the authority for replay checks; this settler
// re-reads it immediately before each submission.
type RelaySettler struct {
	client *RelayClient
	logger *zap.Logger
}

// NewRelaySettler creates a settler backed by the relay at baseURL.
func NewRelaySettler(baseURL string, logger *zap.Logger) *RelaySettler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RelaySettler{
		client: NewRelayClient(baseURL),
		logger: logger,
	}
}

// Verify checks the payment locally, then asks the relay whether the nonce
// is still free. Side-effect-free and safe to repeat.
func (s *RelaySettler) Verify(ctx context.Context, payment *x402.SubmittedPayment) (*x402.VerificationResult, error) {
	signed, result := verifyPayment(payment)
	if !result.Valid {
		return result, nil
	}

	auth := signed.Authorization
	used, err := s.client.NonceUsed(ctx, payment.Option.Asset, auth.From, auth.Nonce)
	if err != nil {
		return nil, fmt.Errorf("nonce state lookup failed: %w", err)
	}
	if used {
		return nonceUsedVerification(), nil
	}
	return result, nil
}

// Settle submits the authorization to the relay. Transport and relay-side
// failures come back as unsuccessful results with RelayError (nothing was
// broadcast, so no status), never as a second transfer: the relay's nonce
// record is consumed atomically.
func (s *RelaySettler) Settle(ctx context.Context, payment *x402.SubmittedPayment) (*x402.SettlementResult, error) {
	signed, err := decodePayload(payment)
	if err != nil {
		return failedSettlement(x402.GetPaymentErrorCode(err), "%s", err.Error()), nil
	}
	auth := signed.Authorization

	// Defense in depth: verification happened earlier and must not be
	// trusted across the gap.
	used, err := s.client.NonceUsed(ctx, payment.Option.Asset, auth.From, auth.Nonce)
	if err != nil {
		return failedSettlement(x402.CodeRelayError, "nonce state lookup failed: %v", err), nil
	}
	if used {
		return nonceUsedSettlement(), nil
	}

	resp, err := s.client.Relay(ctx, &RelayRequest{
		TokenAddress:  payment.Option.Asset,
		ChainID:       payment.Option.ChainID,
		TokenName:     payment.Option.TokenName,
		TokenVersion:  payment.Option.TokenVersion,
		Authorization: signed,
	})
	if err != nil {
		if httpErr, ok := err.(*RelayHTTPError); ok && httpErr.StatusCode == http.StatusConflict {
			return nonceUsedSettlement(), nil
		}
		s.logger.Warn("relay submission failed",
			zap.String("token", payment.Option.Asset),
			zap.Error(err),
		)
		return failedSettlement(x402.CodeRelayError, "%s", err.Error()), nil
	}

	status := x402.SettlementStatus(resp.Status)
	if status != x402.StatusConfirmed {
		status = x402.StatusPending
	}

	s.logger.Info("authorization relayed",
		zap.String("token", payment.Option.Asset),
		zap.String("from", auth.From),
		zap.String("txHash", resp.TxHash),
		zap.String("status", string(status)),
	)

	return &x402.SettlementResult{
		Success:     true,
		TxHash:      resp.TxHash,
		BlockNumber: resp.BlockNumber,
		Status:      status,
	}, nil
}
