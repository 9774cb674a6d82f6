package x402

import (
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Config holds the negotiation-layer configuration.
type Config struct {
	// Settler is the payment verification and settlement backend
	// (e.g., settle.RelaySettler or settle.DirectSettler).
	Settler Settler

	// EndpointPricing maps URL patterns to pricing rules.
	// Patterns support exact matches ("/v1/endpoint") and wildcards ("/v1/*").
	// Used by the HTTP middleware.
	EndpointPricing map[string]PricingRule

	// MethodPricing maps gRPC method names to pricing rules.
	// Methods are full names like "/package.Service/Method".
	// Supports wildcards: "/package.Service/*" matches all methods in a service.
	// Used by the gRPC interceptors.
	MethodPricing map[string]PricingRule

	// DefaultPricing is used when no pattern matches (optional).
	// If nil, unmatched endpoints don't require payment.
	DefaultPricing *PricingRule

	// ValidityDuration bounds how long a signed authorization may remain
	// usable; it is advertised to clients as MaxTimeoutSeconds.
	// Defaults to 5 minutes.
	ValidityDuration time.Duration

	// SkipPaths lists paths that should bypass payment checks entirely.
	SkipPaths []string

	// SkipMethods lists gRPC methods that should bypass payment checks.
	SkipMethods []string

	// CustomPaywallHTML is custom HTML to return for browser requests (optional).
	CustomPaywallHTML string

	// Logger receives structured negotiation events. Defaults to a nop logger.
	Logger *zap.Logger

	// InsecureSkipVerify disables verification AND settlement: any request
	// carrying a well-formed Payment header is served without being checked
	// or charged. For test and staging environments only; never enable it
	// in production.
	InsecureSkipVerify bool
}

// PricingRule defines payment requirements for an endpoint.
type PricingRule struct {
	// Amount is the required payment in atomic units, shared by all tokens
	// unless a token overrides it.
	Amount string

	// Tokens lists the accepted payment options (network + token).
	Tokens []TokenRequirement

	// Description explains what this payment is for.
	Description string
}

// TokenRequirement specifies a payment option (network + token).
type TokenRequirement struct {
	// Network is the blockchain network in CAIP-2 format (e.g., "eip155:8453").
	Network string

	// ChainID is the numeric chain id matching Network; it becomes the
	// EIP-712 domain chainId clients sign against.
	ChainID int64

	// Asset is the token contract address.
	Asset string

	// Symbol is the token symbol (e.g., "USDC").
	Symbol string

	// Decimals is the token's decimal count.
	Decimals int

	// Recipient is the address that will receive payment.
	Recipient string

	// TokenName is the token's EIP-712 domain name (e.g., "USD Coin").
	// Required: a wrong or missing domain name silently produces
	// unverifiable signatures.
	TokenName string

	// TokenVersion is the token's EIP-712 domain version (e.g., "2").
	TokenVersion string

	// Amount overrides the rule-level amount for this token (optional).
	Amount string
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Settler == nil && !c.InsecureSkipVerify {
		return fmt.Errorf("settler is required")
	}

	if c.ValidityDuration == 0 {
		c.ValidityDuration = 5 * time.Minute
	}

	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	for pattern, rule := range c.EndpointPricing {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("invalid pricing rule for pattern %q: %w", pattern, err)
		}
	}

	for method, rule := range c.MethodPricing {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("invalid pricing rule for method %q: %w", method, err)
		}
	}

	if c.DefaultPricing != nil {
		if err := c.DefaultPricing.Validate(); err != nil {
			return fmt.Errorf("invalid default pricing rule: %w", err)
		}
	}

	return nil
}

// Validate checks if the pricing rule is valid.
func (p *PricingRule) Validate() error {
	if len(p.Tokens) == 0 {
		return fmt.Errorf("at least one accepted token is required")
	}

	for i, token := range p.Tokens {
		if err := token.Validate(); err != nil {
			return fmt.Errorf("invalid token requirement at index %d: %w", i, err)
		}
		if p.Amount == "" && token.Amount == "" {
			return fmt.Errorf("token requirement at index %d has no amount and the rule has no default", i)
		}
	}

	return nil
}

// Validate checks if the token requirement is valid.
func (t *TokenRequirement) Validate() error {
	if t.Network == "" {
		return fmt.Errorf("network is required")
	}

	if t.ChainID == 0 {
		return fmt.Errorf("chain id is required")
	}

	if t.Asset == "" {
		return fmt.Errorf("asset contract is required")
	}

	if t.Recipient == "" {
		return fmt.Errorf("recipient is required")
	}

	if t.TokenName == "" {
		return fmt.Errorf("token name (EIP-712 domain name) is required")
	}

	if t.TokenVersion == "" {
		return fmt.Errorf("token version (EIP-712 domain version) is required")
	}

	return nil
}

// Options expands the rule into the payment options offered to clients.
func (p *PricingRule) Options(validity time.Duration) []PaymentOption {
	options := make([]PaymentOption, 0, len(p.Tokens))
	for _, token := range p.Tokens {
		amount := token.Amount
		if amount == "" {
			amount = p.Amount
		}
		options = append(options, PaymentOption{
			Scheme:            SchemeTransferWithAuthorization,
			Network:           token.Network,
			ChainID:           token.ChainID,
			Asset:             token.Asset,
			Symbol:            token.Symbol,
			Decimals:          token.Decimals,
			Amount:            amount,
			PayTo:             token.Recipient,
			TokenName:         token.TokenName,
			TokenVersion:      token.TokenVersion,
			MaxTimeoutSeconds: int(validity.Seconds()),
		})
	}
	return options
}

// MatchOption returns the rule's own option matching a submitted option's
// (network, asset) pair, ignoring every other submitted field. Amount and
// recipient always come from the server side.
func (p *PricingRule) MatchOption(submitted *PaymentOption, validity time.Duration) (*PaymentOption, bool) {
	for _, option := range p.Options(validity) {
		if option.Network == submitted.Network && strings.EqualFold(option.Asset, submitted.Asset) {
			return &option, true
		}
	}
	return nil, false
}

// MatchEndpoint finds the pricing rule for a given path.
func (c *Config) MatchEndpoint(requestPath string) (*PricingRule, bool) {
	return c.match(requestPath, c.SkipPaths, c.EndpointPricing)
}

// MatchMethod finds the pricing rule for a given gRPC method.
func (c *Config) MatchMethod(fullMethod string) (*PricingRule, bool) {
	return c.match(fullMethod, c.SkipMethods, c.MethodPricing)
}

func (c *Config) match(name string, skips []string, rules map[string]PricingRule) (*PricingRule, bool) {
	for _, skip := range skips {
		if matchPath(name, skip) {
			return nil, false
		}
	}

	if rule, ok := rules[name]; ok {
		return &rule, true
	}

	var bestMatch string
	var bestRule *PricingRule

	for pattern, rule := range rules {
		if matchPath(name, pattern) {
			if len(pattern) > len(bestMatch) {
				bestMatch = pattern
				ruleCopy := rule
				bestRule = &ruleCopy
			}
		}
	}

	if bestRule != nil {
		return bestRule, true
	}

	if c.DefaultPricing != nil {
		return c.DefaultPricing, true
	}

	return nil, false
}

func matchPath(requestPath, pattern string) bool {
	if requestPath == pattern {
		return true
	}

	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		return strings.HasPrefix(requestPath, prefix+"/") || requestPath == prefix
	}

	matched, _ := path.Match(pattern, requestPath)
	return matched
}

// OptionPreference states which networks/tokens a payer would rather use.
type OptionPreference struct {
	// Network is the preferred CAIP-2 network identifier.
	Network string

	// Asset is the preferred token contract address.
	Asset string
}

// SelectPaymentOption picks one option from an invoice's accepts list.
//
// Selection order is stable and documented because silently picking an
// unexpected option is a correctness hazard for the payer:
//  1. narrow to options on the preferred network, if any match;
//  2. within those, narrow to the preferred asset, if any match;
//  3. take the first remaining option (server order).
//
// Returns a NoSuitablePaymentOption error when the invoice offers nothing.
func SelectPaymentOption(options []PaymentOption, pref *OptionPreference) (*PaymentOption, error) {
	if len(options) == 0 {
		return nil, NewPaymentError(CodeNoSuitablePaymentOption, "invoice offers no payment options", nil)
	}

	candidates := options
	if pref != nil && pref.Network != "" {
		if narrowed := filterOptions(candidates, func(o PaymentOption) bool {
			return o.Network == pref.Network
		}); len(narrowed) > 0 {
			candidates = narrowed
		}
	}
	if pref != nil && pref.Asset != "" {
		if narrowed := filterOptions(candidates, func(o PaymentOption) bool {
			return strings.EqualFold(o.Asset, pref.Asset)
		}); len(narrowed) > 0 {
			candidates = narrowed
		}
	}

	chosen := candidates[0]
	return &chosen, nil
}

func filterOptions(options []PaymentOption, keep func(PaymentOption) bool) []PaymentOption {
	var out []PaymentOption
	for _, o := range options {
		if keep(o) {
			out = append(out, o)
		}
	}
	return out
}
