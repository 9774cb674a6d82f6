// Command facilitator runs a relay service for gasless transfer
// authorizations. It exposes the endpoints settle.RelayClient consumes:
//
//	POST /relay      submit a signed authorization for settlement
//	GET  /nonce      query whether a (token, from, nonce) was consumed
//	GET  /supported  list the scheme+network pairs this relay settles
//
// Replay protection is anchored in Redis: a nonce is consumed with an
// atomic check-and-set before anything is broadcast, so concurrent retries
// of the same authorization cannot settle twice.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	x402 "github.com/becomeliminal/x402-evm"
	"github.com/becomeliminal/x402-evm/eip3009"
	"github.com/becomeliminal/x402-evm/noncestore"
	"github.com/becomeliminal/x402-evm/settle"
)

func main() {
	app := &cli.App{
		Name:  "facilitator",
		Usage: "Relay service that settles signed transfer authorizations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: "HTTP listen address",
				Value: ":8402",
			},
			&cli.StringFlag{
				Name:     "redis-addr",
				Usage:    "Redis address (host:port) for the consumed-nonce record",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "redis-password",
				Usage: "Redis password",
			},
			&cli.IntFlag{
				Name:  "redis-db",
				Usage: "Redis database number",
			},
			&cli.StringFlag{
				Name:  "rpc-url",
				Usage: "Ethereum RPC URL for on-chain settlement",
			},
			&cli.StringFlag{
				Name:    "settlement-key",
				Usage:   "hex private key paying the network fee",
				EnvVars: []string{"FACILITATOR_SETTLEMENT_KEY"},
			},
			&cli.StringFlag{
				Name:  "networks",
				Usage: "comma-separated CAIP-2 networks this relay settles",
				Value: "eip155:84532",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "record nonces without broadcasting (staging only)",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "verbose development logging",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	logger, err := newLogger(c.Bool("debug"))
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	store, err := noncestore.NewRedisStore(&noncestore.Config{
		Address:  c.String("redis-addr"),
		Password: c.String("redis-password"),
		DB:       c.Int("redis-db"),
	}, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	var settler *settle.DirectSettler
	switch {
	case c.String("rpc-url") != "" && c.String("settlement-key") != "":
		settler, err = settle.NewDirectSettler(c.Context, c.String("rpc-url"), c.String("settlement-key"), logger)
		if err != nil {
			return err
		}
	case c.Bool("dry-run"):
		logger.Warn("running in dry-run mode: authorizations are recorded, never broadcast")
	default:
		return fmt.Errorf("either --rpc-url and --settlement-key, or --dry-run, is required")
	}

	srv := &server{
		store:    store,
		settler:  settler,
		networks: splitNetworks(c.String("networks")),
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/relay", srv.handleRelay)
	mux.HandleFunc("/nonce", srv.handleNonce)
	mux.HandleFunc("/supported", srv.handleSupported)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	httpServer := &http.Server{
		Addr:              c.String("listen"),
		Handler:           srv.logRequests(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("facilitator listening",
		zap.String("addr", c.String("listen")),
		zap.Strings("networks", srv.networks),
		zap.Bool("dryRun", settler == nil),
	)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func splitNetworks(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

type server struct {
	store    *noncestore.RedisStore
	settler  *settle.DirectSettler
	networks []string
	logger   *zap.Logger
}

func (s *server) handleSupported(w http.ResponseWriter, r *http.Request) {
	kinds := make([]settle.SupportedKind, 0, len(s.networks))
	for _, network := range s.networks {
		kinds = append(kinds, settle.SupportedKind{
			Scheme:  x402.SchemeTransferWithAuthorization,
			Network: network,
		})
	}
	writeJSON(w, http.StatusOK, settle.SupportedResponse{Kinds: kinds})
}

func (s *server) handleNonce(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	from := r.URL.Query().Get("from")
	nonce := r.URL.Query().Get("nonce")
	if token == "" || from == "" || nonce == "" {
		http.Error(w, "token, from and nonce are required", http.StatusBadRequest)
		return
	}

	used, err := s.nonceUsed(r.Context(), token, from, nonce)
	if err != nil {
		s.logger.Error("nonce lookup failed", zap.Error(err))
		http.Error(w, "nonce lookup failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, settle.NonceStateResponse{Used: used})
}

// nonceUsed prefers the chain's answer when a settler is configured; the
// Redis record covers dry-run mode and the window before confirmation.
func (s *server) nonceUsed(ctx context.Context, token, from, nonce string) (bool, error) {
	if used, err := s.store.Used(ctx, token, from, nonce); err != nil {
		return false, err
	} else if used {
		return true, nil
	}
	if s.settler != nil {
		return s.settler.Used(ctx, token, from, nonce)
	}
	return false, nil
}

func (s *server) handleRelay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req settle.RelayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	if req.TokenAddress == "" || req.Authorization == nil || req.Authorization.Authorization == nil {
		http.Error(w, "tokenAddress and authorization are required", http.StatusBadRequest)
		return
	}

	signed := req.Authorization
	auth := signed.Authorization
	ctx := r.Context()

	domain := eip3009.Domain{
		Name:              req.TokenName,
		Version:           req.TokenVersion,
		ChainID:           req.ChainID,
		VerifyingContract: req.TokenAddress,
	}

	if code, reason := checkAuthorization(signed, domain); code != "" {
		http.Error(w, fmt.Sprintf("%s: %s", code, reason), http.StatusUnprocessableEntity)
		return
	}

	used, err := s.nonceUsed(ctx, req.TokenAddress, auth.From, auth.Nonce)
	if err != nil {
		s.logger.Error("nonce lookup failed", zap.Error(err))
		http.Error(w, "nonce lookup failed", http.StatusBadGateway)
		return
	}
	if used {
		http.Error(w, x402.CodeNonceAlreadyUsed, http.StatusConflict)
		return
	}

	// Atomic check-and-consume: the loser of a concurrent race gets a
	// conflict, never a second broadcast.
	consumed, err := s.store.Consume(ctx, req.TokenAddress, auth.From, auth.Nonce)
	if err != nil {
		s.logger.Error("nonce consume failed", zap.Error(err))
		http.Error(w, "nonce consume failed", http.StatusBadGateway)
		return
	}
	if !consumed {
		http.Error(w, x402.CodeNonceAlreadyUsed, http.StatusConflict)
		return
	}

	if s.settler == nil {
		// Dry-run: acknowledge without broadcasting. The tx hash is
		// derived from the signature so repeated requests are traceable.
		txHash := hexutil.Encode(crypto.Keccak256([]byte(signed.Signature)))
		s.store.RecordTx(ctx, req.TokenAddress, auth.From, auth.Nonce, txHash)
		writeJSON(w, http.StatusOK, settle.RelayResponse{
			TxHash: txHash,
			Status: string(x402.StatusPending),
		})
		return
	}

	result := s.settler.SettleAuthorization(ctx, req.TokenAddress, signed)
	if !result.Success {
		// The transfer did not happen; free the nonce so the payer's
		// retry is not rejected. A pending broadcast keeps its mark.
		if result.Status != x402.StatusPending {
			if releaseErr := s.store.Release(ctx, req.TokenAddress, auth.From, auth.Nonce); releaseErr != nil {
				s.logger.Error("nonce release failed", zap.Error(releaseErr))
			}
		}
		status := http.StatusBadGateway
		if result.Code == x402.CodeNonceAlreadyUsed {
			status = http.StatusConflict
		}
		http.Error(w, fmt.Sprintf("%s: %s", result.Code, result.Error), status)
		return
	}

	if err := s.store.RecordTx(ctx, req.TokenAddress, auth.From, auth.Nonce, result.TxHash); err != nil {
		s.logger.Error("failed to record transaction", zap.Error(err))
	}

	writeJSON(w, http.StatusOK, settle.RelayResponse{
		TxHash:      result.TxHash,
		BlockNumber: result.BlockNumber,
		Status:      string(result.Status),
	})
}

// checkAuthorization validates what a relay can check without an invoice:
// the validity window and that the signature recovers to the claimed payer.
// Amount and recipient are the resource server's business.
func checkAuthorization(signed *eip3009.SignedAuthorization, domain eip3009.Domain) (code, reason string) {
	auth := signed.Authorization
	now := time.Now().Unix()
	if now < auth.ValidAfter {
		return x402.CodeNotYetValid, fmt.Sprintf("authorization not valid until %d", auth.ValidAfter)
	}
	if now > auth.ValidBefore {
		return x402.CodeExpired, fmt.Sprintf("authorization expired at %d", auth.ValidBefore)
	}

	signer, err := eip3009.RecoverSigner(signed, domain)
	if err != nil {
		if pe, ok := err.(*x402.PaymentError); ok {
			return pe.Code, pe.Message
		}
		return x402.CodeInvalidSignature, err.Error()
	}
	if !strings.EqualFold(signer.Hex(), auth.From) {
		return x402.CodeInvalidSignature, fmt.Sprintf("signature recovers to %s, not %s", signer.Hex(), auth.From)
	}
	return "", ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("url", r.URL.String()),
		)
		next.ServeHTTP(w, r)
	})
}
