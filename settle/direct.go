package settle

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	x402 "github.com/becomeliminal/x402-evm"
	"github.com/becomeliminal/x402-evm/eip3009"
)

// Minimal ABI surface of an EIP-3009 token: the settlement call plus the
// consumed-nonce query.
const tokenABIJSON = `[
  {
    "name": "transferWithAuthorization",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "from", "type": "address"},
      {"name": "to", "type": "address"},
      {"name": "value", "type": "uint256"},
      {"name": "validAfter", "type": "uint256"},
      {"name": "validBefore", "type": "uint256"},
      {"name": "nonce", "type": "bytes32"},
      {"name": "v", "type": "uint8"},
      {"name": "r", "type": "bytes32"},
      {"name": "s", "type": "bytes32"}
    ],
    "outputs": []
  },
  {
    "name": "authorizationState",
    "type": "function",
    "stateMutability": "view",
    "inputs": [
      {"name": "authorizer", "type": "address"},
      {"name": "nonce", "type": "bytes32"}
    ],
    "outputs": [{"name": "", "type": "bool"}]
  }
]`

// DefaultConfirmTimeout bounds how long a direct settlement waits for the
// transaction receipt before reporting the attempt as pending.
const DefaultConfirmTimeout = 2 * time.Minute

// DirectSettler broadcasts transferWithAuthorization itself, paying the
// network fee from a held key, and waits for confirmation. The token
// contract's authorizationState is the nonce authority.
type DirectSettler struct {
	client         *ethclient.Client
	tokenABI       abi.ABI
	key            *ecdsa.PrivateKey
	from           common.Address
	chainID        *big.Int
	confirmTimeout time.Duration
	logger         *zap.Logger
}

// NewDirectSettler dials the RPC endpoint and prepares the fee-paying key.
func NewDirectSettler(ctx context.Context, rpcURL, hexKey string, logger *zap.Logger) (*DirectSettler, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc endpoint: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid settlement key: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}

	return NewDirectSettlerWithClient(client, key, chainID, logger), nil
}

// NewDirectSettlerWithClient wires an existing client, for callers that
// manage their own connections.
func NewDirectSettlerWithClient(client *ethclient.Client, key *ecdsa.PrivateKey, chainID *big.Int, logger *zap.Logger) *DirectSettler {
	if logger == nil {
		logger = zap.NewNop()
	}
	tokenABI, err := abi.JSON(strings.NewReader(tokenABIJSON))
	if err != nil {
		// The ABI is a compile-time constant; failing to parse it is a bug.
		panic(fmt.Sprintf("invalid token ABI: %v", err))
	}
	return &DirectSettler{
		client:         client,
		tokenABI:       tokenABI,
		key:            key,
		from:           crypto.PubkeyToAddress(key.PublicKey),
		chainID:        chainID,
		confirmTimeout: DefaultConfirmTimeout,
		logger:         logger,
	}
}

// SetConfirmTimeout overrides the receipt-waiting bound.
func (s *DirectSettler) SetConfirmTimeout(d time.Duration) {
	if d > 0 {
		s.confirmTimeout = d
	}
}

// Verify checks the payment locally, then reads the token contract's
// consumed-nonce state. Side-effect-free and safe to repeat.
func (s *DirectSettler) Verify(ctx context.Context, payment *x402.SubmittedPayment) (*x402.VerificationResult, error) {
	signed, result := verifyPayment(payment)
	if !result.Valid {
		return result, nil
	}

	auth := signed.Authorization
	used, err := s.Used(ctx, payment.Option.Asset, auth.From, auth.Nonce)
	if err != nil {
		return nil, fmt.Errorf("nonce state lookup failed: %w", err)
	}
	if used {
		return nonceUsedVerification(), nil
	}
	return result, nil
}

// Settle broadcasts the authorization and waits for its receipt.
func (s *DirectSettler) Settle(ctx context.Context, payment *x402.SubmittedPayment) (*x402.SettlementResult, error) {
	signed, err := decodePayload(payment)
	if err != nil {
		return failedSettlement(x402.GetPaymentErrorCode(err), "%s", err.Error()), nil
	}
	return s.SettleAuthorization(ctx, payment.Option.Asset, signed), nil
}

// SettleAuthorization submits transferWithAuthorization for a token and a
// signed authorization. Exported for relay daemons that sit in front of
// this settler.
func (s *DirectSettler) SettleAuthorization(ctx context.Context, token string, signed *eip3009.SignedAuthorization) *x402.SettlementResult {
	auth := signed.Authorization

	// The chain's check-and-consume is the real guarantee; this read just
	// avoids burning gas on an attempt that must revert.
	used, err := s.Used(ctx, token, auth.From, auth.Nonce)
	if err != nil {
		return failedSettlement(x402.CodeRelayError, "nonce state lookup failed: %v", err)
	}
	if used {
		return nonceUsedSettlement()
	}

	calldata, err := packTransferWithAuthorization(s.tokenABI, signed)
	if err != nil {
		return failedSettlement(x402.GetPaymentErrorCode(err), "%s", err.Error())
	}

	tx, err := s.submit(ctx, common.HexToAddress(token), calldata)
	if err != nil {
		if execErr, ok := err.(*executionError); ok {
			result := failedSettlement(x402.CodeExecutionReverted, "%s", execErr.Error())
			result.Status = x402.StatusFailed
			return result
		}
		return failedSettlement(x402.CodeRelayError, "failed to broadcast transaction: %v", err)
	}

	s.logger.Info("authorization broadcast",
		zap.String("token", token),
		zap.String("from", auth.From),
		zap.String("txHash", tx.Hash().Hex()),
	)

	waitCtx, cancel := context.WithTimeout(ctx, s.confirmTimeout)
	defer cancel()

	receipt, err := bind.WaitMined(waitCtx, s.client, tx)
	if err != nil {
		if waitCtx.Err() != nil {
			// Broadcast happened; the outcome can be discovered later via
			// the nonce-state query.
			result := failedSettlement(x402.CodeRelayError, "timed out waiting for confirmation of %s", tx.Hash().Hex())
			result.TxHash = tx.Hash().Hex()
			result.Status = x402.StatusPending
			return result
		}
		result := failedSettlement(x402.CodeRelayError, "failed waiting for receipt: %v", err)
		result.TxHash = tx.Hash().Hex()
		return result
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		result := failedSettlement(x402.CodeExecutionReverted, "transaction %s reverted", tx.Hash().Hex())
		result.TxHash = tx.Hash().Hex()
		result.Status = x402.StatusFailed
		return result
	}

	return &x402.SettlementResult{
		Success:     true,
		TxHash:      tx.Hash().Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		Status:      x402.StatusConfirmed,
	}
}

// Used reads authorizationState on the token contract; DirectSettler is its
// own NonceState.
func (s *DirectSettler) Used(ctx context.Context, token, from, nonce string) (bool, error) {
	auth := &eip3009.Authorization{From: from, Nonce: nonce}
	nonceBytes, err := auth.NonceBytes()
	if err != nil {
		return false, err
	}

	calldata, err := s.tokenABI.Pack("authorizationState", common.HexToAddress(from), nonceBytes)
	if err != nil {
		return false, fmt.Errorf("failed to pack authorizationState call: %w", err)
	}

	tokenAddr := common.HexToAddress(token)
	out, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &tokenAddr, Data: calldata}, nil)
	if err != nil {
		return false, fmt.Errorf("authorizationState call failed: %w", err)
	}

	var used bool
	if err := s.tokenABI.UnpackIntoInterface(&used, "authorizationState", out); err != nil {
		return false, fmt.Errorf("failed to unpack authorizationState result: %w", err)
	}
	return used, nil
}

// executionError marks failures where the chain rejected the call itself
// (gas estimation revert), as opposed to transport problems.
type executionError struct {
	cause error
}

func (e *executionError) Error() string {
	return fmt.Sprintf("execution reverted: %v", e.cause)
}

func (e *executionError) Unwrap() error {
	return e.cause
}

// submit signs and broadcasts a dynamic-fee transaction carrying calldata
// to the token contract.
func (s *DirectSettler) submit(ctx context.Context, to common.Address, calldata []byte) (*types.Transaction, error) {
	gasTipCap, err := s.client.SuggestGasTipCap(ctx)
	if err != nil {
		// Backends without eth_maxPriorityFeePerGas get a flat fallback.
		s.logger.Warn("cannot get gas tip cap, using fallback", zap.Error(err))
		gasTipCap = big.NewInt(1_500_000_000) // 1.5 gwei
	}

	header, err := s.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest block header: %w", err)
	}

	// basefee * 2 + tip leaves room for fee spikes between estimate and
	// inclusion.
	gasFeeCap := new(big.Int).Add(
		new(big.Int).Mul(header.BaseFee, big.NewInt(2)),
		gasTipCap,
	)

	gasLimit, err := s.client.EstimateGas(ctx, ethereum.CallMsg{
		From:      s.from,
		To:        &to,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Data:      calldata,
	})
	if err != nil {
		// Estimation failures on a plain token call mean the call reverts
		// (bad signature, consumed nonce, insufficient balance).
		return nil, &executionError{cause: err}
	}

	nonce, err := s.client.PendingNonceAt(ctx, s.from)
	if err != nil {
		return nil, fmt.Errorf("failed to get account nonce: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       addGasBuffer(gasLimit),
		To:        &to,
		Data:      calldata,
	})

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := s.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}
	return signedTx, nil
}

// addGasBuffer pads the estimate by 20%.
func addGasBuffer(gasLimit uint64) uint64 {
	return gasLimit * 120 / 100
}

// packTransferWithAuthorization encodes the settlement calldata from a
// signed authorization.
func packTransferWithAuthorization(tokenABI abi.ABI, signed *eip3009.SignedAuthorization) ([]byte, error) {
	auth := signed.Authorization

	value, err := auth.ValueInt()
	if err != nil {
		return nil, err
	}
	nonceBytes, err := auth.NonceBytes()
	if err != nil {
		return nil, err
	}
	sig, err := eip3009.SplitSignature(signed.Signature)
	if err != nil {
		return nil, err
	}

	calldata, err := tokenABI.Pack("transferWithAuthorization",
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value,
		big.NewInt(auth.ValidAfter),
		big.NewInt(auth.ValidBefore),
		nonceBytes,
		sig.V,
		sig.R,
		sig.S,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to pack transferWithAuthorization: %w", err)
	}
	return calldata, nil
}
