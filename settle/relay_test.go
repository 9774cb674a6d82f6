package settle

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	x402 "github.com/becomeliminal/x402-evm"
	"github.com/becomeliminal/x402-evm/eip3009"
)

const (
	testRecipient = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	testAsset     = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
)

func testOption() x402.PaymentOption {
	return x402.PaymentOption{
		Scheme:       x402.SchemeTransferWithAuthorization,
		Network:      "eip155:84532",
		ChainID:      84532,
		Asset:        testAsset,
		Amount:       "1000000",
		PayTo:        testRecipient,
		TokenName:    "USDC",
		TokenVersion: "2",
	}
}

// newSignedPayment builds a submitted payment carrying a genuinely signed
// authorization for a fresh key.
func newSignedPayment(t *testing.T, value int64) *x402.SubmittedPayment {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := eip3009.NewPrivateKeySignerFromKey(key)

	option := testOption()
	auth, err := eip3009.NewAuthorization(signer.Address().Hex(), option.PayTo, big.NewInt(value), nil)
	require.NoError(t, err)

	signed, err := eip3009.SignAuthorization(auth, eip3009.DomainFromOption(&option), signer)
	require.NoError(t, err)

	payload, err := json.Marshal(signed)
	require.NoError(t, err)

	return &x402.SubmittedPayment{
		InvoiceID: "inv-1",
		Option:    option,
		Payload:   payload,
	}
}

// fakeRelay is a stateful stand-in for the relay service: nonces consume
// atomically, and a duplicate submission gets a conflict.
type fakeRelay struct {
	mu       sync.Mutex
	consumed map[string]bool
	relayed  int
	response RelayResponse
	failWith int // non-zero: /relay answers this status with a text body
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		consumed: map[string]bool{},
		response: RelayResponse{TxHash: "0xabc123", BlockNumber: 42, Status: "pending"},
	}
}

func (f *fakeRelay) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/nonce", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		used := f.consumed[r.URL.Query().Get("nonce")]
		f.mu.Unlock()
		json.NewEncoder(w).Encode(NonceStateResponse{Used: used})
	})
	mux.HandleFunc("/relay", func(w http.ResponseWriter, r *http.Request) {
		if f.failWith != 0 {
			http.Error(w, "relay exploded", f.failWith)
			return
		}
		var req RelayRequest
		json.NewDecoder(r.Body).Decode(&req)

		f.mu.Lock()
		nonce := req.Authorization.Authorization.Nonce
		if f.consumed[nonce] {
			f.mu.Unlock()
			http.Error(w, "NONCE_ALREADY_USED", http.StatusConflict)
			return
		}
		f.consumed[nonce] = true
		f.relayed++
		f.mu.Unlock()

		json.NewEncoder(w).Encode(f.response)
	})
	return mux
}

func TestRelaySettlerVerifyValid(t *testing.T) {
	relay := newFakeRelay()
	srv := httptest.NewServer(relay.handler())
	defer srv.Close()

	settler := NewRelaySettler(srv.URL, zap.NewNop())
	payment := newSignedPayment(t, 1000000)

	result, err := settler.Verify(context.Background(), payment)
	require.NoError(t, err)
	require.True(t, result.Valid, "expected valid, got %s: %s", result.Code, result.Error)
	assert.NotEmpty(t, result.Payer)
}

func TestRelaySettlerVerifyRejectsShortPayment(t *testing.T) {
	relay := newFakeRelay()
	srv := httptest.NewServer(relay.handler())
	defer srv.Close()

	settler := NewRelaySettler(srv.URL, zap.NewNop())
	payment := newSignedPayment(t, 1)

	result, err := settler.Verify(context.Background(), payment)
	require.NoError(t, err)
	require.False(t, result.Valid)
	assert.Equal(t, x402.CodeInsufficientAmount, result.Code)
}

func TestRelaySettlerVerifyConsumedNonce(t *testing.T) {
	relay := newFakeRelay()
	srv := httptest.NewServer(relay.handler())
	defer srv.Close()

	settler := NewRelaySettler(srv.URL, zap.NewNop())
	payment := newSignedPayment(t, 1000000)

	var signed eip3009.SignedAuthorization
	require.NoError(t, json.Unmarshal(payment.Payload, &signed))
	relay.consumed[signed.Authorization.Nonce] = true

	result, err := settler.Verify(context.Background(), payment)
	require.NoError(t, err)
	require.False(t, result.Valid)
	assert.Equal(t, x402.CodeNonceAlreadyUsed, result.Code)
}

func TestRelaySettlerVerifyRelayUnreachable(t *testing.T) {
	srv := httptest.NewServer(newFakeRelay().handler())
	srv.Close() // unreachable on purpose

	settler := NewRelaySettler(srv.URL, zap.NewNop())
	_, err := settler.Verify(context.Background(), newSignedPayment(t, 1000000))
	require.Error(t, err)
}

func TestRelaySettlerSettleSuccess(t *testing.T) {
	relay := newFakeRelay()
	srv := httptest.NewServer(relay.handler())
	defer srv.Close()

	settler := NewRelaySettler(srv.URL, zap.NewNop())
	result, err := settler.Settle(context.Background(), newSignedPayment(t, 1000000))
	require.NoError(t, err)

	require.True(t, result.Success)
	assert.Equal(t, "0xabc123", result.TxHash)
	assert.Equal(t, uint64(42), result.BlockNumber)
	assert.Equal(t, x402.StatusPending, result.Status)
	assert.Equal(t, 1, relay.relayed)
}

func TestRelaySettlerSettleConfirmedStatus(t *testing.T) {
	relay := newFakeRelay()
	relay.response.Status = "confirmed"
	srv := httptest.NewServer(relay.handler())
	defer srv.Close()

	settler := NewRelaySettler(srv.URL, zap.NewNop())
	result, err := settler.Settle(context.Background(), newSignedPayment(t, 1000000))
	require.NoError(t, err)
	assert.Equal(t, x402.StatusConfirmed, result.Status)
}

func TestRelaySettlerSettleExactlyOnce(t *testing.T) {
	relay := newFakeRelay()
	srv := httptest.NewServer(relay.handler())
	defer srv.Close()

	settler := NewRelaySettler(srv.URL, zap.NewNop())
	payment := newSignedPayment(t, 1000000)

	first, err := settler.Settle(context.Background(), payment)
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := settler.Settle(context.Background(), payment)
	require.NoError(t, err)
	require.False(t, second.Success)
	assert.Equal(t, x402.CodeNonceAlreadyUsed, second.Code)

	// One broadcast, not two.
	assert.Equal(t, 1, relay.relayed)
}

func TestRelaySettlerSettleRelayFailure(t *testing.T) {
	relay := newFakeRelay()
	relay.failWith = http.StatusInternalServerError
	srv := httptest.NewServer(relay.handler())
	defer srv.Close()

	settler := NewRelaySettler(srv.URL, zap.NewNop())
	result, err := settler.Settle(context.Background(), newSignedPayment(t, 1000000))
	require.NoError(t, err)

	require.False(t, result.Success)
	assert.Equal(t, x402.CodeRelayError, result.Code)
	// Nothing was broadcast, so there is no in-flight status to report.
	assert.Empty(t, result.Status)
}

func TestRelaySettlerSettleRelayUnreachable(t *testing.T) {
	srv := httptest.NewServer(newFakeRelay().handler())
	srv.Close()

	settler := NewRelaySettler(srv.URL, zap.NewNop())
	result, err := settler.Settle(context.Background(), newSignedPayment(t, 1000000))
	require.NoError(t, err)
	require.False(t, result.Success)
	assert.Equal(t, x402.CodeRelayError, result.Code)
}

func TestRelaySettlerSettleConflictFromRelay(t *testing.T) {
	// Another process wins the race between our nonce read and the relay
	// submission: the nonce reads free, but the relay answers 409.
	mux := http.NewServeMux()
	mux.HandleFunc("/nonce", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(NonceStateResponse{Used: false})
	})
	mux.HandleFunc("/relay", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "NONCE_ALREADY_USED", http.StatusConflict)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	settler := NewRelaySettler(srv.URL, zap.NewNop())
	result, err := settler.Settle(context.Background(), newSignedPayment(t, 1000000))
	require.NoError(t, err)
	require.False(t, result.Success)
	assert.Equal(t, x402.CodeNonceAlreadyUsed, result.Code)
}

func TestRelayClientSupported(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/supported", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(SupportedResponse{
			Kinds: []SupportedKind{
				{Scheme: x402.SchemeTransferWithAuthorization, Network: "eip155:84532"},
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewRelayClient(srv.URL)
	supported, err := client.Supported(context.Background())
	require.NoError(t, err)
	require.Len(t, supported.Kinds, 1)
	assert.Equal(t, "eip155:84532", supported.Kinds[0].Network)
}

func TestDecodePayloadRejectsGarbage(t *testing.T) {
	cases := []struct {
		name    string
		payment *x402.SubmittedPayment
	}{
		{"nil payment", nil},
		{"empty payload", &x402.SubmittedPayment{Option: testOption()}},
		{"not json", &x402.SubmittedPayment{Option: testOption(), Payload: []byte("{{")}},
		{"missing signature", &x402.SubmittedPayment{Option: testOption(), Payload: []byte(`{"authorization":{"from":"0x1"}}`)}},
		{"missing authorization", &x402.SubmittedPayment{Option: testOption(), Payload: []byte(`{"signature":"0xff"}`)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decodePayload(tc.payment)
			require.Error(t, err)
			assert.Equal(t, x402.CodeFormatError, x402.GetPaymentErrorCode(err))
		})
	}
}
