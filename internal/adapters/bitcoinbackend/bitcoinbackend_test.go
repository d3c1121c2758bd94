package bitcoinbackend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/Fantasim/rebalancer/internal/config"
	"github.com/Fantasim/rebalancer/internal/engine"
	"github.com/Fantasim/rebalancer/internal/scanner"
	"github.com/Fantasim/rebalancer/internal/tx"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon art"

func testKeyService(t *testing.T) *tx.KeyService {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mnemonic.txt")
	if err := os.WriteFile(path, []byte(testMnemonic), 0o600); err != nil {
		t.Fatalf("write mnemonic file: %v", err)
	}
	return tx.NewKeyService(path, "testnet")
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &Client{
		urls:       []string{server.URL},
		httpClient: server.Client(),
		limiter:    scanner.NewRateLimiter("test-esplora", 1000),
		breaker:    scanner.NewCircuitBreaker(config.BreakerFailureThreshold, config.BreakerOpenDuration),
		keys:       testKeyService(t),
		net:        &chaincfg.TestNet3Params,
		locks:      make(map[string]utxo),
	}
}

func TestClient_WalletAddress_DerivesTestnetAddress(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	addr, script, err := c.walletAddress(context.Background())
	if err != nil {
		t.Fatalf("walletAddress() error = %v", err)
	}
	if !strings.HasPrefix(addr, "tb1") {
		t.Errorf("address = %q, want testnet bech32 (tb1...)", addr)
	}
	if len(script) == 0 {
		t.Errorf("expected non-empty pkScript")
	}

	// second call must be cached (addrOnce) and return the identical value.
	addr2, _, err := c.walletAddress(context.Background())
	if err != nil {
		t.Fatalf("walletAddress() second call error = %v", err)
	}
	if addr2 != addr {
		t.Errorf("walletAddress() not cached: %q vs %q", addr, addr2)
	}
}

func TestClient_FundPsbt_SignPsbt_RoundTrip(t *testing.T) {
	utxoTxID := "aa00000000000000000000000000000000000000000000000000000000aa"
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/utxo"):
			json.NewEncoder(w).Encode([]esploraUTXO{
				{TxID: utxoTxID, Vout: 0, Value: 100_000},
			})
		default:
			t.Fatalf("unexpected request path %q", r.URL.Path)
		}
	})

	address, _, err := c.walletAddress(context.Background())
	if err != nil {
		t.Fatalf("walletAddress() error = %v", err)
	}

	result, err := c.FundPsbt(context.Background(), engine.FundPsbtRequest{
		Outputs: []engine.PsbtOutput{{Address: address, Sats: 50_000}},
	})
	if err != nil {
		t.Fatalf("FundPsbt() error = %v", err)
	}
	if result.Psbt == "" {
		t.Fatal("FundPsbt() returned empty PSBT")
	}
	if len(result.Inputs) != 1 {
		t.Fatalf("FundPsbt() locked %d inputs, want 1", len(result.Inputs))
	}

	signedHex, err := c.SignPsbt(context.Background(), result.Psbt)
	if err != nil {
		t.Fatalf("SignPsbt() error = %v", err)
	}
	if signedHex == "" {
		t.Fatal("SignPsbt() returned empty raw transaction")
	}

	if err := c.UnlockUTXO(context.Background(), result.Inputs[0]); err != nil {
		t.Fatalf("UnlockUTXO() error = %v", err)
	}
	if _, locked := c.locks[utxoKey(utxoTxID, 0)]; locked {
		t.Error("UnlockUTXO() did not release the reservation")
	}
}

func TestClient_FundPsbt_InsufficientFunds(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]esploraUTXO{
			{TxID: "bb00000000000000000000000000000000000000000000000000000000bb", Vout: 0, Value: 1000},
		})
	})
	address, _, err := c.walletAddress(context.Background())
	if err != nil {
		t.Fatalf("walletAddress() error = %v", err)
	}

	_, err = c.FundPsbt(context.Background(), engine.FundPsbtRequest{
		Outputs: []engine.PsbtOutput{{Address: address, Sats: 50_000}},
	})
	if err == nil {
		t.Fatal("expected insufficient UTXO error")
	}
}

func TestClient_FundPsbt_SkipsLockedUTXOs(t *testing.T) {
	lockedTxID := "cc00000000000000000000000000000000000000000000000000000000cc"
	freeTxID := "dd00000000000000000000000000000000000000000000000000000000dd"
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]esploraUTXO{
			{TxID: lockedTxID, Vout: 0, Value: 100_000},
			{TxID: freeTxID, Vout: 0, Value: 100_000},
		})
	})
	c.locks[utxoKey(lockedTxID, 0)] = utxo{LockID: "already-locked", TxID: lockedTxID, Vout: 0, Value: 100_000}

	address, _, err := c.walletAddress(context.Background())
	if err != nil {
		t.Fatalf("walletAddress() error = %v", err)
	}

	result, err := c.FundPsbt(context.Background(), engine.FundPsbtRequest{
		Outputs: []engine.PsbtOutput{{Address: address, Sats: 50_000}},
	})
	if err != nil {
		t.Fatalf("FundPsbt() error = %v", err)
	}
	if len(result.Inputs) != 1 || result.Inputs[0].TransactionID != freeTxID {
		t.Fatalf("FundPsbt() did not skip the locked UTXO: %+v", result.Inputs)
	}
}

func TestClient_BroadcastChainTransaction(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		w.Write([]byte("deadbeef\n"))
	})
	txID, err := c.BroadcastChainTransaction(context.Background(), "01000000...")
	if err != nil {
		t.Fatalf("BroadcastChainTransaction() error = %v", err)
	}
	if txID != "deadbeef" {
		t.Errorf("txID = %q, want %q", txID, "deadbeef")
	}
}

func TestClient_GetChainBalance(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]esploraUTXO{
			{TxID: "a", Vout: 0, Value: 30_000},
			{TxID: "b", Vout: 1, Value: 70_000},
		})
	})
	bal, err := c.GetChainBalance(context.Background())
	if err != nil {
		t.Fatalf("GetChainBalance() error = %v", err)
	}
	if bal.Int64() != 100_000 {
		t.Errorf("balance = %d, want 100000", bal.Int64())
	}
}

func TestClient_GetTransaction_Unconfirmed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"confirmed": false})
	})
	status, err := c.GetTransaction(context.Background(), "txid")
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}
	if status == nil || status.Confirmations != 0 {
		t.Errorf("GetTransaction() = %+v, want 0 confirmations", status)
	}
}

func TestClient_GetTransaction_Confirmed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/status") {
			json.NewEncoder(w).Encode(map[string]any{"confirmed": true, "block_height": 100})
			return
		}
		w.Write([]byte("105"))
	})
	status, err := c.GetTransaction(context.Background(), "txid")
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}
	if status == nil || status.Confirmations != 6 {
		t.Errorf("GetTransaction() = %+v, want 6 confirmations", status)
	}
}

func TestClient_Request_RetriesOtherEndpointOnFailure(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(bad.Close)
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("42"))
	}))
	t.Cleanup(good.Close)

	c := &Client{
		urls:       []string{good.URL, bad.URL},
		httpClient: http.DefaultClient,
		limiter:    scanner.NewRateLimiter("test-esplora", 1000),
		breaker:    scanner.NewCircuitBreaker(config.BreakerFailureThreshold, config.BreakerOpenDuration),
		locks:      make(map[string]utxo),
	}
	body, err := c.request(context.Background(), http.MethodGet, "/blocks/tip/height", nil, "")
	if err != nil {
		t.Fatalf("request() error = %v", err)
	}
	if string(body) != "42" {
		t.Errorf("body = %q, want %q", body, "42")
	}
}

var _ engine.BitcoinBackend = (*Client)(nil)
