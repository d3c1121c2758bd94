package exchange

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Fantasim/rebalancer/internal/config"
	"github.com/Fantasim/rebalancer/internal/engine"
	"github.com/Fantasim/rebalancer/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	c := &Client{
		baseURL:     server.URL,
		apiKey:      "key",
		apiSecret:   "secret",
		passphrase:  "pass",
		scChainName: "BSC",
		httpClient:  server.Client(),
	}
	return c, server
}

func TestClient_GetDepositAddress_OnChain(t *testing.T) {
	c, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/v5/asset/deposit-address") {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"code": "0",
			"data": []map[string]string{{"chain": "BSC", "addr": "0xabc"}},
		})
	})
	defer server.Close()

	res, err := c.GetDepositAddress(context.Background(), models.TokenUSDC, "BSC", nil)
	if err != nil {
		t.Fatalf("GetDepositAddress() error = %v", err)
	}
	if res.Address != "0xabc" {
		t.Errorf("Address = %q, want %q", res.Address, "0xabc")
	}
}

func TestClient_GetDepositAddress_LightningInvoice(t *testing.T) {
	c, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"code": "0",
			"data": []map[string]string{{"chain": "BTC-LN", "addr": "lnbc1...", "amt": "100000"}},
		})
	})
	defer server.Close()

	res, err := c.GetDepositAddress(context.Background(), models.TokenBTCLN, "", big.NewInt(100000))
	if err != nil {
		t.Fatalf("GetDepositAddress() error = %v", err)
	}
	if res.Invoice != "lnbc1..." {
		t.Errorf("Invoice = %q, want %q", res.Invoice, "lnbc1...")
	}
	if res.InvoiceAmountSats == nil || res.InvoiceAmountSats.Cmp(big.NewInt(100000)) != 0 {
		t.Errorf("InvoiceAmountSats = %v, want 100000", res.InvoiceAmountSats)
	}
}

func TestClient_GetDepositAddress_ChainNotFound(t *testing.T) {
	c, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"code": "0",
			"data": []map[string]string{{"chain": "OTHERCHAIN", "addr": "0xabc"}},
		})
	})
	defer server.Close()

	_, err := c.GetDepositAddress(context.Background(), models.TokenUSDC, "BSC", nil)
	if err == nil {
		t.Fatal("expected error for unmatched chain")
	}
}

func TestClient_GetDeposit_StateMapping(t *testing.T) {
	c, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"code": "0",
			"data": []map[string]string{{"txId": "T1", "state": "2"}},
		})
	})
	defer server.Close()

	rec, err := c.GetDeposit(context.Background(), "T1")
	if err != nil {
		t.Fatalf("GetDeposit() error = %v", err)
	}
	if rec == nil || !rec.DepositCredited() {
		t.Fatalf("expected credited deposit, got %+v", rec)
	}
}

func TestClient_GetDeposit_NotFound(t *testing.T) {
	c, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"code": "0", "data": []map[string]string{}})
	})
	defer server.Close()

	rec, err := c.GetDeposit(context.Background(), "unknown")
	if err != nil {
		t.Fatalf("GetDeposit() error = %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil record, got %+v", rec)
	}
}

func TestClient_GetTrade_UnknownOrderMapsToNotFound(t *testing.T) {
	c, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"code": "52907", "msg": "order not found", "data": nil})
	})
	defer server.Close()

	_, err := c.GetTrade(context.Background(), models.TokenBTC, models.TokenUSDC, "client-1")
	if err != engine.ErrNotFound {
		t.Fatalf("GetTrade() error = %v, want engine.ErrNotFound", err)
	}
}

func TestClient_GetTrade_Filled(t *testing.T) {
	c, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"code": "0",
			"data": []map[string]string{{"ordId": "O1", "avgPx": "24.5", "state": "filled"}},
		})
	})
	defer server.Close()

	rec, err := c.GetTrade(context.Background(), models.TokenBTC, models.TokenUSDC, "client-1")
	if err != nil {
		t.Fatalf("GetTrade() error = %v", err)
	}
	if rec.State != engine.TradeFilled || rec.OrderID != "O1" || rec.AveragePrice != 24.5 {
		t.Errorf("unexpected trade record: %+v", rec)
	}
}

func TestClient_Withdraw_VenueErrorSurfaces(t *testing.T) {
	c, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"code": "58350", "msg": "insufficient balance"})
	})
	defer server.Close()

	_, err := c.Withdraw(context.Background(), models.TokenBTC, "", "bc1q...", "wd-1", big.NewInt(100), big.NewInt(99900))
	if err == nil {
		t.Fatal("expected venue error")
	}
	if !strings.Contains(err.Error(), "insufficient balance") {
		t.Errorf("error = %v, want message to contain venue msg", err)
	}
}

func TestClient_GetWithdrawal_StateParsing(t *testing.T) {
	c, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"code": "0",
			"data": []map[string]string{{"txId": "T1", "state": "-3"}},
		})
	})
	defer server.Close()

	rec, err := c.GetWithdrawal(context.Background(), "wd-1")
	if err != nil {
		t.Fatalf("GetWithdrawal() error = %v", err)
	}
	if rec == nil || !rec.State.Terminal() {
		t.Fatalf("expected terminal failed state, got %+v", rec)
	}
}

func TestClient_Request_ServerErrorIsTransient(t *testing.T) {
	c, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	})
	defer server.Close()

	_, err := c.GetBalance(context.Background(), models.TokenUSDC)
	if !config.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestClient_Sign_Deterministic(t *testing.T) {
	c := &Client{apiSecret: "secret"}
	sig1 := c.sign("2024-01-01T00:00:00.000Z", "GET", "/path", "")
	sig2 := c.sign("2024-01-01T00:00:00.000Z", "GET", "/path", "")
	if sig1 != sig2 {
		t.Errorf("sign() not deterministic: %q vs %q", sig1, sig2)
	}
	sig3 := c.sign("2024-01-01T00:00:00.000Z", "POST", "/path", "")
	if sig1 == sig3 {
		t.Errorf("sign() should differ when method changes")
	}
}

var _ engine.Exchange = (*Client)(nil)
