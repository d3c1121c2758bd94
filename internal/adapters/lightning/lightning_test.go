package lightning

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Fantasim/rebalancer/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &Client{
		baseURL:    server.URL,
		macaroon:   "deadbeef",
		httpClient: server.Client(),
	}
}

func TestClient_DecodePaymentHash(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"payment_hash": "aabbcc",
			"num_satoshis": "1000",
		})
	})

	hash, err := c.DecodePaymentHash(context.Background(), "lnbc1...")
	if err != nil {
		t.Fatalf("DecodePaymentHash() error = %v", err)
	}
	if hash != "aabbcc" {
		t.Errorf("hash = %q, want %q", hash, "aabbcc")
	}
}

func TestClient_Pay_Success(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"payment_hash": "aabbcc"})
	})
	if err := c.Pay(context.Background(), "lnbc1..."); err != nil {
		t.Fatalf("Pay() error = %v", err)
	}
}

func TestClient_Pay_Failure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"payment_error": "no_route"})
	})
	err := c.Pay(context.Background(), "lnbc1...")
	if err == nil {
		t.Fatal("expected payment failure")
	}
}

func TestClient_GetPayment_Statuses(t *testing.T) {
	for _, tc := range []struct {
		status       string
		wantConfirm  bool
		wantFailed   bool
	}{
		{"SUCCEEDED", true, false},
		{"FAILED", false, true},
		{"IN_FLIGHT", false, false},
	} {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"payments": []map[string]string{{"payment_hash": "h1", "status": tc.status}},
			})
		})
		p, err := c.GetPayment(context.Background(), "h1")
		if err != nil {
			t.Fatalf("GetPayment(%s) error = %v", tc.status, err)
		}
		if p == nil {
			t.Fatalf("GetPayment(%s) = nil, want non-nil", tc.status)
		}
		if p.IsConfirmed != tc.wantConfirm || p.IsFailed != tc.wantFailed {
			t.Errorf("GetPayment(%s) = %+v, want confirmed=%v failed=%v", tc.status, p, tc.wantConfirm, tc.wantFailed)
		}
	}
}

func TestClient_GetPayment_UnknownHashReturnsNil(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"payments": []map[string]string{}})
	})
	p, err := c.GetPayment(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetPayment() error = %v", err)
	}
	if p != nil {
		t.Errorf("GetPayment() = %+v, want nil", p)
	}
}

func TestClient_CreateInvoice_HexRHash(t *testing.T) {
	rHashHex := ""
	for i := 0; i < 32; i++ {
		rHashHex += "ab"
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"r_hash":          rHashHex,
			"payment_request": "lnbc1...",
		})
	})
	res, err := c.CreateInvoice(context.Background(), big.NewInt(21_000_000))
	if err != nil {
		t.Fatalf("CreateInvoice() error = %v", err)
	}
	if res.Request != "lnbc1..." {
		t.Errorf("Request = %q, want %q", res.Request, "lnbc1...")
	}
	if len(res.ID) != 64 {
		t.Errorf("ID len = %d, want 64 hex chars", len(res.ID))
	}
}

func TestClient_GetInvoice_Settled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"settled": true, "state": "SETTLED"})
	})
	inv, err := c.GetInvoice(context.Background(), "h1")
	if err != nil {
		t.Fatalf("GetInvoice() error = %v", err)
	}
	if !inv.IsConfirmed {
		t.Errorf("expected confirmed invoice")
	}
}

func TestClient_GetInvoice_Canceled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"settled": false, "state": "CANCELED"})
	})
	inv, err := c.GetInvoice(context.Background(), "h1")
	if err != nil {
		t.Fatalf("GetInvoice() error = %v", err)
	}
	if !inv.IsCanceled {
		t.Errorf("expected canceled invoice")
	}
}

func TestClient_GetChannelBalance(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"balance": "500000"})
	})
	bal, err := c.GetChannelBalance(context.Background())
	if err != nil {
		t.Fatalf("GetChannelBalance() error = %v", err)
	}
	if bal.Int64() != 500000 {
		t.Errorf("balance = %d, want 500000", bal.Int64())
	}
}

func TestClient_ServerErrorIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	_, err := c.GetChannelBalance(context.Background())
	if !config.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}
