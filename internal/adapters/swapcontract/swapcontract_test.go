package swapcontract

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Fantasim/rebalancer/internal/config"
	"github.com/Fantasim/rebalancer/internal/engine"
	"github.com/Fantasim/rebalancer/internal/models"
)

// --- fake EthClient ---------------------------------------------------------

type fakeEthClient struct {
	nonce        uint64
	gasPrice     *big.Int
	chainID      *big.Int
	balance      *big.Int
	callBytes    []byte
	sent         []*types.Transaction
	receipts     map[common.Hash]*types.Receipt
	failReceipts bool // when true, SendTransaction records a reverted receipt
}

func newFakeEthClient() *fakeEthClient {
	return &fakeEthClient{
		gasPrice: big.NewInt(10),
		chainID:  big.NewInt(56),
		balance:  big.NewInt(0),
		receipts: map[common.Hash]*types.Receipt{},
	}
}

func (f *fakeEthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.nonce, nil
}
func (f *fakeEthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) { return f.gasPrice, nil }
func (f *fakeEthClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.sent = append(f.sent, tx)
	status := uint64(types.ReceiptStatusSuccessful)
	if f.failReceipts {
		status = types.ReceiptStatusFailed
	}
	f.receipts[tx.Hash()] = &types.Receipt{Status: status, BlockNumber: big.NewInt(1)}
	return nil
}
func (f *fakeEthClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	r, ok := f.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}
func (f *fakeEthClient) TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error) {
	return nil, false, ethereum.NotFound
}
func (f *fakeEthClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return f.balance, nil
}
func (f *fakeEthClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return f.callBytes, nil
}
func (f *fakeEthClient) NetworkID(ctx context.Context) (*big.Int, error) { return f.chainID, nil }

func testClient(t *testing.T, eth *fakeEthClient) (*Client, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	usdc := common.HexToAddress("0x1111111111111111111111111111111111111111")
	c := NewWithClient(eth, key, map[models.Token]common.Address{models.TokenUSDC: usdc})
	return c, usdc
}

func TestToTokenAddress(t *testing.T) {
	c, usdc := testClient(t, newFakeEthClient())

	got, err := c.ToTokenAddress(models.TokenUSDC)
	if err != nil || got != usdc.Hex() {
		t.Fatalf("ToTokenAddress(USDC) = %q, %v", got, err)
	}

	got, err = c.ToTokenAddress(models.TokenETH)
	if err != nil || got != (common.Address{}).Hex() {
		t.Fatalf("ToTokenAddress(ETH) = %q, %v, want zero address", got, err)
	}

	if _, err := c.ToTokenAddress(models.TokenSOL); err == nil {
		t.Fatal("expected ToTokenAddress(SOL) to fail: SOL is not an EVM token this adapter knows about")
	}
}

func TestGetBalanceNative(t *testing.T) {
	eth := newFakeEthClient()
	eth.balance = big.NewInt(5_000_000_000_000_000_000)
	c, _ := testClient(t, eth)

	got, err := c.GetBalance(context.Background(), models.TokenETH, true)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if got.Cmp(eth.balance) != 0 {
		t.Fatalf("GetBalance(ETH) = %s, want %s", got, eth.balance)
	}
}

func TestGetBalanceERC20(t *testing.T) {
	eth := newFakeEthClient()
	want := big.NewInt(1_234_000_000)
	eth.callBytes = common.LeftPadBytes(want.Bytes(), 32)
	c, _ := testClient(t, eth)

	got, err := c.GetBalance(context.Background(), models.TokenUSDC, true)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if got.Cmp(want) != 0 {
		t.Fatalf("GetBalance(USDC) = %s, want %s", got, want)
	}
}

func TestGetBalanceUnsupportedToken(t *testing.T) {
	c, _ := testClient(t, newFakeEthClient())
	if _, err := c.GetBalance(context.Background(), models.TokenSOL, true); err == nil {
		t.Fatal("expected error for a token with no configured contract address")
	}
}

func TestIntentRoundTrip(t *testing.T) {
	in := txIntent{Token: models.TokenUSDC, Contract: "0xabc", To: "0xdef", Amount: "123456"}
	raw := encodeIntent(in)
	out, err := decodeIntent(raw)
	if err != nil {
		t.Fatalf("decodeIntent: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestDecodeIntentRejectsForeignString(t *testing.T) {
	if _, err := decodeIntent("not-an-intent"); err == nil {
		t.Fatal("expected decodeIntent to reject a string without the intent prefix")
	}
}

func TestTxsMoveNativeVsToken(t *testing.T) {
	c, usdc := testClient(t, newFakeEthClient())

	raws, err := c.TxsTransfer(context.Background(), models.TokenETH, big.NewInt(1), "0x2222222222222222222222222222222222222222")
	if err != nil || len(raws) != 1 {
		t.Fatalf("TxsTransfer(ETH) = %v, %v", raws, err)
	}
	intent, err := decodeIntent(raws[0])
	if err != nil {
		t.Fatalf("decode native intent: %v", err)
	}
	if intent.Contract != "" {
		t.Fatalf("native transfer intent should carry no contract address, got %q", intent.Contract)
	}

	raws, err = c.TxsWithdraw(context.Background(), models.TokenUSDC, big.NewInt(1), "0x2222222222222222222222222222222222222222")
	if err != nil || len(raws) != 1 {
		t.Fatalf("TxsWithdraw(USDC) = %v, %v", raws, err)
	}
	intent, err = decodeIntent(raws[0])
	if err != nil {
		t.Fatalf("decode token intent: %v", err)
	}
	if intent.Contract != usdc.Hex() {
		t.Fatalf("token withdraw intent contract = %q, want %q", intent.Contract, usdc.Hex())
	}
}

func TestTxsMoveRejectsInvalidAddress(t *testing.T) {
	c, _ := testClient(t, newFakeEthClient())
	if _, err := c.TxsTransfer(context.Background(), models.TokenETH, big.NewInt(1), "not-an-address"); err == nil {
		t.Fatal("expected an invalid destination address to be rejected before any candidate is built")
	}
}

func TestSendAndConfirmHappyPath(t *testing.T) {
	eth := newFakeEthClient()
	c, _ := testClient(t, eth)

	raws, err := c.TxsTransfer(context.Background(), models.TokenETH, big.NewInt(42), "0x2222222222222222222222222222222222222222")
	if err != nil {
		t.Fatalf("TxsTransfer: %v", err)
	}

	var broadcastTxID, broadcastRaw string
	txID, err := c.SendAndConfirm(context.Background(), raws, func(id, raw string) {
		broadcastTxID, broadcastRaw = id, raw
	})
	if err != nil {
		t.Fatalf("SendAndConfirm: %v", err)
	}
	if txID == "" || txID != broadcastTxID {
		t.Fatalf("SendAndConfirm returned %q, onBroadcast saw %q", txID, broadcastTxID)
	}
	if broadcastRaw == "" {
		t.Fatal("onBroadcast should receive the signed raw transaction hex")
	}
	if len(eth.sent) != 1 {
		t.Fatalf("expected exactly one transaction sent, got %d", len(eth.sent))
	}

	status, err := c.GetTxIDStatus(context.Background(), txID)
	if err != nil || status != engine.TxSuccess {
		t.Fatalf("GetTxIDStatus(%q) = %v, %v, want success", txID, status, err)
	}
}

func TestSendAndConfirmRevertedTransaction(t *testing.T) {
	eth := newFakeEthClient()
	eth.failReceipts = true
	c, _ := testClient(t, eth)

	raws, err := c.TxsTransfer(context.Background(), models.TokenETH, big.NewInt(1), "0x2222222222222222222222222222222222222222")
	if err != nil {
		t.Fatalf("TxsTransfer: %v", err)
	}
	_, err = c.SendAndConfirm(context.Background(), raws, func(string, string) {})
	if err == nil {
		t.Fatal("expected a reverted receipt to surface an error")
	}
	if !errors.Is(err, config.ErrTxReverted) {
		t.Fatalf("expected config.ErrTxReverted, got %v", err)
	}
}
