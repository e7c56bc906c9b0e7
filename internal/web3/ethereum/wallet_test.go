package ethereum

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"

	xerrors "VCMilei/internal/errors"
	"VCMilei/internal/web3"
)

// logEmitterBin 部署后对任意调用都发出一条日志并成功返回。
const logEmitterBin = "0x6027600c60003960276000f37f0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f2060006000a100"

var oneEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

type harness struct {
	backend *simulated.Backend
	client  simulated.Client
	wallet  *Wallet
	def     web3.ChainDefinition
}

func newHarness(t *testing.T, withRouter bool) *harness {
	t.Helper()
	ctx := context.Background()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	owner := crypto.PubkeyToAddress(key.PublicKey)
	backend := simulated.NewBackend(coretypes.GenesisAlloc{
		owner: {Balance: new(big.Int).Mul(oneEther, big.NewInt(10))},
	})
	t.Cleanup(func() { _ = backend.Close() })
	client := backend.Client()

	def := web3.ChainDefinition{
		Type:          "evm",
		NativeSymbol:  "ETH",
		WrappedNative: "0x00000000000000000000000000000000000000aa",
		Description:   "simulated",
	}
	if withRouter {
		chainID, err := client.ChainID(ctx)
		if err != nil {
			t.Fatalf("chain id: %v", err)
		}
		auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
		if err != nil {
			t.Fatalf("transactor: %v", err)
		}
		router := deployEmitter(t, backend, client, auth)
		token := deployEmitter(t, backend, client, auth)
		def.Router = router.Hex()
		def.Tokens = map[string]web3.TokenDefinition{"MODE": {Address: token.Hex(), Decimals: 18}}
	}

	wallet, err := NewWallet(ctx, "mode", def, client, key)
	if err != nil {
		t.Fatalf("NewWallet: %v", err)
	}
	wallet.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return &harness{backend: backend, client: client, wallet: wallet, def: def}
}

func deployEmitter(t *testing.T, backend *simulated.Backend, client simulated.Client, auth *bind.TransactOpts) common.Address {
	t.Helper()
	addr, _, _, err := bind.DeployContract(auth, abi.ABI{}, common.FromHex(logEmitterBin), client)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	backend.Commit()
	return addr
}

func (h *harness) receipt(t *testing.T, hash common.Hash) *coretypes.Receipt {
	t.Helper()
	h.backend.Commit()
	receipt, err := h.client.TransactionReceipt(context.Background(), hash)
	if err != nil {
		t.Fatalf("receipt %s: %v", hash.Hex(), err)
	}
	return receipt
}

func TestWalletBalanceAndSnapshot(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	balance, err := h.wallet.Balance(ctx)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if web3.FormatEther(balance) != "10" {
		t.Fatalf("unexpected balance %s", web3.FormatEther(balance))
	}

	snapshot, err := h.wallet.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snapshot.Chain != "mode" || snapshot.ChainID != "0x539" || snapshot.Notes != "simulated" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
}

func TestWalletSend(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000b0")

	result, err := h.wallet.Send(ctx, recipient, oneEther)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if result.From != h.wallet.Address() || result.To != recipient || result.Value.Cmp(oneEther) != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if receipt := h.receipt(t, result.Hash); receipt.Status != coretypes.ReceiptStatusSuccessful {
		t.Fatalf("transfer failed with status %d", receipt.Status)
	}
	tx, _, err := h.client.TransactionByHash(ctx, result.Hash)
	if err != nil {
		t.Fatalf("TransactionByHash: %v", err)
	}
	if tx.Type() != coretypes.DynamicFeeTxType || tx.To() == nil || *tx.To() != recipient {
		t.Fatalf("unexpected transfer tx type=%d to=%v", tx.Type(), tx.To())
	}

	got, err := h.client.BalanceAt(ctx, recipient, nil)
	if err != nil {
		t.Fatalf("BalanceAt: %v", err)
	}
	if got.Cmp(oneEther) != 0 {
		t.Fatalf("recipient balance = %s, want 1 ETH", got)
	}
}

func TestWalletSendRejectsInsufficientFunds(t *testing.T) {
	h := newHarness(t, false)
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000b0")

	_, err := h.wallet.Send(context.Background(), recipient, new(big.Int).Mul(oneEther, big.NewInt(11)))
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for insufficient funds, got %v", err)
	}
	if _, err := h.wallet.Send(context.Background(), common.Address{}, oneEther); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for empty recipient, got %v", err)
	}
}

func TestWalletSwapNativeForToken(t *testing.T) {
	h := newHarness(t, true)
	amount := new(big.Int).Div(oneEther, big.NewInt(10))
	minOut, err := web3.MinAmountOut(amount, 1)
	if err != nil {
		t.Fatalf("MinAmountOut: %v", err)
	}

	result, err := h.wallet.Swap(context.Background(), web3.SwapRequest{
		TokenIn:      "eth",
		TokenOut:     "MODE",
		AmountIn:     amount,
		MinAmountOut: minOut,
	})
	if err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if result.To != common.HexToAddress(h.def.Router) || result.Value.Cmp(amount) != 0 {
		t.Fatalf("unexpected swap result %+v", result)
	}
	receipt := h.receipt(t, result.Hash)
	if receipt.Status != coretypes.ReceiptStatusSuccessful || len(receipt.Logs) != 1 {
		t.Fatalf("unexpected receipt status=%d logs=%d", receipt.Status, len(receipt.Logs))
	}
}

func TestWalletSwapTokenForNativeApprovesFirst(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	startNonce, err := h.client.PendingNonceAt(ctx, h.wallet.Address())
	if err != nil {
		t.Fatalf("PendingNonceAt: %v", err)
	}
	result, err := h.wallet.Swap(ctx, web3.SwapRequest{TokenIn: "MODE", TokenOut: "ETH", AmountIn: oneEther})
	if err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if result.Value.Sign() != 0 {
		t.Fatalf("token swap must not carry value, got %s", result.Value)
	}
	if receipt := h.receipt(t, result.Hash); receipt.Status != coretypes.ReceiptStatusSuccessful {
		t.Fatalf("swap failed with status %d", receipt.Status)
	}
	endNonce, err := h.client.NonceAt(ctx, h.wallet.Address(), nil)
	if err != nil {
		t.Fatalf("NonceAt: %v", err)
	}
	if endNonce != startNonce+2 {
		t.Fatalf("expected approve and swap transactions, nonce %d -> %d", startNonce, endNonce)
	}
}

func TestWalletSwapValidation(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	cases := []struct {
		name string
		req  web3.SwapRequest
		code xerrors.Code
	}{
		{"same token", web3.SwapRequest{TokenIn: "ETH", TokenOut: "eth", AmountIn: oneEther}, xerrors.CodeInvalidArgument},
		{"unknown token", web3.SwapRequest{TokenIn: "ETH", TokenOut: "DOGE", AmountIn: oneEther}, xerrors.CodeInvalidArgument},
		{"zero amount", web3.SwapRequest{TokenIn: "ETH", TokenOut: "MODE", AmountIn: big.NewInt(0)}, xerrors.CodeInvalidArgument},
	}
	for _, tc := range cases {
		if _, err := h.wallet.Swap(ctx, tc.req); xerrors.CodeOf(err) != tc.code {
			t.Fatalf("%s: expected %s, got %v", tc.name, tc.code, err)
		}
	}

	noRouter := newHarness(t, false)
	if _, err := noRouter.wallet.Swap(ctx, web3.SwapRequest{TokenIn: "ETH", TokenOut: "MODE", AmountIn: oneEther}); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization failure without router, got %v", err)
	}
}

func TestParsePrivateKey(t *testing.T) {
	if _, err := ParsePrivateKey(""); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization failure for empty key, got %v", err)
	}
	key, _ := crypto.GenerateKey()
	hexKey := "0x" + common.Bytes2Hex(crypto.FromECDSA(key))
	parsed, err := ParsePrivateKey(hexKey)
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}
	if crypto.PubkeyToAddress(parsed.PublicKey) != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("parsed key does not match")
	}
}
