// Package ethereum 基于 go-ethereum 实现 EVM 链上的钱包能力。
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	xerrors "VCMilei/internal/errors"
	"VCMilei/internal/web3"
	"VCMilei/pkg/logger"
)

const (
	defaultSwapDeadline = 20 * time.Minute
	// approvedSwapGasLimit 用于授权之后的兑换交易，此时授权尚未上链无法预估 gas。
	approvedSwapGasLimit = 350_000
)

const routerABIJSON = `[
	{"name":"swapExactETHForTokens","type":"function","stateMutability":"payable",
	 "inputs":[{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],
	 "outputs":[{"name":"amounts","type":"uint256[]"}]},
	{"name":"swapExactTokensForETH","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],
	 "outputs":[{"name":"amounts","type":"uint256[]"}]},
	{"name":"swapExactTokensForTokens","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],
	 "outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

const erc20ABIJSON = `[
	{"name":"approve","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"name":"balanceOf","type":"function","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]}
]`

var (
	routerABI = mustParseABI(routerABIJSON)
	erc20ABI  = mustParseABI(erc20ABIJSON)
)

// Backend 是钱包依赖的链访问接口，ethclient.Client 与模拟后端均满足。
type Backend interface {
	bind.ContractBackend
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Wallet 使用单个私钥在一条 EVM 链上签名并发送交易。
type Wallet struct {
	name    string
	def     web3.ChainDefinition
	backend Backend
	closer  func()
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	router  *bind.BoundContract
	now     func() time.Time
	log     *slog.Logger

	// mu 串行化发送交易，保证 nonce 顺序。
	mu sync.Mutex
}

// Dial 连接 RPC 节点并创建钱包。
func Dial(ctx context.Context, name string, def web3.ChainDefinition, privateKeyHex string) (*Wallet, error) {
	rpcURL := strings.TrimSpace(def.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("链 %s 未配置 RPC 地址", name))
	}
	key, err := ParsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接以太坊节点失败")
	}
	wallet, err := NewWallet(ctx, name, def, client, key)
	if err != nil {
		client.Close()
		return nil, err
	}
	wallet.closer = client.Close
	return wallet, nil
}

// ParsePrivateKey 解析十六进制私钥，允许 0x 前缀。
func ParsePrivateKey(privateKeyHex string) (*ecdsa.PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if trimmed == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置钱包私钥")
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "钱包私钥格式不正确")
	}
	return key, nil
}

// NewWallet 基于已有后端创建钱包。链 ID 从后端读取，配置中的 chain_id 仅用于校验。
func NewWallet(ctx context.Context, name string, def web3.ChainDefinition, backend Backend, key *ecdsa.PrivateKey) (*Wallet, error) {
	if backend == nil || key == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "钱包缺少后端或私钥")
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "获取链 ID 失败")
	}
	if def.ChainID != 0 && chainID.Int64() != def.ChainID {
		return nil, xerrors.New(xerrors.CodeInitializationFailure,
			fmt.Sprintf("链 %s 的链 ID 为 %s，与配置的 %d 不一致", name, chainID, def.ChainID))
	}
	if def.NativeSymbol == "" {
		def.NativeSymbol = "ETH"
	}

	w := &Wallet{
		name:    name,
		def:     def,
		backend: backend,
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
		now:     time.Now,
		log:     logger.Named("wallet").With(slog.String("chain", name)),
	}
	if def.Router != "" {
		w.router = bind.NewBoundContract(common.HexToAddress(def.Router), routerABI, backend, backend, backend)
	}
	return w, nil
}

// Chain 返回链名称。
func (w *Wallet) Chain() string { return w.name }

// Address 返回钱包地址。
func (w *Wallet) Address() common.Address { return w.address }

// Definition 返回链配置。
func (w *Wallet) Definition() web3.ChainDefinition { return w.def }

// Close 释放 RPC 连接。
func (w *Wallet) Close() {
	if w.closer != nil {
		w.closer()
		w.closer = nil
	}
}

// Snapshot 返回链 ID 与最新区块高度。
func (w *Wallet) Snapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	block, err := w.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, xerrors.Wrap(xerrors.CodeTransport, err, "获取最新区块高度失败")
	}
	return web3.ChainSnapshot{
		Chain:       w.name,
		ChainID:     toHexBig(w.chainID),
		BlockNumber: fmt.Sprintf("0x%x", block),
		Notes:       w.def.Description,
	}, nil
}

// Balance 返回原生币余额。
func (w *Wallet) Balance(ctx context.Context) (*big.Int, error) {
	balance, err := w.backend.BalanceAt(ctx, w.address, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "查询余额失败")
	}
	return balance, nil
}

// TokenBalance 返回 ERC-20 代币余额。
func (w *Wallet) TokenBalance(ctx context.Context, symbol string) (*big.Int, error) {
	token, ok := w.def.Token(symbol)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知代币 %s", symbol))
	}
	contract := bind.NewBoundContract(common.HexToAddress(token.Address), erc20ABI, w.backend, w.backend, w.backend)
	var out []any
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", w.address); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, fmt.Sprintf("查询 %s 余额失败", symbol))
	}
	if len(out) == 0 {
		return nil, xerrors.New(xerrors.CodeTransport, fmt.Sprintf("%s 余额返回为空", symbol))
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, xerrors.New(xerrors.CodeTransport, fmt.Sprintf("%s 余额类型异常", symbol))
	}
	return balance, nil
}

// Send 转出原生币。
func (w *Wallet) Send(ctx context.Context, to common.Address, amount *big.Int) (web3.TxResult, error) {
	if to == (common.Address{}) {
		return web3.TxResult{}, xerrors.New(xerrors.CodeInvalidArgument, "收款地址不能为空")
	}
	if amount == nil || amount.Sign() <= 0 {
		return web3.TxResult{}, xerrors.New(xerrors.CodeInvalidArgument, "转账金额必须大于 0")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.ensureBalance(ctx, amount); err != nil {
		return web3.TxResult{}, err
	}
	tx, err := w.signTransfer(ctx, to, amount)
	if err != nil {
		return web3.TxResult{}, err
	}
	if err := w.backend.SendTransaction(ctx, tx); err != nil {
		return web3.TxResult{}, xerrors.Wrap(xerrors.CodeTransport, err, "发送转账交易失败")
	}

	result := w.result(tx, to)
	logger.Audit().Info("已发送转账",
		slog.String("chain", w.name),
		slog.String("tx", tx.Hash().Hex()),
		slog.String("to", to.Hex()),
		slog.String("value_wei", amount.String()),
	)
	return result, nil
}

// signTransfer 构造并签名 EIP-1559 转账交易，gas 与费用上限取自节点。
func (w *Wallet) signTransfer(ctx context.Context, to common.Address, amount *big.Int) (*coretypes.Transaction, error) {
	nonce, err := w.backend.PendingNonceAt(ctx, w.address)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "获取 nonce 失败")
	}
	tip, err := w.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "获取小费建议失败")
	}
	head, err := w.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "获取最新区块头失败")
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	gas, err := w.backend.EstimateGas(ctx, geth.CallMsg{From: w.address, To: &to, Value: amount})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "预估转账 gas 失败")
	}
	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   w.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     amount,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(w.chainID), w.key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "签名转账交易失败")
	}
	return signed, nil
}

// Swap 通过路由合约兑换代币。原生币兑出时直接附带 value，代币兑出前先授权路由合约。
func (w *Wallet) Swap(ctx context.Context, req web3.SwapRequest) (web3.TxResult, error) {
	if strings.EqualFold(strings.TrimSpace(req.TokenIn), strings.TrimSpace(req.TokenOut)) {
		return web3.TxResult{}, xerrors.New(xerrors.CodeInvalidArgument, "不能兑换相同的代币")
	}
	if req.AmountIn == nil || req.AmountIn.Sign() <= 0 {
		return web3.TxResult{}, xerrors.New(xerrors.CodeInvalidArgument, "兑换数量必须大于 0")
	}
	if w.router == nil {
		return web3.TxResult{}, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("链 %s 未配置兑换路由", w.name))
	}
	minOut := req.MinAmountOut
	if minOut == nil {
		minOut = new(big.Int)
	}
	window := req.Deadline
	if window <= 0 {
		window = defaultSwapDeadline
	}
	deadline := big.NewInt(w.now().Add(window).Unix())

	inNative := w.def.IsNative(req.TokenIn)
	outNative := w.def.IsNative(req.TokenOut)
	tokenIn, err := w.resolve(req.TokenIn, inNative)
	if err != nil {
		return web3.TxResult{}, err
	}
	tokenOut, err := w.resolve(req.TokenOut, outNative)
	if err != nil {
		return web3.TxResult{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	opts, err := w.transactor(ctx)
	if err != nil {
		return web3.TxResult{}, err
	}

	var tx *coretypes.Transaction
	switch {
	case inNative:
		if err := w.ensureBalance(ctx, req.AmountIn); err != nil {
			return web3.TxResult{}, err
		}
		opts.Value = req.AmountIn
		tx, err = w.router.Transact(opts, "swapExactETHForTokens",
			minOut, []common.Address{tokenIn, tokenOut}, w.address, deadline)
	default:
		if err := w.approve(ctx, tokenIn, req.AmountIn); err != nil {
			return web3.TxResult{}, err
		}
		opts.GasLimit = approvedSwapGasLimit
		method := "swapExactTokensForTokens"
		if outNative {
			method = "swapExactTokensForETH"
		}
		tx, err = w.router.Transact(opts, method,
			req.AmountIn, minOut, []common.Address{tokenIn, tokenOut}, w.address, deadline)
	}
	if err != nil {
		return web3.TxResult{}, xerrors.Wrap(xerrors.CodeTransport, err, "发送兑换交易失败")
	}

	result := w.result(tx, common.HexToAddress(w.def.Router))
	logger.Audit().Info("已发送兑换",
		slog.String("chain", w.name),
		slog.String("tx", tx.Hash().Hex()),
		slog.String("token_in", strings.ToUpper(req.TokenIn)),
		slog.String("token_out", strings.ToUpper(req.TokenOut)),
		slog.String("amount_in", req.AmountIn.String()),
		slog.String("min_amount_out", minOut.String()),
	)
	return result, nil
}

// resolve 返回代币地址；原生币在路径中以包装代币表示。
func (w *Wallet) resolve(symbol string, native bool) (common.Address, error) {
	if native {
		if w.def.WrappedNative == "" {
			return common.Address{}, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("链 %s 未配置包装原生币地址", w.name))
		}
		return common.HexToAddress(w.def.WrappedNative), nil
	}
	token, ok := w.def.Token(symbol)
	if !ok {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("未知代币 %s，可用代币: %s", symbol, strings.Join(w.def.Symbols(), ", ")))
	}
	return common.HexToAddress(token.Address), nil
}

func (w *Wallet) approve(ctx context.Context, token common.Address, amount *big.Int) error {
	opts, err := w.transactor(ctx)
	if err != nil {
		return err
	}
	contract := bind.NewBoundContract(token, erc20ABI, w.backend, w.backend, w.backend)
	tx, err := contract.Transact(opts, "approve", common.HexToAddress(w.def.Router), amount)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeTransport, err, "授权路由合约失败")
	}
	w.log.Debug("已授权路由合约", slog.String("tx", tx.Hash().Hex()), slog.String("token", token.Hex()))
	return nil
}

func (w *Wallet) ensureBalance(ctx context.Context, amount *big.Int) error {
	balance, err := w.Balance(ctx)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("余额不足: 需要 %s %s，当前 %s", web3.FormatEther(amount), w.def.NativeSymbol, web3.FormatEther(balance)))
	}
	return nil
}

func (w *Wallet) transactor(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(w.key, w.chainID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建交易签名器失败")
	}
	opts.Context = ctx
	return opts, nil
}

func (w *Wallet) result(tx *coretypes.Transaction, to common.Address) web3.TxResult {
	return web3.TxResult{
		Hash:  tx.Hash(),
		From:  w.address,
		To:    to,
		Value: tx.Value(),
		Chain: w.name,
	}
}

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid ABI: %v", err))
	}
	return parsed
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ web3.Wallet = (*Wallet)(nil)
