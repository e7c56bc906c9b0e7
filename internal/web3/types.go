package web3

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ChainSnapshot 是链的概要信息。
type ChainSnapshot struct {
	Chain       string `json:"chain"`
	ChainID     string `json:"chainId"`
	BlockNumber string `json:"blockNumber"`
	Notes       string `json:"notes,omitempty"`
}

// SwapRequest 描述一次兑换。AmountIn 与 MinAmountOut 均为最小单位。
type SwapRequest struct {
	TokenIn      string
	TokenOut     string
	AmountIn     *big.Int
	MinAmountOut *big.Int
	// Deadline 是交易在路由合约中的有效期，默认 20 分钟。
	Deadline time.Duration
}

// TxResult 是已广播交易的摘要。
type TxResult struct {
	Hash  common.Hash    `json:"hash"`
	From  common.Address `json:"from"`
	To    common.Address `json:"to"`
	Value *big.Int       `json:"value"`
	Chain string         `json:"chain"`
}

// Wallet 是智能体可用的链上钱包能力。
type Wallet interface {
	Chain() string
	Address() common.Address
	Definition() ChainDefinition
	Snapshot(ctx context.Context) (ChainSnapshot, error)
	// Balance 返回原生币余额，单位 wei。
	Balance(ctx context.Context) (*big.Int, error)
	// TokenBalance 返回配置中某个 ERC-20 代币的余额。
	TokenBalance(ctx context.Context, symbol string) (*big.Int, error)
	// Send 转出原生币，余额不足时直接拒绝。
	Send(ctx context.Context, to common.Address, amount *big.Int) (TxResult, error)
	Swap(ctx context.Context, req SwapRequest) (TxResult, error)
	Close()
}
