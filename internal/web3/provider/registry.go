// Package provider 按链名称管理已连接的钱包。
package provider

import (
	"context"
	"fmt"
	"strings"

	xerrors "VCMilei/internal/errors"
	"VCMilei/internal/web3"
	"VCMilei/internal/web3/ethereum"
)

// Options 描述注册表的构建参数。
type Options struct {
	ChainConfig  string
	DefaultChain string
	PrivateKey   string
}

// Dialer 根据链定义创建钱包，测试中可替换为模拟实现。
type Dialer func(ctx context.Context, name string, def web3.ChainDefinition, privateKey string) (web3.Wallet, error)

// Registry 按名称持有钱包，并记录默认链。
type Registry struct {
	defaultChain string
	wallets      map[string]web3.Wallet
}

// NewRegistry 读取链配置并为每条链创建钱包。
func NewRegistry(ctx context.Context, opts Options) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(opts.ChainConfig)
	if err != nil {
		return nil, err
	}
	return Build(ctx, defs, opts, dialEthereum)
}

func dialEthereum(ctx context.Context, name string, def web3.ChainDefinition, privateKey string) (web3.Wallet, error) {
	return ethereum.Dial(ctx, name, def, privateKey)
}

// Build 使用给定的 Dialer 创建注册表。任意链失败时关闭已创建的钱包。
func Build(ctx context.Context, defs web3.ChainDefinitions, opts Options, dial Dialer) (*Registry, error) {
	if strings.TrimSpace(opts.PrivateKey) == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置钱包私钥")
	}
	names := defs.Names()
	if len(names) == 0 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置任何链")
	}

	registry := &Registry{wallets: make(map[string]web3.Wallet, len(names))}
	for _, name := range names {
		wallet, err := dial(ctx, name, defs.Chains[name], opts.PrivateKey)
		if err != nil {
			registry.Close()
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, fmt.Sprintf("初始化链 %s 失败", name))
		}
		registry.wallets[name] = wallet
	}

	registry.defaultChain = strings.TrimSpace(opts.DefaultChain)
	if registry.defaultChain == "" {
		registry.defaultChain = names[0]
	}
	if _, ok := registry.wallets[registry.defaultChain]; !ok {
		registry.Close()
		return nil, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("默认链 %s 未在配置中找到", registry.defaultChain))
	}
	return registry, nil
}

// Default 返回默认链的钱包。
func (r *Registry) Default() (web3.Wallet, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的钱包注册表")
	}
	wallet, ok := r.wallets[r.defaultChain]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("默认链 %s 未在注册表中", r.defaultChain))
	}
	return wallet, nil
}

// Wallet 返回指定链的钱包。
func (r *Registry) Wallet(name string) (web3.Wallet, bool) {
	if r == nil {
		return nil, false
	}
	wallet, ok := r.wallets[name]
	return wallet, ok
}

// Chains 返回已注册的链名称。
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	defs := web3.ChainDefinitions{Chains: make(map[string]web3.ChainDefinition, len(r.wallets))}
	for name, wallet := range r.wallets {
		defs.Chains[name] = wallet.Definition()
	}
	return defs.Names()
}

// Close 释放全部钱包。
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, wallet := range r.wallets {
		if wallet != nil {
			wallet.Close()
		}
		delete(r.wallets, name)
	}
}
