package web3

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	xerrors "VCMilei/internal/errors"
)

// ChainDefinitions 对应 configs/chains.yaml 的结构。
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition 描述单条链的端点、路由合约与代币。
type ChainDefinition struct {
	Type          string                     `yaml:"type"`
	ChainID       int64                      `yaml:"chain_id"`
	RPCURL        string                     `yaml:"rpc_url"`
	Explorer      string                     `yaml:"explorer"`
	NativeSymbol  string                     `yaml:"native_symbol"`
	WrappedNative string                     `yaml:"wrapped_native"`
	Router        string                     `yaml:"router"`
	Tokens        map[string]TokenDefinition `yaml:"tokens"`
	Description   string                     `yaml:"description"`
}

// TokenDefinition 描述一个 ERC-20 代币。
type TokenDefinition struct {
	Address  string `yaml:"address"`
	Decimals int    `yaml:"decimals"`
}

// LoadChainDefinitions 解析链配置 YAML。路径为空时返回空配置。
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取链配置失败")
	}
	return ParseChainDefinitions(content)
}

// ParseChainDefinitions 解析并校验链配置内容。
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析链配置失败")
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for name, chain := range defs.Chains {
		chain.normalize()
		if err := chain.validate(name); err != nil {
			return ChainDefinitions{}, err
		}
		defs.Chains[name] = chain
	}
	return defs, nil
}

// Names 返回排序后的链名称。
func (d ChainDefinitions) Names() []string {
	names := make([]string, 0, len(d.Chains))
	for name := range d.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *ChainDefinition) normalize() {
	c.Type = strings.ToLower(strings.TrimSpace(c.Type))
	if c.Type == "" {
		c.Type = "evm"
	}
	c.NativeSymbol = strings.ToUpper(strings.TrimSpace(c.NativeSymbol))
	if c.NativeSymbol == "" {
		c.NativeSymbol = "ETH"
	}
	tokens := make(map[string]TokenDefinition, len(c.Tokens))
	for symbol, token := range c.Tokens {
		if token.Decimals == 0 {
			token.Decimals = 18
		}
		tokens[strings.ToUpper(strings.TrimSpace(symbol))] = token
	}
	c.Tokens = tokens
}

func (c ChainDefinition) validate(name string) error {
	if c.Type != "evm" {
		return xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("链 %s 使用了不支持的类型 %s", name, c.Type))
	}
	for _, addr := range []string{c.Router, c.WrappedNative} {
		if addr != "" && !common.IsHexAddress(addr) {
			return xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("链 %s 的合约地址 %s 不合法", name, addr))
		}
	}
	for symbol, token := range c.Tokens {
		if !common.IsHexAddress(token.Address) {
			return xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("链 %s 的代币 %s 地址不合法", name, symbol))
		}
	}
	return nil
}

// IsNative 判断符号是否为链的原生币。
func (c ChainDefinition) IsNative(symbol string) bool {
	return strings.EqualFold(strings.TrimSpace(symbol), c.NativeSymbol)
}

// Token 按符号查找代币定义。
func (c ChainDefinition) Token(symbol string) (TokenDefinition, bool) {
	token, ok := c.Tokens[strings.ToUpper(strings.TrimSpace(symbol))]
	return token, ok
}

// Symbols 返回原生币与全部代币符号。
func (c ChainDefinition) Symbols() []string {
	symbols := []string{c.NativeSymbol}
	for symbol := range c.Tokens {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols[1:])
	return symbols
}
