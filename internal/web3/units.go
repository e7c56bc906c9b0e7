package web3

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	xerrors "VCMilei/internal/errors"
)

// ParseUnits 把十进制字符串按精度转换为最小单位，多余的小数位被截断。
func ParseUnits(amount string, decimals int) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	value, ok := new(big.Rat).SetString(amount)
	if !ok || amount == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("金额 %q 不是合法数字", amount))
	}
	if value.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "金额必须大于 0")
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	value.Mul(value, new(big.Rat).SetInt(scale))
	return new(big.Int).Quo(value.Num(), value.Denom()), nil
}

// ParseEther 把以太数量转换为 wei。
func ParseEther(amount string) (*big.Int, error) {
	return ParseUnits(amount, 18)
}

// FormatUnits 把最小单位格式化为十进制字符串，去掉末尾的零。
func FormatUnits(value *big.Int, decimals int) string {
	if value == nil {
		return "0"
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	out := new(big.Rat).SetFrac(value, scale).FloatString(decimals)
	if strings.Contains(out, ".") {
		out = strings.TrimRight(strings.TrimRight(out, "0"), ".")
	}
	return out
}

// FormatEther 把 wei 格式化为以太数量。
func FormatEther(value *big.Int) string {
	return FormatUnits(value, 18)
}

// MinAmountOut 按滑点百分比计算最小到账数量，精度为 0.01%。
func MinAmountOut(amount *big.Int, slippagePercent float64) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "兑换数量必须大于 0")
	}
	if math.IsNaN(slippagePercent) || slippagePercent < 0 || slippagePercent >= 100 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("滑点 %.2f%% 超出范围 [0, 100)", slippagePercent))
	}
	bps := int64(math.Round(slippagePercent * 100))
	out := new(big.Int).Mul(amount, big.NewInt(10_000-bps))
	return out.Quo(out, big.NewInt(10_000)), nil
}
