package domain

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Price 价格值对象（micro-USD：1 USD = 1_000_000）
//
// 对外（预言机、策略、事件）统一使用 micro-USD 整数；跨越交易所边界时
// 放大为 1e30 per-atom 口径（见 ToAtom / PriceFromAtom）。
type Price int64

// USD 金额值对象（micro-USD 口径，与 Price 同精度）
type USD int64

const (
	// MicroPerUSD 1 USD 的 micro 单位数
	MicroPerUSD = 1_000_000
	// atomExponent per-atom 口径总指数：price_per_atom = micro × 10^(24-decimals)
	atomExponent = 24
)

// PriceFromDecimal 从小数 USD 创建价格（四舍五入到 micro）
func PriceFromDecimal(usd float64) Price {
	return Price(decimal.NewFromFloat(usd).Mul(decimal.NewFromInt(MicroPerUSD)).Round(0).IntPart())
}

// ToDecimal 转换为小数 USD
func (p Price) ToDecimal() float64 {
	return float64(p) / MicroPerUSD
}

func (p Price) String() string {
	return fmt.Sprintf("%.6f", p.ToDecimal())
}

// ToAtom 把 micro-USD 价格放大为 per-atom 口径（1e30 基准）。
// 纯整数乘法：price_per_atom = price_micro × 10^(24 − token_decimals)。
func (p Price) ToAtom(tokenDecimals uint8) *big.Int {
	exp := atomExponent - int(tokenDecimals)
	v := big.NewInt(int64(p))
	if exp <= 0 {
		return v
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
	return v.Mul(v, scale)
}

// PriceFromAtom 把 per-atom 口径的价格还原为 micro-USD。
// 要求 token_decimals ≤ 24，此时与 ToAtom 互为逆运算（整除，无余数）。
func PriceFromAtom(atom *big.Int, tokenDecimals uint8) (Price, error) {
	exp := atomExponent - int(tokenDecimals)
	if exp < 0 {
		return 0, fmt.Errorf("token decimals %d exceeds atom exponent %d", tokenDecimals, atomExponent)
	}
	v := new(big.Int).Set(atom)
	if exp > 0 {
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
		rem := new(big.Int)
		v.QuoRem(v, scale, rem)
		if rem.Sign() != 0 {
			return 0, fmt.Errorf("atom price %s not a multiple of 10^%d", atom.String(), exp)
		}
	}
	if !v.IsInt64() {
		return 0, fmt.Errorf("atom price %s overflows micro-USD range", atom.String())
	}
	return Price(v.Int64()), nil
}

// USDFromDecimal 从小数 USD 创建金额
func USDFromDecimal(usd float64) USD {
	return USD(decimal.NewFromFloat(usd).Mul(decimal.NewFromInt(MicroPerUSD)).Round(0).IntPart())
}

// ToDecimal 转换为小数 USD
func (u USD) ToDecimal() float64 {
	return float64(u) / MicroPerUSD
}

func (u USD) String() string {
	return fmt.Sprintf("%.6f", u.ToDecimal())
}

// NotionalUSD 按价格计算 size_tokens 的名义价值（micro-USD）
func NotionalUSD(sizeTokens float64, price Price) USD {
	return USD(decimal.NewFromFloat(sizeTokens).
		Mul(decimal.NewFromInt(int64(price))).
		Round(0).IntPart())
}
