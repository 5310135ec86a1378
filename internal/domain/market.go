package domain

import "github.com/shopspring/decimal"

// MarketState 市场状态（由链上读取派生，每 tick 刷新一次）
type MarketState struct {
	Symbol             Symbol
	MarkPrice          Price // 链上标记价（读取时点）
	OILongUSD          USD
	OIShortUSD         USD
	LiquidityUSD       USD
	FundingRatePerHour decimal.Decimal // 多空之间的资金费率（正 = 多付空）
	BorrowRatePerHour  decimal.Decimal
	LastRefreshNS      uint64
}

// TotalOI 双边名义总和
func (m *MarketState) TotalOI() USD {
	return m.OILongUSD + m.OIShortUSD
}

// ImbalanceRatio |Δ|/max(total,1)，用于做市与资金费率判定
func (m *MarketState) ImbalanceRatio() float64 {
	total := m.TotalOI()
	if total < 1 {
		total = 1
	}
	delta := int64(m.OILongUSD) - int64(m.OIShortUSD)
	if delta < 0 {
		delta = -delta
	}
	return float64(delta) / float64(total)
}

// MarketSpec 市场静态参数（来自场景配置）
type MarketSpec struct {
	Symbol             Symbol
	TokenDecimals      uint8   // token 原子位数（≤ 24）
	MinTokens          float64 // 合约接受的最小下单数量
	InitialLiquidity   USD
	MaintenanceMarginF decimal.Decimal // mmf：维持保证金系数
	ImpactCapBps       int64           // 价格冲击上限（bp）
	ForceCloseFallback bool            // 冲击超过订单规模时是否降级为强制平仓
}
