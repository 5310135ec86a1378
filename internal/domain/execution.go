package domain

// OrderID 链上订单编号（SubmitOrder 回执分配）
type OrderID uint64

// ExecutionResult 链上 Execute 阶段的回执
type ExecutionResult struct {
	OrderID         OrderID
	FillPrice       Price   // 实际成交价（含价格冲击）
	FilledTokens    float64 // 实际成交数量
	FeeUSD          USD     // 本次执行收取的手续费
	PnL             USD     // Decrease/Close 时实现的盈亏
	CollateralDelta USD     // 保证金变化（Increase 为负锁定，Decrease 为正释放）
	KeeperRewardUSD USD     // 触发执行的 keeper 获得的奖励
	Liquidated      bool    // 本次执行是否为强平
}

// FailReason 订单失败原因
type FailReason string

const (
	FailSubmitExhausted        FailReason = "submit_exhausted"
	FailExecuteError           FailReason = "execute_error"
	FailInsufficientCollateral FailReason = "insufficient_collateral"
	FailTimeout                FailReason = "timeout"
	FailShutdown               FailReason = "shutdown"
	FailPriceImpact            FailReason = "price_impact"
	FailBelowMinSize           FailReason = "below_min_size"
	FailUnknownSymbol          FailReason = "unknown_symbol"
	FailExpired                FailReason = "expired"
)
