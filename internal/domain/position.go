package domain

// Position 仓位镜像
// 链上为权威数据，本地镜像最终一致，LastSyncNS 标记同步时刻。
// 不变式：size_tokens = 0 ⇔ 仓位已关闭；side 在仓位生命周期内不变。
type Position struct {
	Account          AgentID
	Symbol           Symbol
	Side             Side
	SizeUSD          USD     // 名义价值（micro-USD）
	SizeTokens       float64 // 持仓数量（token）
	Collateral       USD     // 锁定保证金
	EntryPrice       Price
	CurrentPrice     Price
	UnrealizedPnL    USD
	AccruedFunding   USD // 自开仓累计的资金费（正 = 应付）
	AccruedBorrow    USD // 自开仓累计的借贷费
	LiquidationPrice Price
	LeverageActual   uint32 // size_usd / collateral（整数舍入）
	OpenedNS         uint64
	LastSyncNS       uint64
}

// IsOpen 仓位是否仍然开放
func (p *Position) IsOpen() bool {
	return p.SizeTokens > 0
}

// Equity 当前权益（保证金 + 未实现盈亏 − 累计费用）
func (p *Position) Equity() USD {
	return p.Collateral + p.UnrealizedPnL - p.AccruedFunding - p.AccruedBorrow
}

// Key 仓位主键
func (p *Position) Key() PositionKey {
	return PositionKey{Account: p.Account, Symbol: p.Symbol, Side: p.Side}
}

// PositionKey 仓位主键 (account, symbol, side)
type PositionKey struct {
	Account AgentID
	Symbol  Symbol
	Side    Side
}
