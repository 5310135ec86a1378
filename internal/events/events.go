package events

import (
	"github.com/betbot/perpsim/internal/domain"
)

// Type 事件类型标签
type Type string

const (
	TypeOracleTick         Type = "oracle_tick"
	TypeOracleDegraded     Type = "oracle_degraded"
	TypeOrderSubmitted     Type = "order_submitted"
	TypeOrderExecuted      Type = "order_executed"
	TypeOrderFailed        Type = "order_failed"
	TypePositionSnapshot   Type = "position_snapshot"
	TypeMarketSnapshot     Type = "market_snapshot"
	TypePositionLiquidated Type = "position_liquidated"
)

// Event 领域事件统一接口
type Event interface {
	EventType() Type
	At() uint64 // 虚拟纳秒
}

// OracleTick 预言机价格更新
type OracleTick struct {
	TS     uint64
	Sample domain.OracleSample
}

func (e OracleTick) EventType() Type { return TypeOracleTick }
func (e OracleTick) At() uint64      { return e.TS }

// OracleDegraded 预言机连续失败诊断
type OracleDegraded struct {
	TS          uint64
	Consecutive int
	LastError   string
}

func (e OracleDegraded) EventType() Type { return TypeOracleDegraded }
func (e OracleDegraded) At() uint64      { return e.TS }

// OrderSubmitted 订单已提交（链上 Submit 确认或挂单入簿）
type OrderSubmitted struct {
	TS      uint64
	Order   domain.Order
	OrderID domain.OrderID // 挂单（未上链）时为 0
}

func (e OrderSubmitted) EventType() Type { return TypeOrderSubmitted }
func (e OrderSubmitted) At() uint64      { return e.TS }

// OrderExecuted 订单执行成功
type OrderExecuted struct {
	TS     uint64
	Order  domain.Order
	Result domain.ExecutionResult
}

func (e OrderExecuted) EventType() Type { return TypeOrderExecuted }
func (e OrderExecuted) At() uint64      { return e.TS }

// OrderFailed 订单最终失败
type OrderFailed struct {
	TS     uint64
	Order  domain.Order
	Reason domain.FailReason
	Detail string
}

func (e OrderFailed) EventType() Type { return TypeOrderFailed }
func (e OrderFailed) At() uint64      { return e.TS }

// PositionSnapshot 仓位镜像快照
type PositionSnapshot struct {
	TS        uint64
	Positions []domain.Position
}

func (e PositionSnapshot) EventType() Type { return TypePositionSnapshot }
func (e PositionSnapshot) At() uint64      { return e.TS }

// MarketSnapshot 市场状态快照（每 tick 刷新一次）
type MarketSnapshot struct {
	TS    uint64
	State domain.MarketState
}

func (e MarketSnapshot) EventType() Type { return TypeMarketSnapshot }
func (e MarketSnapshot) At() uint64      { return e.TS }

// PositionLiquidated 仓位被强平
type PositionLiquidated struct {
	TS               uint64
	Account          domain.AgentID
	Symbol           domain.Symbol
	Side             domain.Side
	CollateralLost   domain.USD
	PnL              domain.USD
	LiquidationPrice domain.Price
}

func (e PositionLiquidated) EventType() Type { return TypePositionLiquidated }
func (e PositionLiquidated) At() uint64      { return e.TS }
