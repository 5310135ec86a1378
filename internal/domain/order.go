package domain

import "fmt"

// Order 订单意图（in-simulator，未上链之前的统一表示）
type Order struct {
	ClientOrderID string      // 客户端订单 ID（uuid，交易所侧保证幂等）
	Account       AgentID     // 下单账户
	Symbol        Symbol      // 交易对
	Side          Side        // 方向
	Kind          OrderKind   // 种类
	Action        OrderAction // 动作
	SizeTokens    float64     // 订单数量（token）
	TriggerPrice  Price       // 触发价（Limit/Stop/TP/SL 必填，其余为 0）
	Leverage      uint32      // 杠杆
	CreatedNS     uint64      // 创建时间（虚拟纳秒）
}

// Validate 校验订单不变式
func (o *Order) Validate() error {
	if o.SizeTokens <= 0 {
		return fmt.Errorf("order %s: size_tokens must be > 0", o.ClientOrderID)
	}
	if o.Kind.NeedsTrigger() && o.TriggerPrice <= 0 {
		return fmt.Errorf("order %s: %s requires trigger_price", o.ClientOrderID, o.Kind)
	}
	if o.Leverage == 0 {
		return fmt.Errorf("order %s: leverage must be >= 1", o.ClientOrderID)
	}
	return nil
}

// PendingState 挂单状态
type PendingState uint8

const (
	PendingArmed PendingState = iota
	PendingTriggered
	PendingCancelled
	PendingExpired
)

var pendingStateNames = [...]string{"armed", "triggered", "cancelled", "expired"}

func (s PendingState) String() string {
	if int(s) < len(pendingStateNames) {
		return pendingStateNames[s]
	}
	return "unknown"
}

// PendingOrder 驻留挂单（Limit/Stop/TP/SL）
// 生命周期：Armed → (Triggered → 成交后移除) | Cancelled | Expired
type PendingOrder struct {
	Order
	ExpiresNS uint64       // 过期时间（0 = 永不过期）
	PlacedBy  AgentID      // 下单来源（通常等于 Account）
	State     PendingState // 当前状态
}

// ExpiredAt 挂单在 now 是否已过期
func (p *PendingOrder) ExpiredAt(nowNS uint64) bool {
	return p.ExpiresNS != 0 && nowNS >= p.ExpiresNS
}
