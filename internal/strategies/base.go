package strategies

import (
	"time"

	"github.com/betbot/perpsim/internal/domain"
	"github.com/betbot/perpsim/internal/kernel"
)

// Base 全部策略共享的代理骨架：身份、节奏、快照读取与意图构造。
// 策略差异只在决策函数。
type Base struct {
	AgentID   domain.AgentID
	AgentName string
	Symbol    domain.Symbol

	deps Deps

	// WakeIntervalMS 唤醒节奏；低于 2×block_time 会被静默钳制
	WakeIntervalMS uint64 `yaml:"wakeIntervalMs"`
}

// NewBase 创建策略骨架并应用节奏钳制
func NewBase(spawn Spawn, deps Deps, wakeIntervalMS uint64) Base {
	b := Base{
		AgentID:        spawn.ID,
		AgentName:      spawn.Name,
		Symbol:         spawn.Symbol,
		deps:           deps,
		WakeIntervalMS: wakeIntervalMS,
	}
	b.clampInterval()
	return b
}

func (b *Base) clampInterval() {
	floor := 2 * b.deps.BlockTimeMS
	if b.WakeIntervalMS < floor {
		b.WakeIntervalMS = floor
	}
}

func (b *Base) ID() domain.AgentID { return b.AgentID }
func (b *Base) Name() string       { return b.AgentName }

// IntervalNS 唤醒间隔（纳秒）
func (b *Base) IntervalNS() uint64 {
	return b.WakeIntervalMS * uint64(time.Millisecond)
}

// Sample 最新预言机样本；缓存过期时 ok=false（该 tick 静默跳过）
func (b *Base) Sample(nowNS uint64) (domain.OracleSample, bool) {
	s, err := b.deps.Prices.Get(b.Symbol, nowNS)
	if err != nil {
		return domain.OracleSample{}, false
	}
	return s, true
}

// Mid 最新预言机中间价
func (b *Base) Mid(nowNS uint64) (domain.Price, bool) {
	s, ok := b.Sample(nowNS)
	if !ok {
		return 0, false
	}
	return s.Mid(), true
}

// Market 市场镜像
func (b *Base) Market() (domain.MarketState, bool) {
	return b.deps.Exchange.Market(b.Symbol)
}

// Position 自身仓位镜像
func (b *Base) Position(side domain.Side) (domain.Position, bool) {
	return b.deps.Exchange.Position(b.AgentID, b.Symbol, side)
}

// NewOrder 以本代理账户构造订单
func (b *Base) NewOrder(side domain.Side, kind domain.OrderKind, action domain.OrderAction, sizeTokens float64, leverage uint32) domain.Order {
	return domain.Order{
		Account:    b.AgentID,
		Symbol:     b.Symbol,
		Side:       side,
		Kind:       kind,
		Action:     action,
		SizeTokens: sizeTokens,
		Leverage:   leverage,
	}
}

// Intent 包装为发往交易所的订单意图
func (b *Base) Intent(order domain.Order) kernel.Outgoing {
	return kernel.Outgoing{To: b.deps.ExchangeID, Payload: kernel.OrderIntent{Order: order}}
}

// IntentExpiring 带过期时刻的触发类意图
func (b *Base) IntentExpiring(order domain.Order, expiresNS uint64) kernel.Outgoing {
	return kernel.Outgoing{To: b.deps.ExchangeID, Payload: kernel.OrderIntent{Order: order, ExpiresNS: expiresNS}}
}

// Cancel 撤销驻留挂单
func (b *Base) Cancel(clientOrderID string) kernel.Outgoing {
	return kernel.Outgoing{To: b.deps.ExchangeID, Payload: kernel.CancelIntent{ClientOrderID: clientOrderID}}
}

// SawShutdown inbox 中是否含停机通知
func SawShutdown(inbox []kernel.Envelope) bool {
	for _, env := range inbox {
		if _, ok := env.Payload.(kernel.Shutdown); ok {
			return true
		}
	}
	return false
}

// Reports 提取发给本代理的执行回报
func Reports(inbox []kernel.Envelope) []kernel.ExecutionReport {
	var out []kernel.ExecutionReport
	for _, env := range inbox {
		if r, ok := env.Payload.(kernel.ExecutionReport); ok {
			out = append(out, r)
		}
	}
	return out
}
