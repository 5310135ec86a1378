package pending

import (
	"github.com/betbot/perpsim/internal/domain"
)

// Triggered 判定挂单的触发条件是否成立。
// 样本的 max 作为卖方报价（ask）、min 作为买方报价（bid）。
// 订单的 Side 始终指仓位方向；Close/Decrease 的实际成交方向相反，
// 因此按有效交易方向查表：
//
//	买入 Limit：ask ≤ trigger    卖出 Limit：bid ≥ trigger
//	买入 Stop/SL：ask ≥ trigger  卖出 Stop/SL：bid ≤ trigger
//	TP 与 SL 镜像对称
func Triggered(o *domain.PendingOrder, s *domain.OracleSample) bool {
	if !o.Kind.NeedsTrigger() || o.TriggerPrice <= 0 || o.Symbol != s.Symbol {
		return false
	}

	ask := s.PriceMax
	bid := s.PriceMin

	buys := o.Side == domain.SideLong
	if !o.Action.IsIncrease() {
		buys = !buys
	}

	switch o.Kind {
	case domain.KindLimit:
		if buys {
			return ask <= o.TriggerPrice
		}
		return bid >= o.TriggerPrice

	case domain.KindStop, domain.KindStopLoss:
		if buys {
			return ask >= o.TriggerPrice
		}
		return bid <= o.TriggerPrice

	case domain.KindTakeProfit:
		if buys {
			return ask <= o.TriggerPrice
		}
		return bid >= o.TriggerPrice
	}
	return false
}
