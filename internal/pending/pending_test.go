package pending

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/perpsim/internal/domain"
)

func limitOrder(id string, side domain.Side, action domain.OrderAction, kind domain.OrderKind, trigger float64) domain.PendingOrder {
	return domain.PendingOrder{
		Order: domain.Order{
			ClientOrderID: id,
			Account:       3,
			Symbol:        "ETH-USD",
			Side:          side,
			Kind:          kind,
			Action:        action,
			SizeTokens:    1,
			TriggerPrice:  domain.PriceFromDecimal(trigger),
			Leverage:      2,
		},
		PlacedBy: 3,
	}
}

func flatSample(usd float64) domain.OracleSample {
	p := domain.PriceFromDecimal(usd)
	return domain.OracleSample{Symbol: "ETH-USD", PriceMin: p, PriceMid: p, PriceMax: p}
}

func TestTriggerTable(t *testing.T) {
	cases := []struct {
		name    string
		order   domain.PendingOrder
		price   float64
		trigger bool
	}{
		{"买入限价：价格跌至触发价", limitOrder("1", domain.SideLong, domain.ActionOpen, domain.KindLimit, 2990), 2989, true},
		{"买入限价：价格高于触发价", limitOrder("2", domain.SideLong, domain.ActionOpen, domain.KindLimit, 2990), 3000, false},
		{"卖出限价：价格升至触发价", limitOrder("3", domain.SideShort, domain.ActionOpen, domain.KindLimit, 3010), 3011, true},
		{"卖出限价：价格低于触发价", limitOrder("4", domain.SideShort, domain.ActionOpen, domain.KindLimit, 3010), 3000, false},
		{"买入突破 Stop：价格上穿", limitOrder("5", domain.SideLong, domain.ActionOpen, domain.KindStop, 3020), 3025, true},
		{"买入突破 Stop：未上穿", limitOrder("6", domain.SideLong, domain.ActionOpen, domain.KindStop, 3020), 3019, false},
		// 多头仓位的止损（Close → 实际卖出）：价格下穿触发
		{"多头止损：价格下穿", limitOrder("7", domain.SideLong, domain.ActionClose, domain.KindStopLoss, 2900), 2899, true},
		{"多头止损：未下穿", limitOrder("8", domain.SideLong, domain.ActionClose, domain.KindStopLoss, 2900), 2950, false},
		// 多头仓位的止盈（Close → 实际卖出）：价格上穿触发
		{"多头止盈：价格上穿", limitOrder("9", domain.SideLong, domain.ActionClose, domain.KindTakeProfit, 3100), 3101, true},
		{"多头止盈：未上穿", limitOrder("10", domain.SideLong, domain.ActionClose, domain.KindTakeProfit, 3100), 3000, false},
		// 空头仓位的止损（Close → 实际买入）：价格上穿触发
		{"空头止损：价格上穿", limitOrder("11", domain.SideShort, domain.ActionClose, domain.KindStopLoss, 3100), 3105, true},
		{"空头止盈：价格下穿", limitOrder("12", domain.SideShort, domain.ActionClose, domain.KindTakeProfit, 2900), 2895, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := flatSample(tc.price)
			assert.Equal(t, tc.trigger, Triggered(&tc.order, &s))
		})
	}
}

func TestTriggerIgnoresOtherSymbols(t *testing.T) {
	o := limitOrder("x", domain.SideLong, domain.ActionOpen, domain.KindLimit, 2990)
	s := flatSample(2000)
	s.Symbol = "BTC-USD"
	assert.False(t, Triggered(&o, &s))
}

func TestBookLifecycle(t *testing.T) {
	b := NewBook()
	require.NoError(t, b.Place(limitOrder("a", domain.SideLong, domain.ActionOpen, domain.KindLimit, 2990)))
	require.Error(t, b.Place(limitOrder("a", domain.SideLong, domain.ActionOpen, domain.KindLimit, 2990)), "重复 client_order_id")

	// 市价单不可驻留
	market := limitOrder("m", domain.SideLong, domain.ActionOpen, domain.KindMarket, 0)
	market.TriggerPrice = 0
	require.Error(t, b.Place(market))

	snap := b.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, domain.PendingArmed, snap[0].State)

	po, ok := b.MarkTriggered("a")
	require.True(t, ok)
	assert.Equal(t, domain.PendingTriggered, po.State)
	// Triggered 的挂单不再出现在 Armed 快照中
	assert.Empty(t, b.Snapshot())

	_, ok = b.MarkTriggered("a")
	assert.False(t, ok, "重复触发")

	assert.True(t, b.Remove("a"))
	assert.Zero(t, b.Size())
}

func TestBookCancelAndExpire(t *testing.T) {
	b := NewBook()
	require.NoError(t, b.Place(limitOrder("c1", domain.SideLong, domain.ActionOpen, domain.KindLimit, 2990)))

	exp := limitOrder("e1", domain.SideShort, domain.ActionOpen, domain.KindLimit, 3100)
	exp.ExpiresNS = 500
	require.NoError(t, b.Place(exp))

	po, ok := b.Cancel("c1")
	require.True(t, ok)
	assert.Equal(t, domain.PendingCancelled, po.State)

	expired := b.ExpireDue(1000)
	require.Len(t, expired, 1)
	assert.Equal(t, "e1", expired[0].ClientOrderID)
	assert.Equal(t, domain.PendingExpired, expired[0].State)
	assert.Zero(t, b.Size())
}

func TestBookByAccount(t *testing.T) {
	b := NewBook()
	require.NoError(t, b.Place(limitOrder("p1", domain.SideLong, domain.ActionOpen, domain.KindLimit, 2990)))
	other := limitOrder("p2", domain.SideLong, domain.ActionOpen, domain.KindLimit, 2990)
	other.Account = 5
	require.NoError(t, b.Place(other))

	got := b.ByAccount(3, "ETH-USD")
	require.Len(t, got, 1)
	assert.Equal(t, "p1", got[0].ClientOrderID)
}
