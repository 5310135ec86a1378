package exchange

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/perpsim/internal/chain"
	"github.com/betbot/perpsim/internal/domain"
	"github.com/betbot/perpsim/internal/events"
	"github.com/betbot/perpsim/internal/kernel"
	"github.com/betbot/perpsim/internal/oracle"
	"github.com/betbot/perpsim/internal/pending"
)

const (
	ethUSD     = domain.Symbol("ETH-USD")
	exchangeID = domain.AgentID(1)
	liqID      = domain.AgentID(4)
	traderID   = domain.AgentID(10)
	sec        = uint64(time.Second)
)

type fixture struct {
	agent   *Agent
	backend *chain.SimBackend
	cache   *oracle.PriceCache
	bus     *events.Bus
	sub     *events.Subscription
	now     uint64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{}

	f.cache = oracle.NewPriceCache(60 * sec)
	f.cache.Put(domain.OracleSample{
		Symbol:   ethUSD,
		PriceMin: domain.PriceFromDecimal(3000),
		PriceMid: domain.PriceFromDecimal(3000),
		PriceMax: domain.PriceFromDecimal(3000),
		PublishNS: 1,
	})

	specs := []domain.MarketSpec{{
		Symbol:             ethUSD,
		TokenDecimals:      18,
		MinTokens:          0.01,
		InitialLiquidity:   domain.USDFromDecimal(1_000_000),
		MaintenanceMarginF: decimal.RequireFromString("0.01"),
		ImpactCapBps:       500,
		ForceCloseFallback: true,
	}}

	book, err := chain.NewStaticBook([]domain.AgentID{exchangeID, liqID, traderID})
	require.NoError(t, err)

	f.backend = chain.NewSimBackend(chain.DefaultSimBackendConfig(), specs,
		func(domain.Symbol) (domain.Price, bool) {
			mid, err := f.cache.Mid(ethUSD, f.now)
			return mid, err == nil
		},
		func() uint64 { return f.now })
	client := chain.NewClient(chain.ClientConfig{Gas: chain.GasPolicy{BaseGas: 1000}}, book, f.backend)
	require.NoError(t, client.BootstrapDeposits(map[domain.AgentID]domain.USD{
		traderID: domain.USDFromDecimal(100_000),
	}))

	f.bus = events.NewBus(50 * time.Millisecond)
	f.sub = f.bus.Subscribe("test", 4096)
	f.agent = NewAgent(AgentConfig{
		ID:             exchangeID,
		LiquidationID:  liqID,
		Markets:        specs,
		TickIntervalMS: 100,
		BlockTimeMS:    3000,
	}, client, pending.NewBook(), f.bus)
	return f
}

// step 推进一次交易所 step
func (f *fixture) step(inbox ...kernel.Envelope) kernel.StepResult {
	return f.agent.Step(&kernel.Context{Now: f.now, Inbox: inbox})
}

func (f *fixture) intent(from domain.AgentID, o domain.Order) kernel.Envelope {
	return kernel.Envelope{From: from, To: exchangeID, Payload: kernel.OrderIntent{Order: o}}
}

// drainEvents 收集到目前为止发布的事件类型
func (f *fixture) drainEvents() []events.Type {
	var out []events.Type
	for {
		select {
		case ev := <-f.sub.C:
			out = append(out, ev.EventType())
		default:
			return out
		}
	}
}

func marketOrder(side domain.Side, action domain.OrderAction, size float64) domain.Order {
	return domain.Order{
		Symbol:     ethUSD,
		Side:       side,
		Kind:       domain.KindMarket,
		Action:     action,
		SizeTokens: size,
		Leverage:   2,
	}
}

func TestBelowMinSizeFailsBeforeChain(t *testing.T) {
	f := newFixture(t)
	res := f.step(f.intent(traderID, marketOrder(domain.SideLong, domain.ActionOpen, 0.001)))

	// 回报直接失败，且没有任何链上调用
	require.Len(t, res.Messages, 1)
	report := res.Messages[0].Payload.(kernel.ExecutionReport)
	assert.Equal(t, kernel.ReportFailed, report.Status)
	assert.Equal(t, domain.FailBelowMinSize, report.Reason)
	assert.Contains(t, f.drainEvents(), events.TypeOrderFailed)
}

func TestUnknownSymbolRejected(t *testing.T) {
	f := newFixture(t)
	o := marketOrder(domain.SideLong, domain.ActionOpen, 1)
	o.Symbol = "DOGE-USD"
	res := f.step(f.intent(traderID, o))
	require.Len(t, res.Messages, 1)
	assert.Equal(t, domain.FailUnknownSymbol, res.Messages[0].Payload.(kernel.ExecutionReport).Reason)
}

func TestLiquidationIntentOnlyFromLiquidator(t *testing.T) {
	f := newFixture(t)
	o := marketOrder(domain.SideLong, domain.ActionClose, 1)
	o.Kind = domain.KindLiquidation
	res := f.step(f.intent(traderID, o))
	require.Len(t, res.Messages, 1)
	assert.Equal(t, kernel.ReportFailed, res.Messages[0].Payload.(kernel.ExecutionReport).Status)
}

func TestTwoPhaseLifecycle(t *testing.T) {
	f := newFixture(t)

	// tick 0：意图 → Submit 确认（快速模式同步）
	res := f.step(f.intent(traderID, marketOrder(domain.SideLong, domain.ActionOpen, 1)))
	var submitted bool
	for _, m := range res.Messages {
		if r, ok := m.Payload.(kernel.ExecutionReport); ok && r.Status == kernel.ReportSubmitted {
			submitted = true
		}
	}
	assert.True(t, submitted)
	assert.Contains(t, f.drainEvents(), events.TypeOrderSubmitted)

	// 未到区块时间：不派发 Execute
	f.now += 1 * sec
	f.step()
	f.now += 1 * sec
	f.step()
	assert.NotContains(t, f.drainEvents(), events.TypeOrderExecuted)

	// 越过 block_time：Execute 派发，再下一 tick 消化回执
	f.now += 2 * sec
	f.step()
	f.now += 100 * uint64(time.Millisecond)
	res = f.step()

	var executed bool
	for _, m := range res.Messages {
		if r, ok := m.Payload.(kernel.ExecutionReport); ok && r.Status == kernel.ReportExecuted {
			executed = true
			// fill = 标记价 + 冲击，偏差不超过冲击上限
			assert.InDelta(t, domain.PriceFromDecimal(3000).ToDecimal(), r.Result.FillPrice.ToDecimal(), 3000*0.05)
		}
	}
	assert.True(t, executed)
	assert.Contains(t, f.drainEvents(), events.TypeOrderExecuted)

	// 镜像出现仓位
	pos, ok := f.agent.Position(traderID, ethUSD, domain.SideLong)
	require.True(t, ok)
	assert.True(t, pos.IsOpen())
}

func TestPendingOrderPlacedAndExpired(t *testing.T) {
	f := newFixture(t)

	o := marketOrder(domain.SideLong, domain.ActionOpen, 1)
	o.Kind = domain.KindLimit
	o.TriggerPrice = domain.PriceFromDecimal(2990)
	env := kernel.Envelope{From: traderID, To: exchangeID, Payload: kernel.OrderIntent{
		Order: o, ExpiresNS: 5 * sec,
	}}

	res := f.step(env)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, kernel.ReportSubmitted, res.Messages[0].Payload.(kernel.ExecutionReport).Status)
	assert.Equal(t, 1, f.agent.Book().Size())

	// 到期离簿并回报
	f.now = 6 * sec
	res = f.step()
	require.Len(t, res.Messages, 1)
	report := res.Messages[0].Payload.(kernel.ExecutionReport)
	assert.Equal(t, domain.FailExpired, report.Reason)
	assert.Zero(t, f.agent.Book().Size())
}

func TestShutdownFailsInflight(t *testing.T) {
	f := newFixture(t)
	f.step(f.intent(traderID, marketOrder(domain.SideLong, domain.ActionOpen, 1)))

	res := f.step(kernel.Envelope{From: exchangeID, To: exchangeID, Payload: kernel.Shutdown{}})
	var sawShutdownFail bool
	for _, m := range res.Messages {
		if r, ok := m.Payload.(kernel.ExecutionReport); ok && r.Reason == domain.FailShutdown {
			sawShutdownFail = true
		}
	}
	assert.True(t, sawShutdownFail, "在途意图应以 Shutdown 失败呈现")
}

func TestMarketSnapshotEachTick(t *testing.T) {
	f := newFixture(t)
	f.step()
	evs := f.drainEvents()
	assert.Contains(t, evs, events.TypeMarketSnapshot)
}
