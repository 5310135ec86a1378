package sim

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/perpsim/internal/domain"
	"github.com/betbot/perpsim/internal/events"
	"github.com/betbot/perpsim/internal/kernel"
	"github.com/betbot/perpsim/internal/oracle"
	"github.com/betbot/perpsim/internal/scenario"

	_ "github.com/betbot/perpsim/internal/strategies/all"
)

const sec = uint64(time.Second)

func flat(usd float64) domain.OracleSample {
	p := domain.PriceFromDecimal(usd)
	return domain.OracleSample{Symbol: "ETH-USD", PriceMin: p, PriceMid: p, PriceMax: p}
}

func baseScenario(t *testing.T, durationSec uint64, agentsYAML string) *scenario.Scenario {
	t.Helper()
	doc := `
name: test
seed: 7
durationSec: ` + itoa(durationSec) + `
tickMs: 100
blockTimeMs: 3000
oracle:
  provider: replay
  wakeIntervalMs: 1000
  cacheDurationMs: 30000
chain:
  backend: embedded
markets:
  - symbol: ETH-USD
    tokenDecimals: 18
    minTokens: 0.01
    initialLiquidityUsd: 10000000
    maintenanceMarginF: "0.01"
    impactCapBps: 500
    forceCloseFallback: true
keeper:
  enabled: true
  wakeIntervalMs: 1000
liquidation:
  enabled: true
  wakeIntervalMs: 1000
  mmf: "0.01"
agents:
` + agentsYAML
	scn, err := scenario.Parse([]byte(doc), ".yaml")
	require.NoError(t, err)
	return scn
}

func itoa(v uint64) string {
	return strconv.FormatUint(v, 10)
}

// runScenario 跑完场景并返回完整事件序列
func runScenario(t *testing.T, scn *scenario.Scenario, provider oracle.Provider) []events.Event {
	t.Helper()
	eng, err := Build(scn, Options{Provider: provider, DisableCSV: true, DisableGateway: true})
	require.NoError(t, err)

	sub := eng.Events.Subscribe("collector", 1<<16)
	require.NoError(t, eng.Run(context.Background()))

	var out []events.Event
	for ev := range sub.C {
		out = append(out, ev)
	}
	return out
}

func countBy(evs []events.Event, typ events.Type, pred func(events.Event) bool) int {
	n := 0
	for _, ev := range evs {
		if ev.EventType() != typ {
			continue
		}
		if pred == nil || pred(ev) {
			n++
		}
	}
	return n
}

func TestMarketMakerSeedsBothSides(t *testing.T) {
	scn := baseScenario(t, 15, `
  - name: mm-1
    strategy: market_maker
    symbol: ETH-USD
    initialCollateralUsd: 1000000
    options:
      orderSizeTokens: 1
      leverage: 2
`)
	provider := oracle.NewReplayProvider([]oracle.TracePoint{{AtNS: 1, Sample: flat(3000)}})
	evs := runScenario(t, scn, provider)

	// 两张种子单（Long+Short）提交并成交
	submits := countBy(evs, events.TypeOrderSubmitted, func(ev events.Event) bool {
		e := ev.(events.OrderSubmitted)
		return e.Order.Action == domain.ActionOpen
	})
	assert.Equal(t, 2, submits, "启动种子恰好两张")

	longExec, shortExec := 0, 0
	for _, ev := range evs {
		if e, ok := ev.(events.OrderExecuted); ok {
			if e.Order.Side == domain.SideLong {
				longExec++
			} else {
				shortExec++
			}
		}
	}
	assert.Equal(t, 1, longExec)
	assert.Equal(t, 1, shortExec)

	// 确认后双边 OI 相等（同一标记价）
	var last *events.MarketSnapshot
	for _, ev := range evs {
		if e, ok := ev.(events.MarketSnapshot); ok {
			snapshot := e
			last = &snapshot
		}
	}
	require.NotNil(t, last)
	assert.InDelta(t, float64(last.State.OILongUSD), float64(last.State.OIShortUSD),
		float64(domain.USDFromDecimal(10)))
}

func TestArbitrageurEntersAndExits(t *testing.T) {
	scn := baseScenario(t, 30, `
  - name: arb-1
    strategy: arbitrageur
    symbol: ETH-USD
    initialCollateralUsd: 100000
    options:
      enterBps: 50
      exitBps: 10
      sizeTokens: 0.5
      wakeIntervalMs: 6000
`)
	// t=12s 预言机跳到 3050，交易所镜像在同 tick 还停在 3000
	provider := oracle.NewReplayProvider([]oracle.TracePoint{
		{AtNS: 1, Sample: flat(3000)},
		{AtNS: 12 * sec, Sample: flat(3050)},
	})
	evs := runScenario(t, scn, provider)

	opens := countBy(evs, events.TypeOrderExecuted, func(ev events.Event) bool {
		e := ev.(events.OrderExecuted)
		return e.Order.Action == domain.ActionOpen
	})
	closes := countBy(evs, events.TypeOrderExecuted, func(ev events.Event) bool {
		e := ev.(events.OrderExecuted)
		return e.Order.Action == domain.ActionClose
	})
	assert.Equal(t, 1, opens, "恰好一次开仓")
	assert.Equal(t, 1, closes, "恰好一次平仓")

	// 交易所价低于预言机 → 做多吃回归
	for _, ev := range evs {
		if e, ok := ev.(events.OrderExecuted); ok && e.Order.Action == domain.ActionOpen {
			assert.Equal(t, domain.SideLong, e.Order.Side)
		}
	}
}

func TestLiquidationCascade(t *testing.T) {
	scn := baseScenario(t, 30, `
  - name: hodler-1
    strategy: hodler
    symbol: ETH-USD
    initialCollateralUsd: 400
    options:
      side: long
      sizeTokens: 1
      leverage: 10
      holdDurationSec: 3600
      takeProfitPct: 0.9
      stopLossPct: 0.9
`)
	// 开仓 @3000 后 4 个 tick 内下跌 12%
	provider := oracle.NewReplayProvider([]oracle.TracePoint{
		{AtNS: 1, Sample: flat(3000)},
		{AtNS: 10 * sec, Sample: flat(2910)},
		{AtNS: 11 * sec, Sample: flat(2820)},
		{AtNS: 12 * sec, Sample: flat(2730)},
		{AtNS: 13 * sec, Sample: flat(2640)},
	})
	evs := runScenario(t, scn, provider)

	liqs := countBy(evs, events.TypePositionLiquidated, nil)
	require.Equal(t, 1, liqs, "恰好一次强平")

	for _, ev := range evs {
		if e, ok := ev.(events.PositionLiquidated); ok {
			// collateral_lost = collateral（10x @3000，1 token → 保证金 300）
			assert.InDelta(t, 300.0, e.CollateralLost.ToDecimal(), 5.0)
			assert.Negative(t, int64(e.PnL))
		}
	}
}

func TestKeeperFiresRestingLimit(t *testing.T) {
	scn := baseScenario(t, 20, "  []")
	scn.Agents = nil

	provider := oracle.NewReplayProvider([]oracle.TracePoint{
		{AtNS: 1, Sample: flat(3000)},
		{AtNS: 5 * sec, Sample: flat(2989)},
	})
	eng, err := Build(scn, Options{Provider: provider, DisableCSV: true, DisableGateway: true})
	require.NoError(t, err)

	// human 账户注入一张 Limit Long @2990
	limit := domain.Order{
		Account:      scenario.HumanAgentID,
		Symbol:       "ETH-USD",
		Side:         domain.SideLong,
		Kind:         domain.KindLimit,
		Action:       domain.ActionOpen,
		SizeTokens:   1,
		TriggerPrice: domain.PriceFromDecimal(2990),
		Leverage:     2,
	}
	eng.Kernel.Inject(scenario.HumanAgentID, scenario.ExchangeAgentID, kernel.OrderIntent{Order: limit})
	// 入金走链路之外直接注入（human 不在场景 agents 中）
	require.NoError(t, eng.Client.BootstrapDeposits(map[domain.AgentID]domain.USD{
		scenario.HumanAgentID: domain.USDFromDecimal(10_000),
	}))

	sub := eng.Events.Subscribe("collector", 1<<16)
	require.NoError(t, eng.Run(context.Background()))

	var evs []events.Event
	for ev := range sub.C {
		evs = append(evs, ev)
	}

	executed := countBy(evs, events.TypeOrderExecuted, func(ev events.Event) bool {
		e := ev.(events.OrderExecuted)
		return e.Order.Account == scenario.HumanAgentID && e.Order.Kind == domain.KindMarket
	})
	assert.Equal(t, 1, executed, "keeper 应把触发挂单转为市价并成交一次")
	assert.Zero(t, eng.Exchange.Book().Size(), "成交后挂单离簿")
}

func TestDeterministicReplay(t *testing.T) {
	mk := func() *scenario.Scenario {
		return baseScenario(t, 20, `
  - name: mm-1
    strategy: market_maker
    symbol: ETH-USD
    initialCollateralUsd: 1000000
    options:
      orderSizeTokens: 1
      leverage: 2
  - name: hodler-1
    strategy: hodler
    symbol: ETH-USD
    initialCollateralUsd: 10000
    startDelayMs: 2000
    options:
      sizeTokens: 0.5
      leverage: 3
      holdDurationSec: 8
`)
	}
	trace := func() *oracle.ReplayProvider {
		return oracle.NewReplayProvider([]oracle.TracePoint{
			{AtNS: 1, Sample: flat(3000)},
			{AtNS: 5 * sec, Sample: flat(3015)},
			{AtNS: 10 * sec, Sample: flat(2985)},
			{AtNS: 15 * sec, Sample: flat(3005)},
		})
	}

	run1 := runScenario(t, mk(), trace())
	run2 := runScenario(t, mk(), trace())

	j1, err := json.Marshal(run1)
	require.NoError(t, err)
	j2, err := json.Marshal(run2)
	require.NoError(t, err)
	assert.Equal(t, string(j1), string(j2), "同种子同轨迹必须产出字节一致的事件序列")
}

func TestSkipDepositsMakesNoChainCalls(t *testing.T) {
	scn := baseScenario(t, 2, `
  - name: hodler-1
    strategy: hodler
    symbol: ETH-USD
    initialCollateralUsd: 10000
    startDelayMs: 60000
`)
	provider := oracle.NewReplayProvider([]oracle.TracePoint{{AtNS: 1, Sample: flat(3000)}})

	eng, err := Build(scn, Options{Provider: provider, DisableCSV: true, DisableGateway: true, SkipDeposits: true})
	require.NoError(t, err)

	sub := eng.Events.Subscribe("collector", 1<<14)
	require.NoError(t, eng.Run(context.Background()))
	var submits int
	for ev := range sub.C {
		if ev.EventType() == events.TypeOrderSubmitted {
			submits++
		}
	}

	// skip_deposits + startDelay 超过 duration：全程没有任何链上写入
	assert.Zero(t, submits)
	assert.Zero(t, eng.Exchange.Book().Size())
}
