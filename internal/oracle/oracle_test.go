package oracle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/perpsim/internal/domain"
	"github.com/betbot/perpsim/internal/events"
	"github.com/betbot/perpsim/internal/kernel"
)

const sec = uint64(time.Second)

func TestPriceCacheTTL(t *testing.T) {
	c := NewPriceCache(5 * sec)
	s := domain.OracleSample{Symbol: "ETH-USD", PriceMin: 100, PriceMid: 100, PriceMax: 100, PublishNS: 1, ReceivedNS: 10 * sec}
	require.True(t, c.Put(s))

	got, err := c.Get("ETH-USD", 15*sec)
	require.NoError(t, err)
	assert.Equal(t, domain.Price(100), got.Mid())

	_, err = c.Get("ETH-USD", 15*sec+1)
	assert.ErrorIs(t, err, ErrStalePrice)

	_, err = c.Get("BTC-USD", 10*sec)
	assert.ErrorIs(t, err, ErrStalePrice)
}

func TestPriceCacheDropsOutOfOrder(t *testing.T) {
	c := NewPriceCache(60 * sec)
	require.True(t, c.Put(domain.OracleSample{Symbol: "ETH-USD", PublishNS: 100, PriceMid: 1}))
	assert.False(t, c.Put(domain.OracleSample{Symbol: "ETH-USD", PublishNS: 100, PriceMid: 2}))
	assert.False(t, c.Put(domain.OracleSample{Symbol: "ETH-USD", PublishNS: 99, PriceMid: 3}))
	assert.True(t, c.Put(domain.OracleSample{Symbol: "ETH-USD", PublishNS: 101, PriceMid: 4}))
}

func TestSyntheticProviderDeterministic(t *testing.T) {
	base := map[domain.Symbol]domain.Price{"ETH-USD": domain.PriceFromDecimal(3000)}
	p1 := NewSyntheticProvider(7, base)
	p2 := NewSyntheticProvider(7, base)

	for i := 0; i < 10; i++ {
		s1, err1 := p1.Fetch(context.Background(), uint64(i)*sec, []domain.Symbol{"ETH-USD"})
		s2, err2 := p2.Fetch(context.Background(), uint64(i)*sec, []domain.Symbol{"ETH-USD"})
		require.NoError(t, err1)
		require.NoError(t, err2)
		assert.Equal(t, s1, s2, "同种子同序列必须产出相同样本")
		require.NoError(t, s1[0].Validate())
	}
}

func TestReplayProviderReturnsLatestAtOrBefore(t *testing.T) {
	p := NewReplayProvider([]TracePoint{
		{AtNS: 1 * sec, Sample: sample("ETH-USD", 3000)},
		{AtNS: 2 * sec, Sample: sample("ETH-USD", 3050)},
	})

	got, err := p.Fetch(context.Background(), 1*sec+500, []domain.Symbol{"ETH-USD"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.PriceFromDecimal(3000), got[0].Mid())

	got, err = p.Fetch(context.Background(), 3*sec, []domain.Symbol{"ETH-USD"})
	require.NoError(t, err)
	assert.Equal(t, domain.PriceFromDecimal(3050), got[0].Mid())

	got, err = p.Fetch(context.Background(), 0, []domain.Symbol{"ETH-USD"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestOracleAgentPublishesTicksAndDegrades(t *testing.T) {
	bus := events.NewBus(50 * time.Millisecond)
	sub := bus.Subscribe("test", 64)
	cache := NewPriceCache(60 * sec)

	provider := NewReplayProvider([]TracePoint{
		{AtNS: 0, Sample: sample("ETH-USD", 3000)},
	})
	provider.FailuresBefore = 3

	agent := NewAgent(AgentConfig{ID: 2, Symbols: []domain.Symbol{"ETH-USD"}, WakeIntervalMS: 1000}, provider, cache, bus)

	// 前三次失败：不更新缓存、不发 tick、第三次发出降级诊断
	for i := 0; i < 3; i++ {
		agent.Step(&kernel.Context{Now: uint64(i) * sec})
	}
	_, err := cache.Get("ETH-USD", 2*sec)
	assert.ErrorIs(t, err, ErrStalePrice)

	// 第四次成功
	res := agent.Step(&kernel.Context{Now: 3 * sec})
	assert.Equal(t, uint64(time.Second), res.NextWakeDelta)
	got, err := cache.Get("ETH-USD", 3*sec)
	require.NoError(t, err)
	assert.Equal(t, domain.PriceFromDecimal(3000), got.Mid())

	bus.Close()
	var types []events.Type
	for ev := range sub.C {
		types = append(types, ev.EventType())
	}
	assert.Equal(t, []events.Type{events.TypeOracleDegraded, events.TypeOracleTick}, types)
}

func TestScaleToMicro(t *testing.T) {
	// Pyth 典型 expo=-8：300000000000 × 10^-8 = 3000 USD = 3e9 micro
	assert.Equal(t, domain.Price(3_000_000_000), scaleToMicro(300_000_000_000, -8))
	assert.Equal(t, domain.Price(5_000_000), scaleToMicro(5, 0))
}

func sample(sym domain.Symbol, usd float64) domain.OracleSample {
	p := domain.PriceFromDecimal(usd)
	return domain.OracleSample{Symbol: sym, PriceMin: p, PriceMid: p, PriceMax: p}
}
