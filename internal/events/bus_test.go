package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/perpsim/internal/domain"
)

func TestBusOrderedDelivery(t *testing.T) {
	bus := NewBus(50 * time.Millisecond)
	sub := bus.Subscribe("test", 16)

	for i := 0; i < 5; i++ {
		bus.Publish(OracleTick{TS: uint64(i), Sample: domain.OracleSample{Symbol: "ETH-USD"}})
	}
	bus.Close()

	var got []uint64
	for ev := range sub.C {
		got = append(got, ev.At())
	}
	require.Len(t, got, 5)
	for i, ts := range got {
		assert.Equal(t, uint64(i), ts)
	}
}

func TestBusDropsOnSlowSubscriber(t *testing.T) {
	bus := NewBus(5 * time.Millisecond)
	// buffer=1 且无人消费：从第二个事件起开始丢弃
	bus.Subscribe("slow", 1)

	bus.Publish(OracleTick{TS: 1})
	bus.Publish(OracleTick{TS: 2})
	bus.Publish(OracleTick{TS: 3})

	assert.Equal(t, int64(2), bus.Dropped())
}

func TestBusFanOut(t *testing.T) {
	bus := NewBus(50 * time.Millisecond)
	a := bus.Subscribe("a", 8)
	b := bus.Subscribe("b", 8)

	bus.Publish(MarketSnapshot{TS: 42, State: domain.MarketState{Symbol: "ETH-USD"}})
	bus.Close()

	eva, ok := <-a.C
	require.True(t, ok)
	evb, ok := <-b.C
	require.True(t, ok)
	assert.Equal(t, TypeMarketSnapshot, eva.EventType())
	assert.Equal(t, eva, evb)
}
