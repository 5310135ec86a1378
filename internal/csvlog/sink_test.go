package csvlog

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/perpsim/internal/domain"
	"github.com/betbot/perpsim/internal/events"
)

func TestSinkWritesArtifacts(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewSink(dir)
	require.NoError(t, err)

	bus := events.NewBus(50 * time.Millisecond)
	sink.Run(bus.Subscribe("csv", 64))

	sample := domain.OracleSample{
		Symbol:   "ETH-USD",
		PriceMin: domain.PriceFromDecimal(2999),
		PriceMid: domain.PriceFromDecimal(3000),
		PriceMax: domain.PriceFromDecimal(3001),
	}
	order := domain.Order{
		ClientOrderID: "c1", Account: 10, Symbol: "ETH-USD",
		Side: domain.SideLong, Kind: domain.KindMarket, Action: domain.ActionOpen,
		SizeTokens: 1, Leverage: 2,
	}

	bus.Publish(events.OracleTick{TS: 1, Sample: sample})
	bus.Publish(events.OrderSubmitted{TS: 2, Order: order, OrderID: 7})
	bus.Publish(events.OrderExecuted{TS: 3, Order: order, Result: domain.ExecutionResult{
		OrderID: 7, FillPrice: domain.PriceFromDecimal(3001), FilledTokens: 1,
	}})
	bus.Close()
	sink.Close()

	// 表头 + 数据行，列序固定
	rows := readCSV(t, filepath.Join(dir, "oracle.csv"))
	require.Len(t, rows, 2)
	assert.Equal(t, headers["oracle.csv"], rows[0])
	assert.Equal(t, "ETH-USD", rows[1][1])

	rows = readCSV(t, filepath.Join(dir, "orders.csv"))
	require.Len(t, rows, 2)
	assert.Equal(t, "submitted", rows[1][1])
	assert.Equal(t, "c1", rows[1][2])

	rows = readCSV(t, filepath.Join(dir, "executions.csv"))
	require.Len(t, rows, 2)
	assert.Equal(t, "7", rows[1][6])
}

func TestSinkAppendsWithoutRewritingHeader(t *testing.T) {
	dir := t.TempDir()

	writeOne := func() {
		sink, err := NewSink(dir)
		require.NoError(t, err)
		bus := events.NewBus(50 * time.Millisecond)
		sink.Run(bus.Subscribe("csv", 8))
		bus.Publish(events.OracleTick{TS: 1, Sample: domain.OracleSample{Symbol: "ETH-USD"}})
		bus.Close()
		sink.Close()
	}
	writeOne()
	writeOne()

	rows := readCSV(t, filepath.Join(dir, "oracle.csv"))
	assert.Len(t, rows, 3, "追加写，不重写表头")
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}
