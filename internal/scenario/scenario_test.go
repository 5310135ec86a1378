package scenario

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
name: demo
seed: 42
durationSec: 60
markets:
  - symbol: ETH-USD
    tokenDecimals: 18
    minTokens: 0.01
    initialLiquidityUsd: 1000000
oracle:
  provider: synthetic
  basePrices:
    ETH-USD: 3000
agents:
  - name: mm-1
    strategy: market_maker
    symbol: ETH-USD
    initialCollateralUsd: 100000
    options:
      orderSizeTokens: 1
      leverage: 2
`

func TestParseValid(t *testing.T) {
	scn, err := Parse([]byte(validYAML), ".yaml")
	require.NoError(t, err)
	assert.Equal(t, "demo", scn.Name)
	assert.Equal(t, uint64(42), scn.Seed)
	assert.Equal(t, uint64(100), scn.TickMS, "默认 tick")
	assert.Equal(t, uint64(3000), scn.BlockTimeMS, "默认区块时间")
	require.Len(t, scn.Agents, 1)
	assert.NotNil(t, scn.Agents[0].Options)

	deposits := scn.InitialDeposits()
	assert.Len(t, deposits, 1)
	assert.Contains(t, deposits, StrategyAgentID(0))
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	bad := validYAML + "\nbogusKey: 1\n"
	_, err := Parse([]byte(bad), ".yaml")
	require.Error(t, err)
}

func TestParseRejectsMissingDuration(t *testing.T) {
	_, err := Parse([]byte(`
name: x
markets:
  - symbol: ETH-USD
oracle:
  provider: synthetic
  basePrices: {ETH-USD: 3000}
`), ".yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "durationSec")
}

func TestParseRejectsUnresolvableSymbol(t *testing.T) {
	_, err := Parse([]byte(`
name: x
durationSec: 10
markets:
  - symbol: ETH-USD
oracle:
  provider: synthetic
  basePrices: {ETH-USD: 3000}
agents:
  - name: a
    strategy: hodler
    symbol: BTC-USD
`), ".yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unresolvable symbol")
}

func TestParseRejectsMissingBasePrice(t *testing.T) {
	_, err := Parse([]byte(`
name: x
durationSec: 10
markets:
  - symbol: ETH-USD
  - symbol: BTC-USD
oracle:
  provider: synthetic
  basePrices: {ETH-USD: 3000}
`), ".yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BTC-USD")
}

func TestParseJSONWorks(t *testing.T) {
	scn, err := Parse([]byte(`{
  "name": "j",
  "durationSec": 5,
  "markets": [{"symbol": "ETH-USD"}],
  "oracle": {"provider": "synthetic", "basePrices": {"ETH-USD": 3000}}
}`), ".json")
	require.NoError(t, err)
	assert.Equal(t, "j", scn.Name)
}
