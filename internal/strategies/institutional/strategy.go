package institutional

import (
	"fmt"

	"github.com/betbot/perpsim/internal/kernel"
	"github.com/betbot/perpsim/internal/strategies"
	"github.com/betbot/perpsim/internal/strategies/hodler"
)

const ID = "institutional"

// maxLeverage 机构仓位的杠杆上限
const maxLeverage = 5

func init() {
	strategies.Register(ID, New)
}

// New 机构变体：与 hodler 同一决策函数，默认更大规模、更长持有、温和杠杆
func New(spawn strategies.Spawn, deps strategies.Deps) (kernel.Agent, error) {
	defaults := hodler.Config{
		SizeTokens:      10,
		Leverage:        3,
		HoldDurationSec: 7200,
		TakeProfitPct:   0.10,
		StopLossPct:     0.05,
		WakeIntervalMS:  10_000,
	}

	agent, err := hodler.New(spawn, deps, defaults)
	if err != nil {
		return nil, err
	}
	if s, ok := agent.(*hodler.Strategy); ok && s.Leverage > maxLeverage {
		return nil, fmt.Errorf("institutional 杠杆不得超过 %dx", maxLeverage)
	}
	return agent, nil
}
