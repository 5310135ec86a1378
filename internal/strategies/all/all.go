// Package all 汇总导入全部策略，触发各自 init() 注册。
// 场景装配方只需空导入本包。
package all

import (
	_ "github.com/betbot/perpsim/internal/strategies/arbitrageur"
	_ "github.com/betbot/perpsim/internal/strategies/breakout"
	_ "github.com/betbot/perpsim/internal/strategies/fundingharvest"
	_ "github.com/betbot/perpsim/internal/strategies/grid"
	_ "github.com/betbot/perpsim/internal/strategies/hodler"
	_ "github.com/betbot/perpsim/internal/strategies/institutional"
	_ "github.com/betbot/perpsim/internal/strategies/marketmaker"
	_ "github.com/betbot/perpsim/internal/strategies/meanrevert"
	_ "github.com/betbot/perpsim/internal/strategies/smart"
)
