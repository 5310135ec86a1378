package hodler

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/perpsim/internal/domain"
	"github.com/betbot/perpsim/internal/kernel"
	"github.com/betbot/perpsim/internal/strategies"
)

const ID = "hodler"

var log = logrus.WithField("strategy", ID)

func init() {
	strategies.Register(ID, func(spawn strategies.Spawn, deps strategies.Deps) (kernel.Agent, error) {
		return New(spawn, deps, Config{})
	})
}

// Config 趋势持有配置
type Config struct {
	Side            string  `yaml:"side" json:"side"` // long / short
	SizeTokens      float64 `yaml:"sizeTokens" json:"sizeTokens"`
	Leverage        uint32  `yaml:"leverage" json:"leverage"`
	HoldDurationSec uint64  `yaml:"holdDurationSec" json:"holdDurationSec"`
	TakeProfitPct   float64 `yaml:"takeProfitPct" json:"takeProfitPct"` // entry×(1+pct) 止盈
	StopLossPct     float64 `yaml:"stopLossPct" json:"stopLossPct"`     // entry×(1−pct) 止损
	WakeIntervalMS  uint64  `yaml:"wakeIntervalMs" json:"wakeIntervalMs"`
}

// Defaults 填默认值
func (c *Config) Defaults() {
	if c.Side == "" {
		c.Side = "long"
	}
	if c.SizeTokens == 0 {
		c.SizeTokens = 1
	}
	if c.Leverage == 0 {
		c.Leverage = 2
	}
	if c.HoldDurationSec == 0 {
		c.HoldDurationSec = 600
	}
	if c.TakeProfitPct == 0 {
		c.TakeProfitPct = 0.05
	}
	if c.StopLossPct == 0 {
		c.StopLossPct = 0.03
	}
	if c.WakeIntervalMS == 0 {
		c.WakeIntervalMS = 2000
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Side != "long" && c.Side != "short" {
		return fmt.Errorf("side 必须是 long 或 short")
	}
	if c.SizeTokens <= 0 {
		return fmt.Errorf("sizeTokens 必须 > 0")
	}
	if c.TakeProfitPct < 0 || c.StopLossPct < 0 {
		return fmt.Errorf("止盈/止损百分比不能为负")
	}
	return nil
}

// hodlPhase 多 tick 计划的状态机（Waiting → Holding → Closing）
type hodlPhase uint8

const (
	phaseWaiting hodlPhase = iota
	phaseOpening
	phaseHolding
	phaseClosing
	phaseDone
)

// Strategy 方向性持有：start_delay 后开仓一次，
// opened_at + hold_duration 到期或 TP/SL 命中即平仓。
type Strategy struct {
	strategies.Base
	Config

	phase      hodlPhase
	side       domain.Side
	entryPrice domain.Price
	openedNS   uint64
}

// New 构建持有策略；overrides 用于 institutional 变体覆盖默认值
func New(spawn strategies.Spawn, deps strategies.Deps, overrides Config) (kernel.Agent, error) {
	cfg := overrides
	if err := strategies.DecodeOptions(spawn.Options, &cfg); err != nil {
		return nil, err
	}
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	side := domain.SideLong
	if cfg.Side == "short" {
		side = domain.SideShort
	}
	return &Strategy{
		Base:   strategies.NewBase(spawn, deps, cfg.WakeIntervalMS),
		Config: cfg,
		side:   side,
	}, nil
}

// shouldClose TP/SL 判定：entry×(1±pct)
func (s *Strategy) shouldClose(mid domain.Price) bool {
	if s.entryPrice <= 0 {
		return false
	}
	tp := domain.Price(float64(s.entryPrice) * (1 + s.TakeProfitPct))
	sl := domain.Price(float64(s.entryPrice) * (1 - s.StopLossPct))
	if s.side == domain.SideShort {
		tp = domain.Price(float64(s.entryPrice) * (1 - s.TakeProfitPct))
		sl = domain.Price(float64(s.entryPrice) * (1 + s.StopLossPct))
		return mid <= tp || mid >= sl
	}
	return mid >= tp || mid <= sl
}

// Step 决策函数
func (s *Strategy) Step(ctx *kernel.Context) kernel.StepResult {
	if strategies.SawShutdown(ctx.Inbox) {
		return kernel.StepResult{NextWakeDelta: s.IntervalNS()}
	}

	for _, r := range strategies.Reports(ctx.Inbox) {
		switch r.Status {
		case kernel.ReportExecuted:
			if s.phase == phaseOpening {
				s.phase = phaseHolding
				s.entryPrice = r.Result.FillPrice
				s.openedNS = ctx.Now
				log.Debugf("%s 开仓成交 @%s", s.AgentName, r.Result.FillPrice)
			} else if s.phase == phaseClosing {
				s.phase = phaseDone
				log.Debugf("%s 平仓成交 pnl=%s", s.AgentName, r.Result.PnL)
			}
			if r.Result.Liquidated {
				s.phase = phaseDone
			}
		case kernel.ReportFailed:
			if s.phase == phaseOpening {
				s.phase = phaseDone // 开仓失败不再重试
			} else if s.phase == phaseClosing {
				s.phase = phaseHolding
			}
		}
	}

	var out []kernel.Outgoing
	switch s.phase {
	case phaseWaiting:
		// 首次唤醒（= start_delay 到期）开仓
		s.phase = phaseOpening
		out = append(out, s.Intent(s.NewOrder(s.side, domain.KindMarket, domain.ActionOpen, s.SizeTokens, s.Leverage)))

	case phaseHolding:
		expired := ctx.Now-s.openedNS >= s.HoldDurationSec*uint64(time.Second)
		hit := false
		if mid, ok := s.Mid(ctx.Now); ok {
			hit = s.shouldClose(mid)
		}
		if expired || hit {
			s.phase = phaseClosing
			out = append(out, s.Intent(s.NewOrder(s.side, domain.KindMarket, domain.ActionClose, s.SizeTokens, s.Leverage)))
		}
	}

	return kernel.StepResult{Messages: out, NextWakeDelta: s.IntervalNS()}
}
