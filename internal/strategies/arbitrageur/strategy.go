package arbitrageur

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/betbot/perpsim/internal/domain"
	"github.com/betbot/perpsim/internal/kernel"
	"github.com/betbot/perpsim/internal/strategies"
)

const ID = "arbitrageur"

var log = logrus.WithField("strategy", ID)

func init() {
	strategies.Register(ID, New)
}

// Config 套利配置
type Config struct {
	EnterBps       float64 `yaml:"enterBps" json:"enterBps"` // 开仓偏离阈值（bp）
	ExitBps        float64 `yaml:"exitBps" json:"exitBps"`   // 平仓收敛阈值（bp）
	SizeTokens     float64 `yaml:"sizeTokens" json:"sizeTokens"`
	Leverage       uint32  `yaml:"leverage" json:"leverage"`
	WakeIntervalMS uint64  `yaml:"wakeIntervalMs" json:"wakeIntervalMs"`
}

// Defaults 填默认值
func (c *Config) Defaults() {
	if c.EnterBps == 0 {
		c.EnterBps = 50
	}
	if c.ExitBps == 0 {
		c.ExitBps = 10
	}
	if c.SizeTokens == 0 {
		c.SizeTokens = 0.5
	}
	if c.Leverage == 0 {
		c.Leverage = 3
	}
	if c.WakeIntervalMS == 0 {
		c.WakeIntervalMS = 2000
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.ExitBps >= c.EnterBps {
		return fmt.Errorf("exitBps 必须小于 enterBps")
	}
	if c.SizeTokens <= 0 {
		return fmt.Errorf("sizeTokens 必须 > 0")
	}
	return nil
}

// phase 单 symbol 至多持一仓的状态机
type phase uint8

const (
	phaseFlat phase = iota
	phaseEntering
	phaseHolding
	phaseExiting
)

// Strategy 预言机/交易所价差套利：P_x 偏离 P_o 超过 enterBps 时在均值回归
// 获利方向开仓，收敛到 exitBps 内平仓。
type Strategy struct {
	strategies.Base
	Config

	phase phase
	side  domain.Side
}

// New 构建套利策略
func New(spawn strategies.Spawn, deps strategies.Deps) (kernel.Agent, error) {
	var cfg Config
	if err := strategies.DecodeOptions(spawn.Options, &cfg); err != nil {
		return nil, err
	}
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Strategy{
		Base:   strategies.NewBase(spawn, deps, cfg.WakeIntervalMS),
		Config: cfg,
	}, nil
}

// deviationBps (P_x − P_o)/P_o，单位 bp
func deviationBps(px, po domain.Price) float64 {
	if po <= 0 {
		return 0
	}
	return float64(px-po) / float64(po) * 10_000
}

// Step 决策函数
func (s *Strategy) Step(ctx *kernel.Context) kernel.StepResult {
	if strategies.SawShutdown(ctx.Inbox) {
		return kernel.StepResult{NextWakeDelta: s.IntervalNS()}
	}

	// 执行回报推进状态机
	for _, r := range strategies.Reports(ctx.Inbox) {
		switch r.Status {
		case kernel.ReportExecuted:
			if s.phase == phaseEntering {
				s.phase = phaseHolding
			} else if s.phase == phaseExiting {
				s.phase = phaseFlat
			}
		case kernel.ReportFailed:
			if s.phase == phaseEntering {
				s.phase = phaseFlat
			} else if s.phase == phaseExiting {
				s.phase = phaseHolding
			}
		}
	}

	oracleMid, ok := s.Mid(ctx.Now)
	if !ok {
		// 没有可用价格：本 tick 静默跳过
		return kernel.StepResult{NextWakeDelta: s.IntervalNS()}
	}
	market, ok := s.Market()
	if !ok || market.MarkPrice <= 0 {
		return kernel.StepResult{NextWakeDelta: s.IntervalNS()}
	}

	dev := deviationBps(market.MarkPrice, oracleMid)
	var out []kernel.Outgoing

	switch s.phase {
	case phaseFlat:
		if math.Abs(dev) > s.EnterBps {
			// 交易所价高于预言机 → 预期回落 → Short；反之 Long
			s.side = domain.SideShort
			if dev < 0 {
				s.side = domain.SideLong
			}
			s.phase = phaseEntering
			out = append(out, s.Intent(s.NewOrder(s.side, domain.KindMarket, domain.ActionOpen, s.SizeTokens, s.Leverage)))
			log.Debugf("%s 偏离 %.1fbp，开 %s", s.AgentName, dev, s.side)
		}
	case phaseHolding:
		if math.Abs(dev) < s.ExitBps {
			s.phase = phaseExiting
			out = append(out, s.Intent(s.NewOrder(s.side, domain.KindMarket, domain.ActionClose, s.SizeTokens, s.Leverage)))
			log.Debugf("%s 收敛 %.1fbp，平 %s", s.AgentName, dev, s.side)
		}
	}

	return kernel.StepResult{Messages: out, NextWakeDelta: s.IntervalNS()}
}
