package fundingharvest

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpsim/internal/domain"
	"github.com/betbot/perpsim/internal/kernel"
	"github.com/betbot/perpsim/internal/strategies"
)

const ID = "funding_harvester"

var log = logrus.WithField("strategy", ID)

func init() {
	strategies.Register(ID, New)
}

// Config 资金费收割配置
type Config struct {
	EnterRateHour  string  `yaml:"enterRateHour" json:"enterRateHour"` // 开仓的小时费率阈值（小数字符串）
	ExitRateHour   string  `yaml:"exitRateHour" json:"exitRateHour"`   // 平仓的小时费率阈值
	MaxHoldSec     uint64  `yaml:"maxHoldSec" json:"maxHoldSec"`       // 最长持有（秒）
	SizeTokens     float64 `yaml:"sizeTokens" json:"sizeTokens"`
	Leverage       uint32  `yaml:"leverage" json:"leverage"`
	WakeIntervalMS uint64  `yaml:"wakeIntervalMs" json:"wakeIntervalMs"`

	enterRate decimal.Decimal
	exitRate  decimal.Decimal
}

// Defaults 填默认值
func (c *Config) Defaults() {
	if c.EnterRateHour == "" {
		c.EnterRateHour = "0.00005"
	}
	if c.ExitRateHour == "" {
		c.ExitRateHour = "0.00001"
	}
	if c.MaxHoldSec == 0 {
		c.MaxHoldSec = 3600
	}
	if c.SizeTokens == 0 {
		c.SizeTokens = 0.5
	}
	if c.Leverage == 0 {
		c.Leverage = 2
	}
	if c.WakeIntervalMS == 0 {
		c.WakeIntervalMS = 5000
	}
}

// Validate 校验并解析费率
func (c *Config) Validate() error {
	var err error
	if c.enterRate, err = decimal.NewFromString(c.EnterRateHour); err != nil {
		return fmt.Errorf("enterRateHour: %w", err)
	}
	if c.exitRate, err = decimal.NewFromString(c.ExitRateHour); err != nil {
		return fmt.Errorf("exitRateHour: %w", err)
	}
	if !c.exitRate.LessThan(c.enterRate) {
		return fmt.Errorf("exitRateHour 必须小于 enterRateHour")
	}
	if c.SizeTokens <= 0 {
		return fmt.Errorf("sizeTokens 必须 > 0")
	}
	return nil
}

// Strategy 资金费收割：费率超过 enterRate 时站在收取方（多付空时做空），
// 费率回落到 exitRate 以下或持有超时即平仓。
type Strategy struct {
	strategies.Base
	Config

	holding  bool
	inflight bool
	side     domain.Side
	openedNS uint64
}

// New 构建资金费收割策略
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

// Step 决策函数
func (s *Strategy) Step(ctx *kernel.Context) kernel.StepResult {
	if strategies.SawShutdown(ctx.Inbox) {
		return kernel.StepResult{NextWakeDelta: s.IntervalNS()}
	}

	for _, r := range strategies.Reports(ctx.Inbox) {
		if r.Status == kernel.ReportSubmitted {
			continue
		}
		s.inflight = false
		if r.Status == kernel.ReportExecuted {
			if r.Order.Action == domain.ActionOpen {
				s.holding = true
				s.openedNS = ctx.Now
			} else {
				s.holding = false
			}
		}
	}

	if s.inflight {
		return kernel.StepResult{NextWakeDelta: s.IntervalNS()}
	}

	market, ok := s.Market()
	if !ok {
		return kernel.StepResult{NextWakeDelta: s.IntervalNS()}
	}
	rate := market.FundingRatePerHour

	var out []kernel.Outgoing
	if !s.holding {
		if rate.Abs().GreaterThan(s.enterRate) {
			// rate > 0：多付空 → 做空收费；rate < 0 反之
			s.side = domain.SideShort
			if rate.IsNegative() {
				s.side = domain.SideLong
			}
			s.inflight = true
			out = append(out, s.Intent(s.NewOrder(s.side, domain.KindMarket, domain.ActionOpen, s.SizeTokens, s.Leverage)))
			log.Debugf("%s 费率 %s/h，开 %s 收费", s.AgentName, rate, s.side)
		}
	} else {
		holdExpired := ctx.Now-s.openedNS >= s.MaxHoldSec*uint64(time.Second)
		rateGone := rate.Abs().LessThan(s.exitRate)
		// 费率翻向对自己不利时同样离场
		adverse := (s.side == domain.SideShort && rate.IsNegative()) ||
			(s.side == domain.SideLong && rate.IsPositive())
		if holdExpired || rateGone || adverse {
			s.inflight = true
			out = append(out, s.Intent(s.NewOrder(s.side, domain.KindMarket, domain.ActionClose, s.SizeTokens, s.Leverage)))
		}
	}

	return kernel.StepResult{Messages: out, NextWakeDelta: s.IntervalNS()}
}
