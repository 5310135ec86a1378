package smart

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/betbot/perpsim/internal/domain"
	"github.com/betbot/perpsim/internal/kernel"
	"github.com/betbot/perpsim/internal/strategies"
)

const ID = "smart"

var log = logrus.WithField("strategy", ID)

func init() {
	strategies.Register(ID, New)
}

// Config 指标组合配置
type Config struct {
	SMAPeriod      int     `yaml:"smaPeriod" json:"smaPeriod"` // SMA 周期（默认 20）
	RSIPeriod      int     `yaml:"rsiPeriod" json:"rsiPeriod"` // RSI 周期（默认 14）
	RSIOversold    float64 `yaml:"rsiOversold" json:"rsiOversold"`
	RSIOverbought  float64 `yaml:"rsiOverbought" json:"rsiOverbought"`
	ATRPeriod      int     `yaml:"atrPeriod" json:"atrPeriod"`
	RiskUSD        float64 `yaml:"riskUsd" json:"riskUsd"` // 单笔风险预算，ATR 定仓
	MaxSizeTokens  float64 `yaml:"maxSizeTokens" json:"maxSizeTokens"`
	Leverage       uint32  `yaml:"leverage" json:"leverage"`
	WakeIntervalMS uint64  `yaml:"wakeIntervalMs" json:"wakeIntervalMs"`
}

// Defaults 填默认值
func (c *Config) Defaults() {
	if c.SMAPeriod == 0 {
		c.SMAPeriod = 20
	}
	if c.RSIPeriod == 0 {
		c.RSIPeriod = 14
	}
	if c.RSIOversold == 0 {
		c.RSIOversold = 30
	}
	if c.RSIOverbought == 0 {
		c.RSIOverbought = 70
	}
	if c.ATRPeriod == 0 {
		c.ATRPeriod = 14
	}
	if c.RiskUSD == 0 {
		c.RiskUSD = 50
	}
	if c.MaxSizeTokens == 0 {
		c.MaxSizeTokens = 2
	}
	if c.Leverage == 0 {
		c.Leverage = 3
	}
	if c.WakeIntervalMS == 0 {
		c.WakeIntervalMS = 3000
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.SMAPeriod < 2 || c.RSIPeriod < 2 || c.ATRPeriod < 1 {
		return fmt.Errorf("指标周期过短")
	}
	if c.RSIOversold >= c.RSIOverbought {
		return fmt.Errorf("rsiOversold 必须小于 rsiOverbought")
	}
	return nil
}

// Strategy SMA 金叉/死叉 + RSI 闸门 + ATR 定仓。
// 金叉且 RSI 超卖开多；死叉且 RSI 超买开空；反向交叉离场。
type Strategy struct {
	strategies.Base
	Config

	mids    []domain.Price
	holding bool
	side    domain.Side
	pending bool
	size    float64
}

// New 构建指标策略
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

// sma 末 n 个样本的简单均线
func sma(vals []domain.Price, n int) float64 {
	if len(vals) < n {
		return 0
	}
	sum := int64(0)
	for _, v := range vals[len(vals)-n:] {
		sum += int64(v)
	}
	return float64(sum) / float64(n)
}

// rsi Wilder 式相对强弱（简化：算术平均涨跌幅）
func rsi(vals []domain.Price, n int) float64 {
	if len(vals) < n+1 {
		return 50
	}
	var gain, loss float64
	window := vals[len(vals)-n-1:]
	for i := 1; i < len(window); i++ {
		d := float64(window[i] - window[i-1])
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	if loss == 0 {
		return 100
	}
	rs := gain / loss
	return 100 - 100/(1+rs)
}

// atr 平均真实波幅（mid 序列近似：|Δmid| 均值）
func atr(vals []domain.Price, n int) float64 {
	if len(vals) < n+1 {
		return 0
	}
	var sum float64
	window := vals[len(vals)-n-1:]
	for i := 1; i < len(window); i++ {
		d := float64(window[i] - window[i-1])
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return sum / float64(n)
}

// Step 决策函数
func (s *Strategy) Step(ctx *kernel.Context) kernel.StepResult {
	if strategies.SawShutdown(ctx.Inbox) {
		return kernel.StepResult{NextWakeDelta: s.IntervalNS()}
	}

	for _, r := range strategies.Reports(ctx.Inbox) {
		switch r.Status {
		case kernel.ReportExecuted:
			s.pending = false
			if r.Order.Action == domain.ActionOpen {
				s.holding = true
			} else {
				s.holding = false
			}
		case kernel.ReportFailed:
			s.pending = false
		}
	}

	mid, ok := s.Mid(ctx.Now)
	if !ok {
		return kernel.StepResult{NextWakeDelta: s.IntervalNS()}
	}

	prevSMA := sma(s.mids, s.SMAPeriod)
	var prevMid domain.Price
	if len(s.mids) > 0 {
		prevMid = s.mids[len(s.mids)-1]
	}

	s.mids = append(s.mids, mid)
	if keep := s.SMAPeriod + s.RSIPeriod + s.ATRPeriod + 4; len(s.mids) > keep {
		s.mids = s.mids[len(s.mids)-keep:]
	}

	curSMA := sma(s.mids, s.SMAPeriod)
	if prevSMA == 0 || curSMA == 0 || s.pending {
		return kernel.StepResult{NextWakeDelta: s.IntervalNS()}
	}

	crossUp := float64(prevMid) <= prevSMA && float64(mid) > curSMA
	crossDown := float64(prevMid) >= prevSMA && float64(mid) < curSMA
	curRSI := rsi(s.mids, s.RSIPeriod)

	var out []kernel.Outgoing
	if s.holding {
		exit := (s.side == domain.SideLong && crossDown) || (s.side == domain.SideShort && crossUp)
		if exit {
			s.pending = true
			out = append(out, s.Intent(s.NewOrder(s.side, domain.KindMarket, domain.ActionClose, s.size, s.Leverage)))
		}
		return kernel.StepResult{Messages: out, NextWakeDelta: s.IntervalNS()}
	}

	enterLong := crossUp && curRSI < s.RSIOversold
	enterShort := crossDown && curRSI > s.RSIOverbought
	if !enterLong && !enterShort {
		return kernel.StepResult{NextWakeDelta: s.IntervalNS()}
	}

	// ATR 定仓：size = risk / ATR，上限 maxSizeTokens
	trueRange := atr(s.mids, s.ATRPeriod)
	if trueRange <= 0 {
		return kernel.StepResult{NextWakeDelta: s.IntervalNS()}
	}
	size := s.RiskUSD * domain.MicroPerUSD / trueRange
	if size > s.MaxSizeTokens {
		size = s.MaxSizeTokens
	}
	if size <= 0 {
		return kernel.StepResult{NextWakeDelta: s.IntervalNS()}
	}

	s.side = domain.SideLong
	if enterShort {
		s.side = domain.SideShort
	}
	s.size = size
	s.pending = true
	out = append(out, s.Intent(s.NewOrder(s.side, domain.KindMarket, domain.ActionOpen, size, s.Leverage)))
	log.Debugf("%s 入场 %s size=%.4f rsi=%.1f", s.AgentName, s.side, size, curRSI)

	return kernel.StepResult{Messages: out, NextWakeDelta: s.IntervalNS()}
}
