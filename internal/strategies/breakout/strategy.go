package breakout

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/perpsim/internal/domain"
	"github.com/betbot/perpsim/internal/kernel"
	"github.com/betbot/perpsim/internal/strategies"
)

const ID = "breakout"

var log = logrus.WithField("strategy", ID)

func init() {
	strategies.Register(ID, New)
}

// Config 突破追踪配置
type Config struct {
	WindowTicks    int     `yaml:"windowTicks" json:"windowTicks"` // 高低点回看窗口
	BufferBps      int64   `yaml:"bufferBps" json:"bufferBps"`     // 突破缓冲（bp）
	ReplaceBps     int64   `yaml:"replaceBps" json:"replaceBps"`   // 触发价漂移超过此值则撤换
	SizeTokens     float64 `yaml:"sizeTokens" json:"sizeTokens"`
	Leverage       uint32  `yaml:"leverage" json:"leverage"`
	HoldSec        uint64  `yaml:"holdSec" json:"holdSec"` // 突破后最长持有
	WakeIntervalMS uint64  `yaml:"wakeIntervalMs" json:"wakeIntervalMs"`
}

// Defaults 填默认值
func (c *Config) Defaults() {
	if c.WindowTicks == 0 {
		c.WindowTicks = 20
	}
	if c.BufferBps == 0 {
		c.BufferBps = 10
	}
	if c.ReplaceBps == 0 {
		c.ReplaceBps = 25
	}
	if c.SizeTokens == 0 {
		c.SizeTokens = 0.5
	}
	if c.Leverage == 0 {
		c.Leverage = 3
	}
	if c.HoldSec == 0 {
		c.HoldSec = 900
	}
	if c.WakeIntervalMS == 0 {
		c.WakeIntervalMS = 3000
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.WindowTicks < 2 {
		return fmt.Errorf("windowTicks 必须 ≥ 2")
	}
	if c.SizeTokens <= 0 {
		return fmt.Errorf("sizeTokens 必须 > 0")
	}
	return nil
}

// resting 一侧驻留的突破 stop 单
type resting struct {
	clientID string
	trigger  domain.Price
}

// Strategy 突破追踪：在近期高/低点之外驻留 stop 单，价格漂移时撤换，
// 成交后限时持有再平仓。
type Strategy struct {
	strategies.Base
	Config

	window   []domain.Price
	up       resting // 上破买入
	down     resting // 下破卖出
	holding  bool
	side     domain.Side
	openedNS uint64
	closing  bool
}

// New 构建突破策略
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

func (s *Strategy) pushMid(mid domain.Price) (high, low domain.Price, ready bool) {
	s.window = append(s.window, mid)
	if len(s.window) > s.WindowTicks {
		s.window = s.window[len(s.window)-s.WindowTicks:]
	}
	if len(s.window) < s.WindowTicks {
		return 0, 0, false
	}
	high, low = s.window[0], s.window[0]
	for _, p := range s.window {
		if p > high {
			high = p
		}
		if p < low {
			low = p
		}
	}
	return high, low, true
}

func (s *Strategy) onReport(r kernel.ExecutionReport) {
	switch r.Status {
	case kernel.ReportSubmitted:
		if r.Order.Kind == domain.KindStop {
			if r.Order.Side == domain.SideLong {
				s.up.clientID = r.Order.ClientOrderID
			} else {
				s.down.clientID = r.Order.ClientOrderID
			}
		}
	case kernel.ReportFailed:
		if s.up.clientID == r.Order.ClientOrderID || (r.Order.Kind == domain.KindStop && r.Order.Side == domain.SideLong && s.up.clientID == "pending") {
			s.up = resting{}
		}
		if s.down.clientID == r.Order.ClientOrderID || (r.Order.Kind == domain.KindStop && r.Order.Side == domain.SideShort && s.down.clientID == "pending") {
			s.down = resting{}
		}
		if s.closing && r.Order.Action == domain.ActionClose {
			s.closing = false
		}
	case kernel.ReportExecuted:
		if r.Order.Action == domain.ActionClose {
			s.holding = false
			s.closing = false
			return
		}
		if r.Order.Kind == domain.KindStop || r.Order.Kind == domain.KindMarket {
			s.holding = true
			s.side = r.Order.Side
			if r.Order.Side == domain.SideLong {
				s.up = resting{}
			} else {
				s.down = resting{}
			}
			log.Debugf("%s 突破成交 %s @%s", s.AgentName, s.side, r.Result.FillPrice)
		}
	}
}

// drifted 目标触发价与现挂触发价偏离是否超过 replaceBps
func (s *Strategy) drifted(current, want domain.Price) bool {
	if current <= 0 {
		return true
	}
	diff := int64(current) - int64(want)
	if diff < 0 {
		diff = -diff
	}
	return diff*10_000 > int64(current)*s.ReplaceBps
}

// Step 决策函数
func (s *Strategy) Step(ctx *kernel.Context) kernel.StepResult {
	if strategies.SawShutdown(ctx.Inbox) {
		return kernel.StepResult{NextWakeDelta: s.IntervalNS()}
	}

	var out []kernel.Outgoing
	for _, r := range strategies.Reports(ctx.Inbox) {
		s.onReport(r)
	}
	for _, r := range strategies.Reports(ctx.Inbox) {
		if r.Status == kernel.ReportExecuted && r.Order.Action != domain.ActionClose {
			s.openedNS = ctx.Now
			// 反向挂单失去意义，撤掉
			if s.side == domain.SideLong && s.down.clientID != "" && s.down.clientID != "pending" {
				out = append(out, s.Cancel(s.down.clientID))
			}
			if s.side == domain.SideShort && s.up.clientID != "" && s.up.clientID != "pending" {
				out = append(out, s.Cancel(s.up.clientID))
			}
		}
	}

	mid, ok := s.Mid(ctx.Now)
	if !ok {
		return kernel.StepResult{Messages: out, NextWakeDelta: s.IntervalNS()}
	}
	high, low, ready := s.pushMid(mid)

	if s.holding {
		if !s.closing && ctx.Now-s.openedNS >= s.HoldSec*uint64(time.Second) {
			s.closing = true
			out = append(out, s.Intent(s.NewOrder(s.side, domain.KindMarket, domain.ActionClose, s.SizeTokens, s.Leverage)))
		}
		return kernel.StepResult{Messages: out, NextWakeDelta: s.IntervalNS()}
	}
	if !ready {
		return kernel.StepResult{Messages: out, NextWakeDelta: s.IntervalNS()}
	}

	wantUp := high + domain.Price(int64(high)*s.BufferBps/10_000)
	wantDown := low - domain.Price(int64(low)*s.BufferBps/10_000)

	if s.up.clientID == "" || (s.up.clientID != "pending" && s.drifted(s.up.trigger, wantUp)) {
		if s.up.clientID != "" && s.up.clientID != "pending" {
			out = append(out, s.Cancel(s.up.clientID))
		}
		o := s.NewOrder(domain.SideLong, domain.KindStop, domain.ActionOpen, s.SizeTokens, s.Leverage)
		o.TriggerPrice = wantUp
		out = append(out, s.Intent(o))
		s.up = resting{clientID: "pending", trigger: wantUp}
	}
	if s.down.clientID == "" || (s.down.clientID != "pending" && s.drifted(s.down.trigger, wantDown)) {
		if s.down.clientID != "" && s.down.clientID != "pending" {
			out = append(out, s.Cancel(s.down.clientID))
		}
		o := s.NewOrder(domain.SideShort, domain.KindStop, domain.ActionOpen, s.SizeTokens, s.Leverage)
		o.TriggerPrice = wantDown
		out = append(out, s.Intent(o))
		s.down = resting{clientID: "pending", trigger: wantDown}
	}

	return kernel.StepResult{Messages: out, NextWakeDelta: s.IntervalNS()}
}
