package meanrevert

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/perpsim/internal/domain"
	"github.com/betbot/perpsim/internal/kernel"
	"github.com/betbot/perpsim/internal/strategies"
)

const ID = "mean_reversion"

var log = logrus.WithField("strategy", ID)

func init() {
	strategies.Register(ID, New)
}

// Config 均值回归限价配置
type Config struct {
	OffsetBps      int64   `yaml:"offsetBps" json:"offsetBps"` // 限价相对 mid 的偏移（bp）
	SizeTokens     float64 `yaml:"sizeTokens" json:"sizeTokens"`
	Leverage       uint32  `yaml:"leverage" json:"leverage"`
	OrderTTLSec    uint64  `yaml:"orderTtlSec" json:"orderTtlSec"` // 挂单寿命（秒；未设置或为 0 时取默认 300）
	WakeIntervalMS uint64  `yaml:"wakeIntervalMs" json:"wakeIntervalMs"`
}

// Defaults 填默认值
func (c *Config) Defaults() {
	if c.OffsetBps == 0 {
		c.OffsetBps = 30
	}
	if c.SizeTokens == 0 {
		c.SizeTokens = 0.5
	}
	if c.Leverage == 0 {
		c.Leverage = 2
	}
	if c.OrderTTLSec == 0 {
		c.OrderTTLSec = 300
	}
	if c.WakeIntervalMS == 0 {
		c.WakeIntervalMS = 3000
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.OffsetBps <= 0 {
		return fmt.Errorf("offsetBps 必须 > 0")
	}
	if c.SizeTokens <= 0 {
		return fmt.Errorf("sizeTokens 必须 > 0")
	}
	return nil
}

// Strategy 均值回归：在 mid ± offset_bps 两侧驻留限价单，
// 成交后等价格回归到入场偏移之外平仓。
type Strategy struct {
	strategies.Base
	Config

	restingBuy  string // 驻留买入限价单 client_order_id
	restingSell string
	holding     bool
	side        domain.Side
	entry       domain.Price
	closing     bool
}

// New 构建均值回归策略
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

func (s *Strategy) onReport(r kernel.ExecutionReport) []kernel.Outgoing {
	switch r.Status {
	case kernel.ReportSubmitted:
		if r.Order.Kind == domain.KindLimit {
			if r.Order.Side == domain.SideLong {
				s.restingBuy = r.Order.ClientOrderID
			} else {
				s.restingSell = r.Order.ClientOrderID
			}
		}
	case kernel.ReportFailed:
		s.clearResting(r.Order.ClientOrderID)
		// 占位 ID 尚未被 Submitted 回报替换时按方向清除
		if r.Order.Kind == domain.KindLimit {
			if r.Order.Side == domain.SideLong && s.restingBuy == "pending" {
				s.restingBuy = ""
			}
			if r.Order.Side == domain.SideShort && s.restingSell == "pending" {
				s.restingSell = ""
			}
		}
		if s.closing && r.Order.Action == domain.ActionClose {
			s.closing = false
		}
	case kernel.ReportExecuted:
		if r.Order.Action == domain.ActionClose {
			s.holding = false
			s.closing = false
			return nil
		}
		// 限价入场成交：持仓，撤掉另一侧
		s.clearResting(r.Order.ClientOrderID)
		s.holding = true
		s.side = r.Order.Side
		s.entry = r.Result.FillPrice
		var out []kernel.Outgoing
		if other := s.otherResting(r.Order.Side); other != "" {
			out = append(out, s.Cancel(other))
		}
		log.Debugf("%s 限价成交 %s @%s", s.AgentName, s.side, s.entry)
		return out
	}
	return nil
}

func (s *Strategy) clearResting(clientID string) {
	if s.restingBuy == clientID {
		s.restingBuy = ""
	}
	if s.restingSell == clientID {
		s.restingSell = ""
	}
}

func (s *Strategy) otherResting(filled domain.Side) string {
	if filled == domain.SideLong {
		return s.restingSell
	}
	return s.restingBuy
}

// Step 决策函数
func (s *Strategy) Step(ctx *kernel.Context) kernel.StepResult {
	if strategies.SawShutdown(ctx.Inbox) {
		return kernel.StepResult{NextWakeDelta: s.IntervalNS()}
	}

	var out []kernel.Outgoing
	for _, r := range strategies.Reports(ctx.Inbox) {
		out = append(out, s.onReport(r)...)
	}

	mid, ok := s.Mid(ctx.Now)
	if !ok {
		return kernel.StepResult{Messages: out, NextWakeDelta: s.IntervalNS()}
	}

	if s.holding {
		if s.closing {
			return kernel.StepResult{Messages: out, NextWakeDelta: s.IntervalNS()}
		}
		// 回归超过入场偏移即获利了结
		offset := domain.Price(int64(s.entry) * s.OffsetBps / 10_000)
		reverted := (s.side == domain.SideLong && mid >= s.entry+offset) ||
			(s.side == domain.SideShort && mid <= s.entry-offset)
		if reverted {
			s.closing = true
			out = append(out, s.Intent(s.NewOrder(s.side, domain.KindMarket, domain.ActionClose, s.SizeTokens, s.Leverage)))
		}
		return kernel.StepResult{Messages: out, NextWakeDelta: s.IntervalNS()}
	}

	// 空仓：补齐两侧驻留限价
	var expires uint64
	if s.OrderTTLSec > 0 {
		expires = ctx.Now + s.OrderTTLSec*uint64(time.Second)
	}
	offset := domain.Price(int64(mid) * s.OffsetBps / 10_000)
	if s.restingBuy == "" {
		o := s.NewOrder(domain.SideLong, domain.KindLimit, domain.ActionOpen, s.SizeTokens, s.Leverage)
		o.TriggerPrice = mid - offset
		out = append(out, s.IntentExpiring(o, expires))
		s.restingBuy = "pending" // Submitted 回报会带回真实 ID
	}
	if s.restingSell == "" {
		o := s.NewOrder(domain.SideShort, domain.KindLimit, domain.ActionOpen, s.SizeTokens, s.Leverage)
		o.TriggerPrice = mid + offset
		out = append(out, s.IntentExpiring(o, expires))
		s.restingSell = "pending"
	}

	return kernel.StepResult{Messages: out, NextWakeDelta: s.IntervalNS()}
}
