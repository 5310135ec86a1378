package grid

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/betbot/perpsim/internal/domain"
	"github.com/betbot/perpsim/internal/kernel"
	"github.com/betbot/perpsim/internal/strategies"
)

const ID = "grid"

var log = logrus.WithField("strategy", ID)

func init() {
	strategies.Register(ID, New)
}

// Config 网格配置
type Config struct {
	Levels         int     `yaml:"levels" json:"levels"`           // 总格数（两侧各一半）
	GridStepBps    int64   `yaml:"gridStepBps" json:"gridStepBps"` // 相邻格间距（bp）
	SizeTokens     float64 `yaml:"sizeTokens" json:"sizeTokens"`   // 每格数量
	Leverage       uint32  `yaml:"leverage" json:"leverage"`
	WakeIntervalMS uint64  `yaml:"wakeIntervalMs" json:"wakeIntervalMs"`
}

// Defaults 填默认值
func (c *Config) Defaults() {
	if c.Levels == 0 {
		c.Levels = 6
	}
	if c.GridStepBps == 0 {
		c.GridStepBps = 20
	}
	if c.SizeTokens == 0 {
		c.SizeTokens = 0.2
	}
	if c.Leverage == 0 {
		c.Leverage = 2
	}
	if c.WakeIntervalMS == 0 {
		c.WakeIntervalMS = 3000
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Levels < 2 || c.Levels%2 != 0 {
		return fmt.Errorf("levels 必须是 ≥ 2 的偶数")
	}
	if c.GridStepBps <= 0 {
		return fmt.Errorf("gridStepBps 必须 > 0")
	}
	if c.SizeTokens <= 0 {
		return fmt.Errorf("sizeTokens 必须 > 0")
	}
	return nil
}

// gridSlot 一个格位
type gridSlot struct {
	level    int // 负 = 中价下方买入格，正 = 上方卖出格
	clientID string
	trigger  domain.Price
}

// Strategy 网格：围绕 mid 维持 N 个等距限价单，价格漂移超过半格距即
// 整体撤换，保持网格居中。
type Strategy struct {
	strategies.Base
	Config

	center domain.Price
	slots  map[int]*gridSlot
}

// New 构建网格策略
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
		slots:  make(map[int]*gridSlot),
	}, nil
}

// levelPrice 格位价 = center × (1 + level×step)
func (s *Strategy) levelPrice(center domain.Price, level int) domain.Price {
	return center + domain.Price(int64(center)*int64(level)*s.GridStepBps/10_000)
}

// driftExceeded mid 偏离网格中心超过半格距
func (s *Strategy) driftExceeded(mid domain.Price) bool {
	if s.center <= 0 {
		return true
	}
	diff := int64(mid) - int64(s.center)
	if diff < 0 {
		diff = -diff
	}
	return diff*10_000 > int64(s.center)*s.GridStepBps/2
}

func (s *Strategy) onReport(r kernel.ExecutionReport) {
	switch r.Status {
	case kernel.ReportSubmitted:
		if r.Order.Kind != domain.KindLimit {
			return
		}
		// 按触发价认领格位
		for _, slot := range s.slots {
			if slot.clientID == "pending" && slot.trigger == r.Order.TriggerPrice {
				slot.clientID = r.Order.ClientOrderID
				return
			}
		}
	case kernel.ReportFailed, kernel.ReportExecuted:
		for level, slot := range s.slots {
			if slot.clientID == r.Order.ClientOrderID {
				delete(s.slots, level)
				if r.Status == kernel.ReportExecuted {
					log.Debugf("%s 格位 %d 成交 @%s", s.AgentName, level, r.Result.FillPrice)
				}
				return
			}
		}
	}
}

// rebuild 撤掉全部格位并围绕新中价重建
func (s *Strategy) rebuild(mid domain.Price) []kernel.Outgoing {
	var out []kernel.Outgoing
	for level, slot := range s.slots {
		if slot.clientID != "" && slot.clientID != "pending" {
			out = append(out, s.Cancel(slot.clientID))
		}
		delete(s.slots, level)
	}

	s.center = mid
	half := s.Levels / 2
	for i := 1; i <= half; i++ {
		for _, level := range []int{-i, i} {
			price := s.levelPrice(mid, level)
			if price <= 0 {
				continue
			}
			side := domain.SideLong
			if level > 0 {
				side = domain.SideShort
			}
			o := s.NewOrder(side, domain.KindLimit, domain.ActionOpen, s.SizeTokens, s.Leverage)
			o.TriggerPrice = price
			out = append(out, s.Intent(o))
			s.slots[level] = &gridSlot{level: level, clientID: "pending", trigger: price}
		}
	}
	log.Debugf("%s 网格重建：center=%s levels=%d", s.AgentName, mid, s.Levels)
	return out
}

// Step 决策函数
func (s *Strategy) Step(ctx *kernel.Context) kernel.StepResult {
	if strategies.SawShutdown(ctx.Inbox) {
		return kernel.StepResult{NextWakeDelta: s.IntervalNS()}
	}

	for _, r := range strategies.Reports(ctx.Inbox) {
		s.onReport(r)
	}

	mid, ok := s.Mid(ctx.Now)
	if !ok {
		return kernel.StepResult{NextWakeDelta: s.IntervalNS()}
	}

	var out []kernel.Outgoing
	if s.driftExceeded(mid) || len(s.slots) == 0 {
		out = s.rebuild(mid)
	}

	return kernel.StepResult{Messages: out, NextWakeDelta: s.IntervalNS()}
}
