package marketmaker

import (
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpsim/internal/domain"
	"github.com/betbot/perpsim/internal/kernel"
	"github.com/betbot/perpsim/internal/strategies"
)

var log = logrus.WithField("strategy", ID)

func init() {
	strategies.Register(ID, New)
}

// Strategy OI 平衡做市：不是传统买卖价差 MM，而是保证双边 OI 健康分布的
// 种子流动性代理。启动时无条件各下一笔 Long/Short 种子单；之后失衡超过
// 阈值时在薄的一侧加单。start_delay = 0。
type Strategy struct {
	strategies.Base
	Config

	seeded       bool
	ordersPlaced int
}

// New 构建做市策略
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
		log.Infof("%s 停止：已下 %d 单", s.AgentName, s.ordersPlaced)
		return kernel.StepResult{NextWakeDelta: s.IntervalNS()}
	}

	var out []kernel.Outgoing

	if !s.seeded {
		// 启动种子：无视失衡，两侧各一单
		s.seeded = true
		for _, side := range []domain.Side{domain.SideLong, domain.SideShort} {
			out = append(out, s.Intent(s.NewOrder(side, domain.KindMarket, domain.ActionOpen, s.OrderSizeTokens, s.Leverage)))
			s.ordersPlaced++
		}
		return kernel.StepResult{Messages: out, NextWakeDelta: s.IntervalNS()}
	}

	market, ok := s.Market()
	if !ok {
		return kernel.StepResult{NextWakeDelta: s.IntervalNS()}
	}

	if market.ImbalanceRatio() > s.ImbalanceThreshold {
		deficient := domain.SideLong
		exposure := market.OILongUSD
		if market.OILongUSD > market.OIShortUSD {
			deficient = domain.SideShort
			exposure = market.OIShortUSD
		}

		if s.MaxExposureUSD > 0 && exposure.ToDecimal() >= s.MaxExposureUSD {
			return kernel.StepResult{NextWakeDelta: s.IntervalNS()}
		}

		size := s.OrderSizeTokens * float64(s.Leverage)
		out = append(out, s.Intent(s.NewOrder(deficient, domain.KindMarket, domain.ActionIncrease, size, s.Leverage)))
		s.ordersPlaced++
		log.Debugf("%s 失衡 %.1f%%，在 %s 侧补 %f", s.AgentName, market.ImbalanceRatio()*100, deficient, size)
	}

	return kernel.StepResult{Messages: out, NextWakeDelta: s.IntervalNS()}
}
