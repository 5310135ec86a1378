package keeper

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/perpsim/internal/domain"
	"github.com/betbot/perpsim/internal/exchange"
	"github.com/betbot/perpsim/internal/kernel"
	"github.com/betbot/perpsim/internal/oracle"
	"github.com/betbot/perpsim/internal/pending"
)

var log = logrus.WithField("component", "keeper_agent")

// Config keeper 配置
type Config struct {
	ID             domain.AgentID
	ExchangeID     domain.AgentID
	Symbols        []domain.Symbol
	WakeIntervalMS uint64
}

// Agent keeper：每 tick 读取各 symbol 的最新样本，扫描挂单簿，
// 把触发条件成立的挂单转为市价意图提交给交易所。
// 多 keeper 竞争时，快速模式下最小 AgentID 先被唤醒、先到先得。
type Agent struct {
	cfg    Config
	book   *pending.Book
	prices *oracle.PriceCache

	// 已转发、尚未出簿的挂单，避免同一 keeper 重复转发
	forwarded map[string]struct{}

	triggered int
	missed    int
	rewards   domain.USD
}

// New 创建 keeper
func New(cfg Config, ex *exchange.Agent, prices *oracle.PriceCache) *Agent {
	if cfg.WakeIntervalMS == 0 {
		cfg.WakeIntervalMS = 1000
	}
	return &Agent{
		cfg:       cfg,
		book:      ex.Book(),
		prices:    prices,
		forwarded: make(map[string]struct{}),
	}
}

func (a *Agent) ID() domain.AgentID { return a.cfg.ID }
func (a *Agent) Name() string       { return "keeper" }

// Step 扫描与转发
func (a *Agent) Step(ctx *kernel.Context) kernel.StepResult {
	interval := a.cfg.WakeIntervalMS * uint64(time.Millisecond)

	for _, env := range ctx.Inbox {
		switch payload := env.Payload.(type) {
		case kernel.Shutdown:
			log.Infof("keeper 停止：triggered=%d missed=%d rewards=%s", a.triggered, a.missed, a.rewards)
			return kernel.StepResult{NextWakeDelta: interval}
		case kernel.ExecutionReport:
			delete(a.forwarded, payload.Order.ClientOrderID)
			switch payload.Status {
			case kernel.ReportExecuted:
				a.triggered++
				a.rewards += payload.Result.KeeperRewardUSD
			case kernel.ReportFailed:
				a.missed++
			}
		}
	}

	// 已出簿的挂单不再需要去重记录
	for id := range a.forwarded {
		if _, ok := a.book.Get(id); !ok {
			delete(a.forwarded, id)
		}
	}

	// tick 开始时的簿快照；样本按 symbol 缓存本次读数
	samples := make(map[domain.Symbol]*domain.OracleSample)
	for _, sym := range a.cfg.Symbols {
		if s, err := a.prices.Get(sym, ctx.Now); err == nil {
			sample := s
			samples[sym] = &sample
		}
	}

	var out []kernel.Outgoing
	for _, po := range a.book.Snapshot() {
		if _, dup := a.forwarded[po.ClientOrderID]; dup {
			continue
		}
		sample, ok := samples[po.Symbol]
		if !ok {
			continue
		}
		order := po.Order
		if !pending.Triggered(&po, sample) {
			continue
		}

		// 转为市价意图，action 保持原挂单 action
		market := order
		market.Kind = domain.KindMarket
		market.TriggerPrice = 0
		market.ClientOrderID = "" // 交易所重新分配
		out = append(out, kernel.Outgoing{To: a.cfg.ExchangeID, Payload: kernel.OrderIntent{
			Order:     market,
			PendingID: order.ClientOrderID,
		}})
		a.forwarded[order.ClientOrderID] = struct{}{}
		log.Debugf("触发挂单 %s %s %s trigger=%s", order.ClientOrderID, order.Symbol, order.Kind, order.TriggerPrice)
	}

	return kernel.StepResult{Messages: out, NextWakeDelta: interval}
}
