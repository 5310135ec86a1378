package liquidation

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpsim/internal/domain"
	"github.com/betbot/perpsim/internal/exchange"
	"github.com/betbot/perpsim/internal/kernel"
)

var log = logrus.WithField("component", "liquidation_agent")

// Config 清算代理配置
type Config struct {
	ID             domain.AgentID
	ExchangeID     domain.AgentID
	WakeIntervalMS uint64
	// MMF 维持保证金系数（risk 配置）
	MMF decimal.Decimal
}

// Agent 清算：每 tick 扫描全部仓位镜像，
// equity = collateral + upnl − accrued_funding − accrued_borrow ≤ size×mmf
// 即为可清算，发出 Liquidation 意图。
type Agent struct {
	cfg Config
	ex  *exchange.Agent

	// 已发出、尚未收到回执的清算，防止重复
	inflight map[domain.PositionKey]struct{}

	scans      uint64
	liquidated int
}

// New 创建清算代理
func New(cfg Config, ex *exchange.Agent) *Agent {
	if cfg.WakeIntervalMS == 0 {
		cfg.WakeIntervalMS = 1000
	}
	if cfg.MMF.IsZero() {
		cfg.MMF = decimal.RequireFromString("0.01")
	}
	return &Agent{cfg: cfg, ex: ex, inflight: make(map[domain.PositionKey]struct{})}
}

func (a *Agent) ID() domain.AgentID { return a.cfg.ID }
func (a *Agent) Name() string       { return "liquidator" }

// liquidatable 维持保证金判定
func (a *Agent) liquidatable(pos *domain.Position) bool {
	maintenance := decimal.NewFromInt(int64(pos.SizeUSD)).Mul(a.cfg.MMF)
	equity := decimal.NewFromInt(int64(pos.Equity()))
	return equity.LessThanOrEqual(maintenance)
}

// Step 扫描与清算
func (a *Agent) Step(ctx *kernel.Context) kernel.StepResult {
	interval := a.cfg.WakeIntervalMS * uint64(time.Millisecond)

	for _, env := range ctx.Inbox {
		switch payload := env.Payload.(type) {
		case kernel.Shutdown:
			log.Infof("清算代理停止：scans=%d liquidated=%d", a.scans, a.liquidated)
			return kernel.StepResult{NextWakeDelta: interval}
		case kernel.ExecutionReport:
			key := domain.PositionKey{
				Account: payload.Order.Account,
				Symbol:  payload.Order.Symbol,
				Side:    payload.Order.Side,
			}
			delete(a.inflight, key)
			if payload.Status == kernel.ReportExecuted && payload.Result.Liquidated {
				a.liquidated++
			}
		}
	}

	a.scans++
	var out []kernel.Outgoing
	for _, pos := range a.ex.Positions() {
		if !pos.IsOpen() || !a.liquidatable(&pos) {
			continue
		}
		key := pos.Key()
		if _, dup := a.inflight[key]; dup {
			continue
		}
		a.inflight[key] = struct{}{}

		order := domain.Order{
			Account:    pos.Account,
			Symbol:     pos.Symbol,
			Side:       pos.Side,
			Kind:       domain.KindLiquidation,
			Action:     domain.ActionClose,
			SizeTokens: pos.SizeTokens,
			Leverage:   1,
		}
		out = append(out, kernel.Outgoing{To: a.cfg.ExchangeID, Payload: kernel.OrderIntent{Order: order}})
		log.Infof("清算 account=%d %s %s equity=%s size=%s",
			pos.Account, pos.Symbol, pos.Side, pos.Equity(), pos.SizeUSD)
	}

	return kernel.StepResult{Messages: out, NextWakeDelta: interval}
}
