package exchange

import (
	"context"
	"math"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpsim/internal/chain"
	"github.com/betbot/perpsim/internal/domain"
	"github.com/betbot/perpsim/internal/events"
	"github.com/betbot/perpsim/internal/kernel"
	"github.com/betbot/perpsim/internal/metrics"
	"github.com/betbot/perpsim/internal/pending"
)

var exchangeLog = logrus.WithField("component", "exchange_agent")

// inflightPhase 在途订单阶段
type inflightPhase uint8

const (
	phaseSubmitted inflightPhase = iota // Submit 已派发，等待回执
	phaseAwaitExec                      // Submit 确认，等下一个区块派发 Execute
	phaseExecuting                      // Execute 已派发，等待回执
)

// inflightOrder 在途订单，键 (account, client_order_id)
type inflightOrder struct {
	order       domain.Order
	origin      domain.AgentID // 回报接收方
	txAccount   domain.AgentID // 链上签名账户（强平时为清算代理）
	phase       inflightPhase
	orderID     domain.OrderID
	execAfterNS uint64
}

// AgentConfig 交易所代理配置
type AgentConfig struct {
	ID              domain.AgentID
	LiquidationID   domain.AgentID // 允许发 Liquidation 意图的唯一代理
	Markets         []domain.MarketSpec
	TickIntervalMS  uint64
	BlockTimeMS     uint64
	SnapshotEveryMS uint64 // PositionSnapshot 的发布间隔（0 = 每 tick）
}

// Agent 交易所桥：把仿真内订单意图翻译为两段式链上生命周期，
// 维护仓位/市场镜像并重新发布领域事件。
type Agent struct {
	cfg    AgentConfig
	client *chain.Client
	book   *pending.Book
	bus    *events.Bus

	specs    map[domain.Symbol]domain.MarketSpec
	inflight map[string]*inflightOrder

	mirrorMu  sync.RWMutex
	positions map[domain.PositionKey]domain.Position
	markets   map[domain.Symbol]domain.MarketState

	lastSnapshotNS uint64
	counter        uint64 // client_order_id 序号（确定性命名）
}

// NewAgent 创建交易所代理
func NewAgent(cfg AgentConfig, client *chain.Client, book *pending.Book, bus *events.Bus) *Agent {
	if cfg.TickIntervalMS == 0 {
		cfg.TickIntervalMS = 100
	}
	if cfg.BlockTimeMS == 0 {
		cfg.BlockTimeMS = 3000
	}
	specs := make(map[domain.Symbol]domain.MarketSpec, len(cfg.Markets))
	for _, m := range cfg.Markets {
		specs[m.Symbol] = m
	}
	return &Agent{
		cfg:       cfg,
		client:    client,
		book:      book,
		bus:       bus,
		specs:     specs,
		inflight:  make(map[string]*inflightOrder),
		positions: make(map[domain.PositionKey]domain.Position),
		markets:   make(map[domain.Symbol]domain.MarketState),
	}
}

func (a *Agent) ID() domain.AgentID { return a.cfg.ID }
func (a *Agent) Name() string       { return "exchange" }

// Book 挂单簿（keeper 读取快照）
func (a *Agent) Book() *pending.Book { return a.book }

// Market 市场镜像读取
func (a *Agent) Market(symbol domain.Symbol) (domain.MarketState, bool) {
	a.mirrorMu.RLock()
	defer a.mirrorMu.RUnlock()
	m, ok := a.markets[symbol]
	return m, ok
}

// Position 仓位镜像读取
func (a *Agent) Position(account domain.AgentID, symbol domain.Symbol, side domain.Side) (domain.Position, bool) {
	a.mirrorMu.RLock()
	defer a.mirrorMu.RUnlock()
	p, ok := a.positions[domain.PositionKey{Account: account, Symbol: symbol, Side: side}]
	return p, ok
}

// Positions 全部开放仓位镜像（清算扫描）
func (a *Agent) Positions() []domain.Position {
	a.mirrorMu.RLock()
	defer a.mirrorMu.RUnlock()

	keys := make([]domain.PositionKey, 0, len(a.positions))
	for k := range a.positions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Account != keys[j].Account {
			return keys[i].Account < keys[j].Account
		}
		if keys[i].Symbol != keys[j].Symbol {
			return keys[i].Symbol < keys[j].Symbol
		}
		return keys[i].Side < keys[j].Side
	})
	out := make([]domain.Position, 0, len(keys))
	for _, k := range keys {
		out = append(out, a.positions[k])
	}
	return out
}

// Step 每 tick：处理意图、轮询回执、派发 Execute、刷新镜像
func (a *Agent) Step(ctx *kernel.Context) kernel.StepResult {
	interval := a.cfg.TickIntervalMS * uint64(time.Millisecond)
	var out []kernel.Outgoing

	shuttingDown := false
	for _, env := range ctx.Inbox {
		switch payload := env.Payload.(type) {
		case kernel.Shutdown:
			shuttingDown = true
		case kernel.OrderIntent:
			out = append(out, a.handleIntent(ctx.Now, env.From, payload)...)
		case kernel.CancelIntent:
			if po, ok := a.book.Cancel(payload.ClientOrderID); ok {
				out = append(out, kernel.Outgoing{To: env.From, Payload: kernel.ExecutionReport{
					Order:  po.Order,
					Status: kernel.ReportFailed,
					Reason: domain.FailReason("cancelled"),
				}})
			}
		}
	}

	// 过期挂单离簿并回报
	for _, po := range a.book.ExpireDue(ctx.Now) {
		out = append(out, kernel.Outgoing{To: po.PlacedBy, Payload: kernel.ExecutionReport{
			Order:  po.Order,
			Status: kernel.ReportFailed,
			Reason: domain.FailExpired,
		}})
	}

	out = append(out, a.pollResults(ctx.Now)...)
	a.dispatchExecutes(ctx.Now)

	if shuttingDown {
		out = append(out, a.failInflightOnShutdown(ctx.Now)...)
	} else {
		a.refreshMirror(ctx.Now)
	}

	return kernel.StepResult{Messages: out, NextWakeDelta: interval}
}

// handleIntent 接收订单意图
func (a *Agent) handleIntent(nowNS uint64, from domain.AgentID, intent kernel.OrderIntent) []kernel.Outgoing {
	order := intent.Order
	if order.Account == 0 {
		order.Account = from
	}
	if order.ClientOrderID == "" {
		order.ClientOrderID = a.nextClientOrderID()
	}
	if order.CreatedNS == 0 {
		order.CreatedNS = nowNS
	}

	reject := func(reason domain.FailReason, detail string) []kernel.Outgoing {
		a.bus.Publish(events.OrderFailed{TS: nowNS, Order: order, Reason: reason, Detail: detail})
		return []kernel.Outgoing{{To: from, Payload: kernel.ExecutionReport{
			Order:  order,
			Status: kernel.ReportFailed,
			Reason: reason,
		}}}
	}

	if err := order.Validate(); err != nil {
		return reject(domain.FailExecuteError, err.Error())
	}
	spec, ok := a.specs[order.Symbol]
	if !ok {
		return reject(domain.FailUnknownSymbol, string(order.Symbol))
	}
	// 低于合约最小数量：在任何链调用之前确定性失败
	if order.SizeTokens < spec.MinTokens {
		return reject(domain.FailBelowMinSize, "")
	}
	// Liquidation 意图只接受清算代理
	if order.Kind == domain.KindLiquidation && from != a.cfg.LiquidationID {
		return reject(domain.FailExecuteError, "liquidation intent from non-liquidator")
	}

	// 触发类订单驻留挂单簿，由 keeper 转为市价执行
	if order.Kind.NeedsTrigger() {
		po := domain.PendingOrder{Order: order, PlacedBy: from, ExpiresNS: intent.ExpiresNS}
		if err := a.book.Place(po); err != nil {
			return reject(domain.FailExecuteError, err.Error())
		}
		a.bus.Publish(events.OrderSubmitted{TS: nowNS, Order: order})
		return []kernel.Outgoing{{To: from, Payload: kernel.ExecutionReport{
			Order:  order,
			Status: kernel.ReportSubmitted,
		}}}
	}

	// keeper 竞争：第一个到达的触发生效（快速模式下即最小 AgentID），其余静默忽略。
	// 触发即离簿，后续按普通市价单走链上生命周期。
	if intent.PendingID != "" {
		if _, ok := a.book.MarkTriggered(intent.PendingID); !ok {
			return nil
		}
		a.book.Remove(intent.PendingID)
		metrics.OrdersTriggered.Add(1)
	}

	return a.submitToChain(nowNS, from, order, spec)
}

// submitToChain 市价/强平订单走两段式链上生命周期
func (a *Agent) submitToChain(nowNS uint64, from domain.AgentID, order domain.Order, spec domain.MarketSpec) []kernel.Outgoing {
	// 边界换算：size 钳到合约最小原子，价格放大为 per-atom 口径
	sizeAtoms, clamped := clampSizeAtoms(order.SizeTokens, spec.TokenDecimals)
	if sizeAtoms.Sign() <= 0 {
		a.bus.Publish(events.OrderFailed{TS: nowNS, Order: order, Reason: domain.FailBelowMinSize})
		return []kernel.Outgoing{{To: from, Payload: kernel.ExecutionReport{
			Order: order, Status: kernel.ReportFailed, Reason: domain.FailBelowMinSize,
		}}}
	}
	order.SizeTokens = clamped

	// 强平由清算代理身份签名提交，其余订单由持仓账户自己签名
	txAccount := order.Account
	if order.Kind == domain.KindLiquidation {
		txAccount = from
	}

	params := &chain.SubmitParams{
		Account:   txAccount,
		Order:     order,
		SizeAtoms: sizeAtoms,
	}
	if order.TriggerPrice > 0 {
		params.TriggerPriceAtom = order.TriggerPrice.ToAtom(spec.TokenDecimals)
	}

	if err := a.client.Enqueue(chain.TxRequest{
		Kind:        chain.TxSubmitOrder,
		Account:     txAccount,
		Params:      params,
		EnqueuedVNS: nowNS,
	}); err != nil {
		a.bus.Publish(events.OrderFailed{TS: nowNS, Order: order, Reason: domain.FailExecuteError, Detail: err.Error()})
		return []kernel.Outgoing{{To: from, Payload: kernel.ExecutionReport{
			Order: order, Status: kernel.ReportFailed, Reason: domain.FailExecuteError,
		}}}
	}

	a.inflight[order.ClientOrderID] = &inflightOrder{
		order:     order,
		origin:    from,
		txAccount: txAccount,
		phase:     phaseSubmitted,
	}
	return nil
}

// pollResults 消化链上回执
func (a *Agent) pollResults(nowNS uint64) []kernel.Outgoing {
	var out []kernel.Outgoing
	for _, res := range a.client.PollResults() {
		switch res.Req.Kind {
		case chain.TxSubmitOrder:
			out = append(out, a.onSubmitResult(nowNS, res)...)
		case chain.TxExecuteOrder:
			out = append(out, a.onExecuteResult(nowNS, res)...)
		default:
			if !res.Success {
				exchangeLog.Warnf("%s 失败 account=%d: %v", res.Req.Kind, res.Req.Account, res.Err)
			}
		}
	}
	return out
}

func (a *Agent) onSubmitResult(nowNS uint64, res chain.TxResult) []kernel.Outgoing {
	if res.Req.Params == nil {
		return nil
	}
	clientID := res.Req.Params.Order.ClientOrderID
	fl, ok := a.inflight[clientID]
	if !ok {
		return nil
	}

	if !res.Success {
		delete(a.inflight, clientID)
		a.bus.Publish(events.OrderFailed{TS: nowNS, Order: fl.order, Reason: res.Reason, Detail: errDetail(res.Err)})
		return []kernel.Outgoing{{To: fl.origin, Payload: kernel.ExecutionReport{
			Order: fl.order, Status: kernel.ReportFailed, Reason: res.Reason,
		}}}
	}

	fl.orderID = res.OrderID
	fl.phase = phaseAwaitExec
	// Execute 在下一个区块：block_time 之后派发
	fl.execAfterNS = nowNS + a.cfg.BlockTimeMS*uint64(time.Millisecond)
	a.bus.Publish(events.OrderSubmitted{TS: nowNS, Order: fl.order, OrderID: res.OrderID})
	return []kernel.Outgoing{{To: fl.origin, Payload: kernel.ExecutionReport{
		Order: fl.order, Status: kernel.ReportSubmitted,
	}}}
}

func (a *Agent) onExecuteResult(nowNS uint64, res chain.TxResult) []kernel.Outgoing {
	var fl *inflightOrder
	var clientID string
	for id, candidate := range a.inflight {
		if candidate.orderID == res.OrderID && candidate.phase == phaseExecuting {
			fl, clientID = candidate, id
			break
		}
	}
	if fl == nil {
		return nil
	}
	delete(a.inflight, clientID)

	if !res.Success {
		// Execute 失败反映链上状态，不重试（市价单尤其如此）
		a.bus.Publish(events.OrderFailed{TS: nowNS, Order: fl.order, Reason: res.Reason, Detail: errDetail(res.Err)})
		return []kernel.Outgoing{{To: fl.origin, Payload: kernel.ExecutionReport{
			Order: fl.order, Status: kernel.ReportFailed, Reason: res.Reason,
		}}}
	}

	exec := *res.Exec
	a.syncPosition(fl.order.Account, fl.order.Symbol, positionSide(fl.order))
	a.bus.Publish(events.OrderExecuted{TS: nowNS, Order: fl.order, Result: exec})

	out := []kernel.Outgoing{{To: fl.origin, Payload: kernel.ExecutionReport{
		Order: fl.order, Status: kernel.ReportExecuted, Result: exec,
	}}}
	// keeper/清算代理代为触发时，持仓方同样收到成交回报
	if fl.order.Account != fl.origin {
		out = append(out, kernel.Outgoing{To: fl.order.Account, Payload: kernel.ExecutionReport{
			Order: fl.order, Status: kernel.ReportExecuted, Result: exec,
		}})
	}

	if exec.Liquidated {
		metrics.Liquidations.Add(1)
		metrics.PromLiquidations.Inc()
		pos := fl.order
		a.bus.Publish(events.PositionLiquidated{
			TS:               nowNS,
			Account:          pos.Account,
			Symbol:           pos.Symbol,
			Side:             pos.Side,
			CollateralLost:   -exec.CollateralDelta,
			PnL:              exec.PnL,
			LiquidationPrice: exec.FillPrice,
		})
	}
	return out
}

// dispatchExecutes 为已过区块时间的在途订单派发 Execute（按 client_order_id 排序保证确定性）
func (a *Agent) dispatchExecutes(nowNS uint64) {
	var due []string
	for id, fl := range a.inflight {
		if fl.phase == phaseAwaitExec && fl.execAfterNS <= nowNS {
			due = append(due, id)
		}
	}
	sort.Strings(due)

	for _, id := range due {
		fl := a.inflight[id]
		if err := a.client.Enqueue(chain.TxRequest{
			Kind:        chain.TxExecuteOrder,
			Account:     fl.txAccount,
			OrderID:     fl.orderID,
			Order:       &fl.order,
			EnqueuedVNS: nowNS,
		}); err != nil {
			exchangeLog.Errorf("execute 派发失败 order=%s: %v", id, err)
			continue
		}
		fl.phase = phaseExecuting
	}
}

// refreshMirror 每 tick 恰好一次：刷新全部市场与开放仓位镜像并发布快照
func (a *Agent) refreshMirror(nowNS uint64) {
	ctx := context.Background()

	symbols := make([]domain.Symbol, 0, len(a.specs))
	for sym := range a.specs {
		symbols = append(symbols, sym)
	}
	sort.Slice(symbols, func(i, j int) bool { return symbols[i] < symbols[j] })

	for _, sym := range symbols {
		state, err := a.client.ReadMarket(ctx, sym)
		if err != nil {
			exchangeLog.Warnf("市场刷新失败 %s: %v", sym, err)
			continue
		}
		a.mirrorMu.Lock()
		a.markets[sym] = state
		a.mirrorMu.Unlock()
		a.bus.Publish(events.MarketSnapshot{TS: nowNS, State: state})
	}

	a.refreshPositions()

	snapEvery := a.cfg.SnapshotEveryMS * uint64(time.Millisecond)
	if snapEvery == 0 || nowNS-a.lastSnapshotNS >= snapEvery {
		a.lastSnapshotNS = nowNS
		if open := a.Positions(); len(open) > 0 {
			a.bus.Publish(events.PositionSnapshot{TS: nowNS, Positions: open})
		}
	}
}

// refreshPositions 重读镜像中已知的仓位键
func (a *Agent) refreshPositions() {
	a.mirrorMu.RLock()
	keys := make([]domain.PositionKey, 0, len(a.positions))
	for k := range a.positions {
		keys = append(keys, k)
	}
	a.mirrorMu.RUnlock()

	for _, k := range keys {
		a.syncPosition(k.Account, k.Symbol, k.Side)
	}
}

// syncPosition 读链上仓位并更新镜像；size=0 时移除
func (a *Agent) syncPosition(account domain.AgentID, symbol domain.Symbol, side domain.Side) {
	pos, err := a.client.ReadPosition(context.Background(), account, symbol, side)
	if err != nil {
		exchangeLog.Warnf("仓位刷新失败 account=%d %s %s: %v", account, symbol, side, err)
		return
	}

	key := domain.PositionKey{Account: account, Symbol: symbol, Side: side}
	a.mirrorMu.Lock()
	defer a.mirrorMu.Unlock()
	if pos.IsOpen() {
		a.positions[key] = pos
	} else {
		delete(a.positions, key)
	}
}

// failInflightOnShutdown 停机：在途意图以 Shutdown 失败面呈现
func (a *Agent) failInflightOnShutdown(nowNS uint64) []kernel.Outgoing {
	var ids []string
	for id := range a.inflight {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []kernel.Outgoing
	for _, id := range ids {
		fl := a.inflight[id]
		delete(a.inflight, id)
		a.bus.Publish(events.OrderFailed{TS: nowNS, Order: fl.order, Reason: domain.FailShutdown})
		out = append(out, kernel.Outgoing{To: fl.origin, Payload: kernel.ExecutionReport{
			Order: fl.order, Status: kernel.ReportFailed, Reason: domain.FailShutdown,
		}})
	}
	return out
}

func (a *Agent) nextClientOrderID() string {
	a.counter++
	// uuid v5：命名空间内按序号确定性生成，快速模式可重放
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte{
		byte(a.cfg.ID), byte(a.counter >> 24), byte(a.counter >> 16), byte(a.counter >> 8), byte(a.counter),
	}).String()
}

// positionSide 镜像侧的仓位方向（订单 Side 始终为仓位方向）
func positionSide(o domain.Order) domain.Side {
	return o.Side
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// clampSizeAtoms 把 size_tokens 钳到合约最小单位并返回 (原子数, 回读后的 tokens)
func clampSizeAtoms(sizeTokens float64, decimals uint8) (*big.Int, float64) {
	scale := math.Pow10(int(decimals))
	atoms := new(big.Int)
	big.NewFloat(sizeTokens * scale).Int(atoms)
	clamped, _ := new(big.Float).Quo(new(big.Float).SetInt(atoms), big.NewFloat(scale)).Float64()
	return atoms, clamped
}
