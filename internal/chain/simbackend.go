package chain

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpsim/internal/domain"
)

var simLog = logrus.WithField("component", "sim_backend")

// PriceFn 标记价来源（交易所按当前预言机中间价喂入）
type PriceFn func(symbol domain.Symbol) (domain.Price, bool)

// NowFn 当前虚拟时间来源
type NowFn func() uint64

// SimBackendConfig 内嵌撮合引擎参数
type SimBackendConfig struct {
	FeeBps          int64           // 执行手续费（bp）
	MaxFundingHour  decimal.Decimal // OI 完全失衡时的小时资金费率
	BorrowHour      decimal.Decimal // 满负载时的小时借贷费率
	KeeperRewardUSD domain.USD      // 每次触发执行付给 keeper 的奖励
}

// DefaultSimBackendConfig 默认参数
func DefaultSimBackendConfig() SimBackendConfig {
	return SimBackendConfig{
		FeeBps:          10,
		MaxFundingHour:  decimal.RequireFromString("0.0001"), // 0.01%/h
		BorrowHour:      decimal.RequireFromString("0.00005"),
		KeeperRewardUSD: domain.USDFromDecimal(0.1),
	}
}

// submittedOrder Submit 阶段收到、待 Execute 的订单
type submittedOrder struct {
	params    SubmitParams
	sizeToken float64
}

// simPosition 引擎内部仓位（带计费基准时刻）
type simPosition struct {
	pos           domain.Position
	lastAccrualNS uint64
}

// simMarket 单个市场的账本
type simMarket struct {
	spec  domain.MarketSpec
	state domain.MarketState
}

// SimBackend 内嵌撮合/结算引擎。
// 完全确定：不读墙钟、不产生随机数；价格来自 PriceFn，时间来自 NowFn。
type SimBackend struct {
	mu  sync.Mutex
	cfg SimBackendConfig

	priceFn PriceFn
	nowFn   NowFn

	markets   map[domain.Symbol]*simMarket
	balances  map[domain.AgentID]domain.USD
	positions map[domain.PositionKey]*simPosition

	orders      map[domain.OrderID]*submittedOrder
	byClientID  map[string]domain.OrderID // client_order_id 幂等
	executedIDs map[domain.OrderID]bool
	nextOrderID domain.OrderID

	nonces map[domain.AgentID]uint64 // 每账户已见最高 nonce（重放保护）
}

// NewSimBackend 创建内嵌引擎
func NewSimBackend(cfg SimBackendConfig, specs []domain.MarketSpec, priceFn PriceFn, nowFn NowFn) *SimBackend {
	markets := make(map[domain.Symbol]*simMarket, len(specs))
	for _, spec := range specs {
		markets[spec.Symbol] = &simMarket{
			spec: spec,
			state: domain.MarketState{
				Symbol:       spec.Symbol,
				LiquidityUSD: spec.InitialLiquidity,
			},
		}
	}
	return &SimBackend{
		cfg:         cfg,
		priceFn:     priceFn,
		nowFn:       nowFn,
		markets:     markets,
		balances:    make(map[domain.AgentID]domain.USD),
		positions:   make(map[domain.PositionKey]*simPosition),
		orders:      make(map[domain.OrderID]*submittedOrder),
		byClientID:  make(map[string]domain.OrderID),
		executedIDs: make(map[domain.OrderID]bool),
		nextOrderID: 1,
		nonces:      make(map[domain.AgentID]uint64),
	}
}

// checkCall 验签 + nonce 单调
func (b *SimBackend) checkCall(call Call) error {
	if err := call.Verify(); err != nil {
		return err
	}
	if last, ok := b.nonces[call.Account]; ok && call.Nonce <= last {
		return ErrBadSignature
	}
	b.nonces[call.Account] = call.Nonce
	return nil
}

// Deposit 入金
func (b *SimBackend) Deposit(_ context.Context, call Call, amount domain.USD) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkCall(call); err != nil {
		return err
	}
	b.balances[call.Account] += amount
	return nil
}

// Withdraw 出金
func (b *SimBackend) Withdraw(_ context.Context, call Call, amount domain.USD) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkCall(call); err != nil {
		return err
	}
	if b.balances[call.Account] < amount {
		return ErrInsufficientCollateral
	}
	b.balances[call.Account] -= amount
	return nil
}

// SubmitOrder 两段生命周期的第一段：登记订单，分配 order_id。
// 对 client_order_id 幂等：重复提交返回已有 order_id。
func (b *SimBackend) SubmitOrder(_ context.Context, call Call, params SubmitParams) (domain.OrderID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkCall(call); err != nil {
		return 0, err
	}

	if id, seen := b.byClientID[params.Order.ClientOrderID]; seen {
		return id, nil
	}

	market, ok := b.markets[params.Order.Symbol]
	if !ok {
		return 0, ErrUnknownSymbol
	}
	if params.Order.SizeTokens < market.spec.MinTokens {
		return 0, ErrBelowMinSize
	}

	id := b.nextOrderID
	b.nextOrderID++
	b.orders[id] = &submittedOrder{params: params, sizeToken: params.Order.SizeTokens}
	b.byClientID[params.Order.ClientOrderID] = id
	return id, nil
}

// CancelOrder 取消尚未执行的订单
func (b *SimBackend) CancelOrder(_ context.Context, call Call, id domain.OrderID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkCall(call); err != nil {
		return err
	}
	if _, ok := b.orders[id]; !ok {
		return ErrUnknownOrder
	}
	delete(b.orders, id)
	return nil
}

// ExecuteOrder 两段生命周期的第二段：按当前标记价成交。
// 已执行的 order_id 幂等返回 ErrUnknownOrder 之外的缓存结果不保留，
// 重复执行视为 ErrUnknownOrder（链上状态已变）。
func (b *SimBackend) ExecuteOrder(_ context.Context, call Call, id domain.OrderID) (domain.ExecutionResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkCall(call); err != nil {
		return domain.ExecutionResult{}, err
	}

	sub, ok := b.orders[id]
	if !ok {
		return domain.ExecutionResult{}, ErrUnknownOrder
	}
	order := sub.params.Order

	market, ok := b.markets[order.Symbol]
	if !ok {
		return domain.ExecutionResult{}, ErrUnknownSymbol
	}
	mark, ok := b.priceFn(order.Symbol)
	if !ok || mark <= 0 {
		return domain.ExecutionResult{}, ErrPriceUnavailable
	}

	res, err := b.fill(market, sub, id, mark)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	delete(b.orders, id)
	b.executedIDs[id] = true
	return res, nil
}

// fill 核心成交路径
func (b *SimBackend) fill(market *simMarket, sub *submittedOrder, id domain.OrderID, mark domain.Price) (domain.ExecutionResult, error) {
	order := sub.params.Order
	now := b.nowFn()

	notional := domain.NotionalUSD(sub.sizeToken, mark)
	fillPrice, err := b.impactPrice(market, order, notional, mark)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	notional = domain.NotionalUSD(sub.sizeToken, fillPrice)
	fee := domain.USD(int64(notional) * b.cfg.FeeBps / 10_000)

	key := domain.PositionKey{Account: order.Account, Symbol: order.Symbol, Side: order.Side}

	if order.Action.IsIncrease() && order.Kind != domain.KindLiquidation {
		return b.fillIncrease(market, key, order, sub.sizeToken, fillPrice, notional, fee, id, now)
	}
	return b.fillDecrease(market, key, order, sub.sizeToken, fillPrice, fee, id, now)
}

// impactPrice 按流动性深度施加价格冲击，受冲击上限与强制成交两道闸门约束
func (b *SimBackend) impactPrice(market *simMarket, order domain.Order, notional domain.USD, mark domain.Price) (domain.Price, error) {
	liquidity := market.state.LiquidityUSD
	if liquidity <= 0 {
		return mark, nil
	}

	impactBps := int64(notional) * 10_000 / int64(liquidity)
	capBps := market.spec.ImpactCapBps
	if capBps > 0 && impactBps > capBps {
		// 冲击超过订单规模的闸门：可配置降级为受限强制成交
		if !market.spec.ForceCloseFallback {
			return 0, ErrPriceImpactTooLarge
		}
		impactBps = capBps
	}

	// 加仓方向吃价差：Long 加仓抬价，Short 加仓压价；减仓相反
	sign := int64(1)
	if order.Side == domain.SideShort {
		sign = -1
	}
	if !order.Action.IsIncrease() {
		sign = -sign
	}
	return mark + domain.Price(int64(mark)*impactBps*sign/10_000), nil
}

func (b *SimBackend) fillIncrease(
	market *simMarket,
	key domain.PositionKey,
	order domain.Order,
	sizeToken float64,
	fillPrice domain.Price,
	notional domain.USD,
	fee domain.USD,
	id domain.OrderID,
	now uint64,
) (domain.ExecutionResult, error) {
	collateral := domain.USD(int64(notional) / int64(order.Leverage))
	if b.balances[order.Account] < collateral+fee {
		return domain.ExecutionResult{}, ErrInsufficientCollateral
	}
	b.balances[order.Account] -= collateral + fee

	sp, ok := b.positions[key]
	if !ok {
		sp = &simPosition{
			pos: domain.Position{
				Account:    key.Account,
				Symbol:     key.Symbol,
				Side:       key.Side,
				EntryPrice: fillPrice,
				OpenedNS:   now,
			},
			lastAccrualNS: now,
		}
		b.positions[key] = sp
	} else {
		b.accrue(sp, market, now)
		// 加权平均入场价
		oldNotional := int64(sp.pos.SizeUSD)
		newNotional := oldNotional + int64(notional)
		if newNotional > 0 {
			sp.pos.EntryPrice = domain.Price(
				(int64(sp.pos.EntryPrice)*oldNotional + int64(fillPrice)*int64(notional)) / newNotional)
		}
	}

	sp.pos.SizeTokens += sizeToken
	sp.pos.SizeUSD += notional
	sp.pos.Collateral += collateral
	b.refreshDerived(sp, market, fillPrice)

	if key.Side == domain.SideLong {
		market.state.OILongUSD += notional
	} else {
		market.state.OIShortUSD += notional
	}

	return domain.ExecutionResult{
		OrderID:         id,
		FillPrice:       fillPrice,
		FilledTokens:    sizeToken,
		FeeUSD:          fee,
		CollateralDelta: -collateral,
		KeeperRewardUSD: b.keeperReward(order),
	}, nil
}

func (b *SimBackend) fillDecrease(
	market *simMarket,
	key domain.PositionKey,
	order domain.Order,
	sizeToken float64,
	fillPrice domain.Price,
	fee domain.USD,
	id domain.OrderID,
	now uint64,
) (domain.ExecutionResult, error) {
	sp, ok := b.positions[key]
	if !ok || !sp.pos.IsOpen() {
		return domain.ExecutionResult{}, ErrUnknownOrder
	}
	b.accrue(sp, market, now)

	closeTokens := sizeToken
	if order.Action == domain.ActionClose || order.Kind == domain.KindLiquidation || closeTokens > sp.pos.SizeTokens {
		closeTokens = sp.pos.SizeTokens
	}
	fraction := closeTokens / sp.pos.SizeTokens

	closedNotional := domain.USD(int64(float64(sp.pos.SizeUSD) * fraction))
	releasedCollateral := domain.USD(int64(float64(sp.pos.Collateral) * fraction))
	feesShare := domain.USD(int64(float64(sp.pos.AccruedFunding+sp.pos.AccruedBorrow) * fraction))

	// 实现盈亏：(fill − entry) × tokens，Short 取反
	pnlDec := decimal.NewFromInt(int64(fillPrice) - int64(sp.pos.EntryPrice)).
		Mul(decimal.NewFromFloat(closeTokens))
	if key.Side == domain.SideShort {
		pnlDec = pnlDec.Neg()
	}
	pnl := domain.USD(pnlDec.Round(0).IntPart())

	liquidated := order.Kind == domain.KindLiquidation
	var collateralDelta domain.USD
	if liquidated {
		// 强平：保证金全额没收（collateral_lost = collateral），delta 记为负的没收额
		collateralDelta = -releasedCollateral
		simLog.Debugf("强平 account=%d %s %s collateral=%s pnl=%s",
			key.Account, key.Symbol, key.Side, releasedCollateral, pnl)
	} else {
		payout := releasedCollateral + pnl - fee - feesShare
		if payout < 0 {
			payout = 0
		}
		b.balances[order.Account] += payout
		collateralDelta = releasedCollateral
	}

	sp.pos.SizeTokens -= closeTokens
	sp.pos.SizeUSD -= closedNotional
	sp.pos.Collateral -= releasedCollateral
	sp.pos.AccruedFunding -= domain.USD(int64(float64(sp.pos.AccruedFunding) * fraction))
	sp.pos.AccruedBorrow -= domain.USD(int64(float64(sp.pos.AccruedBorrow) * fraction))
	if sp.pos.SizeTokens <= 1e-12 {
		delete(b.positions, key)
	} else {
		b.refreshDerived(sp, market, fillPrice)
	}

	if key.Side == domain.SideLong {
		market.state.OILongUSD -= closedNotional
	} else {
		market.state.OIShortUSD -= closedNotional
	}

	return domain.ExecutionResult{
		OrderID:         id,
		FillPrice:       fillPrice,
		FilledTokens:    closeTokens,
		FeeUSD:          fee,
		PnL:             pnl,
		CollateralDelta: collateralDelta,
		KeeperRewardUSD: b.keeperReward(order),
		Liquidated:      liquidated,
	}, nil
}

func (b *SimBackend) keeperReward(order domain.Order) domain.USD {
	switch order.Kind {
	case domain.KindLimit, domain.KindStop, domain.KindTakeProfit, domain.KindStopLoss, domain.KindLiquidation:
		return b.cfg.KeeperRewardUSD
	}
	return 0
}

// accrue 按当前费率推进仓位的累计资金费/借贷费
func (b *SimBackend) accrue(sp *simPosition, market *simMarket, now uint64) {
	if now <= sp.lastAccrualNS || !sp.pos.IsOpen() {
		sp.lastAccrualNS = now
		return
	}
	hours := decimal.NewFromInt(int64(now - sp.lastAccrualNS)).
		Div(decimal.NewFromInt(int64(time.Hour)))
	sp.lastAccrualNS = now

	size := decimal.NewFromInt(int64(sp.pos.SizeUSD))

	funding := b.fundingRate(market)
	// 拥挤侧付费：rate>0 表示多付空
	pays := (funding.IsPositive() && sp.pos.Side == domain.SideLong) ||
		(funding.IsNegative() && sp.pos.Side == domain.SideShort)
	if pays {
		amt := size.Mul(funding.Abs()).Mul(hours)
		sp.pos.AccruedFunding += domain.USD(amt.Round(0).IntPart())
	}

	borrow := size.Mul(b.borrowRate(market)).Mul(hours)
	sp.pos.AccruedBorrow += domain.USD(borrow.Round(0).IntPart())
}

// fundingRate 小时资金费率 = maxFunding × (oiLong − oiShort)/max(total, 1)
func (b *SimBackend) fundingRate(market *simMarket) decimal.Decimal {
	total := int64(market.state.TotalOI())
	if total < 1 {
		total = 1
	}
	delta := int64(market.state.OILongUSD) - int64(market.state.OIShortUSD)
	return b.cfg.MaxFundingHour.
		Mul(decimal.NewFromInt(delta)).
		Div(decimal.NewFromInt(total))
}

// borrowRate 小时借贷费率 = base × utilization
func (b *SimBackend) borrowRate(market *simMarket) decimal.Decimal {
	liquidity := int64(market.state.LiquidityUSD)
	if liquidity < 1 {
		return decimal.Zero
	}
	util := decimal.NewFromInt(int64(market.state.TotalOI())).
		Div(decimal.NewFromInt(liquidity))
	if util.GreaterThan(decimal.NewFromInt(1)) {
		util = decimal.NewFromInt(1)
	}
	return b.cfg.BorrowHour.Mul(util)
}

// refreshDerived 重算仓位派生字段（标记价、upnl、强平价、实际杠杆）
func (b *SimBackend) refreshDerived(sp *simPosition, market *simMarket, mark domain.Price) {
	pos := &sp.pos
	pos.CurrentPrice = mark

	upnl := decimal.NewFromInt(int64(mark) - int64(pos.EntryPrice)).
		Mul(decimal.NewFromFloat(pos.SizeTokens))
	if pos.Side == domain.SideShort {
		upnl = upnl.Neg()
	}
	pos.UnrealizedPnL = domain.USD(upnl.Round(0).IntPart())

	if pos.Collateral > 0 {
		pos.LeverageActual = uint32(int64(pos.SizeUSD) / int64(pos.Collateral))
	}

	// 强平价：equity 触及 mmf×size 的价格，随保证金与规模单调
	mmf := market.spec.MaintenanceMarginF
	if mmf.IsZero() {
		mmf = decimal.RequireFromString("0.01")
	}
	maintenance := decimal.NewFromInt(int64(pos.SizeUSD)).Mul(mmf)
	buffer := decimal.NewFromInt(int64(pos.Collateral - pos.AccruedFunding - pos.AccruedBorrow)).
		Sub(maintenance)
	if pos.SizeTokens > 0 {
		perToken := buffer.Div(decimal.NewFromFloat(pos.SizeTokens))
		if pos.Side == domain.SideLong {
			pos.LiquidationPrice = pos.EntryPrice - domain.Price(perToken.Round(0).IntPart())
		} else {
			pos.LiquidationPrice = pos.EntryPrice + domain.Price(perToken.Round(0).IntPart())
		}
		if pos.LiquidationPrice < 0 {
			pos.LiquidationPrice = 0
		}
	}
	pos.LastSyncNS = b.nowFn()
}

// ReadPosition 读取仓位（含最新计费与派生字段）
func (b *SimBackend) ReadPosition(_ context.Context, account domain.AgentID, symbol domain.Symbol, side domain.Side) (domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := domain.PositionKey{Account: account, Symbol: symbol, Side: side}
	sp, ok := b.positions[key]
	if !ok {
		// 无仓位不是错误：返回 size=0 的空仓
		return domain.Position{Account: account, Symbol: symbol, Side: side, LastSyncNS: b.nowFn()}, nil
	}

	market := b.markets[symbol]
	b.accrue(sp, market, b.nowFn())
	if mark, ok := b.priceFn(symbol); ok && mark > 0 {
		b.refreshDerived(sp, market, mark)
	}
	return sp.pos, nil
}

// ReadMarket 读取市场状态（现算费率）
func (b *SimBackend) ReadMarket(_ context.Context, symbol domain.Symbol) (domain.MarketState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	market, ok := b.markets[symbol]
	if !ok {
		return domain.MarketState{}, ErrUnknownSymbol
	}
	state := market.state
	if mark, ok := b.priceFn(symbol); ok {
		state.MarkPrice = mark
	}
	state.FundingRatePerHour = b.fundingRate(market)
	state.BorrowRatePerHour = b.borrowRate(market)
	state.LastRefreshNS = b.nowFn()
	return state, nil
}

// Balance 账户可用余额（测试与状态查询）
func (b *SimBackend) Balance(account domain.AgentID) domain.USD {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[account]
}

// Positions 全部开放仓位的快照（清算扫描走镜像，此接口用于测试）
func (b *SimBackend) Positions() []domain.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Position, 0, len(b.positions))
	for _, sp := range b.positions {
		out = append(out, sp.pos)
	}
	return out
}
