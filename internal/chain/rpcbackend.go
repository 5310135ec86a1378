package chain

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	pkgerrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/perpsim/internal/domain"
)

// RPCBackend 远端 DEX 网关的 HTTP 客户端实现（实时模式）。
// 每个写操作携带调用方地址、nonce、gas 与签名；服务端按 client_order_id 幂等。
type RPCBackend struct {
	client *resty.Client
}

// NewRPCBackend 创建远端后端客户端
func NewRPCBackend(endpoint string, timeout time.Duration) *RPCBackend {
	if timeout == 0 {
		timeout = DefaultCallTimeout
	}
	client := resty.New().
		SetBaseURL(endpoint).
		SetTimeout(timeout)
	return &RPCBackend{client: client}
}

type rpcCall struct {
	From      string `json:"from"`
	Nonce     uint64 `json:"nonce"`
	Gas       uint64 `json:"gas"`
	Signature string `json:"signature"`
}

type rpcError struct {
	Error string `json:"error"`
}

func encodeCall(call Call) rpcCall {
	return rpcCall{
		From:      call.From.Hex(),
		Nonce:     call.Nonce,
		Gas:       call.Gas,
		Signature: "0x" + hex.EncodeToString(call.Signature),
	}
}

func (b *RPCBackend) post(ctx context.Context, path string, body any, out any) error {
	var rpcErr rpcError
	resp, err := b.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(out).
		SetError(&rpcErr).
		Post(path)
	if err != nil {
		return pkgerrors.Wrapf(err, "chain rpc %s", path)
	}
	if resp.IsError() {
		return mapRPCError(rpcErr.Error, resp.StatusCode())
	}
	return nil
}

// mapRPCError 服务端错误串 → 本地错误分类
func mapRPCError(msg string, status int) error {
	switch msg {
	case "insufficient_collateral":
		return ErrInsufficientCollateral
	case "unknown_symbol":
		return ErrUnknownSymbol
	case "unknown_order":
		return ErrUnknownOrder
	case "below_min_size":
		return ErrBelowMinSize
	case "price_impact_too_large":
		return ErrPriceImpactTooLarge
	}
	return fmt.Errorf("chain rpc: status %d: %s", status, msg)
}

// SubmitOrder 提交订单
func (b *RPCBackend) SubmitOrder(ctx context.Context, call Call, params SubmitParams) (domain.OrderID, error) {
	req := struct {
		rpcCall
		ClientOrderID string `json:"client_order_id"`
		Account       uint32 `json:"account"`
		Symbol        string `json:"symbol"`
		Side          string `json:"side"`
		Kind          string `json:"kind"`
		Action        string `json:"action"`
		SizeAtoms     string `json:"size_atoms"`
		TriggerAtom   string `json:"trigger_price_atom,omitempty"`
		Leverage      uint32 `json:"leverage"`
	}{
		rpcCall:       encodeCall(call),
		ClientOrderID: params.Order.ClientOrderID,
		Account:       uint32(params.Account),
		Symbol:        string(params.Order.Symbol),
		Side:          params.Order.Side.String(),
		Kind:          params.Order.Kind.String(),
		Action:        params.Order.Action.String(),
		Leverage:      params.Order.Leverage,
	}
	if params.SizeAtoms != nil {
		req.SizeAtoms = params.SizeAtoms.String()
	}
	if params.TriggerPriceAtom != nil {
		req.TriggerAtom = params.TriggerPriceAtom.String()
	}

	var out struct {
		OrderID uint64 `json:"order_id"`
	}
	if err := b.post(ctx, "/order/submit", req, &out); err != nil {
		return 0, err
	}
	return domain.OrderID(out.OrderID), nil
}

// ExecuteOrder 执行订单
func (b *RPCBackend) ExecuteOrder(ctx context.Context, call Call, id domain.OrderID) (domain.ExecutionResult, error) {
	req := struct {
		rpcCall
		OrderID uint64 `json:"order_id"`
	}{encodeCall(call), uint64(id)}

	var out struct {
		FillPriceMicro  int64   `json:"fill_price_micro"`
		FilledTokens    float64 `json:"filled_tokens"`
		FeeMicro        int64   `json:"fee_micro"`
		PnLMicro        int64   `json:"pnl_micro"`
		CollateralDelta int64   `json:"collateral_delta_micro"`
		KeeperReward    int64   `json:"keeper_reward_micro"`
		Liquidated      bool    `json:"liquidated"`
	}
	if err := b.post(ctx, "/order/execute", req, &out); err != nil {
		return domain.ExecutionResult{}, err
	}
	return domain.ExecutionResult{
		OrderID:         id,
		FillPrice:       domain.Price(out.FillPriceMicro),
		FilledTokens:    out.FilledTokens,
		FeeUSD:          domain.USD(out.FeeMicro),
		PnL:             domain.USD(out.PnLMicro),
		CollateralDelta: domain.USD(out.CollateralDelta),
		KeeperRewardUSD: domain.USD(out.KeeperReward),
		Liquidated:      out.Liquidated,
	}, nil
}

// CancelOrder 取消订单
func (b *RPCBackend) CancelOrder(ctx context.Context, call Call, id domain.OrderID) error {
	req := struct {
		rpcCall
		OrderID uint64 `json:"order_id"`
	}{encodeCall(call), uint64(id)}
	return b.post(ctx, "/order/cancel", req, &struct{}{})
}

// Deposit 入金
func (b *RPCBackend) Deposit(ctx context.Context, call Call, amount domain.USD) error {
	req := struct {
		rpcCall
		AmountMicro int64 `json:"amount_micro"`
	}{encodeCall(call), int64(amount)}
	return b.post(ctx, "/account/deposit", req, &struct{}{})
}

// Withdraw 出金
func (b *RPCBackend) Withdraw(ctx context.Context, call Call, amount domain.USD) error {
	req := struct {
		rpcCall
		AmountMicro int64 `json:"amount_micro"`
	}{encodeCall(call), int64(amount)}
	return b.post(ctx, "/account/withdraw", req, &struct{}{})
}

type rpcPosition struct {
	SizeUSDMicro     int64   `json:"size_usd_micro"`
	SizeTokens       float64 `json:"size_tokens"`
	CollateralMicro  int64   `json:"collateral_micro"`
	EntryPriceMicro  int64   `json:"entry_price_micro"`
	CurrentPrice     int64   `json:"current_price_micro"`
	UnrealizedPnL    int64   `json:"unrealized_pnl_micro"`
	AccruedFunding   int64   `json:"accrued_funding_micro"`
	AccruedBorrow    int64   `json:"accrued_borrow_micro"`
	LiquidationPrice int64   `json:"liquidation_price_micro"`
	LeverageActual   uint32  `json:"leverage_actual"`
	OpenedNS         uint64  `json:"opened_ns"`
}

// ReadPosition 读取仓位
func (b *RPCBackend) ReadPosition(ctx context.Context, account domain.AgentID, symbol domain.Symbol, side domain.Side) (domain.Position, error) {
	var out rpcPosition
	resp, err := b.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"account": fmt.Sprintf("%d", account),
			"symbol":  string(symbol),
			"side":    side.String(),
		}).
		SetResult(&out).
		Get("/position")
	if err != nil {
		return domain.Position{}, pkgerrors.Wrap(err, "chain rpc /position")
	}
	if resp.IsError() {
		return domain.Position{}, fmt.Errorf("chain rpc /position: status %d", resp.StatusCode())
	}
	return domain.Position{
		Account:          account,
		Symbol:           symbol,
		Side:             side,
		SizeUSD:          domain.USD(out.SizeUSDMicro),
		SizeTokens:       out.SizeTokens,
		Collateral:       domain.USD(out.CollateralMicro),
		EntryPrice:       domain.Price(out.EntryPriceMicro),
		CurrentPrice:     domain.Price(out.CurrentPrice),
		UnrealizedPnL:    domain.USD(out.UnrealizedPnL),
		AccruedFunding:   domain.USD(out.AccruedFunding),
		AccruedBorrow:    domain.USD(out.AccruedBorrow),
		LiquidationPrice: domain.Price(out.LiquidationPrice),
		LeverageActual:   out.LeverageActual,
		OpenedNS:         out.OpenedNS,
		LastSyncNS:       uint64(time.Now().UnixNano()),
	}, nil
}

// ReadMarket 读取市场状态
func (b *RPCBackend) ReadMarket(ctx context.Context, symbol domain.Symbol) (domain.MarketState, error) {
	var out struct {
		MarkPriceMicro int64  `json:"mark_price_micro"`
		OILongMicro    int64  `json:"oi_long_usd_micro"`
		OIShortMicro   int64  `json:"oi_short_usd_micro"`
		LiquidityMicro int64  `json:"liquidity_usd_micro"`
		FundingHour    string `json:"funding_rate_per_hour"`
		BorrowHour     string `json:"borrow_rate_per_hour"`
	}
	resp, err := b.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", string(symbol)).
		SetResult(&out).
		Get("/market")
	if err != nil {
		return domain.MarketState{}, pkgerrors.Wrap(err, "chain rpc /market")
	}
	if resp.IsError() {
		return domain.MarketState{}, fmt.Errorf("chain rpc /market: status %d", resp.StatusCode())
	}

	funding, err := decimal.NewFromString(out.FundingHour)
	if err != nil {
		funding = decimal.Zero
	}
	borrow, err := decimal.NewFromString(out.BorrowHour)
	if err != nil {
		borrow = decimal.Zero
	}
	return domain.MarketState{
		Symbol:             symbol,
		MarkPrice:          domain.Price(out.MarkPriceMicro),
		OILongUSD:          domain.USD(out.OILongMicro),
		OIShortUSD:         domain.USD(out.OIShortMicro),
		LiquidityUSD:       domain.USD(out.LiquidityMicro),
		FundingRatePerHour: funding,
		BorrowRatePerHour:  borrow,
		LastRefreshNS:      uint64(time.Now().UnixNano()),
	}, nil
}
