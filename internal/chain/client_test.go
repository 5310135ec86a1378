package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/perpsim/internal/domain"
)

const ethUSD = domain.Symbol("ETH-USD")

func testSpecs() []domain.MarketSpec {
	return []domain.MarketSpec{{
		Symbol:             ethUSD,
		TokenDecimals:      18,
		MinTokens:          0.01,
		InitialLiquidity:   domain.USDFromDecimal(1_000_000),
		MaintenanceMarginF: decimal.RequireFromString("0.01"),
		ImpactCapBps:       500,
		ForceCloseFallback: true,
	}}
}

type env struct {
	backend *SimBackend
	client  *Client
	book    *StaticBook
	now     uint64
	mark    domain.Price
}

func newEnv(t *testing.T, agents ...domain.AgentID) *env {
	t.Helper()
	e := &env{mark: domain.PriceFromDecimal(3000)}
	book, err := NewStaticBook(agents)
	require.NoError(t, err)
	e.book = book
	e.backend = NewSimBackend(DefaultSimBackendConfig(), testSpecs(),
		func(domain.Symbol) (domain.Price, bool) { return e.mark, true },
		func() uint64 { return e.now })
	e.client = NewClient(ClientConfig{Gas: GasPolicy{BaseGas: 1000}}, book, e.backend)
	return e
}

func submitReq(account domain.AgentID, clientID string, side domain.Side, action domain.OrderAction, size float64, lev uint32) TxRequest {
	order := domain.Order{
		ClientOrderID: clientID,
		Account:       account,
		Symbol:        ethUSD,
		Side:          side,
		Kind:          domain.KindMarket,
		Action:        action,
		SizeTokens:    size,
		Leverage:      lev,
	}
	return TxRequest{
		Kind:    TxSubmitOrder,
		Account: account,
		Params: &SubmitParams{
			Account:   account,
			Order:     order,
			SizeAtoms: big.NewInt(int64(size * 1e6)),
		},
	}
}

func TestGasPolicyMultipliers(t *testing.T) {
	g := GasPolicy{BaseGas: 1000}
	assert.Equal(t, uint64(1000), g.Deposit())
	assert.Equal(t, uint64(1000), g.Submit())
	assert.Equal(t, uint64(1500), g.Execute())
	assert.Equal(t, uint64(500), g.Cancel())
}

func TestNoncesMonotonicPerIdentity(t *testing.T) {
	e := newEnv(t, 1, 2)
	require.NoError(t, e.client.BootstrapDeposits(map[domain.AgentID]domain.USD{
		1: domain.USDFromDecimal(100_000),
		2: domain.USDFromDecimal(100_000),
	}))

	for i := 0; i < 5; i++ {
		require.NoError(t, e.client.Enqueue(submitReq(1, "a"+string(rune('0'+i)), domain.SideLong, domain.ActionOpen, 1, 2)))
		require.NoError(t, e.client.Enqueue(submitReq(2, "b"+string(rune('0'+i)), domain.SideShort, domain.ActionOpen, 1, 2)))
	}

	results := e.client.PollResults()
	require.Len(t, results, 10)
	seen := map[domain.AgentID]map[uint64]bool{1: {}, 2: {}}
	last := map[domain.AgentID]uint64{}
	for _, res := range results {
		require.True(t, res.Success, "unexpected failure: %v", res.Err)
		// 同一身份内不重复且严格递增
		assert.False(t, seen[res.Req.Account][res.Nonce], "duplicate nonce")
		seen[res.Req.Account][res.Nonce] = true
		assert.Greater(t, res.Nonce, last[res.Req.Account])
		last[res.Req.Account] = res.Nonce
	}
}

// flakySubmitBackend 前 N 次 SubmitOrder 注入失败
type flakySubmitBackend struct {
	*SimBackend
	rejectLeft int
}

var errFlaky = errors.New("transient submit failure")

func (f *flakySubmitBackend) SubmitOrder(ctx context.Context, call Call, params SubmitParams) (domain.OrderID, error) {
	if f.rejectLeft > 0 {
		f.rejectLeft--
		return 0, errFlaky
	}
	return f.SimBackend.SubmitOrder(ctx, call, params)
}

func TestSubmitRetryExhaustion(t *testing.T) {
	e := newEnv(t, 1)
	require.NoError(t, e.client.BootstrapDeposits(map[domain.AgentID]domain.USD{1: domain.USDFromDecimal(10_000)}))

	// 连续拒绝 3 次，第 4 次才会成功：必须以 SubmitExhausted 失败，retries=3
	flaky := &flakySubmitBackend{SimBackend: e.backend, rejectLeft: 3}
	client := NewClient(ClientConfig{Gas: GasPolicy{BaseGas: 1000}}, e.book, flaky)

	require.NoError(t, client.Enqueue(submitReq(1, "c1", domain.SideLong, domain.ActionOpen, 1, 2)))
	results := client.PollResults()
	require.Len(t, results, 1)
	res := results[0]
	assert.False(t, res.Success)
	assert.Equal(t, domain.FailSubmitExhausted, res.Reason)
	assert.Equal(t, 3, res.Retries)
}

func TestSubmitRetryRecovers(t *testing.T) {
	e := newEnv(t, 1)
	require.NoError(t, e.client.BootstrapDeposits(map[domain.AgentID]domain.USD{1: domain.USDFromDecimal(10_000)}))

	flaky := &flakySubmitBackend{SimBackend: e.backend, rejectLeft: 2}
	client := NewClient(ClientConfig{Gas: GasPolicy{BaseGas: 1000}}, e.book, flaky)

	require.NoError(t, client.Enqueue(submitReq(1, "c2", domain.SideLong, domain.ActionOpen, 1, 2)))
	results := client.PollResults()
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, 2, results[0].Retries)
	assert.NotZero(t, results[0].OrderID)
}

func TestOpenCloseRoundTrip(t *testing.T) {
	e := newEnv(t, 1)
	initial := domain.USDFromDecimal(10_000)
	require.NoError(t, e.client.BootstrapDeposits(map[domain.AgentID]domain.USD{1: initial}))

	// Open(qty=Q) 然后 Close(qty=Q)：仓位归零，余额 = 初始 − 两次手续费 ± pnl
	require.NoError(t, e.client.Enqueue(submitReq(1, "open", domain.SideLong, domain.ActionOpen, 1, 2)))
	open := e.client.PollResults()[0]
	require.True(t, open.Success)

	require.NoError(t, e.client.Enqueue(TxRequest{Kind: TxExecuteOrder, Account: 1, OrderID: open.OrderID}))
	openExec := e.client.PollResults()[0]
	require.True(t, openExec.Success, "open execute: %v", openExec.Err)
	openFees := openExec.Exec.FeeUSD

	require.NoError(t, e.client.Enqueue(submitReq(1, "close", domain.SideLong, domain.ActionClose, 1, 2)))
	closeSub := e.client.PollResults()[0]
	require.True(t, closeSub.Success)

	require.NoError(t, e.client.Enqueue(TxRequest{Kind: TxExecuteOrder, Account: 1, OrderID: closeSub.OrderID}))
	closeExec := e.client.PollResults()[0]
	require.True(t, closeExec.Success, "close execute: %v", closeExec.Err)

	pos, err := e.client.ReadPosition(context.Background(), 1, ethUSD, domain.SideLong)
	require.NoError(t, err)
	assert.False(t, pos.IsOpen(), "round trip must leave position closed")

	wantBalance := initial - openFees - closeExec.Exec.FeeUSD + closeExec.Exec.PnL
	assert.InDelta(t, float64(wantBalance), float64(e.backend.Balance(1)), 2, "余额 = 初始 − 手续费 + 已实现盈亏")
}

func TestSubmitBelowMinSizeFailsBeforeExecute(t *testing.T) {
	e := newEnv(t, 1)
	require.NoError(t, e.client.BootstrapDeposits(map[domain.AgentID]domain.USD{1: domain.USDFromDecimal(10_000)}))

	require.NoError(t, e.client.Enqueue(submitReq(1, "tiny", domain.SideLong, domain.ActionOpen, 0.001, 2)))
	results := e.client.PollResults()
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, domain.FailBelowMinSize, results[0].Reason)
	assert.Zero(t, results[0].Retries, "确定性失败不应消耗重试")
	assert.ErrorIs(t, results[0].Err, ErrBelowMinSize)
}

func TestSubmitIdempotentByClientOrderID(t *testing.T) {
	e := newEnv(t, 1)
	require.NoError(t, e.client.BootstrapDeposits(map[domain.AgentID]domain.USD{1: domain.USDFromDecimal(10_000)}))

	require.NoError(t, e.client.Enqueue(submitReq(1, "same", domain.SideLong, domain.ActionOpen, 1, 2)))
	require.NoError(t, e.client.Enqueue(submitReq(1, "same", domain.SideLong, domain.ActionOpen, 1, 2)))
	results := e.client.PollResults()
	require.Len(t, results, 2)
	assert.Equal(t, results[0].OrderID, results[1].OrderID)
}

func TestLiquidationSeizesCollateral(t *testing.T) {
	e := newEnv(t, 1, 9)
	require.NoError(t, e.client.BootstrapDeposits(map[domain.AgentID]domain.USD{1: domain.USDFromDecimal(1_000)}))

	// 10x Long @3000，坐标下跌后强平
	require.NoError(t, e.client.Enqueue(submitReq(1, "h1", domain.SideLong, domain.ActionOpen, 1, 10)))
	sub := e.client.PollResults()[0]
	require.True(t, sub.Success)
	require.NoError(t, e.client.Enqueue(TxRequest{Kind: TxExecuteOrder, Account: 1, OrderID: sub.OrderID}))
	exec := e.client.PollResults()[0]
	require.True(t, exec.Success)
	lockedCollateral := -exec.Exec.CollateralDelta

	balanceBefore := e.backend.Balance(1)
	e.mark = domain.PriceFromDecimal(2640) // −12%

	liq := submitReq(9, "liq1", domain.SideLong, domain.ActionClose, 1, 1)
	liq.Params.Order.Kind = domain.KindLiquidation
	liq.Params.Order.Account = 1
	liq.Params.Account = 9
	require.NoError(t, e.client.Enqueue(liq))
	liqSub := e.client.PollResults()[0]
	require.True(t, liqSub.Success)
	require.NoError(t, e.client.Enqueue(TxRequest{Kind: TxExecuteOrder, Account: 9, OrderID: liqSub.OrderID}))
	liqExec := e.client.PollResults()[0]
	require.True(t, liqExec.Success, "liquidation execute: %v", liqExec.Err)

	assert.True(t, liqExec.Exec.Liquidated)
	// collateral_lost = collateral：被强平方余额不变
	assert.Equal(t, balanceBefore, e.backend.Balance(1))
	assert.Positive(t, int64(lockedCollateral))

	pos, err := e.client.ReadPosition(context.Background(), 1, ethUSD, domain.SideLong)
	require.NoError(t, err)
	assert.False(t, pos.IsOpen())
}

func TestOIBalancedAfterSymmetricSeeds(t *testing.T) {
	e := newEnv(t, 1)
	require.NoError(t, e.client.BootstrapDeposits(map[domain.AgentID]domain.USD{1: domain.USDFromDecimal(100_000)}))

	for _, side := range []domain.Side{domain.SideLong, domain.SideShort} {
		req := submitReq(1, "seed-"+side.String(), side, domain.ActionOpen, 1, 2)
		require.NoError(t, e.client.Enqueue(req))
		sub := e.client.PollResults()[0]
		require.True(t, sub.Success)
		require.NoError(t, e.client.Enqueue(TxRequest{Kind: TxExecuteOrder, Account: 1, OrderID: sub.OrderID}))
		exec := e.client.PollResults()[0]
		require.True(t, exec.Success)
	}

	state, err := e.client.ReadMarket(context.Background(), ethUSD)
	require.NoError(t, err)
	// 对称种子单后双边 OI 相等（同一 tick 的标记价）
	assert.InDelta(t, float64(state.OILongUSD), float64(state.OIShortUSD), float64(domain.USDFromDecimal(50)))
}

func TestBadSignatureRejected(t *testing.T) {
	e := newEnv(t, 1, 2)
	ident1, err := e.book.Resolve(1)
	require.NoError(t, err)
	ident2, err := e.book.Resolve(2)
	require.NoError(t, err)

	digest := callDigest(TxRequest{Kind: TxDeposit, Account: 1, Amount: 100}, 1)
	sig, err := ident2.Sign(digest) // 他人签名
	require.NoError(t, err)

	call := Call{Account: 1, From: ident1.Address, Nonce: 1, Gas: 1000, Digest: digest, Signature: sig}
	err = e.backend.Deposit(context.Background(), call, 100)
	assert.ErrorIs(t, err, ErrBadSignature)
}
