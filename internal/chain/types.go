package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/betbot/perpsim/internal/domain"
)

// 链侧错误分类
var (
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrUnknownSymbol          = errors.New("unknown symbol")
	ErrUnknownOrder           = errors.New("unknown order")
	ErrBelowMinSize           = errors.New("size below contract minimum")
	ErrPriceUnavailable       = errors.New("mark price unavailable")
	ErrPriceImpactTooLarge    = errors.New("price impact larger than order size")
	ErrBadSignature           = errors.New("signature does not match caller")
	ErrShutdown               = errors.New("client shutting down")
)

// GasPolicy 各操作的 gas 额度，按 base_gas 的倍率派生（base 来自配置）
type GasPolicy struct {
	BaseGas uint64
}

// Deposit / Withdraw / SubmitOrder 1×
func (g GasPolicy) Deposit() uint64  { return g.BaseGas }
func (g GasPolicy) Withdraw() uint64 { return g.BaseGas }
func (g GasPolicy) Submit() uint64   { return g.BaseGas }

// Execute 1.5×
func (g GasPolicy) Execute() uint64 { return g.BaseGas + g.BaseGas/2 }

// Cancel 0.5×
func (g GasPolicy) Cancel() uint64 { return g.BaseGas / 2 }

// TxKind 链上交易类型
type TxKind uint8

const (
	TxDeposit TxKind = iota
	TxWithdraw
	TxSubmitOrder
	TxExecuteOrder
	TxCancelOrder
)

var txKindNames = [...]string{"deposit", "withdraw", "submit_order", "execute_order", "cancel_order"}

func (k TxKind) String() string {
	if int(k) < len(txKindNames) {
		return txKindNames[k]
	}
	return "unknown"
}

// SubmitParams SubmitOrder 的参数（边界换算完成后）
type SubmitParams struct {
	Account          domain.AgentID
	Order            domain.Order
	SizeAtoms        *big.Int // 已钳到合约最小单位
	TriggerPriceAtom *big.Int // per-atom 口径触发价（市价单为 nil）
}

// Call 一次已签名的链上调用
type Call struct {
	Account   domain.AgentID
	From      common.Address
	Nonce     uint64
	Gas       uint64
	Digest    []byte
	Signature []byte
}

// Verify 校验签名恢复出的地址与调用方一致
func (c *Call) Verify() error {
	if len(c.Signature) == 0 || len(c.Digest) != 32 {
		return ErrBadSignature
	}
	pub, err := crypto.SigToPub(c.Digest, c.Signature)
	if err != nil {
		return ErrBadSignature
	}
	if crypto.PubkeyToAddress(*pub) != c.From {
		return ErrBadSignature
	}
	return nil
}

// Backend 撮合/结算合约的远程操作面。
// 每个写操作对 client_order_id 幂等。
type Backend interface {
	SubmitOrder(ctx context.Context, call Call, params SubmitParams) (domain.OrderID, error)
	ExecuteOrder(ctx context.Context, call Call, id domain.OrderID) (domain.ExecutionResult, error)
	CancelOrder(ctx context.Context, call Call, id domain.OrderID) error
	Deposit(ctx context.Context, call Call, amount domain.USD) error
	Withdraw(ctx context.Context, call Call, amount domain.USD) error
	ReadPosition(ctx context.Context, account domain.AgentID, symbol domain.Symbol, side domain.Side) (domain.Position, error)
	ReadMarket(ctx context.Context, symbol domain.Symbol) (domain.MarketState, error)
}

// TxRequest 客户端出站交易请求
type TxRequest struct {
	Kind        TxKind
	Account     domain.AgentID
	Params      *SubmitParams  // submit
	OrderID     domain.OrderID // execute / cancel
	Order       *domain.Order  // execute/cancel 的回执关联
	Amount      domain.USD     // deposit / withdraw
	EnqueuedVNS uint64
}

// TxResult 链上交易结果，由交易所代理轮询消费
type TxResult struct {
	Req     TxRequest
	Success bool
	OrderID domain.OrderID          // submit 回执
	Exec    *domain.ExecutionResult // execute 回执
	Err     error
	Reason  domain.FailReason
	Nonce   uint64
	Retries int
	Gas     uint64
}
