package chain

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpsim/internal/domain"
	"github.com/betbot/perpsim/internal/metrics"
)

var clientLog = logrus.WithField("component", "chain_client")

const (
	// DefaultCallTimeout 单次链上调用超时
	DefaultCallTimeout = 15 * time.Second
	// maxSubmitAttempts Submit 阶段的最大尝试次数
	maxSubmitAttempts = 3
	// MaxConcurrency 跨身份并行提交的上限
	MaxConcurrency = 32
)

// submitBackoffs 实时模式下两次 Submit 尝试之间的等待
var submitBackoffs = []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 900 * time.Millisecond}

// ClientConfig 链客户端配置
type ClientConfig struct {
	Gas         GasPolicy
	Realtime    bool
	Concurrency int // 0 = min(identities, MaxConcurrency)
	CallTimeout time.Duration
	// TxLog 每个交易回执的观察钩子（CSV 落盘），可为 nil
	TxLog func(TxResult)
}

// identityState 每个签名身份的串行通道与 nonce 计数
// nonce 只在该身份的串行路径内递增，天然免锁冲突。
type identityState struct {
	ident *SigningIdentity
	nonce uint64
	queue chan TxRequest // 实时模式：单生产单消费
}

// Client 链客户端：按身份签名提交交易，跨身份并行、单身份串行。
type Client struct {
	cfg     ClientConfig
	book    AddressBook
	backend Backend

	mu         sync.Mutex
	identities map[domain.AgentID]*identityState
	results    []TxResult // 快速模式结果队列
	resultsCh  chan TxResult
	sem        chan struct{}
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient 创建链客户端
func NewClient(cfg ClientConfig, book AddressBook, backend Backend) *Client {
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	n := len(book.Accounts())
	limit := cfg.Concurrency
	if limit <= 0 {
		limit = n
	}
	if limit > MaxConcurrency {
		limit = MaxConcurrency
	}
	if limit < 1 {
		limit = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:        cfg,
		book:       book,
		backend:    backend,
		identities: make(map[domain.AgentID]*identityState),
		resultsCh:  make(chan TxResult, 4096),
		sem:        make(chan struct{}, limit),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// identity 取（或建）某账户的串行状态
func (c *Client) identity(account domain.AgentID) (*identityState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.identities[account]; ok {
		return st, nil
	}
	ident, err := c.book.Resolve(account)
	if err != nil {
		return nil, err
	}
	st := &identityState{ident: ident}
	if c.cfg.Realtime {
		st.queue = make(chan TxRequest, 256)
		c.wg.Add(1)
		go c.runWorker(st)
	}
	c.identities[account] = st
	return st, nil
}

// runWorker 实时模式：每身份一个 worker，队列 FIFO 消费
func (c *Client) runWorker(st *identityState) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			// 停机：清空队列，剩余请求以 Shutdown 失败回报
			for {
				select {
				case req := <-st.queue:
					c.pushResult(TxResult{Req: req, Err: ErrShutdown, Reason: domain.FailShutdown})
				default:
					return
				}
			}
		case req := <-st.queue:
			c.sem <- struct{}{}
			res := c.dispatch(st, req)
			<-c.sem
			c.pushResult(res)
		}
	}
}

func (c *Client) pushResult(res TxResult) {
	if c.cfg.TxLog != nil {
		c.cfg.TxLog(res)
	}
	if c.cfg.Realtime {
		select {
		case c.resultsCh <- res:
		default:
			clientLog.Error("结果队列已满，丢弃交易回执")
		}
		return
	}
	c.mu.Lock()
	c.results = append(c.results, res)
	c.mu.Unlock()
}

// Enqueue 提交交易请求。同一身份 FIFO；不同身份互不阻塞。
// 快速模式下同步解析，结果可立即由 PollResults 取得。
func (c *Client) Enqueue(req TxRequest) error {
	st, err := c.identity(req.Account)
	if err != nil {
		return err
	}
	if c.cfg.Realtime {
		select {
		case st.queue <- req:
			return nil
		default:
			return fmt.Errorf("identity %d submit queue full", req.Account)
		}
	}
	c.pushResult(c.dispatch(st, req))
	return nil
}

// PollResults 取走所有已完成的交易回执
func (c *Client) PollResults() []TxResult {
	if c.cfg.Realtime {
		var out []TxResult
		for {
			select {
			case res := <-c.resultsCh:
				out = append(out, res)
			default:
				return out
			}
		}
	}
	c.mu.Lock()
	out := c.results
	c.results = nil
	c.mu.Unlock()
	return out
}

// dispatch 在身份串行路径内执行一次请求（含 Submit 重试）
func (c *Client) dispatch(st *identityState, req TxRequest) TxResult {
	switch req.Kind {
	case TxSubmitOrder:
		return c.dispatchSubmit(st, req)
	default:
		res, err := c.callOnce(st, req)
		if err != nil {
			return failResult(req, err, 0)
		}
		return res
	}
}

// permanentError 重试无意义的确定性失败
func permanentError(err error) bool {
	switch err {
	case ErrBelowMinSize, ErrUnknownSymbol, ErrInsufficientCollateral, ErrBadSignature, ErrPriceImpactTooLarge:
		return true
	}
	return false
}

// dispatchSubmit Submit 阶段：瞬时失败至多 maxSubmitAttempts 次，指数退避；
// 确定性失败立即回报，不消耗重试
func (c *Client) dispatchSubmit(st *identityState, req TxRequest) TxResult {
	var lastErr error
	for attempt := 0; attempt < maxSubmitAttempts; attempt++ {
		if attempt > 0 {
			metrics.ChainRetries.Add(1)
			metrics.PromChainRetries.Inc()
			if c.cfg.Realtime {
				select {
				case <-c.ctx.Done():
					return TxResult{Req: req, Err: ErrShutdown, Reason: domain.FailShutdown, Retries: attempt}
				case <-time.After(submitBackoffs[attempt-1]):
				}
			}
		}
		res, err := c.callOnce(st, req)
		if err == nil {
			res.Retries = attempt
			return res
		}
		lastErr = err
		if permanentError(err) {
			return failResult(req, err, attempt)
		}
		clientLog.Warnf("submit 失败（第 %d 次）account=%d: %v", attempt+1, req.Account, err)
	}
	res := failResult(req, lastErr, maxSubmitAttempts)
	res.Reason = domain.FailSubmitExhausted
	return res
}

// callOnce 签名并执行一次后端调用
func (c *Client) callOnce(st *identityState, req TxRequest) (TxResult, error) {
	st.nonce++
	nonce := st.nonce
	gas := c.gasFor(req.Kind)

	digest := callDigest(req, nonce)
	sig, err := st.ident.Sign(digest)
	if err != nil {
		return TxResult{}, err
	}
	call := Call{
		Account:   req.Account,
		From:      st.ident.Address,
		Nonce:     nonce,
		Gas:       gas,
		Digest:    digest,
		Signature: sig,
	}

	ctx := c.ctx
	var cancel context.CancelFunc
	if c.cfg.Realtime {
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}

	res := TxResult{Req: req, Nonce: nonce, Gas: gas, Success: true}
	switch req.Kind {
	case TxSubmitOrder:
		metrics.ChainSubmits.Add(1)
		metrics.PromChainSubmits.Inc()
		id, err := c.backend.SubmitOrder(ctx, call, *req.Params)
		if err != nil {
			return TxResult{}, classifyTimeout(ctx, err)
		}
		res.OrderID = id
	case TxExecuteOrder:
		metrics.ChainExecutes.Add(1)
		exec, err := c.backend.ExecuteOrder(ctx, call, req.OrderID)
		if err != nil {
			return TxResult{}, classifyTimeout(ctx, err)
		}
		res.Exec = &exec
		res.OrderID = req.OrderID
	case TxCancelOrder:
		if err := c.backend.CancelOrder(ctx, call, req.OrderID); err != nil {
			return TxResult{}, classifyTimeout(ctx, err)
		}
		res.OrderID = req.OrderID
	case TxDeposit:
		if err := c.backend.Deposit(ctx, call, req.Amount); err != nil {
			return TxResult{}, classifyTimeout(ctx, err)
		}
	case TxWithdraw:
		if err := c.backend.Withdraw(ctx, call, req.Amount); err != nil {
			return TxResult{}, classifyTimeout(ctx, err)
		}
	default:
		return TxResult{}, fmt.Errorf("unknown tx kind %d", req.Kind)
	}
	return res, nil
}

func (c *Client) gasFor(kind TxKind) uint64 {
	switch kind {
	case TxExecuteOrder:
		return c.cfg.Gas.Execute()
	case TxCancelOrder:
		return c.cfg.Gas.Cancel()
	default:
		return c.cfg.Gas.Deposit()
	}
}

// BootstrapDeposits 初始入金：跨身份并行（受并发上限约束），全部确认后返回。
// 任何一笔失败即返回错误（启动期链错误 → 退出码 2）。
func (c *Client) BootstrapDeposits(amounts map[domain.AgentID]domain.USD) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(amounts))

	for account, amount := range amounts {
		if amount <= 0 {
			continue
		}
		st, err := c.identity(account)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func(st *identityState, account domain.AgentID, amount domain.USD) {
			defer wg.Done()
			c.sem <- struct{}{}
			defer func() { <-c.sem }()
			_, err := c.callOnce(st, TxRequest{Kind: TxDeposit, Account: account, Amount: amount})
			if err != nil {
				errCh <- fmt.Errorf("deposit for agent %d: %w", account, err)
			}
		}(st, account, amount)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		return err
	}
	return nil
}

// ReadPosition 直读仓位（无签名）
func (c *Client) ReadPosition(ctx context.Context, account domain.AgentID, symbol domain.Symbol, side domain.Side) (domain.Position, error) {
	return c.backend.ReadPosition(ctx, account, symbol, side)
}

// ReadMarket 直读市场状态
func (c *Client) ReadMarket(ctx context.Context, symbol domain.Symbol) (domain.MarketState, error) {
	return c.backend.ReadMarket(ctx, symbol)
}

// Close 停机：取消在途调用，排队中的请求以 Shutdown 失败回报
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

func failResult(req TxRequest, err error, retries int) TxResult {
	res := TxResult{Req: req, Err: err, Retries: retries}
	switch {
	case err == nil:
	case ctxErr(err):
		res.Reason = domain.FailTimeout
	case err == ErrInsufficientCollateral:
		res.Reason = domain.FailInsufficientCollateral
	case err == ErrPriceImpactTooLarge:
		res.Reason = domain.FailPriceImpact
	case err == ErrBelowMinSize:
		res.Reason = domain.FailBelowMinSize
	case err == ErrUnknownSymbol:
		res.Reason = domain.FailUnknownSymbol
	case err == ErrShutdown:
		res.Reason = domain.FailShutdown
	default:
		res.Reason = domain.FailExecuteError
	}
	metrics.ChainFailures.Add(1)
	return res
}

func ctxErr(err error) bool {
	return err == context.DeadlineExceeded || err == context.Canceled
}

func classifyTimeout(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// callDigest 对请求做确定性编码并取 keccak256 摘要
func callDigest(req TxRequest, nonce uint64) []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, byte(req.Kind))
	buf = binary.BigEndian.AppendUint32(buf, uint32(req.Account))
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	buf = binary.BigEndian.AppendUint64(buf, uint64(req.OrderID))
	buf = binary.BigEndian.AppendUint64(buf, uint64(req.Amount))
	if req.Params != nil {
		buf = append(buf, []byte(req.Params.Order.ClientOrderID)...)
		buf = append(buf, []byte(req.Params.Order.Symbol)...)
		buf = append(buf, byte(req.Params.Order.Side), byte(req.Params.Order.Kind), byte(req.Params.Order.Action))
		if req.Params.SizeAtoms != nil {
			buf = append(buf, req.Params.SizeAtoms.Bytes()...)
		}
		if req.Params.TriggerPriceAtom != nil {
			buf = append(buf, req.Params.TriggerPriceAtom.Bytes()...)
		}
	}
	return crypto.Keccak256(buf)
}
