package csvlog

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/betbot/perpsim/internal/chain"
	"github.com/betbot/perpsim/internal/domain"
	"github.com/betbot/perpsim/internal/events"
)

var log = logrus.WithField("component", "csv_sink")

// 持久化产物：固定列序、只追加
const (
	ordersFile     = "orders.csv"
	executionsFile = "executions.csv"
	oracleFile     = "oracle.csv"
	positionsFile  = "positions.csv"
	marketsFile    = "markets.csv"
	chainTxFile    = "chain_transactions.csv"
)

var headers = map[string][]string{
	ordersFile:     {"ts", "event", "client_order_id", "account", "symbol", "side", "kind", "action", "size_tokens", "trigger_price", "leverage", "order_id", "reason"},
	executionsFile: {"ts", "client_order_id", "account", "symbol", "side", "action", "order_id", "fill_price", "filled_tokens", "fee_usd", "pnl_usd", "keeper_reward_usd", "liquidated"},
	oracleFile:     {"ts", "symbol", "price_min", "price_mid", "price_max", "publish_ns"},
	positionsFile:  {"ts", "account", "symbol", "side", "size_usd", "size_tokens", "collateral", "entry_price", "current_price", "unrealized_pnl", "liquidation_price", "leverage_actual"},
	marketsFile:    {"ts", "symbol", "mark_price", "oi_long_usd", "oi_short_usd", "liquidity_usd", "funding_rate_per_hour", "borrow_rate_per_hour"},
	chainTxFile:    {"ts", "kind", "account", "nonce", "gas", "success", "order_id", "retries", "reason"},
}

// Sink 把领域事件写成 CSV 日志
type Sink struct {
	dir string

	mu      sync.Mutex
	files   map[string]*os.File
	writers map[string]*csv.Writer
	wg      sync.WaitGroup
}

// NewSink 创建 CSV 落盘器；dir 不存在则创建
func NewSink(dir string) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Sink{
		dir:     dir,
		files:   make(map[string]*os.File),
		writers: make(map[string]*csv.Writer),
	}, nil
}

// writer 取（或建）某文件的 csv writer，新文件先写表头
func (s *Sink) writer(name string) (*csv.Writer, error) {
	if w, ok := s.writers[name]; ok {
		return w, nil
	}
	path := filepath.Join(s.dir, name)
	info, statErr := os.Stat(path)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	w := csv.NewWriter(f)
	if statErr != nil || info.Size() == 0 {
		if err := w.Write(headers[name]); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	s.files[name] = f
	s.writers[name] = w
	return w, nil
}

func (s *Sink) append(name string, record []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.writer(name)
	if err != nil {
		log.Errorf("打开 %s 失败: %v", name, err)
		return
	}
	if err := w.Write(record); err != nil {
		log.Errorf("写 %s 失败: %v", name, err)
		return
	}
	w.Flush()
}

// Run 启动消费 goroutine；订阅关闭后退出
func (s *Sink) Run(sub *events.Subscription) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for ev := range sub.C {
			s.handle(ev)
		}
	}()
}

func (s *Sink) handle(ev events.Event) {
	switch e := ev.(type) {
	case events.OracleTick:
		s.append(oracleFile, []string{
			u64(e.TS), string(e.Sample.Symbol),
			i64(int64(e.Sample.PriceMin)), i64(int64(e.Sample.Mid())), i64(int64(e.Sample.PriceMax)),
			u64(e.Sample.PublishNS),
		})
	case events.OrderSubmitted:
		s.append(ordersFile, orderRecord(e.TS, "submitted", e.Order, e.OrderID, ""))
	case events.OrderFailed:
		s.append(ordersFile, orderRecord(e.TS, "failed", e.Order, 0, string(e.Reason)))
	case events.OrderExecuted:
		s.append(executionsFile, []string{
			u64(e.TS), e.Order.ClientOrderID, u64(uint64(e.Order.Account)),
			string(e.Order.Symbol), e.Order.Side.String(), e.Order.Action.String(),
			u64(uint64(e.Result.OrderID)),
			i64(int64(e.Result.FillPrice)), f64(e.Result.FilledTokens),
			i64(int64(e.Result.FeeUSD)), i64(int64(e.Result.PnL)),
			i64(int64(e.Result.KeeperRewardUSD)), strconv.FormatBool(e.Result.Liquidated),
		})
	case events.PositionSnapshot:
		for _, p := range e.Positions {
			s.append(positionsFile, []string{
				u64(e.TS), u64(uint64(p.Account)), string(p.Symbol), p.Side.String(),
				i64(int64(p.SizeUSD)), f64(p.SizeTokens), i64(int64(p.Collateral)),
				i64(int64(p.EntryPrice)), i64(int64(p.CurrentPrice)),
				i64(int64(p.UnrealizedPnL)), i64(int64(p.LiquidationPrice)),
				u64(uint64(p.LeverageActual)),
			})
		}
	case events.MarketSnapshot:
		s.append(marketsFile, []string{
			u64(e.TS), string(e.State.Symbol), i64(int64(e.State.MarkPrice)),
			i64(int64(e.State.OILongUSD)), i64(int64(e.State.OIShortUSD)),
			i64(int64(e.State.LiquidityUSD)),
			e.State.FundingRatePerHour.String(), e.State.BorrowRatePerHour.String(),
		})
	case events.PositionLiquidated:
		// 清算同时体现在 executions.csv（Liquidated 列）；此处不单独建文件
	}
}

// TxLog 链上交易回执 → chain_transactions.csv（ChainClient 回调）
func (s *Sink) TxLog(res chain.TxResult) {
	s.append(chainTxFile, []string{
		u64(res.Req.EnqueuedVNS), res.Req.Kind.String(), u64(uint64(res.Req.Account)),
		u64(res.Nonce), u64(res.Gas), strconv.FormatBool(res.Success),
		u64(uint64(res.OrderID)), i64(int64(res.Retries)), string(res.Reason),
	})
}

// Close 等消费者退出并关闭文件
func (s *Sink) Close() {
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, w := range s.writers {
		w.Flush()
		_ = s.files[name].Close()
	}
	s.writers = make(map[string]*csv.Writer)
	s.files = make(map[string]*os.File)
}

func orderRecord(ts uint64, event string, o domain.Order, orderID domain.OrderID, reason string) []string {
	return []string{
		u64(ts), event, o.ClientOrderID, u64(uint64(o.Account)),
		string(o.Symbol), o.Side.String(), o.Kind.String(), o.Action.String(),
		f64(o.SizeTokens), i64(int64(o.TriggerPrice)), u64(uint64(o.Leverage)),
		u64(uint64(orderID)), reason,
	}
}

func u64(v uint64) string { return strconv.FormatUint(v, 10) }
func i64(v int64) string  { return strconv.FormatInt(v, 10) }
func f64(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
