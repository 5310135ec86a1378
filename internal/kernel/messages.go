package kernel

import (
	"errors"
	"sync"

	"github.com/betbot/perpsim/internal/domain"
	"github.com/betbot/perpsim/internal/metrics"
)

// ErrMailboxFull 邮箱达到溢出阈值，send 失败
var ErrMailboxFull = errors.New("mailbox full")

// DefaultMailboxLimit 单个邮箱的默认容量上限
const DefaultMailboxLimit = 10_000

// Envelope 邮箱信封
type Envelope struct {
	From        domain.AgentID
	To          domain.AgentID
	Payload     any
	EnqueuedVNS uint64
	deliverVNS  uint64 // 含延迟模型的投递时刻
}

// --- 消息载荷 ---

// OrderIntent 订单意图：策略 → 交易所代理
type OrderIntent struct {
	Order domain.Order
	// ExpiresNS 触发类订单的过期时刻（0 = 不过期）
	ExpiresNS uint64
	// PendingID keeper 把触发挂单转为市价意图时，携带原挂单的 client_order_id
	PendingID string
}

// CancelIntent 撤销驻留挂单：策略 → 交易所代理
type CancelIntent struct {
	ClientOrderID string
}

// ReportStatus 执行回报状态
type ReportStatus uint8

const (
	ReportSubmitted ReportStatus = iota
	ReportExecuted
	ReportFailed
)

// ExecutionReport 执行回报：交易所代理 → 下单方
type ExecutionReport struct {
	Order  domain.Order
	Status ReportStatus
	Reason domain.FailReason
	Result domain.ExecutionResult
}

// Shutdown 终止通知：内核在停机时对每个代理投递一次
type Shutdown struct{}

// GatewayOrder 人工网关下单请求（经 HTTP 进入，详见 gateway 包）
type GatewayOrder struct {
	RequestID string
	Order     domain.Order
}

// GatewayReply 网关请求的应答
type GatewayReply struct {
	RequestID string
	OK        bool
	Message   string
}

// Bus 进程内强类型邮箱
// 排序保证：同一 (from, to) 对 FIFO；不同发送方之间无全序。
// 投递 at-most-once，进程生命周期内不丢失（溢出除外）。
type Bus struct {
	mu        sync.Mutex
	limit     int
	latency   LatencyModel
	mailboxes map[domain.AgentID][]Envelope
}

// NewBus 创建消息总线
func NewBus(limit int, latency LatencyModel) *Bus {
	if limit <= 0 {
		limit = DefaultMailboxLimit
	}
	if latency == nil {
		latency = ZeroLatency{}
	}
	return &Bus{
		limit:     limit,
		latency:   latency,
		mailboxes: make(map[domain.AgentID][]Envelope),
	}
}

// Send 投递消息；邮箱满时返回 ErrMailboxFull
func (b *Bus) Send(from, to domain.AgentID, payload any, nowVNS uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	box := b.mailboxes[to]
	if len(box) >= b.limit {
		metrics.MailboxOverflows.Add(1)
		return ErrMailboxFull
	}

	deliver := nowVNS + b.latency.DelayNS(from, to) + b.latency.ComputeNS(to)
	b.mailboxes[to] = append(box, Envelope{
		From:        from,
		To:          to,
		Payload:     payload,
		EnqueuedVNS: nowVNS,
		deliverVNS:  deliver,
	})
	return nil
}

// Drain 取出 to 在 nowVNS 前（含）应投递的全部信封，保持入队顺序
func (b *Bus) Drain(to domain.AgentID, nowVNS uint64) []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	box := b.mailboxes[to]
	if len(box) == 0 {
		return nil
	}

	var due, rest []Envelope
	for _, env := range box {
		if env.deliverVNS <= nowVNS {
			due = append(due, env)
		} else {
			rest = append(rest, env)
		}
	}
	if len(rest) == 0 {
		delete(b.mailboxes, to)
	} else {
		b.mailboxes[to] = rest
	}
	return due
}

// Pending 某邮箱当前排队数
func (b *Bus) Pending(to domain.AgentID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.mailboxes[to])
}
