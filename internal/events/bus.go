package events

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/perpsim/internal/metrics"
)

var busLog = logrus.WithField("component", "event_bus")

// DefaultPublishTimeout 慢订阅者的最大阻塞时长，超时即丢弃该事件
const DefaultPublishTimeout = 50 * time.Millisecond

// Subscription 一路订阅：事件按发布顺序从 C 读取
type Subscription struct {
	Name string
	C    <-chan Event
	ch   chan Event
}

// Bus 领域事件总线
// 进程内同步有序投递；慢订阅者反压 publish 至多 timeout，之后丢弃并计数。
type Bus struct {
	mu      sync.RWMutex
	subs    []*Subscription
	timeout time.Duration
	dropped int64
	closed  bool
}

// NewBus 创建事件总线
func NewBus(timeout time.Duration) *Bus {
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	return &Bus{timeout: timeout}
}

// Subscribe 订阅全部事件；buffer 为该订阅者的待处理队列容量
func (b *Bus) Subscribe(name string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{Name: name, C: ch, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, sub)
	return sub
}

// Publish 发布事件给所有订阅者，按订阅顺序逐个投递。
// 单个订阅者阻塞超过 timeout 时丢弃该事件并递增丢弃计数。
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := b.subs
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}

	metrics.EventsPublished.Add(1)

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		// 队列已满：最多阻塞 timeout
		timer := time.NewTimer(b.timeout)
		select {
		case sub.ch <- ev:
			timer.Stop()
		case <-timer.C:
			b.mu.Lock()
			b.dropped++
			b.mu.Unlock()
			metrics.EventsDropped.Add(1)
			metrics.PromEventsDropped.Inc()
			busLog.Warnf("订阅者 %s 消费过慢，丢弃事件 %s", sub.Name, ev.EventType())
		}
	}
}

// Dropped 丢弃事件总数
func (b *Bus) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Close 关闭总线，各订阅 channel 收到关闭信号后自行退出
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
}
