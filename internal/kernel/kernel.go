package kernel

import (
	"container/heap"
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/perpsim/internal/domain"
	"github.com/betbot/perpsim/internal/events"
	"github.com/betbot/perpsim/internal/metrics"
	"github.com/betbot/perpsim/pkg/sigchan"
)

var kernelLog = logrus.WithField("component", "kernel")

// minWakeDeltaNS 唤醒间隔下限，保证 next_wake 严格大于 now
const minWakeDeltaNS = 1

// wakeEntry 调度堆条目
type wakeEntry struct {
	wakeVNS uint64
	id      domain.AgentID
}

// wakeHeap (next_wake, agent_id) 小顶堆；同一时刻按 AgentID 稳定排序
type wakeHeap []wakeEntry

func (h wakeHeap) Len() int { return len(h) }
func (h wakeHeap) Less(i, j int) bool {
	if h[i].wakeVNS != h[j].wakeVNS {
		return h[i].wakeVNS < h[j].wakeVNS
	}
	return h[i].id < h[j].id
}
func (h wakeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *wakeHeap) Push(x any)         { *h = append(*h, x.(wakeEntry)) }
func (h *wakeHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Config 内核配置
type Config struct {
	Mode         ClockMode
	TickMS       uint64 // 实时模式 tick 宽度
	DurationSec  uint64 // 运行时长（虚拟秒），快速与实时模式都在此时刻结束
	Seed         uint64 // 场景种子
	MailboxLimit int
	Latency      LatencyModel
}

// Kernel 仿真内核：唤醒调度、tick 循环、停机协调
// 单线程协作式：一个 tick 内代理从不并发运行。
type Kernel struct {
	cfg    Config
	clock  *Clock
	bus    *Bus
	events *events.Bus

	agents map[domain.AgentID]Agent
	order  []domain.AgentID // 已注册代理 ID，按 ID 升序（停机遍历用）
	rngs   map[domain.AgentID]*rand.Rand
	sched  wakeHeap

	injectMu  sync.Mutex
	injected  []Envelope    // 网关等外部线程注入，最迟在 tick 开始时并入邮箱
	injectSig *sigchan.Chan // 实时模式下提示循环尽快并入注入消息
}

// New 创建内核
func New(cfg Config, bus *events.Bus) *Kernel {
	if cfg.TickMS == 0 {
		cfg.TickMS = 100
	}
	return &Kernel{
		cfg:       cfg,
		clock:     NewClock(cfg.Mode),
		bus:       NewBus(cfg.MailboxLimit, cfg.Latency),
		events:    bus,
		agents:    make(map[domain.AgentID]Agent),
		rngs:      make(map[domain.AgentID]*rand.Rand),
		injectSig: sigchan.New(1),
	}
}

// Clock 虚拟时钟
func (k *Kernel) Clock() *Clock { return k.clock }

// Events 领域事件总线
func (k *Kernel) Events() *events.Bus { return k.events }

// AddAgent 注册代理并调度其首次唤醒
func (k *Kernel) AddAgent(a Agent, startDelayNS uint64) {
	id := a.ID()
	if _, dup := k.agents[id]; dup {
		kernelLog.Warnf("代理 id=%d 重复注册，忽略", id)
		return
	}
	k.agents[id] = a
	k.order = append(k.order, id)
	sort.Slice(k.order, func(i, j int) bool { return k.order[i] < k.order[j] })

	// 代理作用域 PRNG：种子 = (scenario_seed, agent_id) 的确定性组合
	seed := int64(uint64(k.cfg.Seed) ^ uint64(id+1)*0x9E3779B97F4A7C15)
	k.rngs[id] = rand.New(rand.NewSource(seed))

	wake := k.clock.NowVNS() + startDelayNS
	heap.Push(&k.sched, wakeEntry{wakeVNS: wake, id: id})
	kernelLog.Infof("注册代理 %s (id=%d) 首次唤醒 t=%d", a.Name(), id, wake)
}

// Inject 线程安全的外部消息入口（HTTP/WS 网关专用）。
// 注入的消息最迟在下一个 tick 开始时并入邮箱（实时模式下收到信号即并入）。
func (k *Kernel) Inject(from, to domain.AgentID, payload any) {
	k.injectMu.Lock()
	k.injected = append(k.injected, Envelope{From: from, To: to, Payload: payload})
	k.injectMu.Unlock()
	k.injectSig.Emit()
}

func (k *Kernel) mergeInjected(nowVNS uint64) {
	k.injectMu.Lock()
	pending := k.injected
	k.injected = nil
	k.injectMu.Unlock()

	for _, env := range pending {
		if err := k.bus.Send(env.From, env.To, env.Payload, nowVNS); err != nil {
			kernelLog.Warnf("注入消息失败 to=%d: %v", env.To, err)
		}
	}
}

// stepAgent 投递排队消息并执行一次 step，再把下一次唤醒压回调度堆
func (k *Kernel) stepAgent(id domain.AgentID, target uint64) {
	agent := k.agents[id]
	inbox := k.bus.Drain(id, target)

	res := agent.Step(&Context{Now: target, Inbox: inbox, Rand: k.rngs[id]})

	for _, m := range res.Messages {
		if err := k.bus.Send(id, m.To, m.Payload, target); err != nil {
			// MailboxFull 属于编程错误：记录后当作本 tick 空操作
			kernelLog.Errorf("代理 %s 发送失败 to=%d: %v", agent.Name(), m.To, err)
		}
	}

	delta := res.NextWakeDelta
	if delta < minWakeDeltaNS {
		delta = minWakeDeltaNS
	}
	heap.Push(&k.sched, wakeEntry{wakeVNS: target + delta, id: id})
}

// runTick 执行一次 tick：弹出所有 next_wake ≤ target 的代理并依次 step
func (k *Kernel) runTick(target uint64) {
	started := time.Now()
	k.mergeInjected(target)

	for len(k.sched) > 0 && k.sched[0].wakeVNS <= target {
		entry := heap.Pop(&k.sched).(wakeEntry)
		if _, ok := k.agents[entry.id]; !ok {
			continue
		}
		k.stepAgent(entry.id, target)
	}
	metrics.PromTickDuration.Observe(time.Since(started).Seconds())
}

// Run 运行仿真直至时长耗尽或 ctx 取消
func (k *Kernel) Run(ctx context.Context) error {
	kernelLog.Infof("内核启动：mode=%s agents=%d tick=%dms duration=%ds",
		k.cfg.Mode, len(k.agents), k.cfg.TickMS, k.cfg.DurationSec)

	if k.cfg.Mode == ModeFast {
		k.runFast(ctx)
	} else {
		k.runRealtime(ctx)
	}

	k.shutdown()
	kernelLog.Infof("内核停止于 t=%d", k.clock.NowVNS())
	return nil
}

func (k *Kernel) runFast(ctx context.Context) {
	endVNS := k.cfg.DurationSec * uint64(time.Second)
	for len(k.sched) > 0 {
		select {
		case <-ctx.Done():
			return
		default:
		}

		next := k.sched[0].wakeVNS
		if endVNS > 0 && next > endVNS {
			k.clock.advanceTo(endVNS)
			return
		}
		k.clock.advanceTo(next)
		k.runTick(next)
	}
}

func (k *Kernel) runRealtime(ctx context.Context) {
	tick := time.Duration(k.cfg.TickMS) * time.Millisecond
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	endVNS := k.cfg.DurationSec * uint64(time.Second)
	for {
		select {
		case <-ctx.Done():
			return
		case <-k.injectSig.C():
			// 网关注入尽快入邮箱，下一 tick 即可投递
			k.mergeInjected(k.clock.NowVNS())
		case <-ticker.C:
			target := k.clock.NowVNS()
			k.runTick(target)
			if endVNS > 0 && target >= endVNS {
				return
			}
		}
	}
}

// shutdown 停机：按 AgentID 顺序对每个代理投递一次 Shutdown 并做最终 drain
func (k *Kernel) shutdown() {
	now := k.clock.NowVNS()
	for _, id := range k.order {
		if err := k.bus.Send(id, id, Shutdown{}, now); err != nil {
			kernelLog.Warnf("停机通知投递失败 id=%d: %v", id, err)
		}
	}
	for _, id := range k.order {
		agent := k.agents[id]
		inbox := k.bus.Drain(id, ^uint64(0))
		res := agent.Step(&Context{Now: now, Inbox: inbox, Rand: k.rngs[id]})
		// 停机阶段发出的消息仍然投递（下游代理在自己的最终 step 中处理）
		for _, m := range res.Messages {
			if err := k.bus.Send(id, m.To, m.Payload, now); err != nil {
				kernelLog.Warnf("停机消息丢弃 to=%d: %v", m.To, err)
			}
		}
	}
}
