package kernel

import (
	"math/rand"

	"github.com/betbot/perpsim/internal/domain"
)

// Outgoing 代理在一次 step 中发出的消息
type Outgoing struct {
	To      domain.AgentID
	Payload any
}

// StepResult 一次 step 的结果
type StepResult struct {
	Messages []Outgoing
	// NextWakeDelta 距离本次 now 的下一次唤醒间隔（虚拟纳秒）。
	// 内核保证唤醒时刻严格大于本次 now（零值会被钳到最小步长）。
	NextWakeDelta uint64
}

// Context 单次 step 的上下文。代理不得跨 tick 保留其中的引用。
type Context struct {
	Now   uint64     // 当前虚拟时间
	Inbox []Envelope // 本次唤醒前排队的消息
	Rand  *rand.Rand // 代理作用域 PRNG，种子来自 (scenario_seed, agent_id)
}

// Agent 代理契约：被内核唤醒，读取快照，发出消息
type Agent interface {
	ID() domain.AgentID
	Name() string
	Step(ctx *Context) StepResult
}
