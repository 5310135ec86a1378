package gateway

import (
	"time"

	"github.com/betbot/perpsim/internal/domain"
	"github.com/betbot/perpsim/internal/kernel"
)

// HumanAgent 人工交易账户在仿真内的代理：
// 网关注入的意图以它为 from，执行回报经它转发到 WS。
type HumanAgent struct {
	id  domain.AgentID
	hub *Hub

	tickMS uint64
}

// NewHumanAgent 创建人工代理
func NewHumanAgent(id domain.AgentID, hub *Hub, tickMS uint64) *HumanAgent {
	if tickMS == 0 {
		tickMS = 500
	}
	return &HumanAgent{id: id, hub: hub, tickMS: tickMS}
}

func (a *HumanAgent) ID() domain.AgentID { return a.id }
func (a *HumanAgent) Name() string       { return "human" }

// Step 把收到的执行回报推给 WS 客户端
func (a *HumanAgent) Step(ctx *kernel.Context) kernel.StepResult {
	for _, env := range ctx.Inbox {
		if report, ok := env.Payload.(kernel.ExecutionReport); ok && a.hub != nil {
			a.hub.BroadcastResponse(report)
		}
	}
	return kernel.StepResult{NextWakeDelta: a.tickMS * uint64(time.Millisecond)}
}
