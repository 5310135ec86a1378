package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/perpsim/internal/domain"
	"github.com/betbot/perpsim/internal/events"
)

// recorderAgent 记录唤醒轨迹的测试代理
type recorderAgent struct {
	id       domain.AgentID
	interval uint64
	wakes    []uint64
	inbox    []Envelope
	emit     []Outgoing
}

func (a *recorderAgent) ID() domain.AgentID { return a.id }
func (a *recorderAgent) Name() string       { return "recorder" }

func (a *recorderAgent) Step(ctx *Context) StepResult {
	a.wakes = append(a.wakes, ctx.Now)
	a.inbox = append(a.inbox, ctx.Inbox...)
	out := a.emit
	a.emit = nil
	return StepResult{Messages: out, NextWakeDelta: a.interval}
}

func newTestKernel(durationSec uint64) *Kernel {
	return New(Config{
		Mode:        ModeFast,
		DurationSec: durationSec,
		Seed:        42,
	}, events.NewBus(50*time.Millisecond))
}

func TestBusFIFOPerSenderPair(t *testing.T) {
	bus := NewBus(0, ZeroLatency{})
	require.NoError(t, bus.Send(1, 9, "a1", 0))
	require.NoError(t, bus.Send(2, 9, "b1", 0))
	require.NoError(t, bus.Send(1, 9, "a2", 0))
	require.NoError(t, bus.Send(2, 9, "b2", 0))

	got := bus.Drain(9, 10)
	require.Len(t, got, 4)

	// 同一 (from,to) 对内保持 FIFO
	var fromA, fromB []string
	for _, env := range got {
		if env.From == 1 {
			fromA = append(fromA, env.Payload.(string))
		} else {
			fromB = append(fromB, env.Payload.(string))
		}
	}
	assert.Equal(t, []string{"a1", "a2"}, fromA)
	assert.Equal(t, []string{"b1", "b2"}, fromB)
}

func TestBusMailboxFull(t *testing.T) {
	bus := NewBus(2, ZeroLatency{})
	require.NoError(t, bus.Send(1, 2, "x", 0))
	require.NoError(t, bus.Send(1, 2, "y", 0))
	assert.ErrorIs(t, bus.Send(1, 2, "z", 0), ErrMailboxFull)
}

func TestBusLatencyDelaysDelivery(t *testing.T) {
	bus := NewBus(0, FixedLatency{NetworkDelayNS: 100, ComputeDelayNS: 50})
	require.NoError(t, bus.Send(1, 2, "late", 0))

	assert.Empty(t, bus.Drain(2, 149))
	got := bus.Drain(2, 150)
	require.Len(t, got, 1)
	assert.Equal(t, "late", got[0].Payload)
}

func TestKernelWakesAreStrictlyMonotonic(t *testing.T) {
	k := newTestKernel(2)
	a := &recorderAgent{id: 1, interval: uint64(500 * time.Millisecond)}
	k.AddAgent(a, 0)

	require.NoError(t, k.Run(context.Background()))

	// 0ms, 500ms, 1000ms, 1500ms, 2000ms 唤醒 + 停机 step
	require.GreaterOrEqual(t, len(a.wakes), 5)
	for i := 1; i < len(a.wakes)-1; i++ {
		assert.Greater(t, a.wakes[i], a.wakes[i-1], "next_wake 必须严格递增")
	}
}

func TestKernelStableOrderWithinTick(t *testing.T) {
	k := newTestKernel(1)
	var trace []domain.AgentID
	mk := func(id domain.AgentID) Agent {
		return agentFunc{id: id, step: func(ctx *Context) StepResult {
			trace = append(trace, id)
			return StepResult{NextWakeDelta: uint64(time.Second)}
		}}
	}
	// 倒序注册，同一唤醒时刻必须按 AgentID 弹出
	k.AddAgent(mk(3), 0)
	k.AddAgent(mk(1), 0)
	k.AddAgent(mk(2), 0)

	require.NoError(t, k.Run(context.Background()))
	require.GreaterOrEqual(t, len(trace), 3)
	assert.Equal(t, []domain.AgentID{1, 2, 3}, trace[:3])
}

func TestKernelDeliversShutdown(t *testing.T) {
	k := newTestKernel(1)
	a := &recorderAgent{id: 1, interval: uint64(time.Second)}
	k.AddAgent(a, 0)

	require.NoError(t, k.Run(context.Background()))

	var sawShutdown bool
	for _, env := range a.inbox {
		if _, ok := env.Payload.(Shutdown); ok {
			sawShutdown = true
		}
	}
	assert.True(t, sawShutdown, "停机时每个代理应收到一次 Shutdown")
}

func TestKernelMessageRoundTrip(t *testing.T) {
	k := newTestKernel(1)
	b := &recorderAgent{id: 2, interval: uint64(100 * time.Millisecond)}
	a := &recorderAgent{id: 1, interval: uint64(100 * time.Millisecond)}
	a.emit = []Outgoing{{To: 2, Payload: "hello"}}
	k.AddAgent(a, 0)
	k.AddAgent(b, 0)

	require.NoError(t, k.Run(context.Background()))

	var got []string
	for _, env := range b.inbox {
		if s, ok := env.Payload.(string); ok {
			got = append(got, s)
		}
	}
	assert.Equal(t, []string{"hello"}, got)
}

// agentFunc 便捷测试代理
type agentFunc struct {
	id   domain.AgentID
	step func(ctx *Context) StepResult
}

func (f agentFunc) ID() domain.AgentID { return f.id }
func (f agentFunc) Name() string       { return "func" }
func (f agentFunc) Step(ctx *Context) StepResult {
	return f.step(ctx)
}
